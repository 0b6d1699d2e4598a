package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/registry"
	"github.com/conectahub/conecta/runtime/upstream/erp"
)

// Event types the pipeline fulfills, per source platform.
var fulfillEvents = map[hub.Integration]map[string]bool{
	hub.IntegrationStorefront: {
		"orders.paid":   true,
		"orders.create": true,
	},
	hub.IntegrationERP: {
		"on_submit":               true,
		"sales_invoice.on_submit": true,
		"pos_invoice.on_submit":   true,
	},
}

// Event types that trigger the return flow.
var returnEvents = map[hub.Integration]map[string]bool{
	hub.IntegrationStorefront: {"refunds.create": true},
	hub.IntegrationERP:        {"sales_invoice.on_return": true},
}

type (
	// Options configures the fulfillment handler.
	Options struct {
		// Orders persists fulfillment order rows. Required.
		Orders hub.FulfillmentStore
		// Items looks up stored item mappings. Required.
		Items hub.ItemMapStore
		// Organizations resolves tenant settings. Required.
		Organizations hub.OrganizationStore
		// Credentials resolves the distributor ERP credential. Required.
		Credentials hub.CredentialStore
		// Messages records the outbound calls the pipeline makes. Required.
		Messages hub.Store
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Handler is the fulfillment pipeline entry point.
	Handler struct {
		orders hub.FulfillmentStore
		items  hub.ItemMapStore
		orgs   hub.OrganizationStore
		creds  hub.CredentialStore
		msgs   hub.Store
		now    func() time.Time
	}
)

// New validates the options and returns the handler.
func New(opts Options) (*Handler, error) {
	if opts.Orders == nil {
		return nil, errors.New("fulfillment order store is required")
	}
	if opts.Items == nil {
		return nil, errors.New("item map store is required")
	}
	if opts.Organizations == nil {
		return nil, errors.New("organization store is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Messages == nil {
		return nil, errors.New("message store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		orders: opts.Orders,
		items:  opts.Items,
		orgs:   opts.Organizations,
		creds:  opts.Credentials,
		msgs:   opts.Messages,
		now:    now,
	}, nil
}

// Register wires the handler into the registry for both source platforms.
func (h *Handler) Register(r *registry.Registry) {
	for integration, events := range fulfillEvents {
		for event := range events {
			r.Register(integration, event, h.Handle)
		}
	}
	for integration, events := range returnEvents {
		for event := range events {
			r.Register(integration, event, h.HandleReturn)
		}
	}
}

// Handle runs one fulfillment attempt for an inbound order message.
func (h *Handler) Handle(ctx context.Context, m *hub.Message) (any, error) {
	if returnEvents[m.Integration][m.EventType] {
		return h.HandleReturn(ctx, m)
	}
	if !fulfillEvents[m.Integration][m.EventType] {
		return map[string]any{
			"skipped": true,
			"reason":  fmt.Sprintf("event type %q is not fulfillable", m.EventType),
		}, nil
	}

	org, err := h.orgs.Get(ctx, m.OrganizationID)
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return nil, &hub.FulfillmentError{
				Code:    "unknown_organization",
				Message: fmt.Sprintf("organization %s not found", m.OrganizationID),
			}
		}
		return nil, fmt.Errorf("load organization: %w", err)
	}
	st := SettingsFrom(org)

	order, err := Normalize(m.Integration, m.Payload)
	if err != nil {
		return nil, err
	}
	ctx = log.With(ctx, log.KV{K: "order_id", V: order.ID})

	fo, _, err := h.orders.GetOrCreate(ctx, &hub.FulfillmentOrder{
		OrganizationID:  m.OrganizationID,
		Source:          m.Integration,
		OrderID:         order.ID,
		Status:          hub.OrderPending,
		SourceEventType: m.EventType,
		SourcePayload:   m.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("load fulfillment order: %w", err)
	}
	if fo.Status == hub.OrderFulfilled {
		log.Info(ctx, log.KV{K: "msg", V: "order already fulfilled"}, log.KV{K: "delivery_note", V: fo.DeliveryNoteName})
		return alreadyFulfilled(fo), nil
	}

	now := h.now().UTC()
	fo.Status = hub.OrderProcessing
	fo.SourceEventType = m.EventType
	fo.SourcePayload = m.Payload
	fo.NormalizedOrder = order.AsMap()
	fo.SellerCompany = st.ResolveSellerCompany(order)
	fo.UpdatedAt = now

	mapped, target, err := mapLines(ctx, h.items, m.OrganizationID, m.Integration, fo.SellerCompany, order.Lines, st)
	if err != nil {
		h.failOrder(ctx, fo, err)
		return nil, err
	}
	fo.TargetCompany = target
	fo.MappingSnapshot = snapshot(mapped)
	if err := h.orders.Save(ctx, fo); err != nil {
		return nil, fmt.Errorf("save fulfillment order: %w", err)
	}

	x, err := h.executorFor(ctx, m.OrganizationID, target, st)
	if err != nil {
		h.failOrder(ctx, fo, err)
		return nil, err
	}

	if err := x.checkStock(ctx, mapped); err != nil {
		return nil, h.handleStockError(ctx, fo, err)
	}
	serials, err := x.allocateSerials(ctx, mapped)
	if err != nil {
		return nil, h.handleStockError(ctx, fo, err)
	}

	customer := st.DefaultCustomer
	if customer == "" {
		customer = order.CustomerName
	}

	var salesOrder string
	if st.CreateSalesOrder {
		salesOrder, err = x.createSalesOrder(ctx, order, customer, target, mapped)
		if err != nil {
			h.failOrder(ctx, fo, err)
			return nil, err
		}
		fo.SalesOrderName = salesOrder
	}

	doc, err := x.createDeliveryNote(ctx, customer, target, salesOrder, mapped, serials)
	if err != nil {
		h.failOrder(ctx, fo, err)
		return nil, err
	}

	perItem, flat := serialsFromDoc(doc)
	deliveryNote := str(doc["name"])
	result := map[string]any{
		"delivery_note": deliveryNote,
		"serials":       flat,
		"lines":         linesResult(perItem),
	}
	if salesOrder != "" {
		result["sales_order"] = salesOrder
	}

	h.propagateStatus(ctx, x, m.Integration, order, deliveryNote, result)

	fo.DeliveryNoteName = deliveryNote
	submittedAt := h.now().UTC()
	fo.DeliveryNoteSubmittedAt = &submittedAt
	fo.SerialNumbers = flat
	fo.MarkFulfilled(result, submittedAt)
	if err := h.orders.Save(ctx, fo); err != nil {
		return nil, fmt.Errorf("save fulfillment order: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "order fulfilled"},
		log.KV{K: "delivery_note", V: deliveryNote},
		log.KV{K: "sales_order", V: salesOrder})
	return result, nil
}

// executorFor resolves the distributor credential and builds the ERP
// executor for the target company.
func (h *Handler) executorFor(ctx context.Context, org uuid.UUID, target string, st Settings) (*executor, error) {
	cred, err := hub.ActiveForCompany(ctx, h.creds, org, hub.IntegrationERP, target)
	if err != nil {
		return nil, err
	}
	client, err := erp.ForCredential(h.msgs, cred)
	if err != nil {
		return nil, err
	}
	return &executor{erp: client, settings: st, now: h.now}, nil
}

// handleStockError puts the order on hold for backorders and records
// everything else as a failure. The error is returned unchanged so the
// processor applies its own semantics.
func (h *Handler) handleStockError(ctx context.Context, fo *hub.FulfillmentOrder, err error) error {
	var boErr *hub.BackorderError
	if errors.As(err, &boErr) {
		fo.MarkWaitingStock(boErr.RetryAfter, h.now().UTC())
		if saveErr := h.orders.Save(ctx, fo); saveErr != nil {
			log.Error(ctx, saveErr, log.KV{K: "msg", V: "save waiting order"})
		}
		log.Info(ctx, log.KV{K: "msg", V: "order waiting for stock"},
			log.KV{K: "items", V: boErr.Items},
			log.KV{K: "attempt", V: fo.BackorderAttempts})
		return err
	}
	h.failOrder(ctx, fo, err)
	return err
}

// failOrder records the failure on the order row. Retryable failures
// leave the row pending so the message retry can pick it up again.
func (h *Handler) failOrder(ctx context.Context, fo *hub.FulfillmentOrder, err error) {
	code, retryable, _ := hub.Classify(err)
	now := h.now().UTC()
	if retryable {
		fo.Status = hub.OrderPending
		fo.LastErrorCode = code
		fo.LastErrorMessage = err.Error()
		fo.UpdatedAt = now
	} else {
		fo.MarkFailed(code, err.Error(), now)
	}
	if saveErr := h.orders.Save(ctx, fo); saveErr != nil {
		log.Error(ctx, saveErr, log.KV{K: "msg", V: "save failed order"})
	}
}

// propagateStatus reports the fulfillment back to the source platform.
// ERP updates are best-effort; storefront notification stays pending.
func (h *Handler) propagateStatus(ctx context.Context, x *executor, source hub.Integration, order *Order, deliveryNote string, result map[string]any) {
	if source != hub.IntegrationERP || order.Doctype == "" {
		result["storefront_notification"] = "pending"
		return
	}
	_, err := x.erp.UpdateDoc(ctx, order.Doctype, order.ID, map[string]any{
		"custom_fulfillment_status": "fulfilled",
		"custom_external_ref":       deliveryNote,
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "propagate fulfillment status"})
		result["status_propagated"] = false
		return
	}
	result["status_propagated"] = true
}

func alreadyFulfilled(fo *hub.FulfillmentOrder) map[string]any {
	result := map[string]any{
		"already_fulfilled": true,
		"delivery_note":     fo.DeliveryNoteName,
		"serials":           fo.SerialNumbers,
	}
	if fo.SalesOrderName != "" {
		result["sales_order"] = fo.SalesOrderName
	}
	return result
}

func linesResult(perItem map[string][]string) map[string]any {
	out := make(map[string]any, len(perItem))
	for code, serials := range perItem {
		out[code] = serials
	}
	return out
}
