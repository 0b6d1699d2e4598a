package invoicesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/registry"
	"github.com/conectahub/conecta/runtime/upstream/accounting"
	"github.com/conectahub/conecta/runtime/upstream/erp"
)

// Submit events that carry a syncable invoice.
var syncEvents = map[string]bool{
	"on_submit":               true,
	"sales_invoice.on_submit": true,
	"pos_invoice.on_submit":   true,
}

const pendingOrdersBatch = 100

type (
	// Options configures the invoice sync handler.
	Options struct {
		// Credentials resolves accounting and ERP credentials. Required.
		Credentials hub.CredentialStore
		// Messages records the outbound calls. Required.
		Messages hub.Store
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Handler syncs submitted ERP invoices into the accounting platform.
	Handler struct {
		creds hub.CredentialStore
		msgs  hub.Store
		now   func() time.Time
	}
)

// New validates the options and returns the handler.
func New(opts Options) (*Handler, error) {
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
	return &Handler{creds: opts.Credentials, msgs: opts.Messages, now: now}, nil
}

// Register wires the handler for the invoice submit events of both
// source integrations.
func (h *Handler) Register(r *registry.Registry) {
	for event := range syncEvents {
		r.Register(hub.IntegrationERP, event, h.Handle)
		r.Register(hub.IntegrationAccounting, event, h.Handle)
	}
}

// Handle syncs one submitted invoice.
func (h *Handler) Handle(ctx context.Context, m *hub.Message) (any, error) {
	if !syncEvents[m.EventType] {
		return map[string]any{
			"skipped": true,
			"reason":  fmt.Sprintf("event type %q is not a submitted invoice", m.EventType),
		}, nil
	}

	cred, err := hub.ActiveForCompany(ctx, h.creds, m.OrganizationID, hub.IntegrationAccounting, str(m.Payload["company"]))
	if err != nil {
		return nil, err
	}
	client, err := accounting.ForCredential(h.msgs, cred)
	if err != nil {
		return nil, err
	}
	cfg := configFor(cred)

	contact, err := ensureContact(ctx, client, m.Payload, cfg)
	if err != nil {
		return nil, err
	}
	contactID := idOf(contact)
	ctx = log.With(ctx, log.KV{K: "contact_id", V: contactID})

	invoice, err := buildInvoice(m.Payload, contactID, cred, cfg, h.now())
	if err != nil {
		return nil, err
	}

	name := firstString(m.Payload, "name", "external_reference")
	created, err := client.CreateInvoice(ctx, invoice, name)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "invoice synced"},
		log.KV{K: "invoice", V: name},
		log.KV{K: "accounting_id", V: idOf(created)})
	return map[string]any{
		"invoice_id": idOf(created),
		"contact_id": contactID,
	}, nil
}

// CreateInvoicesFromPendingOrders drafts a sales invoice for every ERP
// sales order in "To Bill" state. It is triggered by operators, not by
// webhooks, and reports per-order outcomes instead of failing fast.
func (h *Handler) CreateInvoicesFromPendingOrders(ctx context.Context, org uuid.UUID) (map[string]any, error) {
	cred, err := hub.ActiveForCompany(ctx, h.creds, org, hub.IntegrationERP, "")
	if err != nil {
		return nil, err
	}
	client, err := erp.ForCredential(h.msgs, cred)
	if err != nil {
		return nil, err
	}

	orders, err := client.ListDocs(ctx, "Sales Order",
		[]erp.Filter{{Field: "status", Operator: "=", Value: "To Bill"}},
		[]string{"name"}, pendingOrdersBatch)
	if err != nil {
		return nil, err
	}

	var created []string
	var failed []map[string]any
	for _, order := range orders {
		name := str(order["name"])
		if name == "" {
			continue
		}
		invoice, err := client.CreateSalesInvoiceFromOrder(ctx, name)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "draft invoice from order"}, log.KV{K: "sales_order", V: name})
			failed = append(failed, map[string]any{"sales_order": name, "error": err.Error()})
			continue
		}
		created = append(created, str(invoice["name"]))
	}

	status := "success"
	if len(failed) > 0 {
		status = "partial_success"
	}
	return map[string]any{
		"status":           status,
		"invoices_created": len(created),
		"errors":           len(failed),
		"details": map[string]any{
			"created": created,
			"failed":  failed,
		},
	}, nil
}
