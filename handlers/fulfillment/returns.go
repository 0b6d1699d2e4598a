package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
)

// HandleReturn generates and submits a return delivery note against a
// fulfilled order. The return references the original delivery note and
// sends the recorded serial numbers back line by line.
func (h *Handler) HandleReturn(ctx context.Context, m *hub.Message) (any, error) {
	orderID := firstString(m.Payload, "order_id", "id", "name", "external_reference")
	if orderID == "" {
		return nil, &hub.FulfillmentError{
			Code:       "invalid_order",
			Message:    "return has no order identifier",
			StatusCode: http.StatusUnprocessableEntity,
		}
	}
	ctx = log.With(ctx, log.KV{K: "order_id", V: orderID})

	fo, err := h.orders.Get(ctx, m.OrganizationID, m.Integration, orderID)
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return nil, &hub.FulfillmentError{
				Code:       "missing_delivery_note",
				Message:    fmt.Sprintf("no fulfillment on record for order %s", orderID),
				StatusCode: http.StatusUnprocessableEntity,
			}
		}
		return nil, fmt.Errorf("load fulfillment order: %w", err)
	}
	if fo.Status == hub.OrderReturned {
		return map[string]any{
			"already_returned":     true,
			"return_delivery_note": fo.ReturnDeliveryNoteName,
		}, nil
	}
	if fo.DeliveryNoteName == "" {
		return nil, &hub.FulfillmentError{
			Code:       "missing_delivery_note",
			Message:    fmt.Sprintf("order %s was never delivered", orderID),
			StatusCode: http.StatusUnprocessableEntity,
		}
	}
	if len(fo.SerialNumbers) == 0 {
		return nil, &hub.FulfillmentError{
			Code:       "missing_serials",
			Message:    fmt.Sprintf("order %s has no recorded serial numbers", orderID),
			StatusCode: http.StatusUnprocessableEntity,
		}
	}

	org, err := h.orgs.Get(ctx, m.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	st := SettingsFrom(org)
	x, err := h.executorFor(ctx, m.OrganizationID, fo.TargetCompany, st)
	if err != nil {
		return nil, err
	}

	customer := st.DefaultCustomer
	if customer == "" {
		customer = str(fo.NormalizedOrder["customer_name"])
	}
	doc := map[string]any{
		"doctype":        "Delivery Note",
		"is_return":      1,
		"return_against": fo.DeliveryNoteName,
		"customer":       customer,
		"company":        fo.TargetCompany,
		"items":          returnItems(fo),
	}
	created, err := x.erp.InsertDoc(ctx, "Delivery Note", doc)
	if err != nil {
		return nil, &hub.FulfillmentError{
			Code:       "return_creation",
			Message:    fmt.Sprintf("return for %s failed", fo.DeliveryNoteName),
			Retryable:  classifyRetryable(err),
			StatusCode: http.StatusBadGateway,
			Err:        err,
		}
	}
	name := str(created["name"])
	if _, err := x.erp.SubmitDoc(ctx, "Delivery Note", name); err != nil {
		return nil, &hub.FulfillmentError{
			Code:       "return_submit",
			Message:    fmt.Sprintf("return delivery note %s not submitted", name),
			StatusCode: http.StatusConflict,
			Err:        err,
		}
	}

	now := h.now().UTC()
	result := map[string]any{
		"return_delivery_note": name,
		"return_against":       fo.DeliveryNoteName,
		"serials":              fo.SerialNumbers,
	}
	fo.Status = hub.OrderReturned
	fo.ReturnDeliveryNoteName = name
	fo.ReturnedAt = &now
	fo.ReturnPayload = result
	fo.UpdatedAt = now
	if err := h.orders.Save(ctx, fo); err != nil {
		return nil, fmt.Errorf("save fulfillment order: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "order returned"}, log.KV{K: "return_delivery_note", V: name})
	return result, nil
}

// returnItems builds the negative-quantity return lines from the mapping
// snapshot, carrying the serials recorded at fulfillment time.
func returnItems(fo *hub.FulfillmentOrder) []any {
	serials := serialsByItem(fo)
	items := make([]any, 0, len(fo.MappingSnapshot))
	for _, line := range fo.MappingSnapshot {
		code := str(line["target_item_code"])
		item := map[string]any{
			"item_code": code,
			"qty":       -num(line["quantity"]),
			"warehouse": str(line["warehouse"]),
		}
		if list := serials[code]; len(list) > 0 {
			item["serial_no"] = strings.Join(list, "\n")
		}
		items = append(items, item)
	}
	return items
}

// serialsByItem reads the per-line serial breakdown recorded in the
// fulfillment result.
func serialsByItem(fo *hub.FulfillmentOrder) map[string][]string {
	lines, _ := fo.ResultPayload["lines"].(map[string]any)
	out := make(map[string][]string, len(lines))
	for code, raw := range lines {
		switch t := raw.(type) {
		case []string:
			out[code] = t
		case []any:
			for _, v := range t {
				if s := str(v); s != "" {
					out[code] = append(out[code], s)
				}
			}
		}
	}
	return out
}
