package fulfillment

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/conectahub/conecta/runtime/hub"
)

type (
	// Order is the canonical form both sources normalize into.
	Order struct {
		ID            string
		Doctype       string
		Company       string
		CustomerName  string
		CustomerEmail string
		Currency      string
		Total         float64
		CreatedAt     string
		Tags          []string
		ShopDomain    string
		Lines         []Line
		Raw           map[string]any
	}

	// Line is one order line before item mapping.
	Line struct {
		SourceItemCode string
		Description    string
		Quantity       float64
		UnitPrice      float64
	}
)

// Normalize converts a raw webhook payload into the canonical order for
// the given source platform.
func Normalize(source hub.Integration, payload map[string]any) (*Order, error) {
	switch source {
	case hub.IntegrationStorefront:
		return normalizeStorefront(payload)
	case hub.IntegrationERP:
		return normalizeERP(payload)
	default:
		return nil, &hub.FulfillmentError{
			Code:       "unsupported_source",
			Message:    fmt.Sprintf("no normalizer for %s", source),
			StatusCode: http.StatusUnprocessableEntity,
		}
	}
}

// AsMap flattens the order for persistence on the fulfillment row.
func (o *Order) AsMap() map[string]any {
	lines := make([]any, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = map[string]any{
			"source_item_code": l.SourceItemCode,
			"description":      l.Description,
			"quantity":         l.Quantity,
			"unit_price":       l.UnitPrice,
		}
	}
	return map[string]any{
		"id":             o.ID,
		"doctype":        o.Doctype,
		"company":        o.Company,
		"customer_name":  o.CustomerName,
		"customer_email": o.CustomerEmail,
		"currency":       o.Currency,
		"total":          o.Total,
		"created_at":     o.CreatedAt,
		"lines":          lines,
	}
}

func normalizeStorefront(payload map[string]any) (*Order, error) {
	o := &Order{
		ID:            firstString(payload, "order_id", "id", "name", "external_reference"),
		CustomerEmail: str(payload["contact_email"]),
		Currency:      str(payload["currency"]),
		Total:         num(firstValue(payload, "total_price", "total")),
		CreatedAt:     str(payload["created_at"]),
		ShopDomain:    firstString(payload, "shop_domain", "domain"),
		Raw:           payload,
	}
	if customer, ok := payload["customer"].(map[string]any); ok {
		if o.CustomerEmail == "" {
			o.CustomerEmail = str(customer["email"])
		}
		o.CustomerName = strings.TrimSpace(str(customer["first_name"]) + " " + str(customer["last_name"]))
	}
	if o.CustomerEmail == "" {
		o.CustomerEmail = str(payload["email"])
	}
	if tags := str(payload["tags"]); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				o.Tags = append(o.Tags, tag)
			}
		}
	}
	items, _ := payload["line_items"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		qty := num(item["quantity"])
		if qty <= 0 {
			continue
		}
		o.Lines = append(o.Lines, Line{
			SourceItemCode: firstString(item, "sku", "variant_id", "product_id", "id", "title"),
			Description:    firstString(item, "title", "name"),
			Quantity:       qty,
			UnitPrice:      num(item["price"]),
		})
	}
	return o, o.check()
}

func normalizeERP(payload map[string]any) (*Order, error) {
	o := &Order{
		ID:            str(payload["name"]),
		Doctype:       str(payload["doctype"]),
		Company:       str(payload["company"]),
		CustomerName:  firstString(payload, "customer_name", "customer"),
		CustomerEmail: str(payload["custom_customer_email"]),
		Currency:      str(payload["currency"]),
		Total:         num(firstValue(payload, "grand_total", "total")),
		CreatedAt:     firstString(payload, "posting_date", "transaction_date", "creation"),
		Raw:           payload,
	}
	if customer, ok := payload["customer"].(map[string]any); ok {
		if o.CustomerEmail == "" {
			o.CustomerEmail = str(customer["email_id"])
		}
		o.CustomerName = firstString(customer, "customer_name", "name")
	}
	if o.CustomerEmail == "" {
		o.CustomerEmail = str(payload["contact_email"])
	}
	items, _ := payload["items"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		qty := num(item["qty"])
		if qty <= 0 {
			continue
		}
		o.Lines = append(o.Lines, Line{
			SourceItemCode: firstString(item, "item_code", "item_name"),
			Description:    firstString(item, "description", "item_name"),
			Quantity:       qty,
			UnitPrice:      num(item["rate"]),
		})
	}
	return o, o.check()
}

func (o *Order) check() error {
	if o.ID == "" {
		return &hub.FulfillmentError{
			Code:       "invalid_order",
			Message:    "order has no identifier",
			StatusCode: http.StatusUnprocessableEntity,
		}
	}
	if len(o.Lines) == 0 {
		return &hub.FulfillmentError{
			Code:       "empty_order",
			Message:    fmt.Sprintf("order %s has no fulfillable lines", o.ID),
			StatusCode: http.StatusUnprocessableEntity,
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return ""
	}
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	case int:
		return float64(t)
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}
