package invoicesync

import (
	"net/http"
	"time"

	"github.com/conectahub/conecta/runtime/hub"
)

const maxObservations = 500

// buildInvoice assembles the accounting invoice payload from the ERP
// document, the resolved contact and the tenant's mapping configuration.
func buildInvoice(payload map[string]any, contactID string, cred *hub.Credential, cfg config, now time.Time) (map[string]any, error) {
	date := firstString(payload, "posting_date", "date")
	if date == "" {
		date = now.UTC().Format("2006-01-02")
	}
	dueDate := firstString(payload, "due_date")
	if dueDate == "" {
		dueDate = date
	}
	total, ok := grandTotal(payload)
	if !ok {
		return nil, &hub.FulfillmentError{
			Code:       hub.CodeValidationError,
			Message:    "invoice payload has no grand_total",
			StatusCode: http.StatusUnprocessableEntity,
		}
	}

	invoice := map[string]any{
		"client":        map[string]any{"id": contactID},
		"date":          date,
		"dueDate":       dueDate,
		"items":         buildItems(payload, cfg),
		"payments":      buildPayments(payload, cfg, total, dueDate),
		"stamp":         map[string]any{"generateStamp": cred.AutoStampOnCreate},
		"paymentForm":   cfg.str("default_payment_form", "CASH"),
		"type":          cfg.str("default_invoice_type", "NATIONAL"),
		"operationType": cfg.str("default_operation_type", "STANDARD"),
		"status":        cfg.str("default_invoice_status", "open"),
		"pointOfSale":   str(payload["doctype"]) == "POS Invoice",
	}

	if template := numberTemplate(cred, cfg); len(template) > 0 {
		invoice["numberTemplate"] = template
	}
	if remarks := str(payload["remarks"]); remarks != "" {
		if runes := []rune(remarks); len(runes) > maxObservations {
			remarks = string(runes[:maxObservations])
		}
		invoice["observations"] = remarks
	}
	if internal := firstString(payload, "naming_series", "name"); internal != "" {
		invoice["internalId"] = internal
	}
	return invoice, nil
}

// buildItems maps the ERP lines, attaching the tenant's accounting item
// id and the first invoice tax when their maps supply one.
func buildItems(payload map[string]any, cfg config) []any {
	itemMap := cfg.mapOf("item_map")
	invoiceTax := firstTax(payload, cfg)

	var items []any
	for _, item := range asList(payload["items"]) {
		code := str(item["item_code"])
		line := map[string]any{
			"name":        firstString(item, "item_name", "description", "item_code"),
			"description": str(item["description"]),
			"code":        code,
			"reference":   code,
			"quantity":    num(item["qty"]),
			"price":       priceOf(item),
			"discount":    num(item["discount"]),
		}
		if line["quantity"] == 0.0 {
			line["quantity"] = 1.0
		}
		if invoiceTax != nil {
			line["tax"] = invoiceTax
		}
		accountingID := item["alegra_id"]
		if accountingID == nil && code != "" {
			accountingID = itemMap[code]
		}
		if accountingID != nil {
			line["item"] = map[string]any{"id": accountingID}
		}
		items = append(items, line)
	}
	return items
}

// firstTax resolves the invoice-level tax from the first tax row via the
// tenant's tax_map. Unmapped account heads produce no tax.
func firstTax(payload map[string]any, cfg config) map[string]any {
	taxes := asList(payload["taxes"])
	if len(taxes) == 0 {
		return nil
	}
	head := str(taxes[0]["account_head"])
	id := cfg.mapOf("tax_map")[head]
	if id == nil {
		return nil
	}
	return map[string]any{
		"id":         id,
		"name":       head,
		"percentage": num(taxes[0]["rate"]),
	}
}

// buildPayments maps each source payment through the tenant's account
// and method maps. When the document carries no usable payments a single
// payment covering the full total is synthesized at the default account.
func buildPayments(payload map[string]any, cfg config, total float64, dueDate string) []any {
	accountMap := cfg.mapOf("payment_account_map")
	methodMap := cfg.mapOf("payment_method_map")
	defaultAccount := cfg.str("default_payment_account_id", "1")
	defaultType := cfg.str("default_payment_type", "cash")

	var payments []any
	for _, payment := range asList(payload["payments"]) {
		amount := num(payment["amount"])
		if amount == 0 {
			continue
		}
		mode := str(payment["mode_of_payment"])
		if mode == "" {
			mode = "DEFAULT"
		}
		account := defaultAccount
		if v, ok := accountMap[mode]; ok {
			account = str(v)
		}
		paymentType := defaultType
		if v, ok := methodMap[mode]; ok {
			paymentType = str(v)
		}
		payments = append(payments, map[string]any{
			"account": map[string]any{"id": account},
			"date":    dueDate,
			"amount":  amount,
			"type":    paymentType,
		})
	}
	if len(payments) > 0 {
		return payments
	}
	return []any{map[string]any{
		"account": map[string]any{"id": defaultAccount},
		"date":    dueDate,
		"amount":  total,
		"type":    defaultType,
	}}
}

// numberTemplate combines the credential's template id with the
// tenant-level prefix and next-number overrides.
func numberTemplate(cred *hub.Credential, cfg config) map[string]any {
	template := map[string]any{}
	if cred.NumberTemplateID != "" {
		template["id"] = cred.NumberTemplateID
	} else if id := cfg.value("number_template_id"); id != nil {
		template["id"] = id
	}
	if prefix := cfg.str("number_template_prefix", ""); prefix != "" {
		template["prefix"] = prefix
	}
	if next := cfg.value("number_template_next"); next != nil {
		template["number"] = next
	}
	return template
}

func grandTotal(payload map[string]any) (float64, bool) {
	for _, key := range []string{"grand_total", "total"} {
		if v, ok := payload[key]; ok && v != nil {
			return num(v), true
		}
	}
	return 0, false
}

func priceOf(item map[string]any) float64 {
	if rate := num(item["rate"]); rate != 0 {
		return rate
	}
	return num(item["amount"])
}
