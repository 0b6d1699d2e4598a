package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/upstream/erp"
)

// executor runs the ERP side of one fulfillment attempt.
type executor struct {
	erp      *erp.Client
	settings Settings
	now      func() time.Time
}

// checkStock verifies warehouse stock for every mapped line. Shortfalls
// are collected into a single BackorderError so the order waits once for
// all of them.
func (x *executor) checkStock(ctx context.Context, lines []MappedLine) error {
	var short []string
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		bins, err := x.erp.GetStockLevels(ctx, line.TargetItemCode, line.Warehouse)
		if err != nil {
			return wrapERP(err)
		}
		var available float64
		for _, bin := range bins {
			available += num(bin["actual_qty"])
		}
		if available < line.Quantity {
			short = append(short, line.TargetItemCode)
		}
	}
	if len(short) > 0 {
		return &hub.BackorderError{Items: short, RetryAfter: x.settings.BackorderRetry}
	}
	return nil
}

// createSalesOrder inserts and submits the sales order for the mapped
// lines and returns its name.
func (x *executor) createSalesOrder(ctx context.Context, o *Order, customer, company string, lines []MappedLine) (string, error) {
	items := make([]any, len(lines))
	for i, l := range lines {
		items[i] = map[string]any{
			"item_code": l.TargetItemCode,
			"qty":       l.Quantity,
			"rate":      l.UnitPrice,
			"warehouse": l.Warehouse,
		}
	}
	doc := map[string]any{
		"doctype":       "Sales Order",
		"customer":      customer,
		"company":       company,
		"delivery_date": x.deliveryDate(o),
		"items":         items,
	}
	created, err := x.erp.InsertDoc(ctx, "Sales Order", doc)
	if err != nil {
		return "", wrapERP(err)
	}
	name := str(created["name"])
	if name == "" {
		return "", &hub.FulfillmentError{
			Code:       "erpnext_error",
			Message:    "sales order created without a name",
			Retryable:  true,
			StatusCode: http.StatusBadGateway,
		}
	}
	if _, err := x.erp.SubmitDoc(ctx, "Sales Order", name); err != nil {
		return "", wrapERP(err)
	}
	return name, nil
}

// createDeliveryNote inserts and submits the delivery note, optionally
// against a sales order, and returns the submitted document.
func (x *executor) createDeliveryNote(ctx context.Context, customer, company, salesOrder string, lines []MappedLine, serials map[string][]string) (map[string]any, error) {
	items := make([]any, len(lines))
	for i, l := range lines {
		item := map[string]any{
			"item_code": l.TargetItemCode,
			"qty":       l.Quantity,
			"rate":      l.UnitPrice,
			"warehouse": l.Warehouse,
		}
		if salesOrder != "" {
			item["against_sales_order"] = salesOrder
		}
		if list := serials[l.TargetItemCode]; len(list) > 0 {
			item["serial_no"] = strings.Join(list, "\n")
		}
		items[i] = item
	}
	doc := map[string]any{
		"doctype":  "Delivery Note",
		"customer": customer,
		"company":  company,
		"items":    items,
	}
	created, err := x.erp.InsertDoc(ctx, "Delivery Note", doc)
	if err != nil {
		return nil, &hub.FulfillmentError{
			Code:       "delivery_note_creation",
			Message:    "delivery note creation failed",
			Retryable:  classifyRetryable(err),
			StatusCode: http.StatusBadGateway,
			Err:        err,
		}
	}
	name := str(created["name"])
	submitted, err := x.erp.SubmitDoc(ctx, "Delivery Note", name)
	if err != nil {
		return nil, &hub.FulfillmentError{
			Code:       "delivery_note_submit",
			Message:    fmt.Sprintf("delivery note %s not submitted", name),
			StatusCode: http.StatusConflict,
			Err:        err,
		}
	}
	return submitted, nil
}

// allocateSerials picks sellable serial numbers per line when the tenant
// opts into hub-side allocation. By default allocation stays with the
// distributor's ERP and this returns nothing.
func (x *executor) allocateSerials(ctx context.Context, lines []MappedLine) (map[string][]string, error) {
	if !x.settings.AllocateSerials {
		return nil, nil
	}
	out := make(map[string][]string, len(lines))
	for _, line := range lines {
		qty := int(line.Quantity)
		if qty <= 0 {
			continue
		}
		filters := []erp.Filter{
			{Field: "item_code", Operator: "=", Value: line.TargetItemCode},
			{Field: "status", Operator: "=", Value: x.settings.SerialStatus},
		}
		if line.Warehouse != "" {
			filters = append(filters, erp.Filter{Field: "warehouse", Operator: "=", Value: line.Warehouse})
		}
		docs, err := x.erp.ListDocs(ctx, "Serial No", filters, []string{"name"}, qty)
		if err != nil {
			return nil, wrapERP(err)
		}
		if len(docs) < qty {
			return nil, &hub.BackorderError{
				Items:      []string{line.TargetItemCode},
				RetryAfter: x.settings.BackorderRetry,
			}
		}
		for _, doc := range docs {
			out[line.TargetItemCode] = append(out[line.TargetItemCode], str(doc["name"]))
		}
	}
	return out, nil
}

func (x *executor) deliveryDate(o *Order) string {
	if o.CreatedAt != "" {
		if len(o.CreatedAt) >= 10 {
			return o.CreatedAt[:10]
		}
		return o.CreatedAt
	}
	return x.now().UTC().Format("2006-01-02")
}

// serialsFromDoc collects the serial numbers the ERP assigned on submit,
// per item code and flat.
func serialsFromDoc(doc map[string]any) (map[string][]string, []string) {
	items, _ := doc["items"].([]any)
	perItem := make(map[string][]string)
	var flat []string
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		code := str(item["item_code"])
		for _, serial := range strings.Split(str(item["serial_no"]), "\n") {
			if serial = strings.TrimSpace(serial); serial != "" {
				perItem[code] = append(perItem[code], serial)
				flat = append(flat, serial)
			}
		}
	}
	return perItem, flat
}

// wrapERP folds upstream client failures into the pipeline's error
// vocabulary. Backorder and pipeline errors pass through untouched.
func wrapERP(err error) error {
	var boErr *hub.BackorderError
	if errors.As(err, &boErr) {
		return err
	}
	var ffErr *hub.FulfillmentError
	if errors.As(err, &ffErr) {
		return err
	}
	return &hub.FulfillmentError{
		Code:       "erpnext_error",
		Message:    err.Error(),
		Retryable:  true,
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

func classifyRetryable(err error) bool {
	_, retryable, _ := hub.Classify(err)
	return retryable
}
