// Package erp exposes the typed operations the hub performs against the
// ERP REST API: document insert/submit/update, stock lookups and the
// sales-order-to-invoice helper. Responses come wrapped in {"data": ...}
// or {"message": ...} envelopes; the helpers unwrap them.
package erp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/upstream"
)

// Client wraps the upstream client with ERP API operations.
type Client struct {
	c *upstream.Client
}

// New returns a client over c.
func New(c *upstream.Client) *Client { return &Client{c: c} }

// ForCredential builds the ERP client for a stored credential.
func ForCredential(store hub.Store, cred *hub.Credential) (*Client, error) {
	c, err := upstream.ForCredential(store, cred)
	if err != nil {
		return nil, fmt.Errorf("erp client: %w", err)
	}
	return New(c), nil
}

// Filter is one ERP list filter: [field, operator, value].
type Filter struct {
	Field    string
	Operator string
	Value    any
}

func resourcePath(doctype string, name ...string) string {
	p := "api/resource/" + url.PathEscape(doctype)
	if len(name) > 0 {
		p += "/" + url.PathEscape(name[0])
	}
	return p
}

func eventType(doctype, op string) string {
	return strings.ToLower(strings.ReplaceAll(doctype, " ", "_")) + "." + op
}

// GetDoc fetches one document.
func (e *Client) GetDoc(ctx context.Context, doctype, name string) (map[string]any, error) {
	resp, err := e.c.Do(ctx, upstream.Request{
		Method:            http.MethodGet,
		Path:              resourcePath(doctype, name),
		EventType:         eventType(doctype, "get"),
		ExternalReference: name,
	})
	if err != nil {
		return nil, err
	}
	return dataMap(resp), nil
}

// InsertDoc creates a document and returns its stored form.
func (e *Client) InsertDoc(ctx context.Context, doctype string, doc map[string]any) (map[string]any, error) {
	resp, err := e.c.Do(ctx, upstream.Request{
		Method:    http.MethodPost,
		Path:      resourcePath(doctype),
		Body:      doc,
		EventType: eventType(doctype, "insert"),
	})
	if err != nil {
		return nil, err
	}
	return dataMap(resp), nil
}

// UpdateDoc applies a partial update to a document.
func (e *Client) UpdateDoc(ctx context.Context, doctype, name string, patch map[string]any) (map[string]any, error) {
	resp, err := e.c.Do(ctx, upstream.Request{
		Method:            http.MethodPut,
		Path:              resourcePath(doctype, name),
		Body:              patch,
		EventType:         eventType(doctype, "update"),
		ExternalReference: name,
	})
	if err != nil {
		return nil, err
	}
	return dataMap(resp), nil
}

// SubmitDoc submits a draft document. The returned document must report
// docstatus 1; anything else is a server-side refusal surfaced as an
// APIError.
func (e *Client) SubmitDoc(ctx context.Context, doctype, name string) (map[string]any, error) {
	resp, err := e.c.Do(ctx, upstream.Request{
		Method:            http.MethodPut,
		Path:              resourcePath(doctype, name),
		Body:              map[string]any{"docstatus": 1},
		EventType:         eventType(doctype, "submit"),
		ExternalReference: name,
	})
	if err != nil {
		return nil, err
	}
	doc := dataMap(resp)
	if ds, ok := doc["docstatus"].(float64); !ok || int(ds) != 1 {
		return doc, &hub.APIError{
			StatusCode: http.StatusConflict,
			Code:       hub.CodeConflictError,
			Message:    fmt.Sprintf("%s %s not submitted", doctype, name),
			Body:       doc,
		}
	}
	return doc, nil
}

// ListDocs lists documents of a doctype with the given filters and fields.
func (e *Client) ListDocs(ctx context.Context, doctype string, filters []Filter, fields []string, limit int) ([]map[string]any, error) {
	q := url.Values{}
	if len(filters) > 0 {
		enc := make([][]any, len(filters))
		for i, f := range filters {
			enc[i] = []any{f.Field, f.Operator, f.Value}
		}
		raw, err := json.Marshal(enc)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		q.Set("filters", string(raw))
	}
	if len(fields) > 0 {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode fields: %w", err)
		}
		q.Set("fields", string(raw))
	}
	if limit > 0 {
		q.Set("limit_page_length", fmt.Sprintf("%d", limit))
	}
	resp, err := e.c.Do(ctx, upstream.Request{
		Method:    http.MethodGet,
		Path:      resourcePath(doctype),
		Query:     q,
		EventType: eventType(doctype, "list"),
	})
	if err != nil {
		return nil, err
	}
	return dataList(resp), nil
}

// GetStockLevels returns the warehouse bins for an item, each carrying
// actual_qty.
func (e *Client) GetStockLevels(ctx context.Context, itemCode, warehouse string) ([]map[string]any, error) {
	filters := []Filter{{Field: "item_code", Operator: "=", Value: itemCode}}
	if warehouse != "" {
		filters = append(filters, Filter{Field: "warehouse", Operator: "=", Value: warehouse})
	}
	return e.ListDocs(ctx, "Bin", filters, []string{"item_code", "warehouse", "actual_qty"}, 0)
}

// ListSalesOrders lists submitted sales orders matching the filters.
func (e *Client) ListSalesOrders(ctx context.Context, filters []Filter, fields []string) ([]map[string]any, error) {
	if len(fields) == 0 {
		fields = []string{"name", "customer", "company", "status", "grand_total"}
	}
	return e.ListDocs(ctx, "Sales Order", filters, fields, 0)
}

// CreateSalesInvoiceFromOrder runs the server-side mapper that drafts a
// sales invoice from a submitted sales order.
func (e *Client) CreateSalesInvoiceFromOrder(ctx context.Context, orderName string) (map[string]any, error) {
	resp, err := e.c.Do(ctx, upstream.Request{
		Method:            http.MethodPost,
		Path:              "api/method/erpnext.selling.doctype.sales_order.sales_order.make_sales_invoice",
		Body:              map[string]any{"source_name": orderName},
		EventType:         "sales_order.make_invoice",
		ExternalReference: orderName,
	})
	if err != nil {
		return nil, err
	}
	if m, ok := resp["message"].(map[string]any); ok {
		return m, nil
	}
	return dataMap(resp), nil
}

func dataMap(resp map[string]any) map[string]any {
	if m, ok := resp["data"].(map[string]any); ok {
		return m
	}
	return resp
}

func dataList(resp map[string]any) []map[string]any {
	raw, ok := resp["data"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
