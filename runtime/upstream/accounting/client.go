// Package accounting exposes the typed operations the hub performs
// against the accounting platform API: contact lookup and maintenance and
// invoice creation. Every call is recorded through the upstream client.
package accounting

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/upstream"
)

// Client wraps the upstream client with accounting API operations.
type Client struct {
	c *upstream.Client
}

// New returns a client over c.
func New(c *upstream.Client) *Client { return &Client{c: c} }

// ForCredential builds the accounting client for a stored credential.
func ForCredential(store hub.Store, cred *hub.Credential) (*Client, error) {
	c, err := upstream.ForCredential(store, cred)
	if err != nil {
		return nil, fmt.Errorf("accounting client: %w", err)
	}
	return New(c), nil
}

// SearchContacts queries contacts matching term (an identification number
// or email).
func (a *Client) SearchContacts(ctx context.Context, term string) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("term", term)
	resp, err := a.c.Do(ctx, upstream.Request{
		Method:    http.MethodGet,
		Path:      "contacts",
		Query:     q,
		EventType: "contacts.search",
	})
	if err != nil {
		return nil, err
	}
	return asList(resp), nil
}

// GetContact fetches one contact by its platform id.
func (a *Client) GetContact(ctx context.Context, id string) (map[string]any, error) {
	return a.c.Do(ctx, upstream.Request{
		Method:            http.MethodGet,
		Path:              "contacts/" + url.PathEscape(id),
		EventType:         "contacts.get",
		ExternalReference: id,
	})
}

// CreateContact creates a contact.
func (a *Client) CreateContact(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return a.c.Do(ctx, upstream.Request{
		Method:    http.MethodPost,
		Path:      "contacts",
		Body:      payload,
		EventType: "contacts.create",
	})
}

// UpdateContact applies a partial update to a contact.
func (a *Client) UpdateContact(ctx context.Context, id string, payload map[string]any) (map[string]any, error) {
	return a.c.Do(ctx, upstream.Request{
		Method:            http.MethodPut,
		Path:              "contacts/" + url.PathEscape(id),
		Body:              payload,
		EventType:         "contacts.update",
		ExternalReference: id,
	})
}

// CreateInvoice creates an invoice. The external reference correlates the
// outbound row with the source ERP document.
func (a *Client) CreateInvoice(ctx context.Context, payload map[string]any, externalReference string) (map[string]any, error) {
	return a.c.Do(ctx, upstream.Request{
		Method:            http.MethodPost,
		Path:              "invoices",
		Body:              payload,
		EventType:         "invoices.create",
		ExternalReference: externalReference,
	})
}

// asList extracts the contact list from a search response. The API
// returns either a bare array or {"data": [...]}.
func asList(resp map[string]any) []map[string]any {
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
