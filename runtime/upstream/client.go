// Package upstream implements the outbound HTTP client used for every
// call to an external platform. Each call is recorded as a durable
// outbound integration message before it touches the wire, and the
// message's terminal status reflects the outcome, so the message store is
// a complete audit trail of outbound traffic.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
)

// maxResponseBytes bounds how much of an upstream response is read.
const maxResponseBytes = 4 << 20

type (
	// Auth applies platform credentials to an outgoing request.
	Auth interface {
		Apply(req *http.Request)
	}

	// BasicAuth authenticates with HTTP basic using an account email and
	// API token (accounting platform).
	BasicAuth struct {
		Email string
		Token string
	}

	// TokenPair authenticates with an "Authorization: token key:secret"
	// header (ERP platform).
	TokenPair struct {
		Key    string
		Secret string
	}

	// Options configures a Client.
	Options struct {
		// Store records the outbound messages. Required.
		Store hub.Store
		// OrganizationID is the tenant the calls belong to. Required.
		OrganizationID uuid.UUID
		// Integration is the target platform. Required.
		Integration hub.Integration
		// BaseURL is the platform endpoint. Required.
		BaseURL string
		// Auth signs requests. Optional.
		Auth Auth
		// HTTPClient overrides the default client.
		HTTPClient *http.Client
		// Timeout bounds each request when HTTPClient is not given.
		// Defaults to hub.DefaultTimeout.
		Timeout time.Duration
		// Headers are added to every request.
		Headers map[string]string
	}

	// Client makes recorded calls against one platform endpoint.
	Client struct {
		store       hub.Store
		org         uuid.UUID
		integration hub.Integration
		baseURL     string
		auth        Auth
		http        *http.Client
		headers     map[string]string
	}

	// Request describes one upstream call.
	Request struct {
		Method string
		Path   string
		Query  url.Values
		// Body is JSON-encoded when non-nil.
		Body map[string]any
		// EventType labels the outbound message.
		EventType string
		// ExternalReference correlates the call with an upstream entity
		// and seeds the idempotency key.
		ExternalReference string
	}
)

// Apply implements Auth.
func (a BasicAuth) Apply(req *http.Request) {
	req.SetBasicAuth(a.Email, a.Token)
}

// Apply implements Auth.
func (a TokenPair) Apply(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", a.Key, a.Secret))
}

// New validates opts and returns a client.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.OrganizationID == uuid.Nil {
		return nil, fmt.Errorf("organization id is required")
	}
	if !opts.Integration.Valid() {
		return nil, fmt.Errorf("unknown integration %q", opts.Integration)
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = hub.DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		store:       opts.Store,
		org:         opts.OrganizationID,
		integration: opts.Integration,
		baseURL:     opts.BaseURL,
		auth:        opts.Auth,
		http:        httpClient,
		headers:     opts.Headers,
	}, nil
}

// ForCredential builds a client from a stored credential, choosing the
// auth scheme from the material it carries.
func ForCredential(store hub.Store, cred *hub.Credential) (*Client, error) {
	var auth Auth
	switch {
	case cred.APIKey != "":
		auth = TokenPair{Key: cred.APIKey, Secret: cred.APISecret}
	case cred.Email != "":
		auth = BasicAuth{Email: cred.Email, Token: cred.Token}
	}
	return New(Options{
		Store:          store,
		OrganizationID: cred.OrganizationID,
		Integration:    cred.Integration,
		BaseURL:        cred.BaseURL,
		Auth:           auth,
		Timeout:        cred.Timeout(),
	})
}

// JoinURL joins a base URL and a path with exactly one slash between them.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Do performs the request. The outbound message is created before the
// wire call; transport failures mark it failed with network_error, HTTP
// responses mark it dispatched with the status and latency and then
// processed or failed per the status classification. Non-2xx responses
// return a hub.APIError carrying the parsed body.
func (c *Client) Do(ctx context.Context, req Request) (map[string]any, error) {
	fullURL := JoinURL(c.baseURL, req.Path)
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	msg, err := c.record(ctx, req, fullURL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	if c.auth != nil {
		c.auth.Apply(httpReq)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if _, mErr := hub.MarkFailed(ctx, c.store, msg.ID, hub.CodeNetworkError, err.Error(), 0, nil); mErr != nil {
			log.Error(ctx, mErr, log.KV{K: "message_id", V: msg.ID.String()})
		}
		return nil, &hub.APIError{Code: hub.CodeNetworkError, Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if _, err := hub.MarkDispatched(ctx, c.store, msg.ID, start, resp.StatusCode, latency); err != nil {
		log.Error(ctx, err, log.KV{K: "message_id", V: msg.ID.String()})
	}

	parsed := parseBody(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if _, err := hub.MarkProcessed(ctx, c.store, msg.ID, storable(parsed), resp.StatusCode, latency); err != nil {
			log.Error(ctx, err, log.KV{K: "message_id", V: msg.ID.String()})
		}
		return parsed, nil
	}

	code, retryable := hub.MapStatus(resp.StatusCode)
	message := extractMessage(parsed, resp.StatusCode)
	if _, err := hub.MarkFailed(ctx, c.store, msg.ID, code, message, resp.StatusCode, storable(parsed)); err != nil {
		log.Error(ctx, err, log.KV{K: "message_id", V: msg.ID.String()})
	}
	return nil, &hub.APIError{
		StatusCode: resp.StatusCode,
		Code:       code,
		Retryable:  retryable,
		Message:    message,
		Body:       parsed,
	}
}

// record creates the outbound message row. When the derived idempotency
// key collides with an earlier call the key gets a fresh suffix so the
// row is still written: outbound rows are an audit trail, not a dedupe
// barrier.
func (c *Client) record(ctx context.Context, req Request, fullURL string) (*hub.Message, error) {
	msg := &hub.Message{
		OrganizationID:    c.org,
		Integration:       c.integration,
		Direction:         hub.DirectionOutbound,
		Status:            hub.StatusReceived,
		EventType:         req.EventType,
		ExternalReference: idempotencyRef(req),
		IdempotencyKey:    idempotencyRef(req),
		Payload: map[string]any{
			"method": req.Method,
			"url":    fullURL,
			"body":   req.Body,
		},
	}
	err := c.store.Create(ctx, msg)
	var dup *hub.DuplicateIdempotencyKeyError
	if err != nil && msg.IdempotencyKey != "" && errors.As(err, &dup) {
		msg.ID = uuid.Nil
		msg.IdempotencyKey = fmt.Sprintf("%s#%s", msg.IdempotencyKey, uuid.NewString()[:8])
		err = c.store.Create(ctx, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("record outbound message: %w", err)
	}
	return msg, nil
}

// idempotencyRef derives the correlation reference for a request: the
// explicit external reference, then the body's external_reference, then
// the body's id.
func idempotencyRef(req Request) string {
	if req.ExternalReference != "" {
		return req.ExternalReference
	}
	if req.Body == nil {
		return ""
	}
	if s := asString(req.Body["external_reference"]); s != "" {
		return s
	}
	return asString(req.Body["id"])
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprintf("%d", t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// parseBody decodes an upstream response. Non-object JSON and plain text
// are wrapped so callers always get a map.
func parseBody(r io.Reader) map[string]any {
	raw, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"data": v}
}

// storable caps a parsed response at the payload limit, replacing
// oversized bodies with a marker so transitions never fail on size.
func storable(parsed map[string]any) map[string]any {
	n, err := hub.PayloadSize(parsed)
	if err != nil || n > hub.MaxPayloadBytes {
		return map[string]any{"truncated": true, "size_bytes": n}
	}
	return parsed
}

// extractMessage pulls a human-readable error out of an upstream error
// body.
func extractMessage(body map[string]any, status int) string {
	if s := asString(body["message"]); s != "" {
		return s
	}
	switch e := body["error"].(type) {
	case string:
		if e != "" {
			return e
		}
	case map[string]any:
		if s := asString(e["message"]); s != "" {
			return s
		}
	}
	if s := asString(body["exception"]); s != "" {
		return s
	}
	return http.StatusText(status)
}

