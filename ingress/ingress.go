// Package ingress is the webhook boundary: it authenticates each upstream
// POST, materializes one durable inbound message and hands the id to the
// worker queue. Everything after the 202 happens asynchronously in the
// processor.
package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
)

// Webhook headers.
const (
	HeaderShopDomain       = "X-Shop-Domain"
	HeaderHMAC             = "X-HMAC-SHA256"
	HeaderTopic            = "X-Topic"
	HeaderWebhookID        = "X-Webhook-Id"
	HeaderAccountingSecret = "X-Accounting-Webhook-Secret"
)

// maxBodyBytes bounds how much of a webhook body is read. Larger payloads
// are rejected before the store sees them.
const maxBodyBytes = hub.MaxPayloadBytes + 4096

type (
	// Options configures the ingress server.
	Options struct {
		// Store persists the inbound messages. Required.
		Store hub.Store
		// Queue receives the accepted message ids. Required.
		Queue hub.Queue
		// Credentials verifies webhook signatures. Required.
		Credentials hub.CredentialStore
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Server serves the three webhook endpoints.
	Server struct {
		store hub.Store
		queue hub.Queue
		creds hub.CredentialStore
		now   func() time.Time
	}
)

// New validates opts and returns a server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{store: opts.Store, queue: opts.Queue, creds: opts.Credentials, now: now}, nil
}

// Handler returns the webhook mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/storefront/{org}", s.handleStorefront)
	mux.HandleFunc("POST /webhooks/accounting/{org}", s.handleAccounting)
	mux.HandleFunc("POST /webhooks/erp/{org}", s.handleERP)
	return mux
}

func (s *Server) handleStorefront(w http.ResponseWriter, r *http.Request) {
	ctx := log.With(r.Context(), log.KV{K: "webhook", V: "storefront"})
	org, ok := orgID(w, r)
	if !ok {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		return
	}
	domain := r.Header.Get(HeaderShopDomain)
	cred, err := s.creds.ByWebhookDomain(ctx, domain)
	if err != nil || cred.OrganizationID != org {
		log.Info(ctx, log.KV{K: "msg", V: "unknown shop domain"}, log.KV{K: "domain", V: domain})
		writeError(w, http.StatusUnauthorized, "unknown shop domain")
		return
	}
	if !validHMAC(body, cred.WebhookSecret, r.Header.Get(HeaderHMAC)) {
		log.Info(ctx, log.KV{K: "msg", V: "invalid webhook signature"}, log.KV{K: "domain", V: domain})
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	payload, ok := parsePayload(w, body)
	if !ok {
		return
	}
	if domain != "" && payload["shop_domain"] == nil {
		payload["shop_domain"] = domain
	}

	s.accept(ctx, w, &hub.Message{
		OrganizationID:    org,
		Integration:       hub.IntegrationStorefront,
		Direction:         hub.DirectionInbound,
		EventType:         strings.ReplaceAll(r.Header.Get(HeaderTopic), "/", "."),
		IdempotencyKey:    r.Header.Get(HeaderWebhookID),
		ExternalReference: firstString(payload, "id", "name", "order_number"),
		Payload:           payload,
	})
}

func (s *Server) handleAccounting(w http.ResponseWriter, r *http.Request) {
	ctx := log.With(r.Context(), log.KV{K: "webhook", V: "accounting"})
	org, ok := orgID(w, r)
	if !ok {
		return
	}

	if !s.validSecret(ctx, org, r.Header.Get(HeaderAccountingSecret)) {
		log.Info(ctx, log.KV{K: "msg", V: "invalid webhook secret"}, log.KV{K: "org", V: org.String()})
		writeError(w, http.StatusForbidden, "invalid webhook secret")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		return
	}
	payload, ok := parsePayload(w, body)
	if !ok {
		return
	}

	s.accept(ctx, w, &hub.Message{
		OrganizationID:    org,
		Integration:       hub.IntegrationAccounting,
		Direction:         hub.DirectionInbound,
		EventType:         firstString(payload, "event", "event_type", "action"),
		IdempotencyKey:    firstString(payload, "webhook_id"),
		ExternalReference: firstString(payload, "id", "name"),
		Payload:           payload,
	})
}

func (s *Server) handleERP(w http.ResponseWriter, r *http.Request) {
	ctx := log.With(r.Context(), log.KV{K: "webhook", V: "erp"})
	org, ok := orgID(w, r)
	if !ok {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		return
	}
	payload, ok := parsePayload(w, body)
	if !ok {
		return
	}

	event := erpEventType(payload)
	name := firstString(payload, "name")
	var key string
	if name != "" {
		key = fmt.Sprintf("%s:%s", event, name)
	}
	s.accept(ctx, w, &hub.Message{
		OrganizationID:    org,
		Integration:       hub.IntegrationERP,
		Direction:         hub.DirectionInbound,
		EventType:         event,
		IdempotencyKey:    key,
		ExternalReference: name,
		Payload:           payload,
	})
}

// accept creates the durable row, enqueues its id and answers 202. A
// duplicate idempotency key collapses to 202 with the existing id. The row
// is marked dispatched only after a successful enqueue so the pending
// sweep can recover rows the queue never saw.
func (s *Server) accept(ctx context.Context, w http.ResponseWriter, m *hub.Message) {
	err := s.store.Create(ctx, m)
	var dup *hub.DuplicateIdempotencyKeyError
	if errors.As(err, &dup) {
		log.Info(ctx, log.KV{K: "msg", V: "duplicate webhook"}, log.KV{K: "message_id", V: dup.ExistingID.String()})
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "accepted",
			"message_id": dup.ExistingID.String(),
		})
		return
	}
	if errors.Is(err, hub.ErrPayloadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err != nil {
		log.Error(ctx, err)
		writeError(w, http.StatusInternalServerError, "could not record webhook")
		return
	}

	ctx = log.With(ctx, log.KV{K: "message_id", V: m.ID.String()})
	if err := s.queue.Enqueue(ctx, m.ID, 0); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "enqueue failed, pending sweep will pick it up"})
	} else if _, err := hub.MarkDispatched(ctx, s.store, m.ID, s.now().UTC(), 0, 0); err != nil {
		log.Error(ctx, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "webhook accepted"}, log.KV{K: "event_type", V: m.EventType})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"message_id": m.ID.String(),
	})
}

// validSecret compares the presented secret against every active
// accounting credential of the organization in constant time.
func (s *Server) validSecret(ctx context.Context, org uuid.UUID, presented string) bool {
	if presented == "" {
		return false
	}
	creds, err := s.creds.Active(ctx, org, hub.IntegrationAccounting)
	if err != nil {
		log.Error(ctx, err)
		return false
	}
	valid := false
	for _, cred := range creds {
		if cred.WebhookSecret == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(cred.WebhookSecret), []byte(presented)) == 1 {
			valid = true
		}
	}
	return valid
}

// validHMAC checks the base64 HMAC-SHA256 of the raw body.
func validHMAC(body []byte, secret, presented string) bool {
	if secret == "" || presented == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(presented))
}

// erpEventType derives the event type from the ERP hook body: the doctype
// prefixed onto the hook event, matching how the ERP names its document
// events.
func erpEventType(payload map[string]any) string {
	event := firstString(payload, "event", "event_type", "hook_event")
	if event == "" {
		event = "on_submit"
	}
	doctype := firstString(payload, "doctype")
	if doctype == "" || strings.Contains(event, ".") {
		return event
	}
	return strings.ToLower(strings.ReplaceAll(doctype, " ", "_")) + "." + event
}

func orgID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	org, err := uuid.Parse(r.PathValue("org"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown organization")
		return uuid.Nil, false
	}
	return org, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, err
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return nil, err
	}
	return body, nil
}

// parsePayload decodes the body with UseNumber so numeric identifiers
// beyond float64 precision survive verbatim.
func parsePayload(w http.ResponseWriter, body []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return payload, true
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
