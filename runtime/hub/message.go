// Package hub defines the core domain of the integration hub: durable
// integration messages, their status machine, retry backoff, the error
// taxonomy shared by outbound clients and handlers, and the persistence
// contracts implemented by the feature packages.
package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Integration identifies the external platform a message belongs to.
	Integration string

	// Direction distinguishes messages received from a platform from
	// messages sent to one.
	Direction string

	// Status is the lifecycle state of a message.
	Status string

	// Message is one durable integration event: an inbound webhook or an
	// outbound API call, with its payload, outcome and retry bookkeeping.
	// Rows are append-only after reaching a terminal status; retries are
	// expressed as successor rows, never by resurrecting a failed row.
	Message struct {
		ID             uuid.UUID      `json:"id"`
		OrganizationID uuid.UUID      `json:"organization_id"`
		Integration    Integration    `json:"integration"`
		Direction      Direction      `json:"direction"`
		Status         Status         `json:"status"`
		EventType      string         `json:"event_type"`

		// ExternalReference is the upstream identifier (order id, invoice
		// name, webhook id) used for correlation and idempotency defaults.
		ExternalReference string `json:"external_reference,omitempty"`

		// IdempotencyKey deduplicates deliveries. Empty keys are never
		// deduplicated.
		IdempotencyKey string `json:"idempotency_key,omitempty"`

		Payload         map[string]any `json:"payload"`
		ResponsePayload map[string]any `json:"response_payload,omitempty"`

		ErrorCode    string `json:"error_code,omitempty"`
		ErrorMessage string `json:"error_message,omitempty"`

		// Retries counts failed attempts across this row's lineage. A
		// successor row starts with the retries of the row it replaces.
		Retries int `json:"retries"`

		HTTPStatus int   `json:"http_status,omitempty"`
		LatencyMS  int64 `json:"latency_ms,omitempty"`

		ReceivedAt     time.Time  `json:"received_at"`
		DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
		AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
		ProcessedAt    *time.Time `json:"processed_at,omitempty"`
		FailedAt       *time.Time `json:"failed_at,omitempty"`
		LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`

		// NextAttemptAt is when a received successor row becomes due for
		// the pending sweep.
		NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	}
)

const (
	// IntegrationStorefront is the e-commerce storefront platform.
	IntegrationStorefront Integration = "storefront"
	// IntegrationERP is the ERP / point-of-sale platform.
	IntegrationERP Integration = "erp_pos"
	// IntegrationAccounting is the accounting platform.
	IntegrationAccounting Integration = "accounting"

	// DirectionInbound marks messages received from a platform.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound marks messages sent to a platform.
	DirectionOutbound Direction = "outbound"

	// StatusReceived is the initial status of every message.
	StatusReceived Status = "received"
	// StatusDispatched means the message was handed to the worker queue
	// (inbound) or written to the wire (outbound).
	StatusDispatched Status = "dispatched"
	// StatusAcknowledged means a handler accepted the message.
	StatusAcknowledged Status = "acknowledged"
	// StatusProcessed is the successful terminal status.
	StatusProcessed Status = "processed"
	// StatusFailed is the unsuccessful terminal status.
	StatusFailed Status = "failed"
)

const (
	// MaxPayloadBytes caps the serialized size of payloads and response
	// payloads on every write.
	MaxPayloadBytes = 512 * 1024

	// MaxAutoRetries bounds automatic retries per message lineage.
	MaxAutoRetries = 3

	// MaxBackoff caps the retry delay.
	MaxBackoff = time.Hour
)

// allowedTransitions is the status machine. Terminal statuses have no
// outgoing edges; a failed lineage continues through a successor row.
var allowedTransitions = map[Status][]Status{
	StatusReceived:     {StatusDispatched, StatusFailed},
	StatusDispatched:   {StatusAcknowledged, StatusProcessed, StatusFailed},
	StatusAcknowledged: {StatusProcessed, StatusFailed},
	StatusProcessed:    {},
	StatusFailed:       {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanTransitionTo reports whether the status machine allows moving from s
// to target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range allowedTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Valid reports whether i is a known integration.
func (i Integration) Valid() bool {
	switch i {
	case IntegrationStorefront, IntegrationERP, IntegrationAccounting:
		return true
	}
	return false
}

// Backoff returns the delay before retry number retries: the doubling
// sequence 5s, 10s, 20s, ..., 320s for retries 0..6, then a flat hour.
func Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 6 {
		return MaxBackoff
	}
	d := 5 * time.Second << uint(retries)
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}

// PayloadSize returns the serialized size of p in bytes.
func PayloadSize(p map[string]any) (int, error) {
	if len(p) == 0 {
		return 2, nil // "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	return len(b), nil
}

// CheckPayloadSize returns ErrPayloadTooLarge when p serializes to more
// than MaxPayloadBytes.
func CheckPayloadSize(p map[string]any) error {
	n, err := PayloadSize(p)
	if err != nil {
		return err
	}
	if n > MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	return nil
}

// Update carries the optional field changes applied together with a status
// transition.
type Update struct {
	AttemptedAt     *time.Time
	HTTPStatus      *int
	LatencyMS       *int64
	ResponsePayload map[string]any
	ErrorCode       string
	ErrorMessage    string

	// MergeResponse merges ResponsePayload into the existing response
	// payload instead of replacing it.
	MergeResponse bool
}

// ApplyTransition validates the transition to target and mutates m in
// place. Stores call it inside their row-level guard so that the status
// machine is enforced in exactly one place. Transitioning to the current
// status is a plain field update.
func (m *Message) ApplyTransition(target Status, u Update, now time.Time) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	if target != m.Status && !m.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, target)
	}

	if u.ResponsePayload != nil {
		if err := CheckPayloadSize(u.ResponsePayload); err != nil {
			return err
		}
		if u.MergeResponse && m.ResponsePayload != nil {
			merged := make(map[string]any, len(m.ResponsePayload)+len(u.ResponsePayload))
			for k, v := range m.ResponsePayload {
				merged[k] = v
			}
			for k, v := range u.ResponsePayload {
				merged[k] = v
			}
			m.ResponsePayload = merged
		} else {
			m.ResponsePayload = u.ResponsePayload
		}
	}
	if u.HTTPStatus != nil {
		m.HTTPStatus = *u.HTTPStatus
	}
	if u.LatencyMS != nil {
		m.LatencyMS = *u.LatencyMS
	}
	if u.ErrorCode != "" {
		m.ErrorCode = u.ErrorCode
	}
	if u.ErrorMessage != "" {
		m.ErrorMessage = u.ErrorMessage
	}

	if target == m.Status {
		return nil
	}
	switch target {
	case StatusDispatched:
		at := now
		if u.AttemptedAt != nil {
			at = *u.AttemptedAt
		}
		m.DispatchedAt = &at
		m.LastAttemptAt = &at
	case StatusAcknowledged:
		at := now
		m.AcknowledgedAt = &at
	case StatusProcessed:
		at := now
		m.ProcessedAt = &at
		m.NextAttemptAt = nil
	case StatusFailed:
		at := now
		m.FailedAt = &at
		m.LastAttemptAt = &at
		m.Retries++
	}
	m.Status = target
	return nil
}

// Successor builds the received row that continues a failed message's
// lineage. It copies the routing fields, payload and retry count and
// schedules the next attempt at now+delay. The idempotency key gets a
// retry suffix so the uniqueness constraint keeps holding.
func (m *Message) Successor(delay time.Duration, now time.Time) *Message {
	at := now.Add(delay)
	next := &Message{
		ID:                uuid.New(),
		OrganizationID:    m.OrganizationID,
		Integration:       m.Integration,
		Direction:         m.Direction,
		Status:            StatusReceived,
		EventType:         m.EventType,
		ExternalReference: m.ExternalReference,
		IdempotencyKey:    retryKey(m.IdempotencyKey, m.Retries),
		Payload:           m.Payload,
		Retries:           m.Retries,
		ReceivedAt:        now,
		NextAttemptAt:     &at,
	}
	return next
}

func retryKey(key string, retries int) string {
	if key == "" {
		return ""
	}
	if i := strings.LastIndex(key, "#r"); i > 0 {
		key = key[:i]
	}
	return fmt.Sprintf("%s#r%d", key, retries)
}
