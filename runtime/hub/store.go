package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Store persists integration messages. Implementations must enforce
	// the payload size limit and the idempotency uniqueness on Create, and
	// apply Transition under a row-level guard so concurrent writers
	// cannot bypass the status machine.
	Store interface {
		// Create inserts a new message. It assigns the id and received
		// timestamp when unset and returns DuplicateIdempotencyKeyError
		// when the idempotency quadruple already exists.
		Create(ctx context.Context, m *Message) error
		// Get returns the message with the given id or ErrNotFound.
		Get(ctx context.Context, id uuid.UUID) (*Message, error)
		// Transition moves the message to target applying the update, and
		// returns the stored row. Disallowed transitions return
		// ErrInvalidTransition and leave the row untouched.
		Transition(ctx context.Context, id uuid.UUID, target Status, u Update) (*Message, error)
		// Pending returns messages in status received whose next attempt
		// is due at now (or has no scheduled time), oldest first.
		Pending(ctx context.Context, now time.Time, limit int) ([]*Message, error)
	}

	// Queue hands message ids to the worker pool. Delayed enqueues are
	// best effort; the pending sweep is the durable fallback.
	Queue interface {
		Enqueue(ctx context.Context, messageID uuid.UUID, delay time.Duration) error
	}
)

// MarkDispatched records the hand-off of a message: inbound rows when they
// are enqueued, outbound rows once the HTTP response status is known. A
// zero httpStatus or latency leaves the field unset.
func MarkDispatched(ctx context.Context, s Store, id uuid.UUID, attemptedAt time.Time, httpStatus int, latencyMS int64) (*Message, error) {
	u := Update{AttemptedAt: &attemptedAt}
	if httpStatus != 0 {
		u.HTTPStatus = &httpStatus
	}
	if latencyMS != 0 {
		u.LatencyMS = &latencyMS
	}
	return s.Transition(ctx, id, StatusDispatched, u)
}

// MarkAcknowledged records that a handler accepted the message.
func MarkAcknowledged(ctx context.Context, s Store, id uuid.UUID) (*Message, error) {
	return s.Transition(ctx, id, StatusAcknowledged, Update{})
}

// MarkProcessed moves the message to its successful terminal status with
// the response payload of the operation.
func MarkProcessed(ctx context.Context, s Store, id uuid.UUID, response map[string]any, httpStatus int, latencyMS int64) (*Message, error) {
	u := Update{ResponsePayload: response}
	if httpStatus != 0 {
		u.HTTPStatus = &httpStatus
	}
	if latencyMS != 0 {
		u.LatencyMS = &latencyMS
	}
	return s.Transition(ctx, id, StatusProcessed, u)
}

// MarkFailed moves the message to its failed terminal status, recording
// the error classification and bumping the retry count. The extra map, if
// any, is merged into the response payload.
func MarkFailed(ctx context.Context, s Store, id uuid.UUID, code, message string, httpStatus int, extra map[string]any) (*Message, error) {
	u := Update{ErrorCode: code, ErrorMessage: message}
	if httpStatus != 0 {
		u.HTTPStatus = &httpStatus
	}
	if extra != nil {
		u.ResponsePayload = extra
		u.MergeResponse = true
	}
	return s.Transition(ctx, id, StatusFailed, u)
}

// ScheduleRetry appends the successor row for a failed message and, when a
// queue is given, enqueues it after delay. A non-positive delay falls back
// to Backoff of the failed row's retry count.
func ScheduleRetry(ctx context.Context, s Store, q Queue, m *Message, delay time.Duration) (*Message, error) {
	if delay <= 0 {
		delay = Backoff(m.Retries)
	}
	next := m.Successor(delay, time.Now().UTC())
	if err := s.Create(ctx, next); err != nil {
		return nil, fmt.Errorf("create retry successor: %w", err)
	}
	if q != nil {
		if err := q.Enqueue(ctx, next.ID, delay); err != nil {
			return next, fmt.Errorf("enqueue retry successor: %w", err)
		}
	}
	return next, nil
}
