package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error codes recorded on failed messages and fulfillment orders. Handler
// and client code classifies every failure into one of these.
const (
	CodeValidationError     = "validation_error"
	CodeAuthenticationError = "authentication_error"
	CodeCredentialError     = "credential_error"
	CodeForbidden           = "forbidden"
	CodeResourceNotFound    = "resource_not_found"
	CodeConflictError       = "conflict_error"
	CodeRateLimited         = "rate_limited"
	CodeServerError         = "server_error"
	CodeNetworkError        = "network_error"
	CodeUnknownError        = "unknown_error"
	CodeUnexpectedError     = "unexpected_error"
)

// Sentinel errors returned by stores.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// by the status machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload too large")
)

type (
	// DuplicateIdempotencyKeyError is returned by Store.Create when a row
	// with the same (organization, integration, direction, idempotency key)
	// already exists. It carries the existing row's id so callers can
	// acknowledge the duplicate instead of erroring.
	DuplicateIdempotencyKeyError struct {
		ExistingID uuid.UUID
	}

	// CredentialError means no usable credential exists for an operation.
	// Never retryable.
	CredentialError struct {
		Message string
	}

	// APIError is a failed call to an external platform, classified per
	// the HTTP status of the response.
	APIError struct {
		StatusCode int
		Code       string
		Retryable  bool
		Message    string
		Body       map[string]any
	}

	// FulfillmentError is a stage failure inside the fulfillment pipeline.
	FulfillmentError struct {
		Code       string
		Message    string
		Retryable  bool
		StatusCode int
		Err        error
	}

	// BackorderError signals that stock is insufficient for one or more
	// lines. It is not a terminal failure: the order waits and the attempt
	// is replayed after RetryAfter.
	BackorderError struct {
		Items      []string
		RetryAfter time.Duration
	}
)

// Error implements the error interface.
func (e *DuplicateIdempotencyKeyError) Error() string {
	return fmt.Sprintf("duplicate idempotency key, existing message %s", e.ExistingID)
}

// Error implements the error interface.
func (e *CredentialError) Error() string { return e.Message }

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// Error implements the error interface.
func (e *FulfillmentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Unwrap returns the wrapped cause, if any.
func (e *FulfillmentError) Unwrap() error { return e.Err }

// Error implements the error interface.
func (e *BackorderError) Error() string {
	return fmt.Sprintf("insufficient stock for %v", e.Items)
}

// MapStatus classifies an HTTP status into an error code and whether the
// failure is worth retrying.
func MapStatus(status int) (code string, retryable bool) {
	switch {
	case status == 400 || status == 422:
		return CodeValidationError, false
	case status == 401:
		return CodeAuthenticationError, false
	case status == 403:
		return CodeForbidden, false
	case status == 404:
		return CodeResourceNotFound, false
	case status == 409:
		return CodeConflictError, false
	case status == 429:
		return CodeRateLimited, true
	case status >= 500 && status <= 599:
		return CodeServerError, true
	default:
		return CodeUnknownError, false
	}
}

// Classify maps any handler or client error to the (code, retryable,
// http status) triple recorded on the failed message. Unknown error types
// classify as unexpected_error and are not retried.
func Classify(err error) (code string, retryable bool, status int) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Retryable, apiErr.StatusCode
	}
	var ffErr *FulfillmentError
	if errors.As(err, &ffErr) {
		return ffErr.Code, ffErr.Retryable, ffErr.StatusCode
	}
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		return CodeCredentialError, false, 0
	}
	return CodeUnexpectedError, false, 0
}
