package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type (
	// OrderStatus is the lifecycle state of a fulfillment order.
	OrderStatus string

	// FulfillmentOrder tracks one source order through the fulfillment
	// pipeline. Rows are unique per (organization, source, order id) so a
	// replayed webhook reuses the existing row.
	FulfillmentOrder struct {
		ID             uuid.UUID   `json:"id"`
		OrganizationID uuid.UUID   `json:"organization_id"`
		Source         Integration `json:"source"`
		OrderID        string      `json:"order_id"`
		Status         OrderStatus `json:"status"`

		SellerCompany string `json:"seller_company,omitempty"`
		TargetCompany string `json:"target_company,omitempty"`

		// SourceEventType and SourcePayload keep the originating webhook
		// so the backorder sweep can replay the attempt as a fresh message.
		SourceEventType string         `json:"source_event_type,omitempty"`
		SourcePayload   map[string]any `json:"source_payload,omitempty"`

		NormalizedOrder map[string]any   `json:"normalized_order,omitempty"`
		MappingSnapshot []map[string]any `json:"mapping_snapshot,omitempty"`
		ResultPayload   map[string]any   `json:"result_payload,omitempty"`

		SalesOrderName          string     `json:"sales_order_name,omitempty"`
		DeliveryNoteName        string     `json:"delivery_note_name,omitempty"`
		DeliveryNoteSubmittedAt *time.Time `json:"delivery_note_submitted_at,omitempty"`
		SerialNumbers           []string   `json:"serial_numbers,omitempty"`

		BackorderAttempts int        `json:"backorder_attempts,omitempty"`
		NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`

		LastErrorCode    string `json:"last_error_code,omitempty"`
		LastErrorMessage string `json:"last_error_message,omitempty"`

		ReturnDeliveryNoteName string         `json:"return_delivery_note_name,omitempty"`
		ReturnedAt             *time.Time     `json:"returned_at,omitempty"`
		ReturnPayload          map[string]any `json:"return_payload,omitempty"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// ItemMapping maps one source item code to its ERP item code, target
	// company and warehouse. Unique per (organization, source, source
	// company, source item code).
	ItemMapping struct {
		ID             uuid.UUID   `json:"id"`
		OrganizationID uuid.UUID   `json:"organization_id"`
		Source         Integration `json:"source"`
		SourceCompany  string      `json:"source_company"`
		SourceItemCode string      `json:"source_item_code"`
		TargetItemCode string      `json:"target_item_code"`
		TargetCompany  string      `json:"target_company"`
		// Warehouse overrides the tenant's default warehouse for this item.
		Warehouse string `json:"warehouse,omitempty"`
		Active    bool   `json:"active"`
	}

	// FulfillmentStore persists fulfillment orders.
	FulfillmentStore interface {
		// GetOrCreate returns the existing row for (org, source, orderID)
		// or inserts o. The second result is true when o was inserted.
		GetOrCreate(ctx context.Context, o *FulfillmentOrder) (*FulfillmentOrder, bool, error)
		// Get returns the row for the key or ErrNotFound.
		Get(ctx context.Context, org uuid.UUID, source Integration, orderID string) (*FulfillmentOrder, error)
		// Save writes the full row back.
		Save(ctx context.Context, o *FulfillmentOrder) error
		// DueBackorders returns waiting_stock rows whose next attempt is
		// due at now, oldest first.
		DueBackorders(ctx context.Context, now time.Time, limit int) ([]*FulfillmentOrder, error)
	}

	// ItemMapStore looks up item mappings for the line mapper.
	ItemMapStore interface {
		// ForSource returns the active mappings for an organization,
		// source platform and source company.
		ForSource(ctx context.Context, org uuid.UUID, source Integration, sourceCompany string) ([]*ItemMapping, error)
	}
)

const (
	OrderPending      OrderStatus = "pending"
	OrderProcessing   OrderStatus = "processing"
	OrderWaitingStock OrderStatus = "waiting_stock"
	OrderFulfilled    OrderStatus = "fulfilled"
	OrderFailed       OrderStatus = "failed"
	OrderReturned     OrderStatus = "returned"
)

// MarkWaitingStock puts the order on hold until now+retryAfter.
func (o *FulfillmentOrder) MarkWaitingStock(retryAfter time.Duration, now time.Time) {
	at := now.Add(retryAfter)
	o.Status = OrderWaitingStock
	o.BackorderAttempts++
	o.NextAttemptAt = &at
	o.UpdatedAt = now
}

// MarkFulfilled records the successful outcome.
func (o *FulfillmentOrder) MarkFulfilled(result map[string]any, now time.Time) {
	o.Status = OrderFulfilled
	o.ResultPayload = result
	o.NextAttemptAt = nil
	o.LastErrorCode = ""
	o.LastErrorMessage = ""
	o.UpdatedAt = now
}

// MarkFailed records a terminal pipeline failure.
func (o *FulfillmentOrder) MarkFailed(code, message string, now time.Time) {
	o.Status = OrderFailed
	o.LastErrorCode = code
	o.LastErrorMessage = message
	o.NextAttemptAt = nil
	o.UpdatedAt = now
}
