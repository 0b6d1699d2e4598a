package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepBatch    = 50
)

type (
	// SweeperOptions configures the backorder sweeper.
	SweeperOptions struct {
		// Orders is the fulfillment order store. Required.
		Orders hub.FulfillmentStore
		// Messages creates the replay messages. Required.
		Messages hub.Store
		// Queue enqueues the replay messages. Required.
		Queue hub.Queue
		// Interval between sweeps. Defaults to 1m.
		Interval time.Duration
		// Batch bounds how many orders one sweep replays. Defaults to 50.
		Batch int
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Sweeper replays waiting_stock orders whose next attempt is due by
	// creating a fresh inbound message from the stored webhook payload.
	Sweeper struct {
		orders   hub.FulfillmentStore
		messages hub.Store
		queue    hub.Queue
		interval time.Duration
		batch    int
		now      func() time.Time
	}
)

// NewSweeper validates the options and returns the sweeper.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Orders == nil {
		return nil, errors.New("fulfillment order store is required")
	}
	if opts.Messages == nil {
		return nil, errors.New("message store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batch := opts.Batch
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		orders:   opts.Orders,
		messages: opts.Messages,
		queue:    opts.Queue,
		interval: interval,
		batch:    batch,
		now:      now,
	}, nil
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx, s.now().UTC()); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "backorder sweep"})
			} else if n > 0 {
				log.Info(ctx, log.KV{K: "msg", V: "backorders replayed"}, log.KV{K: "count", V: n})
			}
		}
	}
}

// Sweep replays every due backorder once and returns how many were
// enqueued. The idempotency key ties the replay to the attempt count so
// a sweep racing another instance produces a single message.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.orders.DueBackorders(ctx, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list due backorders: %w", err)
	}
	replayed := 0
	for _, o := range due {
		if o.SourceEventType == "" || o.SourcePayload == nil {
			log.Warn(ctx, log.KV{K: "msg", V: "backorder has no stored payload"}, log.KV{K: "order_id", V: o.OrderID})
			continue
		}
		m := &hub.Message{
			OrganizationID:    o.OrganizationID,
			Integration:       o.Source,
			Direction:         hub.DirectionInbound,
			EventType:         o.SourceEventType,
			ExternalReference: o.OrderID,
			IdempotencyKey:    fmt.Sprintf("backorder:%s:%d", o.ID, o.BackorderAttempts),
			Payload:           o.SourcePayload,
		}
		if err := s.messages.Create(ctx, m); err != nil {
			var dupErr *hub.DuplicateIdempotencyKeyError
			if !errors.As(err, &dupErr) {
				log.Error(ctx, err, log.KV{K: "msg", V: "create backorder replay"}, log.KV{K: "order_id", V: o.OrderID})
				continue
			}
			m.ID = dupErr.ExistingID
		}
		if err := s.queue.Enqueue(ctx, m.ID, 0); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "enqueue backorder replay"}, log.KV{K: "order_id", V: o.OrderID})
			continue
		}
		o.NextAttemptAt = nil
		if err := s.orders.Save(ctx, o); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "save replayed backorder"}, log.KV{K: "order_id", V: o.OrderID})
		}
		replayed++
	}
	return replayed, nil
}
