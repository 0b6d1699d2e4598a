package processor

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
)

type (
	// SweeperOptions configures a Sweeper.
	SweeperOptions struct {
		// Store is the message store. Required.
		Store hub.Store
		// Queue receives the due message ids. Required.
		Queue hub.Queue
		// Interval between sweeps. Defaults to 30s.
		Interval time.Duration
		// Batch bounds how many rows one sweep enqueues. Defaults to 100.
		Batch int
		// Grace is how long a freshly received row may sit before the
		// sweep considers it stuck. Rows with an explicit next attempt
		// time are enqueued as soon as they are due. Defaults to 5m.
		Grace time.Duration
	}

	// Sweeper periodically re-enqueues received messages that are due:
	// scheduled retry successors whose delay elapsed and rows whose
	// original enqueue was lost. It is the durable half of delayed
	// delivery; queue timers are only the fast path.
	Sweeper struct {
		store    hub.Store
		queue    hub.Queue
		interval time.Duration
		batch    int
		grace    time.Duration
	}
)

// NewSweeper validates opts and returns a sweeper.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	s := &Sweeper{
		store:    opts.Store,
		queue:    opts.Queue,
		interval: opts.Interval,
		batch:    opts.Batch,
		grace:    opts.Grace,
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	if s.grace <= 0 {
		s.grace = 5 * time.Minute
	}
	return s, nil
}

// Run sweeps on the configured interval until the context is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
				log.Error(ctx, err)
			} else if n > 0 {
				log.Info(ctx, log.KV{K: "msg", V: "swept pending messages"}, log.KV{K: "count", V: n})
			}
		}
	}
}

// Sweep enqueues the due messages once and returns how many it enqueued.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	msgs, err := s.store.Pending(ctx, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending messages: %w", err)
	}
	n := 0
	for _, m := range msgs {
		// A row without a schedule was enqueued at ingress; give that
		// delivery time to land before re-enqueueing.
		if m.NextAttemptAt == nil && now.Sub(m.ReceivedAt) < s.grace {
			continue
		}
		if err := s.queue.Enqueue(ctx, m.ID, 0); err != nil {
			return n, fmt.Errorf("enqueue pending message %s: %w", m.ID, err)
		}
		n++
	}
	return n, nil
}
