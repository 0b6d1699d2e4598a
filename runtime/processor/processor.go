// Package processor drives inbound and outbound integration messages to a
// terminal status: it publishes the bus event, runs the registered
// handlers, classifies failures and schedules bounded retries as
// successor rows. It also hosts the pending sweep that turns scheduled
// rows into queue work.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/bus"
	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/registry"
)

type (
	// Options configures a Processor.
	Options struct {
		// Store is the message store. Required.
		Store hub.Store
		// Queue receives retry successors. Optional; without it retries
		// rely on the pending sweep alone.
		Queue hub.Queue
		// Bus receives the message events. Required.
		Bus *bus.Bus
		// Registry dispatches inbound messages. Required.
		Registry *registry.Registry
	}

	// Processor processes one message id at a time. Safe for concurrent
	// use by the worker pool.
	Processor struct {
		store    hub.Store
		queue    hub.Queue
		bus      *bus.Bus
		registry *registry.Registry

		processed metric.Int64Counter
		retried   metric.Int64Counter
		duration  metric.Float64Histogram
	}
)

// New validates opts and returns a processor.
func New(opts Options) (*Processor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	meter := otel.Meter("github.com/conectahub/conecta/runtime/processor")
	processed, err := meter.Int64Counter("conecta.messages.processed")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	retried, err := meter.Int64Counter("conecta.messages.retried")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	duration, err := meter.Float64Histogram("conecta.messages.duration_ms")
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}
	return &Processor{
		store:     opts.Store,
		queue:     opts.Queue,
		bus:       opts.Bus,
		registry:  opts.Registry,
		processed: processed,
		retried:   retried,
		duration:  duration,
	}, nil
}

// Process loads the message and drives it to a terminal status. Missing
// rows and rows already past received/dispatched are skipped without
// error, so redeliveries from the queue are harmless. Handler failures
// are recorded on the row, not returned: the returned error reports
// infrastructure problems only.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	ctx = log.With(ctx, log.KV{K: "message_id", V: id.String()})
	start := time.Now()

	m, err := p.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			log.Info(ctx, log.KV{K: "msg", V: "message disappeared, skipping"})
			return nil
		}
		return fmt.Errorf("load message: %w", err)
	}
	if m.Status != hub.StatusReceived && m.Status != hub.StatusDispatched {
		log.Debug(ctx, log.KV{K: "msg", V: "skipping message"}, log.KV{K: "status", V: string(m.Status)})
		return nil
	}

	// Successor rows and swept rows arrive as received.
	if m.Status == hub.StatusReceived {
		m, err = hub.MarkDispatched(ctx, p.store, id, time.Now().UTC(), 0, 0)
		if err != nil {
			if errors.Is(err, hub.ErrInvalidTransition) {
				// Another worker got here first.
				return nil
			}
			return fmt.Errorf("dispatch message: %w", err)
		}
	}

	if m.Direction == hub.DirectionOutbound {
		p.processOutbound(ctx, m)
	} else {
		p.processInbound(ctx, m)
	}

	p.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("integration", string(m.Integration)),
			attribute.String("direction", string(m.Direction)),
		))
	return nil
}

func (p *Processor) processInbound(ctx context.Context, m *hub.Message) {
	if _, err := p.bus.Publish(ctx, bus.FromMessage(m)); err != nil {
		p.fail(ctx, m, err)
		return
	}

	results, err := p.registry.Dispatch(ctx, m)
	if err != nil {
		var backorder *hub.BackorderError
		if errors.As(err, &backorder) {
			// Not a failure: the fulfillment order waits for stock and the
			// backorder sweep replays the attempt. The message stays
			// acknowledged, never failed.
			if _, ackErr := hub.MarkAcknowledged(ctx, p.store, m.ID); ackErr != nil {
				log.Error(ctx, ackErr)
			}
			log.Info(ctx, log.KV{K: "msg", V: "waiting for stock"},
				log.KV{K: "items", V: fmt.Sprintf("%v", backorder.Items)})
			p.count(ctx, m, "waiting_stock")
			return
		}
		p.fail(ctx, m, err)
		return
	}

	if _, err := hub.MarkAcknowledged(ctx, p.store, m.ID); err != nil {
		log.Error(ctx, err)
	}
	summary := map[string]any{"handlers": len(results), "results": results}
	if hub.CheckPayloadSize(summary) != nil {
		summary = map[string]any{"handlers": len(results), "results_truncated": true}
	}
	if _, err := hub.MarkProcessed(ctx, p.store, m.ID, summary, http.StatusAccepted, 0); err != nil {
		log.Error(ctx, err)
		return
	}
	p.count(ctx, m, "processed")
}

// processOutbound handles outbound rows that reach the queue without a
// terminal status, typically rows created ahead of a wire call that never
// happened. The event is published for observers and the row closed out.
func (p *Processor) processOutbound(ctx context.Context, m *hub.Message) {
	if _, err := p.bus.Publish(ctx, bus.FromMessage(m)); err != nil {
		p.fail(ctx, m, err)
		return
	}
	response := m.ResponsePayload
	if response == nil {
		response = map[string]any{}
	}
	if _, err := hub.MarkProcessed(ctx, p.store, m.ID, response, 0, 0); err != nil {
		log.Error(ctx, err)
		return
	}
	p.count(ctx, m, "processed")
}

// fail records the terminal failure and, for retryable errors under the
// retry budget, appends and enqueues the successor row. The successor's
// id and due time are recorded on the failed row for traceability.
func (p *Processor) fail(ctx context.Context, m *hub.Message, cause error) {
	code, retryable, status := hub.Classify(cause)
	failed, err := hub.MarkFailed(ctx, p.store, m.ID, code, cause.Error(), status, nil)
	if err != nil {
		log.Error(ctx, err)
		return
	}
	log.Error(ctx, cause, log.KV{K: "error_code", V: code}, log.KV{K: "retries", V: failed.Retries})
	p.count(ctx, m, "failed")

	if !retryable || failed.Retries >= hub.MaxAutoRetries {
		return
	}
	delay := hub.Backoff(failed.Retries)
	next, err := hub.ScheduleRetry(ctx, p.store, p.queue, failed, delay)
	if err != nil {
		log.Error(ctx, err)
		return
	}
	p.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("integration", string(m.Integration))))
	if _, err := p.store.Transition(ctx, failed.ID, hub.StatusFailed, hub.Update{
		ResponsePayload: map[string]any{
			"next_attempt_id": next.ID.String(),
			"next_attempt_at": next.NextAttemptAt.Format(time.RFC3339),
		},
		MergeResponse: true,
	}); err != nil {
		log.Error(ctx, err)
	}
}

func (p *Processor) count(ctx context.Context, m *hub.Message, outcome string) {
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", string(m.Integration)),
		attribute.String("direction", string(m.Direction)),
		attribute.String("outcome", outcome),
	))
}
