// Package pulse provides the Redis-backed work queue that feeds the
// message processor workers. Message ids are published to a Pulse stream
// and consumed through a consumer-group sink, so multiple hub processes
// share the work and unacknowledged items are redelivered.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	pulseclient "github.com/conectahub/conecta/features/queue/pulse/clients/pulse"
)

const (
	// DefaultStreamName is the stream message ids are published to.
	DefaultStreamName = "integration-messages"
	// DefaultSinkName is the consumer group shared by the workers.
	DefaultSinkName = "processor"
	// eventName tags stream entries carrying a message id.
	eventName = "message"
)

type (
	// Options configures the queue.
	Options struct {
		// Client is the Pulse client. Required.
		Client pulseclient.Client
		// StreamName overrides DefaultStreamName.
		StreamName string
		// SinkName overrides DefaultSinkName.
		SinkName string
	}

	// Queue implements hub.Queue over a Pulse stream. Delayed enqueues
	// are published by an in-process timer and are therefore best effort;
	// the processor's pending sweep re-enqueues anything a dying process
	// dropped.
	Queue struct {
		stream pulseclient.Stream
		sink   string
	}

	envelope struct {
		MessageID uuid.UUID `json:"message_id"`
	}
)

// New opens the stream and returns the queue.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	sink := opts.SinkName
	if sink == "" {
		sink = DefaultSinkName
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("open queue stream: %w", err)
	}
	return &Queue{stream: stream, sink: sink}, nil
}

// Enqueue implements hub.Queue.
func (q *Queue) Enqueue(ctx context.Context, messageID uuid.UUID, delay time.Duration) error {
	if delay <= 0 {
		return q.publish(ctx, messageID)
	}
	pctx := context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		if err := q.publish(pctx, messageID); err != nil {
			log.Error(pctx, err, log.KV{K: "message_id", V: messageID.String()})
		}
	})
	return nil
}

func (q *Queue) publish(ctx context.Context, messageID uuid.UUID) error {
	payload, err := json.Marshal(envelope{MessageID: messageID})
	if err != nil {
		return fmt.Errorf("marshal queue envelope: %w", err)
	}
	if _, err := q.stream.Add(ctx, eventName, payload); err != nil {
		return fmt.Errorf("enqueue message %s: %w", messageID, err)
	}
	return nil
}

// Run consumes message ids with the given number of workers until the
// context is done. Every event is acknowledged after the handler returns:
// failures are recorded on the message row, so redelivery would only
// repeat a no-op status check.
func (q *Queue) Run(ctx context.Context, workers int, fn func(ctx context.Context, id uuid.UUID) error) error {
	if workers <= 0 {
		workers = 1
	}
	sink, err := q.stream.NewSink(ctx, q.sink, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return fmt.Errorf("create queue sink: %w", err)
	}
	defer sink.Close(context.WithoutCancel(ctx))

	events := sink.Subscribe()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					q.handle(ctx, ev, fn)
					if err := sink.Ack(ctx, ev); err != nil && ctx.Err() == nil {
						log.Error(ctx, err, log.KV{K: "event_id", V: ev.ID})
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) handle(ctx context.Context, ev *streaming.Event, fn func(ctx context.Context, id uuid.UUID) error) {
	var env envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		log.Error(ctx, fmt.Errorf("decode queue envelope: %w", err), log.KV{K: "event_id", V: ev.ID})
		return
	}
	if err := fn(ctx, env.MessageID); err != nil {
		log.Error(ctx, err, log.KV{K: "message_id", V: env.MessageID.String()})
	}
}
