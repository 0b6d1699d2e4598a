// Package bus provides the in-process event bus that decouples ingress,
// the message processor and the integration handlers. Delivery is
// synchronous and ordered per topic; the request/response helpers let a
// publisher block for a correlated reply.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

type (
	// Event is anything published on the bus. EventID correlates
	// request/response pairs; Topic routes to subscribers.
	Event interface {
		EventID() string
		Topic() string
	}

	// Handler consumes one event. A non-nil error aborts the fan-out and
	// propagates to the publisher.
	Handler func(ctx context.Context, e Event) (any, error)

	// Bus is a topic-keyed registry of handlers. The zero value is not
	// usable; call New.
	Bus struct {
		mu      sync.Mutex
		subs    map[string][]subscription
		waiters map[string]chan any
	}

	subscription struct {
		key uintptr
		fn  Handler
	}
)

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string][]subscription),
		waiters: make(map[string]chan any),
	}
}

// Subscribe registers h for topic. Registering the same function twice for
// the same topic is a no-op, so module init code can subscribe
// unconditionally.
func (b *Bus) Subscribe(topic string, h Handler) {
	key := reflect.ValueOf(h).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[topic] {
		if s.key == key {
			return
		}
	}
	b.subs[topic] = append(b.subs[topic], subscription{key: key, fn: h})
}

// Unsubscribe removes h from topic. Unknown handlers are ignored.
func (b *Bus) Unsubscribe(topic string, h Handler) {
	key := reflect.ValueOf(h).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.key == key {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every subscriber of its topic in registration
// order and returns their results. The first handler error aborts the
// fan-out and is returned to the caller.
func (b *Bus) Publish(ctx context.Context, e Event) ([]any, error) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[e.Topic()]))
	copy(subs, b.subs[e.Topic()])
	b.mu.Unlock()

	results := make([]any, 0, len(subs))
	for _, s := range subs {
		res, err := s.fn(ctx, e)
		if err != nil {
			return results, fmt.Errorf("bus handler for %s: %w", e.Topic(), err)
		}
		results = append(results, res)
	}
	return results, nil
}

// PublishAndWait publishes e and blocks until a subscriber responds via
// RespondToRequest with the event's id, the timeout elapses, or the
// context is done.
func (b *Bus) PublishAndWait(ctx context.Context, e Event, timeout time.Duration) (any, error) {
	ch := make(chan any, 1)
	b.mu.Lock()
	b.waiters[e.EventID()] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, e.EventID())
		b.mu.Unlock()
	}()

	if _, err := b.Publish(ctx, e); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response for event %s within %v", e.EventID(), timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RespondToRequest delivers value to the waiter registered for eventID.
// It reports whether a waiter was found.
func (b *Bus) RespondToRequest(eventID string, value any) bool {
	b.mu.Lock()
	ch, ok := b.waiters[eventID]
	if ok {
		delete(b.waiters, eventID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- value
	return true
}
