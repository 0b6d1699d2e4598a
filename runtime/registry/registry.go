// Package registry routes inbound integration messages to their handlers.
// Handlers register under an (integration, event type) key or under the
// wildcard event to receive everything for an integration.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/conectahub/conecta/runtime/hub"
)

// AnyEvent subscribes a handler to every event type of an integration.
const AnyEvent = "*"

type (
	// Handler processes one inbound message and returns a JSON-serializable
	// result that the processor records in the message's response payload.
	Handler func(ctx context.Context, m *hub.Message) (any, error)

	// Registry maps (integration, event type) to handler chains. It is
	// populated at startup and safe for concurrent dispatch.
	Registry struct {
		mu       sync.RWMutex
		handlers map[hub.Integration]map[string][]Handler
	}
)

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[hub.Integration]map[string][]Handler)}
}

// Register appends h to the chain for (integration, eventType). Use
// AnyEvent to receive every event of the integration.
func (r *Registry) Register(integration hub.Integration, eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byEvent := r.handlers[integration]
	if byEvent == nil {
		byEvent = make(map[string][]Handler)
		r.handlers[integration] = byEvent
	}
	byEvent[eventType] = append(byEvent[eventType], h)
}

// HandlerCount returns the number of handlers that would run for the key.
func (r *Registry) HandlerCount(integration hub.Integration, eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byEvent := r.handlers[integration]
	return len(byEvent[eventType]) + len(byEvent[AnyEvent])
}

// Dispatch runs the exact-match handlers for the message's event type and
// then the wildcard handlers, collecting their results in order. The first
// handler error aborts the chain and propagates unchanged so the caller
// can classify it.
func (r *Registry) Dispatch(ctx context.Context, m *hub.Message) ([]any, error) {
	r.mu.RLock()
	byEvent := r.handlers[m.Integration]
	chain := make([]Handler, 0, len(byEvent[m.EventType])+len(byEvent[AnyEvent]))
	chain = append(chain, byEvent[m.EventType]...)
	if m.EventType != AnyEvent {
		chain = append(chain, byEvent[AnyEvent]...)
	}
	r.mu.RUnlock()

	results := make([]any, 0, len(chain))
	for _, h := range chain {
		res, err := h(ctx, m)
		if err != nil {
			return results, fmt.Errorf("handler for %s/%s: %w", m.Integration, m.EventType, err)
		}
		results = append(results, res)
	}
	return results, nil
}
