// Package memory provides in-memory implementations of the hub store
// contracts for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conectahub/conecta/runtime/hub"
)

// MessageStore is an in-memory hub.Store.
type MessageStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*hub.Message
}

// NewMessageStore returns an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[uuid.UUID]*hub.Message)}
}

// Create implements hub.Store.
func (s *MessageStore) Create(_ context.Context, m *hub.Message) error {
	if err := hub.CheckPayloadSize(m.Payload); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = hub.StatusReceived
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.IdempotencyKey != "" {
		for _, existing := range s.messages {
			if existing.OrganizationID == m.OrganizationID &&
				existing.Integration == m.Integration &&
				existing.Direction == m.Direction &&
				existing.IdempotencyKey == m.IdempotencyKey {
				return &hub.DuplicateIdempotencyKeyError{ExistingID: existing.ID}
			}
		}
	}
	clone := *m
	s.messages[m.ID] = &clone
	return nil
}

// Get implements hub.Store.
func (s *MessageStore) Get(_ context.Context, id uuid.UUID) (*hub.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, hub.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

// Transition implements hub.Store.
func (s *MessageStore) Transition(_ context.Context, id uuid.UUID, target hub.Status, u hub.Update) (*hub.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, hub.ErrNotFound
	}
	clone := *m
	if err := clone.ApplyTransition(target, u, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.messages[id] = &clone
	out := clone
	return &out, nil
}

// Pending implements hub.Store.
func (s *MessageStore) Pending(_ context.Context, now time.Time, limit int) ([]*hub.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*hub.Message
	for _, m := range s.messages {
		if m.Status != hub.StatusReceived {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		clone := *m
		due = append(due, &clone)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReceivedAt.Before(due[j].ReceivedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// All returns every stored message, oldest first. Test helper.
func (s *MessageStore) All() []*hub.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*hub.Message, 0, len(s.messages))
	for _, m := range s.messages {
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}
