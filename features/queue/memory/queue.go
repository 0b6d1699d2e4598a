// Package memory provides a channel-backed work queue for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Entry records one enqueue call.
	Entry struct {
		MessageID uuid.UUID
		Delay     time.Duration
	}

	// Queue is an in-memory hub.Queue. Delayed entries are delivered by
	// timers; nothing survives a restart.
	Queue struct {
		mu      sync.Mutex
		entries []Entry
		ch      chan uuid.UUID
	}
)

// New returns a queue with the given buffer size (default 1024).
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{ch: make(chan uuid.UUID, buffer)}
}

// Enqueue implements hub.Queue.
func (q *Queue) Enqueue(_ context.Context, messageID uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	q.entries = append(q.entries, Entry{MessageID: messageID, Delay: delay})
	q.mu.Unlock()
	if delay <= 0 {
		q.ch <- messageID
		return nil
	}
	time.AfterFunc(delay, func() { q.ch <- messageID })
	return nil
}

// Run consumes message ids with the given number of workers until the
// context is done. Handler errors are swallowed; outcomes live in the
// message store.
func (q *Queue) Run(ctx context.Context, workers int, fn func(ctx context.Context, id uuid.UUID) error) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.ch:
					_ = fn(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
}

// Entries returns every enqueue recorded so far. Test helper.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
