package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queuemem "github.com/conectahub/conecta/features/queue/memory"
	"github.com/conectahub/conecta/features/store/memory"
	"github.com/conectahub/conecta/runtime/bus"
	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/registry"
)

type fixture struct {
	store *memory.MessageStore
	queue *queuemem.Queue
	bus   *bus.Bus
	reg   *registry.Registry
	proc  *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewMessageStore(),
		queue: queuemem.New(16),
		bus:   bus.New(),
		reg:   registry.New(),
	}
	proc, err := New(Options{Store: f.store, Queue: f.queue, Bus: f.bus, Registry: f.reg})
	require.NoError(t, err)
	f.proc = proc
	return f
}

func (f *fixture) seed(t *testing.T, m *hub.Message) *hub.Message {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), m))
	return m
}

func inbound() *hub.Message {
	return &hub.Message{
		OrganizationID: uuid.New(),
		Integration:    hub.IntegrationStorefront,
		Direction:      hub.DirectionInbound,
		EventType:      "orders.paid",
		Payload:        map[string]any{"id": 1001},
	}
}

func TestProcessInboundSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var published []string
	f.bus.Subscribe(bus.TopicInboundMessage, func(_ context.Context, e bus.Event) (any, error) {
		published = append(published, e.EventID())
		return nil, nil
	})
	f.reg.Register(hub.IntegrationStorefront, "orders.paid", func(_ context.Context, m *hub.Message) (any, error) {
		return map[string]any{"fulfilled": true}, nil
	})

	m := f.seed(t, inbound())
	require.NoError(t, f.proc.Process(ctx, m.ID))

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatusProcessed, got.Status)
	assert.Equal(t, 202, got.HTTPStatus)
	assert.Equal(t, 1, got.ResponsePayload["handlers"])
	require.NotNil(t, got.AcknowledgedAt)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, []string{m.ID.String()}, published)
}

func TestProcessSkipsTerminalAndMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.proc.Process(ctx, uuid.New()))

	m := f.seed(t, inbound())
	_, err := f.store.Transition(ctx, m.ID, hub.StatusDispatched, hub.Update{})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, m.ID, hub.StatusProcessed, hub.Update{})
	require.NoError(t, err)

	called := false
	f.reg.Register(hub.IntegrationStorefront, "orders.paid", func(_ context.Context, m *hub.Message) (any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, f.proc.Process(ctx, m.ID))
	assert.False(t, called)
}

func TestProcessRetryableFailureSchedulesSuccessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(hub.IntegrationStorefront, "orders.paid", func(_ context.Context, m *hub.Message) (any, error) {
		return nil, &hub.APIError{StatusCode: 503, Code: hub.CodeServerError, Retryable: true, Message: "bad gateway"}
	})

	m := f.seed(t, inbound())
	m.IdempotencyKey = ""
	require.NoError(t, f.proc.Process(ctx, m.ID))

	failed, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatusFailed, failed.Status)
	assert.Equal(t, hub.CodeServerError, failed.ErrorCode)
	assert.Equal(t, 503, failed.HTTPStatus)
	assert.Equal(t, 1, failed.Retries)
	require.Contains(t, failed.ResponsePayload, "next_attempt_id")

	succID := uuid.MustParse(failed.ResponsePayload["next_attempt_id"].(string))
	succ, err := f.store.Get(ctx, succID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatusReceived, succ.Status)
	assert.Equal(t, 1, succ.Retries)
	require.NotNil(t, succ.NextAttemptAt)
	// delay_seconds(1) = 10s
	assert.WithinDuration(t, time.Now().Add(10*time.Second), *succ.NextAttemptAt, 2*time.Second)

	entries := f.queue.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, succID, entries[0].MessageID)
	assert.Equal(t, 10*time.Second, entries[0].Delay)
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(hub.IntegrationStorefront, "orders.paid", func(_ context.Context, m *hub.Message) (any, error) {
		return nil, &hub.APIError{StatusCode: 503, Code: hub.CodeServerError, Retryable: true}
	})

	m := inbound()
	m.Retries = hub.MaxAutoRetries - 1
	f.seed(t, m)
	require.NoError(t, f.proc.Process(ctx, m.ID))

	failed, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.MaxAutoRetries, failed.Retries)
	assert.NotContains(t, failed.ResponsePayload, "next_attempt_id")
	assert.Empty(t, f.queue.Entries())
}

func TestProcessNonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(hub.IntegrationStorefront, "orders.paid", func(_ context.Context, m *hub.Message) (any, error) {
		return nil, &hub.APIError{StatusCode: 422, Code: hub.CodeValidationError, Message: "missing client"}
	})

	m := f.seed(t, inbound())
	require.NoError(t, f.proc.Process(ctx, m.ID))

	failed, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatusFailed, failed.Status)
	assert.Equal(t, hub.CodeValidationError, failed.ErrorCode)
	assert.Empty(t, f.queue.Entries())
}

func TestProcessUnexpectedError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(hub.IntegrationStorefront, "orders.paid", func(_ context.Context, m *hub.Message) (any, error) {
		return nil, errors.New("nil map write")
	})

	m := f.seed(t, inbound())
	require.NoError(t, f.proc.Process(ctx, m.ID))

	failed, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.CodeUnexpectedError, failed.ErrorCode)
	assert.Empty(t, f.queue.Entries())
}

func TestProcessBackorderLeavesMessageOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(hub.IntegrationStorefront, "orders.paid", func(_ context.Context, m *hub.Message) (any, error) {
		return nil, &hub.BackorderError{Items: []string{"SKU-1"}, RetryAfter: 15 * time.Minute}
	})

	m := f.seed(t, inbound())
	require.NoError(t, f.proc.Process(ctx, m.ID))

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatusAcknowledged, got.Status)
	assert.Nil(t, got.ProcessedAt)
	assert.Empty(t, got.ErrorCode)
}

func TestProcessOutbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var topics []string
	f.bus.Subscribe(bus.TopicOutboundMessage, func(_ context.Context, e bus.Event) (any, error) {
		topics = append(topics, e.Topic())
		return nil, nil
	})

	m := &hub.Message{
		OrganizationID: uuid.New(),
		Integration:    hub.IntegrationAccounting,
		Direction:      hub.DirectionOutbound,
		EventType:      "invoices.create",
		Payload:        map[string]any{"method": "POST"},
	}
	f.seed(t, m)
	require.NoError(t, f.proc.Process(ctx, m.ID))

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatusProcessed, got.Status)
	assert.Equal(t, []string{bus.TopicOutboundMessage}, topics)
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()

	due := inbound()
	at := now.Add(-time.Second)
	due.NextAttemptAt = &at
	f.seed(t, due)

	notDue := inbound()
	later := now.Add(time.Hour)
	notDue.NextAttemptAt = &later
	f.seed(t, notDue)

	fresh := inbound()
	f.seed(t, fresh)

	stuck := inbound()
	stuck.ReceivedAt = now.Add(-time.Hour)
	f.seed(t, stuck)

	sw, err := NewSweeper(SweeperOptions{Store: f.store, Queue: f.queue, Grace: 5 * time.Minute})
	require.NoError(t, err)

	n, err := sw.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids := map[uuid.UUID]bool{}
	for _, e := range f.queue.Entries() {
		ids[e.MessageID] = true
	}
	assert.True(t, ids[due.ID])
	assert.True(t, ids[stuck.ID])
	assert.False(t, ids[notDue.ID])
	assert.False(t, ids[fresh.ID])
}
