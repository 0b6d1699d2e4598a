package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conectahub/conecta/runtime/hub"
)

func TestDispatchExactThenWildcard(t *testing.T) {
	r := New()
	var order []string
	r.Register(hub.IntegrationStorefront, AnyEvent, func(ctx context.Context, m *hub.Message) (any, error) {
		order = append(order, "wildcard")
		return "w", nil
	})
	r.Register(hub.IntegrationStorefront, "orders.paid", func(ctx context.Context, m *hub.Message) (any, error) {
		order = append(order, "exact")
		return "e", nil
	})

	results, err := r.Dispatch(context.Background(), &hub.Message{
		Integration: hub.IntegrationStorefront,
		EventType:   "orders.paid",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"exact", "wildcard"}, order)
	assert.Equal(t, []any{"e", "w"}, results)
}

func TestDispatchIsolatesIntegrations(t *testing.T) {
	r := New()
	called := false
	r.Register(hub.IntegrationERP, "orders.paid", func(ctx context.Context, m *hub.Message) (any, error) {
		called = true
		return nil, nil
	})

	results, err := r.Dispatch(context.Background(), &hub.Message{
		Integration: hub.IntegrationStorefront,
		EventType:   "orders.paid",
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.False(t, called)
}

func TestDispatchStopsOnError(t *testing.T) {
	r := New()
	boom := errors.New("boom")
	ran := false
	r.Register(hub.IntegrationAccounting, "invoice.created", func(ctx context.Context, m *hub.Message) (any, error) {
		return nil, boom
	})
	r.Register(hub.IntegrationAccounting, "invoice.created", func(ctx context.Context, m *hub.Message) (any, error) {
		ran = true
		return nil, nil
	})

	_, err := r.Dispatch(context.Background(), &hub.Message{
		Integration: hub.IntegrationAccounting,
		EventType:   "invoice.created",
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)
}

func TestHandlerCount(t *testing.T) {
	r := New()
	h := func(ctx context.Context, m *hub.Message) (any, error) { return nil, nil }
	assert.Zero(t, r.HandlerCount(hub.IntegrationStorefront, "orders.paid"))
	r.Register(hub.IntegrationStorefront, "orders.paid", h)
	r.Register(hub.IntegrationStorefront, AnyEvent, h)
	assert.Equal(t, 2, r.HandlerCount(hub.IntegrationStorefront, "orders.paid"))
	assert.Equal(t, 1, r.HandlerCount(hub.IntegrationStorefront, "orders.created"))
}
