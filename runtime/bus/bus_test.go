package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conectahub/conecta/runtime/hub"
)

func TestPublishOrderAndResults(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe(TopicInboundMessage, func(ctx context.Context, e Event) (any, error) {
		order = append(order, "first")
		return 1, nil
	})
	b.Subscribe(TopicInboundMessage, func(ctx context.Context, e Event) (any, error) {
		order = append(order, "second")
		return 2, nil
	})

	results, err := b.Publish(context.Background(), &InboundMessage{MessageID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []any{1, 2}, results)
}

func TestSubscribeIdempotent(t *testing.T) {
	b := New()
	calls := 0
	h := func(ctx context.Context, e Event) (any, error) {
		calls++
		return nil, nil
	}
	b.Subscribe(TopicInboundMessage, h)
	b.Subscribe(TopicInboundMessage, h)

	_, err := b.Publish(context.Background(), &InboundMessage{MessageID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	b.Unsubscribe(TopicInboundMessage, h)
	_, err = b.Publish(context.Background(), &InboundMessage{MessageID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPublishAbortsOnError(t *testing.T) {
	b := New()
	boom := errors.New("boom")
	ran := false
	b.Subscribe(TopicInboundMessage, func(ctx context.Context, e Event) (any, error) {
		return nil, boom
	})
	b.Subscribe(TopicInboundMessage, func(ctx context.Context, e Event) (any, error) {
		ran = true
		return nil, nil
	})

	_, err := b.Publish(context.Background(), &InboundMessage{MessageID: uuid.New()})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)
}

func TestPublishAndWait(t *testing.T) {
	b := New()
	b.Subscribe(TopicInboundMessage, func(ctx context.Context, e Event) (any, error) {
		go b.RespondToRequest(e.EventID(), "pong")
		return nil, nil
	})

	got, err := b.PublishAndWait(context.Background(), &InboundMessage{MessageID: uuid.New()}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestPublishAndWaitTimeout(t *testing.T) {
	b := New()
	_, err := b.PublishAndWait(context.Background(), &InboundMessage{MessageID: uuid.New()}, 20*time.Millisecond)
	require.Error(t, err)

	// The waiter is gone; a late response finds nobody.
	assert.False(t, b.RespondToRequest("nope", "late"))
}

func TestFromMessage(t *testing.T) {
	in := FromMessage(&hub.Message{ID: uuid.New(), Direction: hub.DirectionInbound, EventType: "orders.paid"})
	assert.Equal(t, TopicInboundMessage, in.Topic())

	out := FromMessage(&hub.Message{ID: uuid.New(), Direction: hub.DirectionOutbound, EventType: "erpnext.invoice.create"})
	assert.Equal(t, TopicOutboundMessage, out.Topic())
}
