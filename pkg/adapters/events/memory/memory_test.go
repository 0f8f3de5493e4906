package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

func TestEventBus_PublishDeliversInSubscriptionOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()

	var got []string
	require.NoError(t, bus.Subscribe(ctx, ports.TopicWorkflowEvents, func(ctx context.Context, ev ports.Event) error {
		got = append(got, "first:"+ev.ID)
		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx, ports.TopicWorkflowEvents, func(ctx context.Context, ev ports.Event) error {
		got = append(got, "second:"+ev.ID)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, ports.TopicWorkflowEvents, ports.Event{ID: "ev-1"}))
	assert.Equal(t, []string{"first:ev-1", "second:ev-1"}, got)
}

func TestEventBus_TopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()

	calls := 0
	require.NoError(t, bus.Subscribe(ctx, ports.TopicCompletionSignals, func(ctx context.Context, ev ports.Event) error {
		calls++
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, ports.TopicWorkflowEvents, ports.Event{ID: "ev-1"}))
	assert.Zero(t, calls)

	require.NoError(t, bus.Publish(ctx, ports.TopicCompletionSignals, ports.Event{ID: "sig-1"}))
	assert.Equal(t, 1, calls)
}

func TestEventBus_HandlerErrorReachesPublisher(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()

	boom := errors.New("handler down")
	require.NoError(t, bus.Subscribe(ctx, ports.TopicCompletionSignals, func(ctx context.Context, ev ports.Event) error {
		return boom
	}))

	err := bus.Publish(ctx, ports.TopicCompletionSignals, ports.Event{ID: "sig-1"})
	assert.ErrorIs(t, err, boom)
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()

	calls := 0
	require.NoError(t, bus.Subscribe(ctx, ports.TopicWorkflowEvents, func(ctx context.Context, ev ports.Event) error {
		calls++
		return nil
	}))
	require.NoError(t, bus.Unsubscribe(ctx, ports.TopicWorkflowEvents))

	require.NoError(t, bus.Publish(ctx, ports.TopicWorkflowEvents, ports.Event{ID: "ev-1"}))
	assert.Zero(t, calls)
}

func TestEventBus_SignalRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()

	sig := &domain.CompletionSignal{
		ID:            "sig-1",
		MaterialID:    "mat-1",
		Stage:         "OPT",
		ExternalJobID: "8812",
		Outcome:       domain.OutcomeCompleted,
		Origin:        domain.OriginWebhook,
		ObservedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	ev, err := ports.NewSignalEvent(sig)
	require.NoError(t, err)

	var got *domain.CompletionSignal
	require.NoError(t, bus.Subscribe(ctx, ports.TopicCompletionSignals, func(ctx context.Context, ev ports.Event) error {
		decoded, err := ev.CompletionSignal()
		if err != nil {
			return err
		}
		got = decoded
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, ports.TopicCompletionSignals, ev))
	require.NotNil(t, got)
	assert.Equal(t, sig.ExternalJobID, got.ExternalJobID)
	assert.Equal(t, sig.Outcome, got.Outcome)
	assert.Equal(t, sig.Origin, got.Origin)
}
