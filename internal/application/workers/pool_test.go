package workers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	eventmem "github.com/materlab/kiln/pkg/adapters/events/memory"
	"github.com/materlab/kiln/pkg/adapters/metrics/noop"
	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

type captureHandler struct {
	mu   sync.Mutex
	sigs []*domain.CompletionSignal
}

func (h *captureHandler) HandleSignal(ctx context.Context, sig *domain.CompletionSignal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sigs = append(h.sigs, sig)
	return nil
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sigs)
}

func publishSignal(t *testing.T, bus ports.EventBus, materialID, stage string) {
	t.Helper()
	event, err := ports.NewSignalEvent(&domain.CompletionSignal{
		ID:         uuid.NewString(),
		MaterialID: materialID,
		Stage:      stage,
		Outcome:    domain.OutcomeCompleted,
		Origin:     domain.OriginWebhook,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ports.TopicCompletionSignals, event))
}

func TestPool_ProcessesPublishedSignals(t *testing.T) {
	bus := eventmem.NewEventBus()
	handler := &captureHandler{}
	pool := NewPool(2, bus, handler, noop.NewCollector(), zap.NewNop(), time.Minute)

	require.NoError(t, pool.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, pool.Shutdown(ctx))
	}()

	publishSignal(t, bus, "mgo-1", "OPT")
	publishSignal(t, bus, "mgo-2", "SP")
	publishSignal(t, bus, "mgo-3", "BAND")

	assert.Eventually(t, func() bool { return handler.count() == 3 },
		time.Second, 5*time.Millisecond)
}

func TestPool_DropsUndecodableEvent(t *testing.T) {
	bus := eventmem.NewEventBus()
	handler := &captureHandler{}
	pool := NewPool(1, bus, handler, noop.NewCollector(), zap.NewNop(), time.Minute)

	require.NoError(t, pool.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, pool.Shutdown(ctx))
	}()

	// A broken payload must not wedge the subscription.
	err := bus.Publish(context.Background(), ports.TopicCompletionSignals, ports.Event{
		ID:        "broken",
		Type:      "completion.signal",
		Timestamp: time.Now(),
		Payload:   json.RawMessage(`{not json`),
	})
	assert.NoError(t, err)

	publishSignal(t, bus, "mgo-1", "OPT")
	assert.Eventually(t, func() bool { return handler.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestPool_ShutdownStopsWorkers(t *testing.T) {
	bus := eventmem.NewEventBus()
	pool := NewPool(3, bus, &captureHandler{}, noop.NewCollector(), zap.NewNop(), time.Minute)
	require.NoError(t, pool.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	for id, status := range pool.GetStatus() {
		assert.Equal(t, WorkerStatusStopped, status, "worker %s", id)
	}
}

func TestHealthMonitor_ReportsOccupancy(t *testing.T) {
	bus := eventmem.NewEventBus()
	pool := NewPool(2, bus, &captureHandler{}, noop.NewCollector(), zap.NewNop(), time.Minute)
	require.NoError(t, pool.Start())

	status := pool.health.GetStatus()
	assert.Equal(t, 2, status.TotalWorkers)
	assert.Equal(t, 2, status.IdleWorkers)
	assert.True(t, status.Healthy)
	assert.True(t, pool.health.IsHealthy())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	status = pool.health.GetStatus()
	assert.Equal(t, 2, status.StoppedWorkers)
	assert.False(t, status.Healthy)
}
