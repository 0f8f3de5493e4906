package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// SignalHandler consumes one completion signal. The orchestrator
// manager is the production implementation.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig *domain.CompletionSignal) error
}

// Pool fans completion signals out to a fixed set of worker
// goroutines. A single bus subscription feeds an internal queue the
// workers drain concurrently; per-material ordering is enforced by the
// material lease, not by the queue.
type Pool struct {
	size    int
	bus     ports.EventBus
	handler SignalHandler
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	signals chan *domain.CompletionSignal
	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// worker is a single signal-processing goroutine.
type worker struct {
	id   string
	pool *Pool

	mu      sync.RWMutex
	status  WorkerStatus
	lastJob time.Time
}

// WorkerStatus represents worker status.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a worker pool of the given size.
func NewPool(
	size int,
	bus ports.EventBus,
	handler SignalHandler,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		bus:     bus,
		handler: handler,
		metrics: metrics,
		logger:  logger,
		signals: make(chan *domain.CompletionSignal, size*2),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start launches the workers and subscribes to completion signals.
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	if err := p.bus.Subscribe(p.ctx, ports.TopicCompletionSignals, p.dispatch); err != nil {
		return fmt.Errorf("subscribe to completion signals: %w", err)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Shutdown gracefully shuts down the worker pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers.
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// dispatch decodes a signal event and queues it for the workers. An
// undecodable payload is dropped rather than redelivered forever; the
// poller observes the underlying transition again on its next sweep.
func (p *Pool) dispatch(ctx context.Context, event ports.Event) error {
	sig, err := event.CompletionSignal()
	if err != nil {
		p.logger.Error("dropping undecodable signal event",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return nil
	}

	select {
	case p.signals <- sig:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main worker loop.
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))
	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case sig := <-w.pool.signals:
			w.process(ctx, sig)
		}
	}
}

// process drives one signal through the handler. Handler errors are
// logged and dropped: signal handling is idempotent and the poller
// re-observes any transition whose invocation did not commit.
func (w *worker) process(ctx context.Context, sig *domain.CompletionSignal) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()
	defer w.setStatus(WorkerStatusIdle)

	start := time.Now()
	if err := w.pool.handler.HandleSignal(ctx, sig); err != nil {
		w.pool.logger.Error("signal handling failed",
			zap.String("worker_id", w.id),
			zap.String("signal_id", sig.ID),
			zap.String("material_id", sig.MaterialID),
			zap.String("stage", sig.Stage),
			zap.Error(err))
		return
	}

	w.pool.logger.Debug("signal handled",
		zap.String("worker_id", w.id),
		zap.String("material_id", sig.MaterialID),
		zap.String("stage", sig.Stage),
		zap.String("outcome", string(sig.Outcome)),
		zap.Duration("duration", time.Since(start)))
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}
