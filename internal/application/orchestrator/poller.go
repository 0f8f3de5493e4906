package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// PollerOptions tune the polling fallback.
type PollerOptions struct {
	// Interval between sweeps.
	Interval time.Duration
}

func (o *PollerOptions) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
}

// Poller reconciles workflow state against the scheduler. Webhook
// delivery is best effort; the poller guarantees every job transition
// is eventually observed, and re-evaluates workflows whose submissions
// were deferred at capacity.
type Poller struct {
	manager   *Manager
	store     ports.StateStore
	scheduler ports.Scheduler
	bus       ports.EventBus
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	opts      PollerOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller.
func NewPoller(
	manager *Manager,
	store ports.StateStore,
	scheduler ports.Scheduler,
	bus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	opts PollerOptions,
) *Poller {
	opts.withDefaults()
	return &Poller{
		manager:   manager,
		store:     store,
		scheduler: scheduler,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
	}
}

// Start launches the sweep loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()

		p.logger.Info("poller started", zap.Duration("interval", p.opts.Interval))
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("poller stopped")
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Sweep runs one reconciliation pass: every in-flight calculation's
// job is queried and observed transitions are published as completion
// signals; workflows holding deferred pending calculations are
// re-evaluated.
func (p *Poller) Sweep(ctx context.Context) {
	ids, err := p.store.ListWorkflowIDs(ctx)
	if err != nil {
		p.logger.Error("poller list workflows failed", zap.Error(err))
		return
	}

	inFlight := 0
	for _, id := range ids {
		wf, err := p.store.GetWorkflow(ctx, id)
		if err != nil {
			if !errors.Is(err, ports.ErrNotFound) {
				p.logger.Error("poller load workflow failed",
					zap.String("material_id", id),
					zap.Error(err))
			}
			continue
		}

		inFlight += len(wf.InFlight())
		p.observeJobs(ctx, wf)

		if len(wf.Pending()) > 0 {
			if err := p.manager.Reevaluate(ctx, id); err != nil && !errors.Is(err, ports.ErrNotFound) {
				p.logger.Error("poller reevaluation failed",
					zap.String("material_id", id),
					zap.Error(err))
			}
		}
	}
	p.metrics.SetJobsInFlight(inFlight)
}

// observeJobs queries the scheduler for each in-flight calculation and
// publishes a completion signal for every observed transition. The
// signals are identical in shape to webhook signals and flow through
// the identical handling path.
func (p *Poller) observeJobs(ctx context.Context, wf *domain.WorkflowState) {
	for _, calc := range wf.InFlight() {
		state, err := p.scheduler.QueryState(ctx, calc.ExternalJobID)
		if err != nil {
			transient := errors.Is(err, ports.ErrSchedulerUnavailable)
			p.metrics.RecordSchedulerError(transient)
			p.logger.Warn("poller job query failed",
				zap.String("calc", calc.Key()),
				zap.String("job_id", calc.ExternalJobID),
				zap.Bool("transient", transient),
				zap.Error(err))
			continue
		}

		switch state {
		case ports.JobStatePending:
			// Still queued; nothing observed.
		case ports.JobStateRunning:
			if calc.Status == domain.CalcStatusSubmitted {
				p.publishSignal(ctx, wf, calc, domain.OutcomeRunning, "")
			}
		case ports.JobStateCompleted:
			p.publishSignal(ctx, wf, calc, domain.OutcomeCompleted, "")
		case ports.JobStateFailed:
			p.publishSignal(ctx, wf, calc, domain.OutcomeFailed, "")
		case ports.JobStateUnknown:
			diag := fmt.Sprintf("job %s no longer reported by scheduler queue or accounting", calc.ExternalJobID)
			p.publishSignal(ctx, wf, calc, domain.OutcomeFailed, diag)
		}
	}
}

func (p *Poller) publishSignal(ctx context.Context, wf *domain.WorkflowState, calc *domain.Calculation, outcome domain.Outcome, diagnostic string) {
	sig := &domain.CompletionSignal{
		ID:            uuid.NewString(),
		MaterialID:    wf.Material.ID,
		Stage:         calc.Stage.Label(),
		ExternalJobID: calc.ExternalJobID,
		Outcome:       outcome,
		Diagnostic:    diagnostic,
		Origin:        domain.OriginPoller,
		ObservedAt:    time.Now(),
	}
	event, err := ports.NewSignalEvent(sig)
	if err != nil {
		p.logger.Error("encode poller signal failed", zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, ports.TopicCompletionSignals, event); err != nil {
		p.logger.Error("publish poller signal failed",
			zap.String("calc", calc.Key()),
			zap.Error(err))
		return
	}
	p.logger.Debug("poller observed transition",
		zap.String("calc", calc.Key()),
		zap.String("job_id", calc.ExternalJobID),
		zap.String("outcome", string(outcome)))
}
