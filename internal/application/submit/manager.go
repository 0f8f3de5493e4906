// Package submit enforces pool-wide submission capacity. Every
// submission happens inside the global submissions lease so the
// in-flight counter read, the scheduler call and the workflow persist
// form one critical section across all processes.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/materlab/kiln/internal/application/leases"
	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// Outcome is the result category of one submission attempt.
type Outcome string

const (
	// OutcomeSubmitted means the calculation holds a live external job,
	// either freshly submitted or already in flight.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeDeferred means capacity or lease contention postponed the
	// submission; the calculation stays pending and is retried by a
	// later invocation.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed means the attempt errored; the calculation stays
	// pending with no state change.
	OutcomeFailed Outcome = "failed"
)

// Result reports one submission attempt.
type Result struct {
	Outcome Outcome
	JobID   string
	Err     error
}

// Options tune the manager.
type Options struct {
	// MaxJobs is the pool-wide cap on live external jobs.
	MaxJobs int
	// Reserve is headroom held back from MaxJobs for out-of-band work.
	Reserve int
	// LeaseTimeout bounds waiting for the submissions lease.
	LeaseTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxJobs <= 0 {
		o.MaxJobs = 20
	}
	if o.Reserve < 0 {
		o.Reserve = 0
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 10 * time.Second
	}
}

// Manager submits pending calculations. Callers hold the owning
// material's lease; the manager takes the submissions lease inside it,
// never the other way around.
type Manager struct {
	store       ports.StateStore
	scheduler   ports.Scheduler
	provisioner ports.InputProvisioner
	leases      *leases.Manager
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	opts        Options
	now         func() time.Time
}

// NewManager creates a submission manager.
func NewManager(
	store ports.StateStore,
	scheduler ports.Scheduler,
	provisioner ports.InputProvisioner,
	leaseMgr *leases.Manager,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	opts Options,
) *Manager {
	opts.withDefaults()
	return &Manager{
		store:       store,
		scheduler:   scheduler,
		provisioner: provisioner,
		leases:      leaseMgr,
		metrics:     metrics,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
	}
}

// WithNow injects a clock for tests.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// TrySubmit submits one pending calculation of wf. Idempotent: a
// calculation already holding a live job returns its existing
// reference without touching the scheduler. On OutcomeSubmitted the
// workflow document has been persisted inside the submissions lease,
// so the next capacity check observes the new job.
func (m *Manager) TrySubmit(ctx context.Context, wf *domain.WorkflowState, calc *domain.Calculation) Result {
	if calc.Status.InFlight() {
		return Result{Outcome: OutcomeSubmitted, JobID: calc.ExternalJobID}
	}
	if calc.Status != domain.CalcStatusPending {
		return Result{Outcome: OutcomeFailed,
			Err: fmt.Errorf("calculation %s is %s, not pending", calc.Key(), calc.Status)}
	}

	var res Result
	err := m.leases.WithLease(ctx, domain.SubmissionLeaseName, m.opts.LeaseTimeout, func(ctx context.Context) error {
		res = m.submitLocked(ctx, wf, calc)
		return nil
	})
	if err != nil {
		if errors.Is(err, leases.ErrAcquireTimeout) {
			m.metrics.RecordSubmission(string(calc.Stage.Kind), string(OutcomeDeferred))
			m.logger.Debug("submission lease contended, deferring",
				zap.String("calc", calc.Key()))
			return Result{Outcome: OutcomeDeferred}
		}
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	return res
}

func (m *Manager) submitLocked(ctx context.Context, wf *domain.WorkflowState, calc *domain.Calculation) Result {
	kind := string(calc.Stage.Kind)

	inFlight, err := m.store.CountInFlight(ctx)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("count in-flight: %w", err)}
	}
	if limit := m.opts.MaxJobs - m.opts.Reserve; inFlight >= limit {
		m.metrics.RecordSubmission(kind, string(OutcomeDeferred))
		m.logger.Info("submission deferred at capacity",
			zap.String("calc", calc.Key()),
			zap.Int("in_flight", inFlight),
			zap.Int("limit", limit))
		return Result{Outcome: OutcomeDeferred}
	}

	artifact, err := m.provisioner.PrepareInput(ctx, ports.ProvisionRequest{
		Material: &wf.Material,
		Stage:    calc.Stage,
		Params:   calc.Params,
		Source:   m.sourceCalc(wf, calc),
	})
	if err != nil {
		m.metrics.RecordSubmission(kind, string(OutcomeFailed))
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("provision input for %s: %w", calc.Key(), err)}
	}

	jobID, err := m.scheduler.Submit(ctx, ports.JobRequest{
		Name:      fmt.Sprintf("%s-%s", wf.Material.ID, calc.Stage.Label()),
		WorkDir:   artifact.WorkDir,
		InputFile: artifact.InputFile,
		Resources: calc.Resources,
	})
	if err != nil {
		transient := errors.Is(err, ports.ErrSchedulerUnavailable)
		m.metrics.RecordSchedulerError(transient)
		m.metrics.RecordSubmission(kind, string(OutcomeFailed))
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("submit %s: %w", calc.Key(), err)}
	}

	calc.MarkSubmitted(jobID, artifact.WorkDir, m.now())
	wf.UpdatedAt = m.now()
	if err := m.store.SaveWorkflow(ctx, wf); err != nil {
		// The job is live but the document is not. The poller will
		// reconcile from the scheduler side; surface loudly.
		m.logger.Error("workflow persist failed after submission",
			zap.String("calc", calc.Key()),
			zap.String("job_id", jobID),
			zap.Error(err))
		return Result{Outcome: OutcomeFailed, JobID: jobID,
			Err: fmt.Errorf("persist after submitting %s: %w", calc.Key(), err)}
	}

	m.metrics.RecordSubmission(kind, string(OutcomeSubmitted))
	m.logger.Info("calculation submitted",
		zap.String("calc", calc.Key()),
		zap.String("job_id", jobID),
		zap.Int("attempt", calc.Attempt),
		zap.Int("in_flight", inFlight+1))
	return Result{Outcome: OutcomeSubmitted, JobID: jobID}
}

// sourceCalc resolves the completed calculation the stage starts from,
// nil for plan-start external provisioning.
func (m *Manager) sourceCalc(wf *domain.WorkflowState, calc *domain.Calculation) *domain.Calculation {
	if calc.SourceStage == nil {
		return nil
	}
	return wf.Calc(*calc.SourceStage)
}
