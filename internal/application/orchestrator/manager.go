package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/materlab/kiln/internal/application/leases"
	"github.com/materlab/kiln/internal/application/recovery"
	"github.com/materlab/kiln/internal/application/resolver"
	"github.com/materlab/kiln/internal/application/submit"
	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// phase labels one step of an invocation, surfaced in logs.
type phase string

const (
	phaseLeaseAcquiring phase = "lease_acquiring"
	phaseEvaluating     phase = "evaluating"
	phaseActing         phase = "acting"
	phaseCommitting     phase = "committing"
)

// Options tune the manager.
type Options struct {
	// MaterialLeaseTimeout bounds waiting for a material's lease before
	// the invocation is deferred to a later signal or sweep.
	MaterialLeaseTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.MaterialLeaseTimeout <= 0 {
		o.MaterialLeaseTimeout = 15 * time.Second
	}
}

// Manager coordinates workflow advancement. All mutation of one
// material's document happens inside that material's lease.
type Manager struct {
	store     ports.StateStore
	bus       ports.EventBus
	metrics   ports.MetricsCollector
	leases    *leases.Manager
	submitter *submit.Manager
	planner   *recovery.Planner
	artifacts ports.ArtifactStore
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// NewManager creates an orchestrator manager.
func NewManager(
	store ports.StateStore,
	bus ports.EventBus,
	metrics ports.MetricsCollector,
	leaseMgr *leases.Manager,
	submitter *submit.Manager,
	planner *recovery.Planner,
	artifacts ports.ArtifactStore,
	logger *zap.Logger,
	opts Options,
) *Manager {
	opts.withDefaults()
	return &Manager{
		store:     store,
		bus:       bus,
		metrics:   metrics,
		leases:    leaseMgr,
		submitter: submitter,
		planner:   planner,
		artifacts: artifacts,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// WithNow injects a clock for tests.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// RegisterWorkflow creates the workflow document for a material and
// runs the first evaluation, submitting the plan's opening stage.
// Registration is idempotent on material ID: re-registering returns
// the existing document untouched.
func (m *Manager) RegisterWorkflow(ctx context.Context, mat domain.Material, plan domain.WorkflowPlan) (*domain.WorkflowState, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if mat.ID == "" {
		return nil, fmt.Errorf("material id is required")
	}

	var wf *domain.WorkflowState
	err := m.leases.WithLease(ctx, domain.MaterialLeaseName(mat.ID), m.opts.MaterialLeaseTimeout, func(ctx context.Context) error {
		existing, err := m.store.GetWorkflow(ctx, mat.ID)
		if err == nil {
			wf = existing
			return nil
		}
		if !errors.Is(err, ports.ErrNotFound) {
			return fmt.Errorf("load workflow %s: %w", mat.ID, err)
		}

		now := m.now()
		if mat.CreatedAt.IsZero() {
			mat.CreatedAt = now
		}
		wf = domain.NewWorkflowState(mat, plan, now)

		events := []*domain.WorkflowEvent{m.newEvent(domain.EventTypeWorkflowRegistered, mat.ID, "", map[string]interface{}{
			"plan": plan.Labels(),
		})}
		events = append(events, m.advance(ctx, wf, nil)...)

		wf.UpdatedAt = m.now()
		if err := m.store.SaveWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("save workflow %s: %w", mat.ID, err)
		}
		m.publish(ctx, events)

		m.logger.Info("workflow registered",
			zap.String("material_id", mat.ID),
			zap.Strings("plan", plan.Labels()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// HandleSignal runs one invocation for a completion signal. Duplicate
// signals, signals for unknown jobs and signals for already-terminal
// calculations are no-op successes. A lease timeout defers the
// invocation without error; the signal's transition will be observed
// again by the poller.
func (m *Manager) HandleSignal(ctx context.Context, sig *domain.CompletionSignal) error {
	start := m.now()
	logger := m.logger.With(
		zap.String("material_id", sig.MaterialID),
		zap.String("signal_id", sig.ID),
		zap.String("origin", string(sig.Origin)),
		zap.String("outcome", string(sig.Outcome)))

	logger.Debug("invocation started", zap.String("phase", string(phaseLeaseAcquiring)))
	err := m.leases.WithLease(ctx, domain.MaterialLeaseName(sig.MaterialID), m.opts.MaterialLeaseTimeout, func(ctx context.Context) error {
		wf, err := m.store.GetWorkflow(ctx, sig.MaterialID)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				logger.Warn("signal for unregistered material dropped")
				return nil
			}
			return fmt.Errorf("load workflow %s: %w", sig.MaterialID, err)
		}

		logger.Debug("invocation evaluating", zap.String("phase", string(phaseEvaluating)))
		prevSettled, _ := settled(wf)
		justCompleted, events := m.applySignal(ctx, wf, sig, logger)

		logger.Debug("invocation acting", zap.String("phase", string(phaseActing)))
		events = append(events, m.advance(ctx, wf, justCompleted)...)
		events = append(events, m.finishEvents(wf, prevSettled)...)

		logger.Debug("invocation committing", zap.String("phase", string(phaseCommitting)))
		wf.UpdatedAt = m.now()
		if err := m.store.SaveWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("save workflow %s: %w", sig.MaterialID, err)
		}
		m.publish(ctx, events)
		return nil
	})
	if err != nil {
		if errors.Is(err, leases.ErrAcquireTimeout) {
			logger.Debug("invocation deferred under lease contention")
			return nil
		}
		return err
	}

	m.metrics.RecordInvocation(time.Since(start))
	return nil
}

// Reevaluate runs an invocation without a signal: resolve eligibility,
// submit pending calculations, persist. It powers the operator's force
// reevaluation and the poller's deferred-submission sweep.
func (m *Manager) Reevaluate(ctx context.Context, materialID string) error {
	start := m.now()
	err := m.leases.WithLease(ctx, domain.MaterialLeaseName(materialID), m.opts.MaterialLeaseTimeout, func(ctx context.Context) error {
		wf, err := m.store.GetWorkflow(ctx, materialID)
		if err != nil {
			return err
		}

		prevSettled, _ := settled(wf)
		events := m.advance(ctx, wf, nil)
		events = append(events, m.finishEvents(wf, prevSettled)...)

		wf.UpdatedAt = m.now()
		if err := m.store.SaveWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("save workflow %s: %w", materialID, err)
		}
		m.publish(ctx, events)
		return nil
	})
	if err != nil {
		if errors.Is(err, leases.ErrAcquireTimeout) {
			m.logger.Debug("reevaluation deferred under lease contention",
				zap.String("material_id", materialID))
			return nil
		}
		return err
	}

	m.metrics.RecordInvocation(time.Since(start))
	return nil
}

// GetWorkflow loads a workflow document.
func (m *Manager) GetWorkflow(ctx context.Context, materialID string) (*domain.WorkflowState, error) {
	return m.store.GetWorkflow(ctx, materialID)
}

// ListWorkflowIDs lists registered materials.
func (m *Manager) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	return m.store.ListWorkflowIDs(ctx)
}

// ListFailed lists terminally failed calculations across all
// workflows.
func (m *Manager) ListFailed(ctx context.Context) ([]*domain.Calculation, error) {
	return m.store.ListFailed(ctx)
}

// applySignal folds one observed job outcome into the document. It
// returns the stage to treat as just-completed for resolution, nil when
// the signal did not complete anything.
func (m *Manager) applySignal(ctx context.Context, wf *domain.WorkflowState, sig *domain.CompletionSignal, logger *zap.Logger) (*domain.StageRef, []*domain.WorkflowEvent) {
	calc := m.findCalc(wf, sig)
	if calc == nil {
		logger.Warn("signal for unknown calculation dropped",
			zap.String("stage", sig.Stage),
			zap.String("job_id", sig.ExternalJobID))
		return nil, nil
	}
	if sig.ExternalJobID != "" && calc.ExternalJobID != "" && sig.ExternalJobID != calc.ExternalJobID {
		// A signal from a superseded attempt. The current attempt's own
		// signals will arrive on their own.
		logger.Debug("signal for stale job dropped",
			zap.String("stage", calc.Stage.Label()),
			zap.String("signal_job_id", sig.ExternalJobID),
			zap.String("current_job_id", calc.ExternalJobID))
		return nil, nil
	}
	if sig.ExternalJobID != "" && sig.ExternalJobID == calc.LastJobID {
		// A duplicate of the failure that already reset this calculation,
		// arriving while the retry still waits for resubmission. The
		// failure was charged and remediated when it was first observed.
		logger.Debug("signal for superseded job dropped",
			zap.String("stage", calc.Stage.Label()),
			zap.String("signal_job_id", sig.ExternalJobID),
			zap.String("status", string(calc.Status)))
		return nil, nil
	}
	if calc.Status.Terminal() {
		logger.Debug("signal for terminal calculation dropped",
			zap.String("stage", calc.Stage.Label()),
			zap.String("status", string(calc.Status)))
		return nil, nil
	}

	switch sig.Outcome {
	case domain.OutcomeRunning:
		if calc.Status != domain.CalcStatusSubmitted {
			return nil, nil
		}
		calc.MarkRunning()
		return nil, []*domain.WorkflowEvent{m.newEvent(domain.EventTypeCalcRunning, wf.Material.ID, calc.Stage.Label(), nil)}

	case domain.OutcomeCompleted:
		kind := string(calc.Stage.Kind)
		if calc.SubmittedAt != nil {
			m.metrics.RecordCalcDuration(kind, m.now().Sub(*calc.SubmittedAt))
		}
		calc.MarkCompleted(m.now())
		m.metrics.RecordCompletion(kind, string(domain.CalcStatusCompleted))
		logger.Info("calculation completed",
			zap.String("stage", calc.Stage.Label()),
			zap.String("job_id", calc.ExternalJobID),
			zap.Int("attempt", calc.Attempt))
		stage := calc.Stage
		return &stage, []*domain.WorkflowEvent{m.newEvent(domain.EventTypeCalcCompleted, wf.Material.ID, calc.Stage.Label(), map[string]interface{}{
			"attempt": calc.Attempt,
		})}

	case domain.OutcomeFailed:
		return nil, m.recoverFailure(ctx, wf, calc, sig, logger)
	}

	logger.Warn("signal with unknown outcome dropped", zap.String("bad_outcome", string(sig.Outcome)))
	return nil, nil
}

// recoverFailure classifies a failed attempt and either resets the
// calculation for a remediated retry or fixes it as permanently failed.
func (m *Manager) recoverFailure(ctx context.Context, wf *domain.WorkflowState, calc *domain.Calculation, sig *domain.CompletionSignal, logger *zap.Logger) []*domain.WorkflowEvent {
	diagnostic := m.loadDiagnostic(ctx, wf, calc, sig, logger)

	cls := recovery.Classify(diagnostic)
	record := &domain.FailureRecord{
		Class:      cls.Class,
		Excerpt:    cls.Excerpt,
		Attempt:    calc.Attempt,
		RecordedAt: m.now(),
	}

	decision := m.planner.Plan(calc, cls.Class)
	if !decision.Retry {
		calc.MarkFailed(record, m.now())
		m.metrics.RecordCompletion(string(calc.Stage.Kind), string(domain.CalcStatusFailed))
		logger.Warn("calculation failed permanently",
			zap.String("stage", calc.Stage.Label()),
			zap.String("class", string(cls.Class)),
			zap.Int("recovery_attempts", calc.RecoveryAttempts))
		return []*domain.WorkflowEvent{m.newEvent(domain.EventTypeCalcFailed, wf.Material.ID, calc.Stage.Label(), map[string]interface{}{
			"class":   string(cls.Class),
			"excerpt": cls.Excerpt,
		})}
	}

	record.Remediation = recovery.Remediate(calc, cls.Class)
	calc.Failure = record
	if decision.Charged {
		calc.RecoveryAttempts++
		m.metrics.RecordRecovery(string(cls.Class))
	}
	calc.ResetForRetry()

	logger.Info("calculation reset for retry",
		zap.String("stage", calc.Stage.Label()),
		zap.String("class", string(cls.Class)),
		zap.Bool("charged", decision.Charged),
		zap.Int("recovery_attempts", calc.RecoveryAttempts),
		zap.String("remediation", record.Remediation.Description))
	return []*domain.WorkflowEvent{m.newEvent(domain.EventTypeCalcRetrying, wf.Material.ID, calc.Stage.Label(), map[string]interface{}{
		"class":             string(cls.Class),
		"charged":           decision.Charged,
		"recovery_attempts": calc.RecoveryAttempts,
		"remediation":       record.Remediation.Description,
	})}
}

// loadDiagnostic picks the diagnostic text for classification: the
// signal's inline text when present (archived for inspection), the
// archived artifact otherwise.
func (m *Manager) loadDiagnostic(ctx context.Context, wf *domain.WorkflowState, calc *domain.Calculation, sig *domain.CompletionSignal, logger *zap.Logger) string {
	if sig.Diagnostic != "" {
		if _, err := m.artifacts.PutDiagnostic(ctx, wf.Material.ID, calc.Stage.Label(), calc.Attempt, []byte(sig.Diagnostic)); err != nil {
			logger.Warn("diagnostic archive failed",
				zap.String("stage", calc.Stage.Label()),
				zap.Error(err))
		}
		return sig.Diagnostic
	}

	data, err := m.artifacts.FetchDiagnostic(ctx, wf.Material.ID, calc.Stage.Label(), calc.Attempt)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			logger.Warn("diagnostic fetch failed",
				zap.String("stage", calc.Stage.Label()),
				zap.Error(err))
		}
		return ""
	}
	return string(data)
}

// advance resolves newly eligible stages, creates their calculations
// and tries to submit everything pending, in plan order.
func (m *Manager) advance(ctx context.Context, wf *domain.WorkflowState, justCompleted *domain.StageRef) []*domain.WorkflowEvent {
	var events []*domain.WorkflowEvent

	snap := resolver.SnapshotOf(wf)
	for _, el := range resolver.NextEligible(&wf.Plan, snap, justCompleted) {
		if wf.Calc(el.Stage) != nil {
			continue
		}
		stagePlan := wf.Plan.Stage(el.Stage)
		calc := domain.NewCalculation(wf.Material.ID, el.Stage, el.Source, *stagePlan, m.now())
		wf.Calcs[el.Stage.Label()] = calc
		events = append(events, m.newEvent(domain.EventTypeCalcEligible, wf.Material.ID, el.Stage.Label(), map[string]interface{}{
			"source": sourceLabel(el.Source),
		}))
	}

	for _, calc := range wf.Pending() {
		res := m.submitter.TrySubmit(ctx, wf, calc)
		switch res.Outcome {
		case submit.OutcomeSubmitted:
			events = append(events, m.newEvent(domain.EventTypeCalcSubmitted, wf.Material.ID, calc.Stage.Label(), map[string]interface{}{
				"job_id":  res.JobID,
				"attempt": calc.Attempt,
			}))
		case submit.OutcomeDeferred:
			events = append(events, m.newEvent(domain.EventTypeCalcDeferred, wf.Material.ID, calc.Stage.Label(), nil))
		case submit.OutcomeFailed:
			m.logger.Error("submission failed",
				zap.String("calc", calc.Key()),
				zap.Error(res.Err))
		}
	}

	return events
}

// finishEvents emits the workflow-finished event when this invocation
// settled the workflow. prevSettled is the verdict from before the
// invocation mutated the document, so the event fires exactly once.
func (m *Manager) finishEvents(wf *domain.WorkflowState, prevSettled bool) []*domain.WorkflowEvent {
	nowSettled, outcome := settled(wf)
	if !nowSettled || prevSettled {
		return nil
	}
	m.logger.Info("workflow finished",
		zap.String("material_id", wf.Material.ID),
		zap.String("workflow_outcome", outcome))
	return []*domain.WorkflowEvent{m.newEvent(domain.EventTypeWorkflowFinished, wf.Material.ID, "", map[string]interface{}{
		"workflow_outcome": outcome,
	})}
}

// settled reports whether no plan entry can advance any further, and
// the overall outcome: "completed" when every required entry completed,
// "failed" when a required entry failed terminally (blocking the rest
// of the plan), "partial" when only optional entries failed.
func settled(wf *domain.WorkflowState) (bool, string) {
	outcome := "completed"
	for _, st := range wf.Plan.Stages {
		calc := wf.Calc(st.Ref)
		pol, _ := domain.PolicyFor(st.Ref.Kind)
		if calc != nil && calc.Status == domain.CalcStatusFailed {
			if !pol.Optional {
				return true, "failed"
			}
			outcome = "partial"
			continue
		}
		if calc == nil || !calc.Status.Terminal() {
			return false, ""
		}
	}
	return true, outcome
}

// findCalc locates the signaled calculation by stage label, falling
// back to the external job id.
func (m *Manager) findCalc(wf *domain.WorkflowState, sig *domain.CompletionSignal) *domain.Calculation {
	if sig.Stage != "" {
		ref, err := domain.ParseStageLabel(sig.Stage)
		if err != nil {
			return nil
		}
		return wf.Calc(ref)
	}
	return wf.CalcByJobID(sig.ExternalJobID)
}

func (m *Manager) newEvent(typ domain.EventType, materialID, stage string, data map[string]interface{}) *domain.WorkflowEvent {
	return &domain.WorkflowEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		MaterialID: materialID,
		Stage:      stage,
		Timestamp:  m.now(),
		Data:       data,
	}
}

// publish sends workflow events on the bus. Events are advisory;
// failures are logged, never propagated into the invocation.
func (m *Manager) publish(ctx context.Context, events []*domain.WorkflowEvent) {
	for _, ev := range events {
		wire, err := ports.NewWorkflowEvent(ev)
		if err != nil {
			m.logger.Error("encode event failed", zap.Error(err))
			continue
		}
		if err := m.bus.Publish(ctx, ports.TopicWorkflowEvents, wire); err != nil {
			m.logger.Warn("publish event failed",
				zap.String("type", string(ev.Type)),
				zap.String("material_id", ev.MaterialID),
				zap.Error(err))
		}
	}
}

func sourceLabel(ref *domain.StageRef) string {
	if ref == nil {
		return "external"
	}
	return ref.Label()
}
