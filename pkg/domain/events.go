package domain

import "time"

// EventType identifies an observable workflow state change.
type EventType string

const (
	EventTypeWorkflowRegistered EventType = "workflow.registered"
	EventTypeWorkflowFinished   EventType = "workflow.finished"
	EventTypeCalcEligible       EventType = "calc.eligible"
	EventTypeCalcSubmitted      EventType = "calc.submitted"
	EventTypeCalcDeferred       EventType = "calc.deferred"
	EventTypeCalcRunning        EventType = "calc.running"
	EventTypeCalcCompleted      EventType = "calc.completed"
	EventTypeCalcFailed         EventType = "calc.failed"
	EventTypeCalcRetrying       EventType = "calc.retrying"
)

// WorkflowEvent is one observable state change in a material's workflow,
// published for operators and the live stream.
type WorkflowEvent struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	MaterialID string                 `json:"material_id"`
	Stage      string                 `json:"stage,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Outcome is the job state reported by a completion signal.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Terminal reports whether the outcome ends the job.
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

// SignalOrigin says which observation path produced a signal.
type SignalOrigin string

const (
	OriginWebhook SignalOrigin = "webhook"
	OriginPoller  SignalOrigin = "poller"
	OriginManual  SignalOrigin = "manual"
)

// CompletionSignal reports an external job state observation. The
// callback webhook and the polling fallback produce the identical
// structure and are handled by the identical path; duplicate signals for
// the same transition are harmless.
type CompletionSignal struct {
	ID            string       `json:"id"`
	MaterialID    string       `json:"material_id"`
	Stage         string       `json:"stage"`
	ExternalJobID string       `json:"external_job_id,omitempty"`
	Outcome       Outcome      `json:"outcome"`
	Diagnostic    string       `json:"diagnostic,omitempty"`
	Origin        SignalOrigin `json:"origin"`
	ObservedAt    time.Time    `json:"observed_at"`
}
