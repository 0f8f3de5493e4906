package domain

import (
	"fmt"
	"time"
)

// CalcStatus is the lifecycle status of a calculation attempt.
type CalcStatus string

const (
	CalcStatusPending   CalcStatus = "pending"
	CalcStatusSubmitted CalcStatus = "submitted"
	CalcStatusRunning   CalcStatus = "running"
	CalcStatusCompleted CalcStatus = "completed"
	CalcStatusFailed    CalcStatus = "failed"
)

var statusRank = map[CalcStatus]int{
	CalcStatusPending:   0,
	CalcStatusSubmitted: 1,
	CalcStatusRunning:   2,
	CalcStatusCompleted: 3,
	CalcStatusFailed:    3,
}

// Terminal reports whether the status is final for the calculation's
// current attempt sequence.
func (s CalcStatus) Terminal() bool {
	return s == CalcStatusCompleted || s == CalcStatusFailed
}

// InFlight reports whether the status corresponds to a live external job.
func (s CalcStatus) InFlight() bool {
	return s == CalcStatusSubmitted || s == CalcStatusRunning
}

// CanTransition reports whether moving from s to next is a legal
// forward-only transition within one attempt. Terminal statuses are
// immutable.
func (s CalcStatus) CanTransition(next CalcStatus) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Calculation is one stage run for a material. Its identity is
// (MaterialID, Stage.Kind, Stage.Gen) and is created exactly once per
// workflow; remediation mutates Params and resubmits under the same
// identity, it never creates a second record.
type Calculation struct {
	MaterialID    string     `json:"material_id"`
	Stage         StageRef   `json:"stage"`
	Status        CalcStatus `json:"status"`
	SourceStage   *StageRef  `json:"source_stage,omitempty"`
	ExternalJobID string     `json:"external_job_id,omitempty"`
	// LastJobID holds the superseded attempt's job id from retry reset
	// until the next submission, so late duplicates of the failure that
	// caused the reset stay recognizable.
	LastJobID        string            `json:"last_job_id,omitempty"`
	WorkDir          string            `json:"work_dir,omitempty"`
	Params           map[string]string `json:"params,omitempty"`
	Resources        Resources         `json:"resources"`
	Attempt          int               `json:"attempt"`
	RecoveryAttempts int               `json:"recovery_attempts"`
	Failure          *FailureRecord    `json:"failure,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	SubmittedAt      *time.Time        `json:"submitted_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// NewCalculation creates a pending calculation for a stage. SourceStage
// nil means the stage starts from externally provisioned input.
func NewCalculation(materialID string, stage StageRef, source *StageRef, stagePlan PlanStage, now time.Time) *Calculation {
	params := make(map[string]string, len(stagePlan.Params))
	for k, v := range stagePlan.Params {
		params[k] = v
	}
	return &Calculation{
		MaterialID:  materialID,
		Stage:       stage,
		Status:      CalcStatusPending,
		SourceStage: source,
		Params:      params,
		Resources:   stagePlan.Resources,
		CreatedAt:   now,
	}
}

// Key renders the calculation's identity as "<material>/<label>".
func (c *Calculation) Key() string {
	return fmt.Sprintf("%s/%s", c.MaterialID, c.Stage.Label())
}

// MarkSubmitted records a successful scheduler submission.
func (c *Calculation) MarkSubmitted(jobID, workDir string, now time.Time) {
	c.Status = CalcStatusSubmitted
	c.ExternalJobID = jobID
	c.LastJobID = ""
	c.WorkDir = workDir
	c.Attempt++
	t := now
	c.SubmittedAt = &t
	c.CompletedAt = nil
}

// MarkRunning advances a submitted calculation to running.
func (c *Calculation) MarkRunning() {
	if c.Status.CanTransition(CalcStatusRunning) {
		c.Status = CalcStatusRunning
	}
}

// MarkCompleted finalizes the calculation as successful.
func (c *Calculation) MarkCompleted(now time.Time) {
	c.Status = CalcStatusCompleted
	t := now
	c.CompletedAt = &t
	c.Failure = nil
}

// MarkFailed finalizes the calculation as permanently failed, retaining
// the classified failure record.
func (c *Calculation) MarkFailed(rec *FailureRecord, now time.Time) {
	c.Status = CalcStatusFailed
	t := now
	c.CompletedAt = &t
	c.Failure = rec
}

// ResetForRetry returns the calculation to pending for a fresh submission
// attempt, keeping its identity and accumulated bookkeeping. The failed
// attempt's job id moves to LastJobID so its signals can still be told
// apart from the retry's.
func (c *Calculation) ResetForRetry() {
	c.Status = CalcStatusPending
	if c.ExternalJobID != "" {
		c.LastJobID = c.ExternalJobID
	}
	c.ExternalJobID = ""
	c.SubmittedAt = nil
	c.CompletedAt = nil
}

// Clone returns a deep copy.
func (c *Calculation) Clone() *Calculation {
	out := *c
	if c.SourceStage != nil {
		src := *c.SourceStage
		out.SourceStage = &src
	}
	if c.Params != nil {
		out.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	if c.Failure != nil {
		f := c.Failure.Clone()
		out.Failure = f
	}
	if c.SubmittedAt != nil {
		t := *c.SubmittedAt
		out.SubmittedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
