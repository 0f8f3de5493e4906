package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestCalcStatusTransitions(t *testing.T) {
	tests := []struct {
		from CalcStatus
		to   CalcStatus
		ok   bool
	}{
		{CalcStatusPending, CalcStatusSubmitted, true},
		{CalcStatusSubmitted, CalcStatusRunning, true},
		{CalcStatusRunning, CalcStatusCompleted, true},
		{CalcStatusRunning, CalcStatusFailed, true},
		{CalcStatusSubmitted, CalcStatusCompleted, true},
		{CalcStatusRunning, CalcStatusSubmitted, false},
		{CalcStatusSubmitted, CalcStatusPending, false},
		{CalcStatusCompleted, CalcStatusRunning, false},
		{CalcStatusCompleted, CalcStatusFailed, false},
		{CalcStatusFailed, CalcStatusCompleted, false},
		{CalcStatusPending, CalcStatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestCalcStatusPredicates(t *testing.T) {
	assert.True(t, CalcStatusSubmitted.InFlight())
	assert.True(t, CalcStatusRunning.InFlight())
	assert.False(t, CalcStatusPending.InFlight())
	assert.False(t, CalcStatusCompleted.InFlight())

	assert.True(t, CalcStatusCompleted.Terminal())
	assert.True(t, CalcStatusFailed.Terminal())
	assert.False(t, CalcStatusRunning.Terminal())
}

func TestCalculationLifecycle(t *testing.T) {
	now := fixedTime(t)
	stagePlan := PlanStage{
		Params:    map[string]string{"shrink": "8"},
		Resources: Resources{Nodes: 2, WalltimeMinutes: 120},
	}
	src := StageRef{Kind: CalcKindOpt, Gen: 1}
	calc := NewCalculation("mgo-1", StageRef{Kind: CalcKindSP, Gen: 1}, &src, stagePlan, now)

	assert.Equal(t, CalcStatusPending, calc.Status)
	assert.Equal(t, "mgo-1/SP", calc.Key())
	assert.Equal(t, 0, calc.Attempt)
	assert.Equal(t, 2, calc.Resources.Nodes)

	// Params are copied from the plan entry, not shared with it.
	calc.Params["shrink"] = "12"
	assert.Equal(t, "8", stagePlan.Params["shrink"])

	calc.MarkSubmitted("job-42", "/scratch/mgo-1/SP", now)
	assert.Equal(t, CalcStatusSubmitted, calc.Status)
	assert.Equal(t, "job-42", calc.ExternalJobID)
	assert.Equal(t, 1, calc.Attempt)
	require.NotNil(t, calc.SubmittedAt)

	calc.MarkRunning()
	assert.Equal(t, CalcStatusRunning, calc.Status)

	calc.MarkCompleted(now)
	assert.Equal(t, CalcStatusCompleted, calc.Status)
	require.NotNil(t, calc.CompletedAt)
	assert.Nil(t, calc.Failure)

	// Terminal attempts do not regress.
	calc.MarkRunning()
	assert.Equal(t, CalcStatusCompleted, calc.Status)
}

func TestCalculationRetryKeepsIdentityAndBookkeeping(t *testing.T) {
	now := fixedTime(t)
	calc := NewCalculation("mgo-1", StageRef{Kind: CalcKindOpt, Gen: 1}, nil, PlanStage{}, now)

	calc.MarkSubmitted("job-1", "/scratch/mgo-1/OPT", now)
	calc.MarkFailed(&FailureRecord{Class: FailureConvergence}, now)
	calc.RecoveryAttempts++

	calc.ResetForRetry()
	assert.Equal(t, CalcStatusPending, calc.Status)
	assert.Empty(t, calc.ExternalJobID)
	assert.Equal(t, "job-1", calc.LastJobID, "superseded job id survives until resubmission")
	assert.Nil(t, calc.SubmittedAt)
	assert.Nil(t, calc.CompletedAt)
	assert.Equal(t, 1, calc.Attempt, "attempt count survives the reset")
	assert.Equal(t, 1, calc.RecoveryAttempts)

	calc.MarkSubmitted("job-2", "/scratch/mgo-1/OPT", now)
	assert.Equal(t, 2, calc.Attempt)
	assert.Equal(t, "job-2", calc.ExternalJobID)
	assert.Empty(t, calc.LastJobID)
}

func TestCalculationCloneIsIndependent(t *testing.T) {
	now := fixedTime(t)
	src := StageRef{Kind: CalcKindSP, Gen: 1}
	calc := NewCalculation("mgo-1", StageRef{Kind: CalcKindBand, Gen: 1}, &src, PlanStage{
		Params: map[string]string{"k_path": "auto"},
	}, now)
	calc.MarkSubmitted("job-7", "/scratch/mgo-1/BAND", now)
	calc.Failure = &FailureRecord{Class: FailureResources, Excerpt: "oom"}

	clone := calc.Clone()
	clone.Params["k_path"] = "manual"
	clone.SourceStage.Gen = 9
	clone.Failure.Excerpt = "edited"
	*clone.SubmittedAt = clone.SubmittedAt.Add(time.Hour)

	assert.Equal(t, "auto", calc.Params["k_path"])
	assert.Equal(t, 1, calc.SourceStage.Gen)
	assert.Equal(t, "oom", calc.Failure.Excerpt)
	assert.Equal(t, now, *calc.SubmittedAt)
}
