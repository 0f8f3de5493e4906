package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/materlab/kiln/pkg/domain"
)

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// mkplan builds a plan from stage labels ("OPT", "SP", "OPT2", ...).
func mkplan(t *testing.T, labels ...string) *domain.WorkflowPlan {
	t.Helper()
	plan := &domain.WorkflowPlan{Version: domain.PlanVersion, Name: "test"}
	for _, label := range labels {
		ref, err := domain.ParseStageLabel(label)
		require.NoError(t, err)
		plan.Stages = append(plan.Stages, domain.PlanStage{Ref: ref})
	}
	require.NoError(t, plan.Validate())
	return plan
}

func ref(t *testing.T, label string) domain.StageRef {
	t.Helper()
	r, err := domain.ParseStageLabel(label)
	require.NoError(t, err)
	return r
}

func snapWith(t *testing.T, completed, inflight, failed []string) Snapshot {
	t.Helper()
	snap := NewSnapshot()
	for _, l := range completed {
		snap.Completed[ref(t, l)] = true
	}
	for _, l := range inflight {
		snap.InFlight[ref(t, l)] = true
	}
	for _, l := range failed {
		snap.Failed[ref(t, l)] = true
	}
	return snap
}

// labels flattens eligible stages to their labels for comparison.
func labels(elig []Eligible) []string {
	out := make([]string, 0, len(elig))
	for _, e := range elig {
		out = append(out, e.Stage.Label())
	}
	return out
}

func sourceOf(t *testing.T, elig []Eligible, label string) *domain.StageRef {
	t.Helper()
	for _, e := range elig {
		if e.Stage.Label() == label {
			return e.Source
		}
	}
	t.Fatalf("stage %s not eligible", label)
	return nil
}

func TestNextEligible_EmptyStateYieldsFirstEntry(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS")

	elig := NextEligible(plan, NewSnapshot(), nil)

	require.Len(t, elig, 1)
	assert.Equal(t, "OPT", elig[0].Stage.Label())
	assert.Nil(t, elig[0].Source, "plan start uses externally provisioned input")
}

func TestNextEligible_FanOutFromSingleSP(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS")
	snap := snapWith(t, []string{"OPT"}, nil, nil)
	just := ref(t, "SP")

	elig := NextEligible(plan, snap, &just)

	assert.Equal(t, []string{"BAND", "DOSS"}, labels(elig))
	assert.Equal(t, ref(t, "SP"), *sourceOf(t, elig, "BAND"))
	assert.Equal(t, ref(t, "SP"), *sourceOf(t, elig, "DOSS"))
}

func TestNextEligible_FreqTakesLatestOptGeometry(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "OPT2", "SP2", "FREQ", "OPT3")
	snap := snapWith(t, []string{"OPT", "SP", "OPT2"}, nil, nil)
	just := ref(t, "SP2")

	elig := NextEligible(plan, snap, &just)

	require.Equal(t, []string{"FREQ"}, labels(elig))
	assert.Equal(t, ref(t, "OPT2"), *sourceOf(t, elig, "FREQ"),
		"FREQ starts from the highest completed OPT, never an SP")
}

func TestNextEligible_SequenceGateHoldsBackLaterStages(t *testing.T) {
	plan := mkplan(t, "OPT", "OPT2", "SP")
	snap := snapWith(t, []string{"OPT"}, nil, nil)

	elig := NextEligible(plan, snap, nil)

	assert.Equal(t, []string{"OPT2"}, labels(elig),
		"SP waits for OPT2 even though an OPT has completed")
}

func TestNextEligible_FullScenarioWalk(t *testing.T) {
	plan := mkplan(t, "OPT", "OPT2", "SP", "OPT3", "SP2", "BAND", "DOSS", "FREQ")

	steps := []struct {
		completed []string
		just      string
		want      []string
		wantSrc   map[string]string
	}{
		{nil, "", []string{"OPT"}, map[string]string{"OPT": ""}},
		{nil, "OPT", []string{"OPT2"}, map[string]string{"OPT2": "OPT"}},
		{[]string{"OPT"}, "OPT2", []string{"SP"}, map[string]string{"SP": "OPT2"}},
		{[]string{"OPT", "OPT2"}, "SP", []string{"OPT3"}, map[string]string{"OPT3": "OPT2"}},
		{[]string{"OPT", "OPT2", "SP"}, "OPT3", []string{"SP2"}, map[string]string{"SP2": "OPT3"}},
		{[]string{"OPT", "OPT2", "SP", "OPT3"}, "SP2", []string{"BAND", "DOSS"},
			map[string]string{"BAND": "SP2", "DOSS": "SP2"}},
		{[]string{"OPT", "OPT2", "SP", "OPT3", "SP2", "BAND"}, "DOSS", []string{"FREQ"},
			map[string]string{"FREQ": "OPT3"}},
	}

	for _, step := range steps {
		snap := snapWith(t, step.completed, nil, nil)
		var just *domain.StageRef
		if step.just != "" {
			r := ref(t, step.just)
			just = &r
		}
		elig := NextEligible(plan, snap, just)
		require.Equal(t, step.want, labels(elig), "after completing %q", step.just)
		for stage, src := range step.wantSrc {
			got := sourceOf(t, elig, stage)
			if src == "" {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, ref(t, src), *got)
			}
		}
	}
}

func TestNextEligible_FanOutSiblingInFlightDoesNotBlock(t *testing.T) {
	plan := mkplan(t, "OPT", "OPT2", "SP", "OPT3", "SP2", "BAND", "DOSS", "FREQ")

	// BAND still running when DOSS completes: FREQ must wait.
	snap := snapWith(t,
		[]string{"OPT", "OPT2", "SP", "OPT3", "SP2", "DOSS"},
		[]string{"BAND"}, nil)
	assert.Empty(t, NextEligible(plan, snap, nil))

	// DOSS in flight does not stop BAND from being eligible.
	snap = snapWith(t,
		[]string{"OPT", "OPT2", "SP", "OPT3", "SP2"},
		[]string{"DOSS"}, nil)
	assert.Equal(t, []string{"BAND"}, labels(NextEligible(plan, snap, nil)))
}

func TestNextEligible_OptionalFailureIsolation(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS")

	// BAND failed terminally; DOSS is untouched.
	snap := snapWith(t, []string{"OPT", "SP"}, nil, []string{"BAND"})
	elig := NextEligible(plan, snap, nil)
	assert.Equal(t, []string{"DOSS"}, labels(elig))
}

func TestNextEligible_OptionalFailureDoesNotBlockDownstream(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS", "FREQ")
	snap := snapWith(t, []string{"OPT", "SP", "DOSS"}, nil, []string{"BAND"})

	elig := NextEligible(plan, snap, nil)

	require.Equal(t, []string{"FREQ"}, labels(elig))
	assert.Equal(t, ref(t, "OPT"), *sourceOf(t, elig, "FREQ"))
}

func TestNextEligible_RequiredFailurePropagates(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS")

	// SP failed terminally: BAND and DOSS never become eligible.
	snap := snapWith(t, []string{"OPT"}, nil, []string{"SP"})
	assert.Empty(t, NextEligible(plan, snap, nil))

	// OPT failed terminally: nothing downstream runs.
	snap = snapWith(t, nil, nil, []string{"OPT"})
	assert.Empty(t, NextEligible(plan, snap, nil))
}

func TestNextEligible_InFlightEntriesExcluded(t *testing.T) {
	plan := mkplan(t, "OPT", "SP")
	snap := snapWith(t, []string{"OPT"}, []string{"SP"}, nil)

	assert.Empty(t, NextEligible(plan, snap, nil))
}

func TestNextEligible_PlanStartingWithSP(t *testing.T) {
	plan := mkplan(t, "SP", "BAND", "DOSS")

	elig := NextEligible(plan, NewSnapshot(), nil)

	require.Equal(t, []string{"SP"}, labels(elig))
	assert.Nil(t, elig[0].Source)
}

func TestNextEligible_OptAfterOptionalStagesUsesLatestOpt(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS", "OPT2")
	snap := snapWith(t, []string{"OPT", "SP", "DOSS"}, nil, []string{"BAND"})

	elig := NextEligible(plan, snap, nil)

	require.Equal(t, []string{"OPT2"}, labels(elig))
	assert.Equal(t, ref(t, "OPT"), *sourceOf(t, elig, "OPT2"))
}

func TestNextEligible_Deterministic(t *testing.T) {
	plan := mkplan(t, "OPT", "OPT2", "SP", "OPT3", "SP2", "BAND", "DOSS", "FREQ")
	snap := snapWith(t, []string{"OPT", "OPT2", "SP", "OPT3"}, nil, nil)
	just := ref(t, "SP2")

	first := NextEligible(plan, snap, &just)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, NextEligible(plan, snap, &just))
	}
}

func TestNextEligible_JustCompletedEquivalentToSnapshot(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS")

	just := ref(t, "SP")
	viaParam := NextEligible(plan, snapWith(t, []string{"OPT"}, nil, nil), &just)
	viaSnap := NextEligible(plan, snapWith(t, []string{"OPT", "SP"}, nil, nil), nil)

	assert.Equal(t, viaSnap, viaParam)
}

func TestSnapshotOf_BucketsByStatus(t *testing.T) {
	plan := mkplan(t, "OPT", "SP", "BAND", "DOSS")
	wf := domain.NewWorkflowState(domain.Material{ID: "mgo"}, *plan, testTime(t))

	add := func(label string, status domain.CalcStatus) {
		c := domain.NewCalculation("mgo", ref(t, label), nil, domain.PlanStage{}, testTime(t))
		c.Status = status
		wf.Calcs[label] = c
	}
	add("OPT", domain.CalcStatusCompleted)
	add("SP", domain.CalcStatusRunning)
	add("BAND", domain.CalcStatusFailed)
	add("DOSS", domain.CalcStatusPending)

	snap := SnapshotOf(wf)

	assert.True(t, snap.Completed[ref(t, "OPT")])
	assert.True(t, snap.InFlight[ref(t, "SP")])
	assert.True(t, snap.Failed[ref(t, "BAND")])
	assert.False(t, snap.Completed[ref(t, "DOSS")])
	assert.False(t, snap.InFlight[ref(t, "DOSS")])
	assert.False(t, snap.Failed[ref(t, "DOSS")])
}
