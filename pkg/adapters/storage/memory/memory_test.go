package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

func testWorkflow(t *testing.T, materialID string) *domain.WorkflowState {
	t.Helper()
	plan := domain.WorkflowPlan{
		Version: domain.PlanVersion,
		Stages: []domain.PlanStage{
			{Ref: domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}},
			{Ref: domain.StageRef{Kind: domain.CalcKindSP, Gen: 1}},
			{Ref: domain.StageRef{Kind: domain.CalcKindBand, Gen: 1}},
		},
	}
	require.NoError(t, plan.Validate())
	mat := domain.Material{ID: materialID, Formula: "MgO"}
	return domain.NewWorkflowState(mat, plan, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func addCalc(t *testing.T, wf *domain.WorkflowState, ref domain.StageRef, status domain.CalcStatus) *domain.Calculation {
	t.Helper()
	st := wf.Plan.Stage(ref)
	require.NotNil(t, st)
	c := domain.NewCalculation(wf.Material.ID, ref, nil, *st, wf.UpdatedAt)
	switch status {
	case domain.CalcStatusSubmitted:
		c.MarkSubmitted("job-1", "/scratch", wf.UpdatedAt)
	case domain.CalcStatusRunning:
		c.MarkSubmitted("job-1", "/scratch", wf.UpdatedAt)
		c.MarkRunning()
	case domain.CalcStatusCompleted:
		c.MarkSubmitted("job-1", "/scratch", wf.UpdatedAt)
		c.MarkCompleted(wf.UpdatedAt)
	case domain.CalcStatusFailed:
		c.MarkSubmitted("job-1", "/scratch", wf.UpdatedAt)
		c.MarkFailed(&domain.FailureRecord{Class: domain.FailureConvergence}, wf.UpdatedAt)
	}
	wf.Calcs[ref.Label()] = c
	return c
}

func TestStateStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore()

	wf := testWorkflow(t, "mat-1")
	addCalc(t, wf, domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}, domain.CalcStatusRunning)
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	got, err := store.GetWorkflow(ctx, "mat-1")
	require.NoError(t, err)
	assert.Equal(t, "mat-1", got.Material.ID)
	require.NotNil(t, got.Calc(domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}))
	assert.Equal(t, domain.CalcStatusRunning, got.Calc(domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}).Status)
}

func TestStateStore_GetMissingIsNotFound(t *testing.T) {
	_, err := NewStateStore().GetWorkflow(context.Background(), "nope")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestStateStore_CopiesOnSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore()

	wf := testWorkflow(t, "mat-1")
	opt := domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}
	addCalc(t, wf, opt, domain.CalcStatusRunning)
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	// Mutating the saved document must not leak into the store.
	wf.Calc(opt).MarkCompleted(time.Now())

	got, err := store.GetWorkflow(ctx, "mat-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CalcStatusRunning, got.Calc(opt).Status)

	// Nor must mutating a loaded document.
	got.Calc(opt).MarkCompleted(time.Now())
	again, err := store.GetWorkflow(ctx, "mat-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CalcStatusRunning, again.Calc(opt).Status)
}

func TestStateStore_ListWorkflowIDsSorted(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore()
	for _, id := range []string{"mat-c", "mat-a", "mat-b"} {
		require.NoError(t, store.SaveWorkflow(ctx, testWorkflow(t, id)))
	}

	ids, err := store.ListWorkflowIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mat-a", "mat-b", "mat-c"}, ids)
}

func TestStateStore_ListFailed(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore()

	wf1 := testWorkflow(t, "mat-1")
	addCalc(t, wf1, domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}, domain.CalcStatusFailed)
	require.NoError(t, store.SaveWorkflow(ctx, wf1))

	wf2 := testWorkflow(t, "mat-2")
	addCalc(t, wf2, domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}, domain.CalcStatusCompleted)
	addCalc(t, wf2, domain.StageRef{Kind: domain.CalcKindSP, Gen: 1}, domain.CalcStatusFailed)
	require.NoError(t, store.SaveWorkflow(ctx, wf2))

	failed, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "mat-1/OPT", failed[0].Key())
	assert.Equal(t, "mat-2/SP", failed[1].Key())
}

func TestStateStore_CountInFlight(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore()

	wf1 := testWorkflow(t, "mat-1")
	addCalc(t, wf1, domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}, domain.CalcStatusSubmitted)
	require.NoError(t, store.SaveWorkflow(ctx, wf1))

	wf2 := testWorkflow(t, "mat-2")
	addCalc(t, wf2, domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}, domain.CalcStatusRunning)
	addCalc(t, wf2, domain.StageRef{Kind: domain.CalcKindSP, Gen: 1}, domain.CalcStatusCompleted)
	require.NoError(t, store.SaveWorkflow(ctx, wf2))

	n, err := store.CountInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Completion releases capacity on the next save.
	wf1.Calc(domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}).MarkRunning()
	wf1.Calc(domain.StageRef{Kind: domain.CalcKindOpt, Gen: 1}).MarkCompleted(time.Now())
	require.NoError(t, store.SaveWorkflow(ctx, wf1))

	n, err = store.CountInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
