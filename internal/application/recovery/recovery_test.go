package recovery

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/materlab/kiln/pkg/domain"
)

func TestClassify_PatternTables(t *testing.T) {
	tests := []struct {
		name       string
		diagnostic string
		want       domain.FailureClass
	}{
		{
			name:       "scf not converged",
			diagnostic: "CYCLE  49 ETOT(AU) -2.7541E+02\n SCF NOT CONVERGED AFTER 50 CYCLES\n",
			want:       domain.FailureConvergence,
		},
		{
			name:       "too many cycles",
			diagnostic: "TOO MANY CYCLES IN GEOMETRY OPTIMIZATION",
			want:       domain.FailureConvergence,
		},
		{
			name:       "walltime cancel",
			diagnostic: "slurmstepd: error: *** JOB 8812 CANCELLED AT 2025-05-02T11:02:17 DUE TO TIME LIMIT ***",
			want:       domain.FailureResources,
		},
		{
			name:       "oom kill",
			diagnostic: "slurmstepd: error: Detected 1 oom-kill event(s) in StepId=8812.batch",
			want:       domain.FailureResources,
		},
		{
			name:       "bad keyword",
			diagnostic: "ERROR IN INPUT DECK AT LINE 14: UNRECOGNIZED KEYWORD OPTGEOM2",
			want:       domain.FailureMalformedParam,
		},
		{
			name:       "missing basis",
			diagnostic: "FATAL: BASIS SET FOR ATOM 12 NOT FOUND",
			want:       domain.FailureMalformedParam,
		},
		{
			name:       "controller unreachable",
			diagnostic: "sbatch: error: Unable to contact slurm controller (connect failure)",
			want:       domain.FailureInfrastructure,
		},
		{
			name:       "node failure",
			diagnostic: "Job terminated: NODE_FAIL on cn-401",
			want:       domain.FailureInfrastructure,
		},
		{
			name:       "stale mount",
			diagnostic: "cp: cannot stat 'fort.9': Stale file handle",
			want:       domain.FailureInfrastructure,
		},
		{
			name:       "no markers",
			diagnostic: "job ended without further output",
			want:       domain.FailureUnknown,
		},
		{
			name:       "empty",
			diagnostic: "",
			want:       domain.FailureUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.diagnostic)
			assert.Equal(t, tt.want, got.Class)
			if tt.want != domain.FailureUnknown {
				assert.NotEmpty(t, got.Excerpt)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	diag := "phase one\nSCF NOT CONVERGED AFTER 50 CYCLES\nDUE TO TIME LIMIT\n"
	first := Classify(diag)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify(diag))
	}
	assert.Equal(t, domain.FailureConvergence, first.Class)
}

func TestClassify_ExcerptIsMatchedLine(t *testing.T) {
	got := Classify("line one\n   SCF NOT CONVERGED AFTER 50 CYCLES   \nline three")
	assert.Equal(t, "SCF NOT CONVERGED AFTER 50 CYCLES", got.Excerpt)

	long := "ERROR IN INPUT " + strings.Repeat("x", 400)
	assert.Len(t, Classify(long).Excerpt, maxExcerptLen)
}

func newFailedCalc(t *testing.T, recoveryAttempts int) *domain.Calculation {
	t.Helper()
	ref, err := domain.ParseStageLabel("OPT")
	require.NoError(t, err)
	c := domain.NewCalculation("mgo", ref, nil, domain.PlanStage{}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	c.RecoveryAttempts = recoveryAttempts
	return c
}

func TestPlan_BoundedRetries(t *testing.T) {
	p := NewPlanner(Budgets{})
	calc := newFailedCalc(t, 0)

	for i := 0; i < DefaultRetryBudget; i++ {
		dec := p.Plan(calc, domain.FailureConvergence)
		require.True(t, dec.Retry, "attempt %d within budget", i)
		require.True(t, dec.Charged)
		calc.RecoveryAttempts++
	}

	dec := p.Plan(calc, domain.FailureConvergence)
	assert.False(t, dec.Retry, "budget exhausted")
	assert.False(t, dec.Charged)
}

func TestPlan_InfrastructureNeverCharged(t *testing.T) {
	p := NewPlanner(Budgets{})
	calc := newFailedCalc(t, 99)

	dec := p.Plan(calc, domain.FailureInfrastructure)
	assert.True(t, dec.Retry, "infrastructure failures retry past any budget")
	assert.False(t, dec.Charged)
}

func TestPlan_PerClassBudgets(t *testing.T) {
	p := NewPlanner(Budgets{Convergence: 5, Unknown: 1})

	assert.Equal(t, 5, p.Budget(domain.FailureConvergence))
	assert.Equal(t, 1, p.Budget(domain.FailureUnknown))
	assert.Equal(t, DefaultRetryBudget, p.Budget(domain.FailureResources))

	calc := newFailedCalc(t, 1)
	assert.False(t, p.Plan(calc, domain.FailureUnknown).Retry)
	assert.True(t, p.Plan(calc, domain.FailureConvergence).Retry)
}

func TestRemediate_Convergence(t *testing.T) {
	calc := newFailedCalc(t, 0)
	calc.Params["scf_max_cycles"] = "100"

	rem := Remediate(calc, domain.FailureConvergence)

	assert.Equal(t, "200", calc.Params["scf_max_cycles"])
	assert.Equal(t, "30", calc.Params["fock_mixing_percent"])
	require.NotNil(t, rem)
	assert.Contains(t, rem.Description, "SCF")
}

func TestRemediate_ResourcesScaled(t *testing.T) {
	calc := newFailedCalc(t, 0)
	calc.Resources.WalltimeMinutes = 90
	calc.Resources.MemoryMB = 4000

	Remediate(calc, domain.FailureResources)

	assert.Equal(t, 180, calc.Resources.WalltimeMinutes)
	assert.Equal(t, 8000, calc.Resources.MemoryMB)

	// Unset walltime gets a floor instead of staying zero.
	calc2 := newFailedCalc(t, 0)
	Remediate(calc2, domain.FailureResources)
	assert.Equal(t, 120, calc2.Resources.WalltimeMinutes)
}

func TestRemediate_KeepsIdentity(t *testing.T) {
	calc := newFailedCalc(t, 2)
	before := calc.Key()

	Remediate(calc, domain.FailureMalformedParam)
	Remediate(calc, domain.FailureUnknown)

	assert.Equal(t, before, calc.Key())
	assert.Equal(t, 2, calc.RecoveryAttempts, "remediation itself never touches the counter")
}
