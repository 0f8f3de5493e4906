package recovery

import (
	"strconv"

	"github.com/materlab/kiln/pkg/domain"
)

// DefaultRetryBudget bounds charged retries per classification when no
// override is configured.
const DefaultRetryBudget = 3

// Decision is the planner's verdict for one failed attempt.
type Decision struct {
	// Retry asks for remediation and resubmission under the same
	// identity. False means the calculation fails permanently.
	Retry bool
	// Charged marks the retry as counted against the recovery budget.
	// Infrastructure retries are never charged.
	Charged bool
}

// Budgets carries the per-class retry budgets. Zero values fall back to
// DefaultRetryBudget.
type Budgets struct {
	Convergence    int
	Resources      int
	MalformedParam int
	Unknown        int
}

// Planner decides retry-versus-giveup from the static budget table.
type Planner struct {
	budgets map[domain.FailureClass]int
}

// NewPlanner builds a planner from the configured budgets.
func NewPlanner(b Budgets) *Planner {
	pick := func(n int) int {
		if n <= 0 {
			return DefaultRetryBudget
		}
		return n
	}
	return &Planner{budgets: map[domain.FailureClass]int{
		domain.FailureConvergence:    pick(b.Convergence),
		domain.FailureResources:      pick(b.Resources),
		domain.FailureMalformedParam: pick(b.MalformedParam),
		domain.FailureUnknown:        pick(b.Unknown),
	}}
}

// Plan decides whether the failed attempt is retried. The calculation's
// RecoveryAttempts counter is compared against the class budget;
// infrastructure failures bypass the budget entirely.
func (p *Planner) Plan(calc *domain.Calculation, class domain.FailureClass) Decision {
	if class == domain.FailureInfrastructure {
		return Decision{Retry: true, Charged: false}
	}
	if calc.RecoveryAttempts >= p.budgets[class] {
		return Decision{}
	}
	return Decision{Retry: true, Charged: true}
}

// Budget returns the charged-retry budget for a class.
func (p *Planner) Budget(class domain.FailureClass) int {
	return p.budgets[class]
}

// Parameter keys touched by remediation.
const (
	paramMaxCycles     = "scf_max_cycles"
	paramFockMixing    = "fock_mixing_percent"
	paramExtraKeywords = "extra_keywords"
)

// Remediate applies the class's static input adjustment to the
// calculation and returns the record of what changed. The calculation
// keeps its identity; only parameters and requested resources move.
func Remediate(calc *domain.Calculation, class domain.FailureClass) *domain.AppliedRemediation {
	if calc.Params == nil {
		calc.Params = make(map[string]string)
	}
	switch class {
	case domain.FailureConvergence:
		cycles := 200
		if prev, err := strconv.Atoi(calc.Params[paramMaxCycles]); err == nil && prev > 0 {
			cycles = prev * 2
		}
		calc.Params[paramMaxCycles] = strconv.Itoa(cycles)
		if _, ok := calc.Params[paramFockMixing]; !ok {
			calc.Params[paramFockMixing] = "30"
		}
		return &domain.AppliedRemediation{
			Description: "raised SCF cycle cap and enabled Fock matrix mixing",
			Params: map[string]string{
				paramMaxCycles:  calc.Params[paramMaxCycles],
				paramFockMixing: calc.Params[paramFockMixing],
			},
		}

	case domain.FailureResources:
		if calc.Resources.WalltimeMinutes > 0 {
			calc.Resources.WalltimeMinutes *= 2
		} else {
			calc.Resources.WalltimeMinutes = 120
		}
		if calc.Resources.MemoryMB > 0 {
			calc.Resources.MemoryMB *= 2
		}
		return &domain.AppliedRemediation{
			Description: "scaled walltime and memory request",
			Params: map[string]string{
				"walltime_minutes": strconv.Itoa(calc.Resources.WalltimeMinutes),
				"memory_mb":        strconv.Itoa(calc.Resources.MemoryMB),
			},
		}

	case domain.FailureMalformedParam:
		if _, ok := calc.Params[paramExtraKeywords]; ok {
			delete(calc.Params, paramExtraKeywords)
			return &domain.AppliedRemediation{
				Description: "dropped optional input directives",
			}
		}
		return &domain.AppliedRemediation{
			Description: "no adjustable directive; resubmitted unchanged",
		}

	default:
		return &domain.AppliedRemediation{Description: "resubmitted unchanged"}
	}
}
