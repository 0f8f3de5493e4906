package domain

import "fmt"

// Resources are the batch scheduler resources requested for one stage.
// Walltime is minutes so remediation can scale it arithmetically.
type Resources struct {
	Partition       string `json:"partition,omitempty" yaml:"partition,omitempty"`
	Account         string `json:"account,omitempty" yaml:"account,omitempty"`
	Nodes           int    `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Tasks           int    `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	WalltimeMinutes int    `json:"walltime_minutes,omitempty" yaml:"walltime_minutes,omitempty"`
	MemoryMB        int    `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
}

// PlanStage is one ordered entry of a workflow plan.
type PlanStage struct {
	Ref       StageRef          `json:"ref"`
	Params    map[string]string `json:"params,omitempty"`
	Resources Resources         `json:"resources"`
}

// WorkflowPlan is the ordered calculation recipe for one material.
// Plans are versioned documents, parsed and validated once at load, and
// immutable afterwards: a running workflow never re-reads or rewrites its
// plan.
type WorkflowPlan struct {
	Version int         `json:"version"`
	Name    string      `json:"name,omitempty"`
	Stages  []PlanStage `json:"stages"`
}

// PlanVersion is the plan document version this engine understands.
const PlanVersion = 1

// Index returns the position of ref in the plan, or -1.
func (p *WorkflowPlan) Index(ref StageRef) int {
	for i, st := range p.Stages {
		if st.Ref == ref {
			return i
		}
	}
	return -1
}

// Stage returns the plan entry for ref, or nil.
func (p *WorkflowPlan) Stage(ref StageRef) *PlanStage {
	if i := p.Index(ref); i >= 0 {
		return &p.Stages[i]
	}
	return nil
}

// Labels returns the canonical stage labels in plan order.
func (p *WorkflowPlan) Labels() []string {
	out := make([]string, len(p.Stages))
	for i, st := range p.Stages {
		out[i] = st.Ref.Label()
	}
	return out
}

// Validate checks structural coherence: a supported version, at least one
// stage, generations matching occurrence order, no duplicate identities,
// fan-out stages preceded by an SP, and external provisioning confined to
// the first entry.
func (p *WorkflowPlan) Validate() error {
	if p.Version != PlanVersion {
		return fmt.Errorf("unsupported plan version %d", p.Version)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan has no stages")
	}

	occurrences := make(map[CalcKind]int)
	seen := make(map[StageRef]bool)
	sawSP := false
	sawGeometry := false
	for i, st := range p.Stages {
		pol, ok := PolicyFor(st.Ref.Kind)
		if !ok {
			return fmt.Errorf("stage %d: unknown kind %q", i, st.Ref.Kind)
		}
		occurrences[st.Ref.Kind]++
		if st.Ref.Gen != occurrences[st.Ref.Kind] {
			return fmt.Errorf("stage %d (%s): generation %d does not match occurrence %d",
				i, st.Ref.Label(), st.Ref.Gen, occurrences[st.Ref.Kind])
		}
		if seen[st.Ref] {
			return fmt.Errorf("duplicate stage %s", st.Ref.Label())
		}
		seen[st.Ref] = true

		if pol.Source == SourcePrecedingSP && !sawSP {
			return fmt.Errorf("stage %d (%s): requires a preceding SP stage", i, st.Ref.Label())
		}
		// Only the plan's first entry may start from externally
		// provisioned geometry; later geometry stages need an OPT to
		// draw from.
		if pol.NeedsGeometry && i > 0 && !sawGeometry {
			return fmt.Errorf("stage %d (%s): no preceding OPT to supply geometry", i, st.Ref.Label())
		}
		if st.Ref.Kind == CalcKindSP {
			sawSP = true
		}
		if st.Ref.Kind == CalcKindOpt {
			sawGeometry = true
		}
	}
	return nil
}
