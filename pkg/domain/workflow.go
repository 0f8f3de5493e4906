package domain

import "time"

// WorkflowState is the durable per-material document: the material, its
// immutable plan, and every calculation keyed by stage label. It is the
// unit read and written inside a material's lease-guarded critical
// section.
type WorkflowState struct {
	Material  Material                `json:"material"`
	Plan      WorkflowPlan            `json:"plan"`
	Calcs     map[string]*Calculation `json:"calculations"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// NewWorkflowState creates the initial document for a registered
// material.
func NewWorkflowState(mat Material, plan WorkflowPlan, now time.Time) *WorkflowState {
	return &WorkflowState{
		Material:  mat,
		Plan:      plan,
		Calcs:     make(map[string]*Calculation),
		UpdatedAt: now,
	}
}

// Calc returns the calculation for a stage, or nil if none exists yet.
func (w *WorkflowState) Calc(ref StageRef) *Calculation {
	return w.Calcs[ref.Label()]
}

// CalcByJobID returns the calculation holding the given external job id,
// or nil.
func (w *WorkflowState) CalcByJobID(jobID string) *Calculation {
	if jobID == "" {
		return nil
	}
	for _, c := range w.Calcs {
		if c.ExternalJobID == jobID {
			return c
		}
	}
	return nil
}

// InFlight returns calculations with a live external job, in plan order.
func (w *WorkflowState) InFlight() []*Calculation {
	return w.calcsWhere(func(c *Calculation) bool { return c.Status.InFlight() })
}

// Pending returns calculations awaiting submission, in plan order.
func (w *WorkflowState) Pending() []*Calculation {
	return w.calcsWhere(func(c *Calculation) bool { return c.Status == CalcStatusPending })
}

// Failed returns terminally failed calculations, in plan order.
func (w *WorkflowState) Failed() []*Calculation {
	return w.calcsWhere(func(c *Calculation) bool { return c.Status == CalcStatusFailed })
}

func (w *WorkflowState) calcsWhere(keep func(*Calculation) bool) []*Calculation {
	var out []*Calculation
	for _, st := range w.Plan.Stages {
		if c := w.Calc(st.Ref); c != nil && keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// StatusByStage returns the status of every plan entry in plan order,
// with stages not yet instantiated reported as empty.
func (w *WorkflowState) StatusByStage() map[string]CalcStatus {
	out := make(map[string]CalcStatus, len(w.Plan.Stages))
	for _, st := range w.Plan.Stages {
		if c := w.Calc(st.Ref); c != nil {
			out[st.Ref.Label()] = c.Status
		} else {
			out[st.Ref.Label()] = ""
		}
	}
	return out
}

// Clone returns a deep copy of the document.
func (w *WorkflowState) Clone() *WorkflowState {
	out := &WorkflowState{
		Material:  w.Material,
		Plan:      w.Plan,
		Calcs:     make(map[string]*Calculation, len(w.Calcs)),
		UpdatedAt: w.UpdatedAt,
	}
	if w.Material.Metadata != nil {
		out.Material.Metadata = make(map[string]string, len(w.Material.Metadata))
		for k, v := range w.Material.Metadata {
			out.Material.Metadata[k] = v
		}
	}
	out.Plan.Stages = make([]PlanStage, len(w.Plan.Stages))
	copy(out.Plan.Stages, w.Plan.Stages)
	for i := range out.Plan.Stages {
		if p := w.Plan.Stages[i].Params; p != nil {
			cp := make(map[string]string, len(p))
			for k, v := range p {
				cp[k] = v
			}
			out.Plan.Stages[i].Params = cp
		}
	}
	for label, c := range w.Calcs {
		out.Calcs[label] = c.Clone()
	}
	return out
}
