package domain

import "time"

// FailureClass is the closed classification of a failed job attempt.
type FailureClass string

const (
	FailureConvergence    FailureClass = "convergence_failure"
	FailureResources      FailureClass = "resource_exhaustion"
	FailureMalformedParam FailureClass = "malformed_parameter"
	FailureInfrastructure FailureClass = "infrastructure_failure"
	FailureUnknown        FailureClass = "unknown"
)

// FailureClasses lists every classification, in classifier precedence
// order.
var FailureClasses = []FailureClass{
	FailureConvergence,
	FailureResources,
	FailureMalformedParam,
	FailureInfrastructure,
	FailureUnknown,
}

// FailureRecord captures the classified outcome of a failed job attempt.
type FailureRecord struct {
	Class       FailureClass        `json:"class"`
	Excerpt     string              `json:"excerpt,omitempty"`
	Attempt     int                 `json:"attempt"`
	Remediation *AppliedRemediation `json:"remediation,omitempty"`
	RecordedAt  time.Time           `json:"recorded_at"`
}

// AppliedRemediation describes the parameter adjustment applied before a
// resubmission.
type AppliedRemediation struct {
	Description string            `json:"description"`
	Params      map[string]string `json:"params,omitempty"`
}

// Clone returns a deep copy.
func (f *FailureRecord) Clone() *FailureRecord {
	out := *f
	if f.Remediation != nil {
		r := *f.Remediation
		if f.Remediation.Params != nil {
			r.Params = make(map[string]string, len(f.Remediation.Params))
			for k, v := range f.Remediation.Params {
				r.Params[k] = v
			}
		}
		out.Remediation = &r
	}
	return &out
}
