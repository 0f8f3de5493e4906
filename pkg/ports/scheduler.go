package ports

import (
	"context"

	"github.com/materlab/kiln/pkg/domain"
)

// JobState is the scheduler-side state of an external job, already
// mapped from the backend's own state vocabulary.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	// JobStateUnknown means the scheduler no longer knows the job, for
	// example after its accounting window lapsed.
	JobStateUnknown JobState = "unknown"
)

// JobRequest describes one batch job submission.
type JobRequest struct {
	// Name is the scheduler-visible job name, "<material>-<stage>".
	Name string
	// WorkDir is the prepared directory the job runs in.
	WorkDir string
	// InputFile is the provisioned input deck within WorkDir.
	InputFile string
	// Resources are the requested scheduler resources.
	Resources domain.Resources
}

// Scheduler submits and observes external batch jobs. Both calls carry
// their own timeout discipline; transport failures wrap
// ErrSchedulerUnavailable so callers can tell a broken scheduler from a
// failed job.
type Scheduler interface {
	// Submit enqueues the job and returns the external job id.
	Submit(ctx context.Context, req JobRequest) (string, error)

	// QueryState reports the job's current state. A job the scheduler no
	// longer remembers is JobStateUnknown, not an error.
	QueryState(ctx context.Context, jobID string) (JobState, error)

	// Cancel asks the scheduler to terminate the job.
	Cancel(ctx context.Context, jobID string) error
}
