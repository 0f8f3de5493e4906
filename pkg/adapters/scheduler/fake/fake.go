// Package fake provides a controllable in-memory scheduler for tests
// and local development.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/materlab/kiln/pkg/ports"
)

// Scheduler implements ports.Scheduler in memory. Tests drive job state
// transitions explicitly through SetJobState and simulate outages with
// SetUnavailable.
type Scheduler struct {
	mu          sync.Mutex
	nextID      int
	jobs        map[string]ports.JobState
	requests    []ports.JobRequest
	submitErr   error
	unavailable bool
}

// NewScheduler creates an empty fake scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{jobs: make(map[string]ports.JobState)}
}

// Submit records the request and returns a fresh job id in pending
// state.
func (s *Scheduler) Submit(ctx context.Context, req ports.JobRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return "", fmt.Errorf("fake scheduler down: %w", ports.ErrSchedulerUnavailable)
	}
	if s.submitErr != nil {
		return "", s.submitErr
	}

	s.nextID++
	id := fmt.Sprintf("job-%d", s.nextID)
	s.jobs[id] = ports.JobStatePending
	s.requests = append(s.requests, req)
	return id, nil
}

// QueryState reports the controlled state; unknown ids are
// JobStateUnknown.
func (s *Scheduler) QueryState(ctx context.Context, jobID string) (ports.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return "", fmt.Errorf("fake scheduler down: %w", ports.ErrSchedulerUnavailable)
	}
	state, ok := s.jobs[jobID]
	if !ok {
		return ports.JobStateUnknown, nil
	}
	return state, nil
}

// Cancel marks a known job failed.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("fake scheduler down: %w", ports.ErrSchedulerUnavailable)
	}
	if _, ok := s.jobs[jobID]; ok {
		s.jobs[jobID] = ports.JobStateFailed
	}
	return nil
}

// SetJobState drives a job to a state.
func (s *Scheduler) SetJobState(jobID string, state ports.JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = state
}

// SetUnavailable toggles simulated scheduler outage.
func (s *Scheduler) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// SetSubmitError makes subsequent submissions fail with err until
// cleared with nil.
func (s *Scheduler) SetSubmitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// Requests returns a copy of every submitted request, in order.
func (s *Scheduler) Requests() []ports.JobRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.JobRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastJobID returns the most recently issued job id, or "".
func (s *Scheduler) LastJobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextID == 0 {
		return ""
	}
	return fmt.Sprintf("job-%d", s.nextID)
}
