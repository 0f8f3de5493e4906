package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// StateStore implements ports.StateStore with an in-memory map.
// This is for testing and single-process development only.
type StateStore struct {
	mu        sync.RWMutex
	workflows map[string]*domain.WorkflowState
}

// NewStateStore creates a new in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{
		workflows: make(map[string]*domain.WorkflowState),
	}
}

// SaveWorkflow stores a deep copy of the document.
func (s *StateStore) SaveWorkflow(ctx context.Context, wf *domain.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.Material.ID] = wf.Clone()
	return nil
}

// GetWorkflow returns a deep copy of the document for a material.
func (s *StateStore) GetWorkflow(ctx context.Context, materialID string) (*domain.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[materialID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return wf.Clone(), nil
}

// ListWorkflowIDs returns all registered material IDs, sorted.
func (s *StateStore) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListFailed returns terminally failed calculations across all workflows.
func (s *StateStore) ListFailed(ctx context.Context) ([]*domain.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*domain.Calculation
	for _, id := range ids {
		for _, c := range s.workflows[id].Failed() {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// CountInFlight counts calculations with a live external job across all
// workflows.
func (s *StateStore) CountInFlight(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, wf := range s.workflows {
		n += len(wf.InFlight())
	}
	return n, nil
}

// Close is a no-op.
func (s *StateStore) Close() error {
	return nil
}
