package ports

import (
	"context"

	"github.com/materlab/kiln/pkg/domain"
)

// StateStore persists per-material workflow documents. Writes happen
// only inside the owning material's lease-guarded critical section, so
// implementations need durability and read-your-writes, not document
// level locking.
type StateStore interface {
	// SaveWorkflow durably stores the document, replacing any previous
	// version.
	SaveWorkflow(ctx context.Context, wf *domain.WorkflowState) error

	// GetWorkflow loads the document for a material. Returns ErrNotFound
	// when the material is not registered.
	GetWorkflow(ctx context.Context, materialID string) (*domain.WorkflowState, error)

	// ListWorkflowIDs returns the IDs of every registered material.
	ListWorkflowIDs(ctx context.Context) ([]string, error)

	// ListFailed returns every terminally failed calculation across all
	// workflows.
	ListFailed(ctx context.Context) ([]*domain.Calculation, error)

	// CountInFlight returns the number of calculations currently holding
	// a live external job, across all workflows. Read inside the global
	// submission lease when enforcing capacity.
	CountInFlight(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
