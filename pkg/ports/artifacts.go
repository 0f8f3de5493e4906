package ports

import "context"

// ArtifactStore archives and serves per-attempt diagnostic output. The
// poller path has no webhook body to read a diagnostic from, so failure
// classification fetches it here; webhook-carried diagnostics are
// archived for later inspection.
type ArtifactStore interface {
	// PutDiagnostic stores the diagnostic text for one attempt and
	// returns its location.
	PutDiagnostic(ctx context.Context, materialID, stageLabel string, attempt int, data []byte) (string, error)

	// FetchDiagnostic retrieves the diagnostic text for one attempt.
	// Returns ErrNotFound when nothing was archived.
	FetchDiagnostic(ctx context.Context, materialID, stageLabel string, attempt int) ([]byte, error)
}
