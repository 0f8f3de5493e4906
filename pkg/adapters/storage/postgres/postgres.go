// Package postgres implements the workflow state store on PostgreSQL.
//
// The workflow document is the unit of record, stored whole as JSONB.
// A calculations projection table is maintained in the same transaction
// so capacity counts and failure listings are plain indexed queries,
// and so the database itself enforces one calculation per
// (material, kind, generation) identity.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// DB is the database handle surface the store needs. *sql.DB satisfies
// it.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Schema creates the workflow tables.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	material_id TEXT PRIMARY KEY,
	doc         JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS calculations (
	material_id     TEXT NOT NULL REFERENCES workflows (material_id) ON DELETE CASCADE,
	kind            TEXT NOT NULL,
	generation      INT  NOT NULL,
	label           TEXT NOT NULL,
	status          TEXT NOT NULL,
	external_job_id TEXT NOT NULL DEFAULT '',
	doc             JSONB NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (material_id, kind, generation)
);

CREATE INDEX IF NOT EXISTS calculations_status_idx ON calculations (status);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure workflow schema: %w", err)
	}
	return nil
}

const (
	upsertWorkflowQuery = `
		INSERT INTO workflows (material_id, doc, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (material_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`

	upsertCalculationQuery = `
		INSERT INTO calculations (material_id, kind, generation, label, status, external_job_id, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (material_id, kind, generation)
		DO UPDATE SET
			status = EXCLUDED.status,
			external_job_id = EXCLUDED.external_job_id,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at`

	getWorkflowQuery = `SELECT doc FROM workflows WHERE material_id = $1`

	listWorkflowIDsQuery = `SELECT material_id FROM workflows ORDER BY material_id`

	listFailedQuery = `
		SELECT doc FROM calculations
		WHERE status = $1
		ORDER BY material_id, label`

	countInFlightQuery = `SELECT COUNT(*) FROM calculations WHERE status IN ($1, $2)`
)

// StateStore implements ports.StateStore on PostgreSQL.
type StateStore struct {
	db DB
}

// NewStateStore creates a store on an existing database handle. The
// handle's lifecycle is owned by the caller.
func NewStateStore(db DB) *StateStore {
	return &StateStore{db: db}
}

// SaveWorkflow upserts the document and its calculations projection in
// one transaction.
func (s *StateStore) SaveWorkflow(ctx context.Context, wf *domain.WorkflowState) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", wf.Material.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save workflow: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertWorkflowQuery, wf.Material.ID, doc, wf.UpdatedAt); err != nil {
		return fmt.Errorf("upsert workflow %s: %w", wf.Material.ID, err)
	}

	for _, st := range wf.Plan.Stages {
		c := wf.Calc(st.Ref)
		if c == nil {
			continue
		}
		calcDoc, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal calculation %s: %w", c.Key(), err)
		}
		_, err = tx.ExecContext(ctx, upsertCalculationQuery,
			c.MaterialID, string(c.Stage.Kind), c.Stage.Gen, c.Stage.Label(),
			string(c.Status), c.ExternalJobID, calcDoc, wf.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert calculation %s: %w", c.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads the document for a material.
func (s *StateStore) GetWorkflow(ctx context.Context, materialID string) (*domain.WorkflowState, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, getWorkflowQuery, materialID).Scan(&doc)
	if err != nil {
		return nil, handleNotFound(err, fmt.Sprintf("get workflow %s", materialID))
	}

	var wf domain.WorkflowState
	if err := json.Unmarshal(doc, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", materialID, err)
	}
	return &wf, nil
}

// ListWorkflowIDs returns all registered material IDs.
func (s *StateStore) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listWorkflowIDsQuery)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListFailed returns terminally failed calculations from the projection.
func (s *StateStore) ListFailed(ctx context.Context) ([]*domain.Calculation, error) {
	rows, err := s.db.QueryContext(ctx, listFailedQuery, string(domain.CalcStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list failed calculations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Calculation
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan failed calculation: %w", err)
		}
		var c domain.Calculation
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("unmarshal failed calculation: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CountInFlight counts calculations holding a live external job.
func (s *StateStore) CountInFlight(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, countInFlightQuery,
		string(domain.CalcStatusSubmitted), string(domain.CalcStatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight calculations: %w", err)
	}
	return n, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *StateStore) Close() error {
	return nil
}

func handleNotFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
