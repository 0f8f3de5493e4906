package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/materlab/kiln/pkg/domain"
)

// DB is the narrow database surface the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Schema creates the leases table.
const Schema = `CREATE TABLE IF NOT EXISTS leases (
	name        TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	token       TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
)`

const (
	// The upsert succeeds only when the row is absent or expired; the
	// WHERE clause makes reclaim race-safe: of several contenders
	// exactly one update wins and returns a row.
	acquireQuery = `INSERT INTO leases (name, holder, token, acquired_at, expires_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (name) DO UPDATE
	SET holder = EXCLUDED.holder,
	    token = EXCLUDED.token,
	    acquired_at = EXCLUDED.acquired_at,
	    expires_at = EXCLUDED.expires_at
	WHERE leases.expires_at <= EXCLUDED.acquired_at
	RETURNING name`

	releaseQuery = `DELETE FROM leases WHERE name = $1 AND token = $2`
)

// Store implements LeaseStore on Postgres.
type Store struct {
	db DB
}

// NewStore creates a Postgres-backed lease store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the store's table if missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure leases schema: %w", err)
	}
	return nil
}

// TryAcquire upserts the lease row where absent or expired.
func (s *Store) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (*domain.Lease, error) {
	now := time.Now().UTC()
	token := uuid.NewString()

	var got string
	err := s.db.QueryRowContext(ctx, acquireQuery, name, holder, token, now, now.Add(ttl)).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %q: %w", name, err)
	}

	return &domain.Lease{
		Name:       name,
		Holder:     holder,
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Release deletes the row while the token matches.
func (s *Store) Release(ctx context.Context, lease *domain.Lease) error {
	if _, err := s.db.ExecContext(ctx, releaseQuery, lease.Name, lease.Token); err != nil {
		return fmt.Errorf("release lease %q: %w", lease.Name, err)
	}
	return nil
}
