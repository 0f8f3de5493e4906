package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/materlab/kiln/pkg/domain"
)

// Store implements LeaseStore with an in-process map. The mutex gives
// the same atomicity the distributed backends provide, so the manager's
// semantics are identical under test.
type Store struct {
	mu     sync.Mutex
	leases map[string]domain.Lease
	now    func() time.Time
}

// NewStore creates an empty in-memory lease store.
func NewStore() *Store {
	return &Store{
		leases: make(map[string]domain.Lease),
		now:    time.Now,
	}
}

// WithNow replaces the clock, for tests that exercise expiry.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// TryAcquire takes the lease if it is absent or expired.
func (s *Store) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (*domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[name]; ok && !cur.Expired(now) {
		return nil, nil
	}
	lease := domain.Lease{
		Name:       name,
		Holder:     holder,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.leases[name] = lease
	out := lease
	return &out, nil
}

// Release deletes the lease when the token still matches.
func (s *Store) Release(ctx context.Context, lease *domain.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[lease.Name]; ok && cur.Token == lease.Token {
		delete(s.leases, lease.Name)
	}
	return nil
}

// Held reports whether the name is currently leased, for tests.
func (s *Store) Held(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	return ok && !cur.Expired(s.now())
}
