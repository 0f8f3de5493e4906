package ports

import (
	"context"
	"time"

	"github.com/materlab/kiln/pkg/domain"
)

// LeaseStore is the atomic backing primitive for named leases. The
// create-if-absent-or-expired step must be atomic: when several
// processes race for the same name, exactly one wins, including the
// reclaim of a lease whose holder crashed and let the TTL lapse.
type LeaseStore interface {
	// TryAcquire attempts to take the named lease for ttl. It returns
	// the held lease on success and (nil, nil) when the lease is
	// currently held by someone else.
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (*domain.Lease, error)

	// Release frees the lease if and only if the token still matches:
	// releasing a lease that expired and was reclaimed by another holder
	// is a no-op, never an error.
	Release(ctx context.Context, lease *domain.Lease) error
}
