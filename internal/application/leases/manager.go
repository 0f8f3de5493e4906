package leases

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// ErrAcquireTimeout is returned when a lease could not be acquired
// within the caller's deadline. Callers treat it as "someone else is
// working on this", not as a failure of the guarded work.
var ErrAcquireTimeout = errors.New("lease acquire timeout")

const releaseTimeout = 5 * time.Second

// Options tune the manager.
type Options struct {
	// TTL is how long an acquired lease lives without release. It must
	// comfortably exceed the longest critical section.
	TTL time.Duration
	// BackoffBase is the first retry delay while contending.
	BackoffBase time.Duration
	// BackoffMax caps the exponential growth.
	BackoffMax time.Duration
}

func (o *Options) withDefaults() {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 50 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
}

// Manager acquires and releases named leases for one process.
type Manager struct {
	store   ports.LeaseStore
	holder  string
	opts    Options
	metrics ports.MetricsCollector
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewManager creates a manager with a process-unique holder identity.
func NewManager(store ports.LeaseStore, metrics ports.MetricsCollector, logger *zap.Logger, opts Options) *Manager {
	opts.withDefaults()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Manager{
		store:   store,
		holder:  fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Holder returns the manager's holder identity.
func (m *Manager) Holder() string {
	return m.holder
}

// Acquire blocks until the named lease is held or timeout elapses.
// Contention is retried with randomized exponential backoff so that
// processes hammering the same name spread out.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (*domain.Lease, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	for attempt := 0; ; attempt++ {
		lease, err := m.store.TryAcquire(ctx, name, m.holder, m.opts.TTL)
		if err != nil {
			return nil, fmt.Errorf("try acquire lease %q: %w", name, err)
		}
		if lease != nil {
			m.metrics.RecordLeaseWait(name, time.Since(start))
			m.logger.Debug("lease acquired",
				zap.String("lease", name),
				zap.Duration("waited", time.Since(start)))
			return lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.metrics.RecordLeaseTimeout(name)
			return nil, fmt.Errorf("lease %q not acquired within %s: %w", name, timeout, ErrAcquireTimeout)
		}
		wait := m.backoff(attempt)
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release frees a held lease. Releasing a lease that already expired
// and was reclaimed elsewhere is a no-op.
func (m *Manager) Release(ctx context.Context, lease *domain.Lease) error {
	if err := m.store.Release(ctx, lease); err != nil {
		return fmt.Errorf("release lease %q: %w", lease.Name, err)
	}
	return nil
}

// WithLease runs fn while holding the named lease. The lease is
// released on every exit path, including a panic in fn. Release uses a
// fresh context so that a canceled caller context cannot leak the
// lease.
func (m *Manager) WithLease(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if rerr := m.store.Release(rctx, lease); rerr != nil {
			m.logger.Warn("lease release failed; TTL will reclaim it",
				zap.String("lease", name),
				zap.Error(rerr))
		}
	}()
	return fn(ctx)
}

// backoff returns the delay before retry attempt, exponential from
// BackoffBase to BackoffMax with +/-50% jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := m.opts.BackoffBase << uint(attempt)
	if d > m.opts.BackoffMax || d <= 0 {
		d = m.opts.BackoffMax
	}
	m.mu.Lock()
	jitter := time.Duration(m.rng.Int63n(int64(d)))
	m.mu.Unlock()
	return d/2 + jitter
}
