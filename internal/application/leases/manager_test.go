package leases

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	leasemem "github.com/materlab/kiln/pkg/adapters/leases/memory"
	"github.com/materlab/kiln/pkg/adapters/metrics/noop"
)

func newTestManager(t *testing.T, store *leasemem.Store, opts Options) *Manager {
	t.Helper()
	return NewManager(store, noop.NewCollector(), zap.NewNop(), opts)
}

func TestWithLease_MutualExclusion(t *testing.T) {
	store := leasemem.NewStore()
	m := newTestManager(t, store, Options{
		TTL:         5 * time.Second,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})

	var inside int32
	var total int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				err := m.WithLease(context.Background(), "material:mgo", 2*time.Second, func(ctx context.Context) error {
					n := atomic.AddInt32(&inside, 1)
					assert.Equal(t, int32(1), n, "critical section must be exclusive")
					time.Sleep(time.Millisecond)
					atomic.AddInt32(&inside, -1)
					atomic.AddInt32(&total, 1)
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(40), total)
	assert.False(t, store.Held("material:mgo"), "lease released after last section")
}

func TestWithLease_ReleasesOnError(t *testing.T) {
	store := leasemem.NewStore()
	m := newTestManager(t, store, Options{})

	sentinel := errors.New("work failed")
	err := m.WithLease(context.Background(), "submissions", time.Second, func(ctx context.Context) error {
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.False(t, store.Held("submissions"))
}

func TestWithLease_ReleasesOnPanic(t *testing.T) {
	store := leasemem.NewStore()
	m := newTestManager(t, store, Options{})

	require.Panics(t, func() {
		_ = m.WithLease(context.Background(), "material:nacl", time.Second, func(ctx context.Context) error {
			panic("boom")
		})
	})

	assert.False(t, store.Held("material:nacl"), "lease released during panic unwind")
}

func TestAcquire_TimesOutWhileHeld(t *testing.T) {
	store := leasemem.NewStore()
	m := newTestManager(t, store, Options{
		TTL:         time.Minute,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})

	held, err := m.Acquire(context.Background(), "material:mgo", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(context.Background(), "material:mgo", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, m.Release(context.Background(), held))
}

func TestAcquire_ReclaimsExpiredLease(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	store := leasemem.NewStore().WithNow(now)
	m := newTestManager(t, store, Options{TTL: 10 * time.Second})

	crashed, err := m.Acquire(context.Background(), "material:mgo", time.Second)
	require.NoError(t, err)

	// Holder dies without releasing; the TTL lapses.
	mu.Lock()
	current = current.Add(11 * time.Second)
	mu.Unlock()

	reclaimed, err := m.Acquire(context.Background(), "material:mgo", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.NotEqual(t, crashed.Token, reclaimed.Token)

	// The crashed holder's release must not free the reclaimed lease.
	require.NoError(t, m.Release(context.Background(), crashed))
	assert.True(t, store.Held("material:mgo"))
}

func TestTryAcquire_SingleReclaimWinner(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	store := leasemem.NewStore().WithNow(now)

	_, err := store.TryAcquire(context.Background(), "submissions", "crashed", 10*time.Second)
	require.NoError(t, err)

	mu.Lock()
	current = current.Add(time.Minute)
	mu.Unlock()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := store.TryAcquire(context.Background(), "submissions", "contender", 10*time.Second)
			assert.NoError(t, err)
			if lease != nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners, "exactly one contender reclaims the expired lease")
}

func TestBackoff_GrowsWithJitterWithinBounds(t *testing.T) {
	m := newTestManager(t, leasemem.NewStore(), Options{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  80 * time.Millisecond,
	})

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := m.backoff(attempt)
			assert.GreaterOrEqual(t, d, 5*time.Millisecond)
			assert.LessOrEqual(t, d, 120*time.Millisecond)
		}
	}
}
