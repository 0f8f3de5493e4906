package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/domain"
)

// releaseScript deletes the lease key only while the token matches, so
// a holder whose lease expired and was reclaimed cannot delete the new
// holder's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Store implements LeaseStore on Redis. SET NX PX gives the atomic
// create-if-absent step and key expiry gives crash reclaim: when a
// holder dies, the key lapses and the next SET NX wins, exactly once.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a Redis-backed lease store.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// TryAcquire attempts SET NX PX on the lease key.
func (s *Store) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (*domain.Lease, error) {
	token := uuid.NewString()
	now := time.Now()

	ok, err := s.client.SetNX(ctx, getLeaseKey(name), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx lease %q: %w", name, err)
	}
	if !ok {
		return nil, nil
	}

	s.logger.Debug("lease key set",
		zap.String("lease", name),
		zap.String("holder", holder),
		zap.Duration("ttl", ttl))

	return &domain.Lease{
		Name:       name,
		Holder:     holder,
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Release runs the token-checked delete script.
func (s *Store) Release(ctx context.Context, lease *domain.Lease) error {
	deleted, err := releaseScript.Run(ctx, s.client, []string{getLeaseKey(lease.Name)}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("release lease %q: %w", lease.Name, err)
	}
	if deleted == 0 {
		s.logger.Debug("lease already expired or reclaimed",
			zap.String("lease", lease.Name),
			zap.String("holder", lease.Holder))
	}
	return nil
}

// getLeaseKey returns the Redis key for a lease name.
func getLeaseKey(name string) string {
	return fmt.Sprintf("kiln:lease:%s", name)
}
