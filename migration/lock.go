package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is the distributed guard ensuring only one redistribution (split or
// merge) is active for a given shard group at a time, held in Redis as a
// SETNX key with a TTL so a crashed migration's lock expires on its own.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewLock builds a Lock over an existing redis client. key should uniquely
// identify the shard group (or pair of shard groups, for a merge) being
// migrated.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: "migration-lock:" + key, ttl: ttl}
}

// Acquire attempts to take the lock, returning false if another migration
// already holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, time.Now().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire migration lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Refresh extends the lock's TTL, called periodically by a long-running
// migration so it isn't reaped by a concurrent migration while it is still
// legitimately in progress.
func (l *Lock) Refresh(ctx context.Context) error {
	return l.client.Expire(ctx, l.key, l.ttl).Err()
}

// Release gives up the lock.
func (l *Lock) Release(ctx context.Context) error {
	return l.client.Del(ctx, l.key).Err()
}
