// Package lock provides an advisory, TTL-based mutual exclusion primitive in
// Redis. Locks are keyed by job or session name and self-expire so a crashed
// holder never deadlocks a job permanently.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
)

// Manager issues per-key locks with a TTL.
type Manager struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewManager builds a lock manager. defaultTTL is used when Acquire is
// called with a zero ttl and should be a conservative multiple of the
// expected chunk duration.
func NewManager(client *redis.Client, defaultTTL time.Duration) *Manager {
	if defaultTTL == 0 {
		defaultTTL = 50 * time.Second
	}
	return &Manager{client: client, defaultTTL: defaultTTL}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock for key, returning an opaque holder token.
// A Conflict error means an unexpired lock already exists.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	token := uuid.New().String()
	ok, err := m.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", fault.Conflict("lock %s is held", key)
	}
	return token, nil
}

// Extend pushes the expiry forward if token still holds the lock. A Conflict
// error signals an external takeover; the caller must abort without
// committing further writes.
func (m *Manager) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	res, err := extendScript.Run(ctx, m.client, []string{lockKey(key)}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", key, err)
	}
	if res.(int64) != 1 {
		return fault.Conflict("lock %s lost to another holder", key)
	}
	return nil
}

// Release frees the lock if token still holds it.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	res, err := releaseScript.Run(ctx, m.client, []string{lockKey(key)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if res.(int64) != 1 {
		return fault.Conflict("lock %s already released", key)
	}
	return nil
}

// IsHeld reports whether an unexpired lock exists for key.
func (m *Manager) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return n == 1, nil
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
