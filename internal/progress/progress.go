// Package progress persists per-job and per-session checkpoints in Redis so
// chunked work can resume across invocations. A Save must be the last action
// of a chunk: a crash before Save repeats the last chunk instead of skipping
// work.
package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
)

// Store reads and writes checkpoints keyed by job key or session id.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func progressKey(scope string) string {
	return "progress:" + scope
}

// Load returns the checkpoint for scope, or ok=false when none exists.
func (s *Store) Load(ctx context.Context, scope string) (models.Progress, bool, error) {
	vals, err := s.client.HGetAll(ctx, progressKey(scope)).Result()
	if err != nil {
		return models.Progress{}, false, fmt.Errorf("load progress %s: %w", scope, err)
	}
	if len(vals) == 0 {
		return models.Progress{}, false, nil
	}

	var p models.Progress
	p.Total, _ = strconv.ParseInt(vals["total"], 10, 64)
	p.Completed, _ = strconv.ParseInt(vals["completed"], 10, 64)
	p.Cursor = vals["cursor"]
	if ts, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		p.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return p, true, nil
}

// Save writes the checkpoint for scope, enforcing 0 <= completed <= total.
func (s *Store) Save(ctx context.Context, scope string, p models.Progress) error {
	if p.Total < 0 || p.Completed < 0 || p.Completed > p.Total {
		return fault.Validation("progress %s out of range: completed=%d total=%d", scope, p.Completed, p.Total)
	}
	err := s.client.HSet(ctx, progressKey(scope), map[string]any{
		"total":      p.Total,
		"completed":  p.Completed,
		"cursor":     p.Cursor,
		"updated_at": time.Now().UTC().Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("save progress %s: %w", scope, err)
	}
	return nil
}

// Clear removes the checkpoint for scope. Clearing an absent scope is a no-op.
func (s *Store) Clear(ctx context.Context, scope string) error {
	if err := s.client.Del(ctx, progressKey(scope)).Err(); err != nil {
		return fmt.Errorf("clear progress %s: %w", scope, err)
	}
	return nil
}

// Scopes lists all scope keys with a stored checkpoint.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, progressKey("*")).Result()
	if err != nil {
		return nil, fmt.Errorf("list progress scopes: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len("progress:"):])
	}
	return out, nil
}
