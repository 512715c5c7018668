package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewManager(client, time.Minute), mr
}

func TestAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	token, err := m.Acquire(ctx, "prune_raw_events", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := m.Acquire(ctx, "prune_raw_events", 0); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict on second acquire, got %v", err)
	}

	held, err := m.IsHeld(ctx, "prune_raw_events")
	if err != nil || !held {
		t.Fatalf("expected held lock, got held=%v err=%v", held, err)
	}

	if err := m.Release(ctx, "prune_raw_events", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, "prune_raw_events", token); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected already-released conflict, got %v", err)
	}

	if _, err := m.Acquire(ctx, "prune_raw_events", 0); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	if _, err := m.Acquire(ctx, "crashy", 2*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(3 * time.Second)

	if _, err := m.Acquire(ctx, "crashy", time.Second); err != nil {
		t.Fatalf("expected abandoned lock to be reacquirable, got %v", err)
	}
}

func TestExtendFailsAfterTakeover(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	token, err := m.Acquire(ctx, "summary", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Extend(ctx, "summary", token, time.Second); err != nil {
		t.Fatalf("extend while held: %v", err)
	}

	// TTL lapses and another invocation takes the key.
	mr.FastForward(2 * time.Second)
	if _, err := m.Acquire(ctx, "summary", time.Minute); err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}

	if err := m.Extend(ctx, "summary", token, time.Second); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict on extend after takeover, got %v", err)
	}
	if err := m.Release(ctx, "summary", token); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict on release after takeover, got %v", err)
	}
}
