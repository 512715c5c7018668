package progress

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.Load(ctx, "aggregate_summaries"); err != nil || ok {
		t.Fatalf("expected no checkpoint, got ok=%v err=%v", ok, err)
	}

	want := models.Progress{Total: 1000, Completed: 500, Cursor: "row:500"}
	if err := s.Save(ctx, "aggregate_summaries", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Load(ctx, "aggregate_summaries")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Total != 1000 || got.Completed != 500 || got.Cursor != "row:500" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if got.Percentage() != 50 || got.Remain() != 500 {
		t.Fatalf("percentage=%d remain=%d", got.Percentage(), got.Remain())
	}

	if err := s.Clear(ctx, "aggregate_summaries"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "aggregate_summaries"); ok {
		t.Fatalf("checkpoint survived clear")
	}
}

func TestSaveRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Save(ctx, "bad", models.Progress{Total: 10, Completed: 11})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	err = s.Save(ctx, "bad", models.Progress{Total: 10, Completed: -1})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	err = s.Save(ctx, "bad", models.Progress{Total: 0, Completed: 5})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error for zero total, got %v", err)
	}
	err = s.Save(ctx, "bad", models.Progress{Total: -1, Completed: 0})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error for negative total, got %v", err)
	}
}

func TestPercentageClamps(t *testing.T) {
	if (models.Progress{Total: 0, Completed: 0}).Percentage() != 0 {
		t.Fatal("zero total should report 0")
	}
	if (models.Progress{Total: 3, Completed: 2}).Percentage() != 66 {
		t.Fatal("expected floor semantics")
	}
	if (models.Progress{Total: 3, Completed: 3}).Percentage() != 100 {
		t.Fatal("expected 100 at completion")
	}
}

func TestScopes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Save(ctx, "job-a", models.Progress{Total: 1, Completed: 0})
	_ = s.Save(ctx, "import:abc", models.Progress{Total: 5, Completed: 1})

	scopes, err := s.Scopes(ctx)
	if err != nil {
		t.Fatalf("scopes: %v", err)
	}
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %v", scopes)
	}
}
