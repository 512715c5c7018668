package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/lock"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/progress"
)

// countRunner processes `perChunk` units per chunk out of `total`.
type countRunner struct {
	total     int64
	perChunk  int64
	processed int64
	chunks    int
	failAt    int // chunk index that returns an error, -1 to disable
}

func (r *countRunner) Total(context.Context) (int64, error) { return r.total, nil }

func (r *countRunner) RunChunk(_ context.Context, cursor string, _ int) (ChunkResult, error) {
	if r.failAt >= 0 && r.chunks == r.failAt {
		return ChunkResult{}, errors.New("chunk blew up")
	}
	r.chunks++
	n := r.perChunk
	if remain := r.total - r.processed; n > remain {
		n = remain
	}
	r.processed += n
	done := r.processed >= r.total
	return ChunkResult{Processed: n, NextCursor: cursorAfter(cursor), Done: done}, nil
}

func cursorAfter(cursor string) string { return cursor + "x" }

type fixture struct {
	sched *Scheduler
	prog  *progress.Store
	locks *lock.Manager
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T, budget time.Duration) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{ChunkRows: 500, ChunkBudget: budget, LockTTL: time.Minute}
	locks := lock.NewManager(client, cfg.LockTTL)
	prog := progress.NewStore(client)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return &fixture{
		sched: New(cfg, locks, prog, client, logger),
		prog:  prog,
		locks: locks,
		mr:    mr,
	}
}

func TestRunNowCompletesSmallJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	runner := &countRunner{total: 1000, perChunk: 500, failAt: -1}
	f.sched.Register(models.Job{Key: "aggregate_summaries", Label: "Aggregate summaries", Recurrence: models.RecurrenceDaily, Enabled: true}, runner)

	status, err := f.sched.RunNow(ctx, "aggregate_summaries")
	if err != nil || status != RunStarted {
		t.Fatalf("run now: status=%s err=%v", status, err)
	}
	if runner.chunks != 2 {
		t.Fatalf("expected exactly 2 chunks, got %d", runner.chunks)
	}
	if _, ok, _ := f.prog.Load(ctx, "aggregate_summaries"); ok {
		t.Fatal("progress not cleared after completion")
	}

	jobs, err := f.sched.List(ctx)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list: %v %v", jobs, err)
	}
	if jobs[0].Status != models.JobIdle {
		t.Fatalf("expected idle, got %s", jobs[0].Status)
	}
	if jobs[0].NextRun == nil || !jobs[0].NextRun.After(time.Now()) {
		t.Fatalf("expected future next_run, got %v", jobs[0].NextRun)
	}
}

func TestRunNowResumesAcrossInvocations(t *testing.T) {
	ctx := context.Background()
	// Zero budget: every invocation checkpoints after one chunk.
	f := newFixture(t, 0)
	runner := &countRunner{total: 1500, perChunk: 500, failAt: -1}
	f.sched.Register(models.Job{Key: "big_job", Enabled: true}, runner)

	lastPct := -1
	for i := 0; i < 2; i++ {
		if status, err := f.sched.RunNow(ctx, "big_job"); err != nil || status != RunStarted {
			t.Fatalf("invocation %d: status=%s err=%v", i, status, err)
		}
		p, ok, err := f.prog.Load(ctx, "big_job")
		if err != nil || !ok {
			t.Fatalf("invocation %d: missing checkpoint: %v", i, err)
		}
		if p.Completed < 0 || p.Completed > p.Total {
			t.Fatalf("invariant violated: %+v", p)
		}
		if pct := p.Percentage(); pct < lastPct {
			t.Fatalf("percentage regressed: %d -> %d", lastPct, pct)
		} else {
			lastPct = pct
		}
	}

	// Third invocation finishes the job.
	if status, err := f.sched.RunNow(ctx, "big_job"); err != nil || status != RunStarted {
		t.Fatalf("final invocation: status=%s err=%v", status, err)
	}
	if runner.processed != 1500 {
		t.Fatalf("expected 1500 processed, got %d", runner.processed)
	}
	if _, ok, _ := f.prog.Load(ctx, "big_job"); ok {
		t.Fatal("progress not cleared")
	}
}

func TestRunNowBusyWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	runner := &countRunner{total: 10, perChunk: 10, failAt: -1}
	f.sched.Register(models.Job{Key: "held_job", Enabled: true}, runner)

	token, err := f.locks.Acquire(ctx, "held_job", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	status, err := f.sched.RunNow(ctx, "held_job")
	if err != nil || status != RunBusy {
		t.Fatalf("expected busy, got status=%s err=%v", status, err)
	}
	if runner.chunks != 0 {
		t.Fatal("runner executed despite held lock")
	}
	_ = f.locks.Release(ctx, "held_job", token)

	// After release the run proceeds and no work is double counted.
	if status, err := f.sched.RunNow(ctx, "held_job"); err != nil || status != RunStarted {
		t.Fatalf("after release: status=%s err=%v", status, err)
	}
	if runner.processed != 10 {
		t.Fatalf("expected 10 processed exactly once, got %d", runner.processed)
	}
}

func TestRunNowDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	f.sched.Register(models.Job{Key: "off_job", Enabled: false}, &countRunner{total: 1, perChunk: 1, failAt: -1})

	status, err := f.sched.RunNow(ctx, "off_job")
	if err != nil || status != RunDisabled {
		t.Fatalf("expected disabled, got status=%s err=%v", status, err)
	}
}

func TestChunkErrorKeepsCheckpointAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	runner := &countRunner{total: 1000, perChunk: 500, failAt: 1}
	f.sched.Register(models.Job{Key: "flaky", Enabled: true}, runner)

	// First invocation: one good chunk, checkpoint at 500.
	if status, err := f.sched.RunNow(ctx, "flaky"); err != nil || status != RunStarted {
		t.Fatalf("first invocation: status=%s err=%v", status, err)
	}

	// Second invocation fails its chunk; checkpoint must be untouched.
	if _, err := f.sched.RunNow(ctx, "flaky"); err == nil {
		t.Fatal("expected chunk error to surface")
	}
	p, ok, _ := f.prog.Load(ctx, "flaky")
	if !ok || p.Completed != 500 {
		t.Fatalf("checkpoint corrupted: ok=%v %+v", ok, p)
	}
	if held, _ := f.locks.IsHeld(ctx, "flaky"); held {
		t.Fatal("lock leaked after chunk error")
	}

	// Retry resumes from the saved checkpoint and completes.
	runner.failAt = -1
	if status, err := f.sched.RunNow(ctx, "flaky"); err != nil || status != RunStarted {
		t.Fatalf("retry: status=%s err=%v", status, err)
	}
	if runner.processed != 1000 {
		t.Fatalf("expected 1000 processed, got %d", runner.processed)
	}
}

func TestCancelStopsAtChunkBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	runner := &countRunner{total: 1000, perChunk: 500, failAt: -1}
	f.sched.Register(models.Job{Key: "cancellable", Enabled: true}, runner)

	if err := f.sched.RequestCancel(ctx, "cancellable"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if status, err := f.sched.RunNow(ctx, "cancellable"); err != nil || status != RunStarted {
		t.Fatalf("run: status=%s err=%v", status, err)
	}
	if runner.chunks != 0 {
		t.Fatal("cancelled run still processed a chunk")
	}
	if held, _ := f.locks.IsHeld(ctx, "cancellable"); held {
		t.Fatal("lock leaked after cancel")
	}
}

func TestTickRunsDueAndSkipsOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	due := &countRunner{total: 10, perChunk: 10, failAt: -1}
	manual := &countRunner{total: 10, perChunk: 10, failAt: -1}
	disabled := &countRunner{total: 10, perChunk: 10, failAt: -1}
	f.sched.Register(models.Job{Key: "daily_due", Recurrence: models.RecurrenceDaily, Enabled: true}, due)
	f.sched.Register(models.Job{Key: "manual_only", Recurrence: models.RecurrenceNone, Enabled: true}, manual)
	f.sched.Register(models.Job{Key: "switched_off", Recurrence: models.RecurrenceDaily, Enabled: false}, disabled)

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if due.processed != 10 {
		t.Fatalf("due job not run: %d", due.processed)
	}
	if manual.processed != 0 || disabled.processed != 0 {
		t.Fatalf("tick ran jobs it should skip: manual=%d disabled=%d", manual.processed, disabled.processed)
	}

	// Immediately after completion the daily job is no longer due.
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if due.processed != 10 {
		t.Fatalf("daily job re-ran within its interval: %d", due.processed)
	}
}

func TestTickResumesQueuedJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	runner := &countRunner{total: 1000, perChunk: 500, failAt: -1}
	// Manual-recurrence job: only the pending checkpoint makes it due.
	f.sched.Register(models.Job{Key: "resume_me", Recurrence: models.RecurrenceNone, Enabled: true}, runner)

	if _, err := f.sched.RunNow(ctx, "resume_me"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if runner.processed != 500 {
		t.Fatalf("expected checkpoint at 500, got %d", runner.processed)
	}

	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if runner.processed != 1000 {
		t.Fatalf("tick did not resume queued job: %d", runner.processed)
	}
}
