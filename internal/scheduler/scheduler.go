// Package scheduler maintains the background job catalog and drives chunked,
// resumable execution. There are no persistent workers: every run is a
// bounded invocation that checkpoints through the progress store and returns.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/lock"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/progress"
	"github.com/wp-statistics/wp-statistics-sub008/internal/telemetry"
)

// ChunkResult reports what one chunk accomplished.
type ChunkResult struct {
	Processed  int64
	NextCursor string
	Done       bool
}

// Runner is the unit-of-work contract for a catalog job. RunChunk must be
// idempotent for a repeated cursor: a crash between side effects and the
// checkpoint save replays the last chunk.
type Runner interface {
	Total(ctx context.Context) (int64, error)
	RunChunk(ctx context.Context, cursor string, limit int) (ChunkResult, error)
}

// RunNow outcomes.
const (
	RunStarted  = "started"
	RunBusy     = "busy"
	RunDisabled = "disabled"
)

type jobEntry struct {
	job    models.Job
	runner Runner
	status string
}

// Scheduler owns the static job catalog and the chunked-run procedure.
type Scheduler struct {
	cfg      config.Config
	locks    *lock.Manager
	progress *progress.Store
	client   *redis.Client
	logger   logrus.FieldLogger
	clock    func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

func New(cfg config.Config, locks *lock.Manager, prog *progress.Store, client *redis.Client, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		locks:    locks,
		progress: prog,
		client:   client,
		logger:   logger,
		clock:    time.Now,
		jobs:     make(map[string]*jobEntry),
	}
}

// Register adds a job to the catalog. The catalog is static after boot.
func (s *Scheduler) Register(job models.Job, runner Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Status = models.JobIdle
	s.jobs[job.Key] = &jobEntry{job: job, runner: runner, status: models.JobIdle}
}

// List returns the catalog with computed next-run times and live progress.
func (s *Scheduler) List(ctx context.Context) ([]models.Job, error) {
	s.mu.Lock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].job.Key < entries[j].job.Key })

	out := make([]models.Job, 0, len(entries))
	for _, e := range entries {
		job := e.job
		s.mu.Lock()
		job.Status = e.status
		s.mu.Unlock()

		if next, err := s.nextRun(ctx, job); err == nil {
			job.NextRun = next
		}
		if p, ok, err := s.progress.Load(ctx, job.Key); err == nil && ok {
			cp := p
			job.Progress = &cp
		}
		out = append(out, job)
	}
	return out, nil
}

// RunNow executes one bounded invocation of the job, resuming from any
// saved checkpoint. It returns started, busy, or disabled.
func (s *Scheduler) RunNow(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	e, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return "", fault.NotFound("job %q", key)
	}
	if !e.job.Enabled {
		return RunDisabled, nil
	}

	err := s.run(ctx, e)
	if fault.IsKind(err, fault.KindConflict) {
		telemetry.LockContention.Inc()
		return RunBusy, nil
	}
	if err != nil {
		return "", err
	}
	return RunStarted, nil
}

// Tick is called by the host cron. It resumes queued jobs and starts
// enabled jobs whose next run has elapsed. Busy jobs are skipped.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].job.Key < entries[j].job.Key })

	for _, e := range entries {
		if !e.job.Enabled {
			continue
		}
		due, err := s.isDue(ctx, e)
		if err != nil {
			return err
		}
		if !due {
			continue
		}
		if err := s.run(ctx, e); err != nil && !fault.IsKind(err, fault.KindConflict) {
			s.logger.WithField("job", e.job.Key).WithError(err).Error("job run failed")
		}
	}
	return nil
}

// RequestCancel asks a running job to stop at its next chunk boundary.
func (s *Scheduler) RequestCancel(ctx context.Context, key string) error {
	return s.client.Set(ctx, cancelKey(key), "1", s.cfg.LockTTL).Err()
}

// run is the chunked-run procedure: acquire the lock, load or initialize
// progress, process chunks until done or the wall-clock budget elapses,
// checkpointing after every chunk. A chunk error aborts without saving that
// chunk and leaves the checkpoint from prior chunks intact.
func (s *Scheduler) run(ctx context.Context, e *jobEntry) (err error) {
	key := e.job.Key
	token, err := s.locks.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return err
	}

	s.setStatus(e, models.JobRunning)
	finalStatus := models.JobIdle
	defer func() {
		s.setStatus(e, finalStatus)
		if relErr := s.locks.Release(ctx, key, token); relErr != nil && !fault.IsKind(relErr, fault.KindConflict) && err == nil {
			err = relErr
		}
	}()

	log := s.logger.WithField("job", key)

	p, ok, err := s.progress.Load(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		total, err := e.runner.Total(ctx)
		if err != nil {
			return fmt.Errorf("compute total for %s: %w", key, err)
		}
		p = models.Progress{Total: total}
		if err := s.progress.Save(ctx, key, p); err != nil {
			return err
		}
		log.WithField("total", total).Info("job run starting")
	} else {
		log.WithFields(logrus.Fields{"completed": p.Completed, "total": p.Total}).Info("job run resuming")
	}

	deadline := s.clock().Add(s.cfg.ChunkBudget)
	for {
		cancelled, err := s.consumeCancel(ctx, key)
		if err != nil {
			return err
		}
		if cancelled {
			log.Info("job run cancelled at chunk boundary")
			return nil
		}

		// Losing the lock means another invocation took over; abort
		// without committing further writes.
		if err := s.locks.Extend(ctx, key, token, s.cfg.LockTTL); err != nil {
			return err
		}

		res, err := e.runner.RunChunk(ctx, p.Cursor, s.cfg.ChunkRows)
		if err != nil {
			telemetry.JobRuns.WithLabelValues(key, "error").Inc()
			return fmt.Errorf("job %s chunk at cursor %q: %w", key, p.Cursor, err)
		}
		telemetry.ChunksProcessed.Inc()
		telemetry.RowsProcessed.Add(float64(res.Processed))

		p.Completed += res.Processed
		if p.Completed > p.Total {
			p.Completed = p.Total
		}
		p.Cursor = res.NextCursor

		if res.Done {
			if err := s.progress.Clear(ctx, key); err != nil {
				return err
			}
			if err := s.setLastRun(ctx, key, s.clock()); err != nil {
				return err
			}
			telemetry.JobRuns.WithLabelValues(key, "completed").Inc()
			log.WithField("completed", p.Completed).Info("job run finished")
			return nil
		}

		if err := s.progress.Save(ctx, key, p); err != nil {
			return err
		}

		if s.clock().After(deadline) {
			finalStatus = models.JobQueued
			telemetry.JobRuns.WithLabelValues(key, "checkpointed").Inc()
			log.WithFields(logrus.Fields{"completed": p.Completed, "total": p.Total}).Info("chunk budget reached, queued for next invocation")
			return nil
		}
	}
}

func (s *Scheduler) setStatus(e *jobEntry, status string) {
	s.mu.Lock()
	e.status = status
	s.mu.Unlock()
}

func (s *Scheduler) consumeCancel(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, cancelKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel flag %s: %w", key, err)
	}
	return n > 0, nil
}

func cancelKey(key string) string {
	return "job:cancel:" + key
}
