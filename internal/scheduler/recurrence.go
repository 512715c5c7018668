package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
)

func lastRunKey(key string) string {
	return "job:lastrun:" + key
}

func (s *Scheduler) setLastRun(ctx context.Context, key string, at time.Time) error {
	if err := s.client.Set(ctx, lastRunKey(key), strconv.FormatInt(at.UTC().Unix(), 10), 0).Err(); err != nil {
		return fmt.Errorf("record last run %s: %w", key, err)
	}
	return nil
}

func (s *Scheduler) lastRun(ctx context.Context, key string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, lastRunKey(key)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last run %s: %w", key, err)
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// nextRun computes when the job is next due. nil means manual-only.
func (s *Scheduler) nextRun(ctx context.Context, job models.Job) (*time.Time, error) {
	if job.Recurrence == models.RecurrenceNone {
		return nil, nil
	}
	last, ok, err := s.lastRun(ctx, job.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Never ran: due now.
		now := s.clock().UTC()
		return &now, nil
	}
	var next time.Time
	switch job.Recurrence {
	case models.RecurrenceDaily:
		next = last.Add(24 * time.Hour)
	case models.RecurrenceWeekly:
		next = last.Add(7 * 24 * time.Hour)
	case models.RecurrenceMonthly:
		next = last.AddDate(0, 1, 0)
	default:
		return nil, nil
	}
	return &next, nil
}

// isDue reports whether a tick should run the job: either a checkpoint is
// pending resumption or the recurrence interval has elapsed.
func (s *Scheduler) isDue(ctx context.Context, e *jobEntry) (bool, error) {
	if _, ok, err := s.progress.Load(ctx, e.job.Key); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	next, err := s.nextRun(ctx, e.job)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	return !s.clock().Before(*next), nil
}
