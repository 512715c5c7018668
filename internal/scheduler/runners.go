package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
)

// RawSource reads raw event rows in natural-id order.
type RawSource interface {
	CountRaw(ctx context.Context, logical string, from, to *time.Time) (int64, error)
	ReadRaw(ctx context.Context, logical, cursor string, limit int, from, to *time.Time) ([]records.Normalized, string, error)
}

// AggregateSink folds normalized records into the summary table.
type AggregateSink interface {
	UpsertAggregate(ctx context.Context, recs []records.Normalized) (int64, error)
}

// RawPruner deletes aged raw rows in bounded batches.
type RawPruner interface {
	CountRaw(ctx context.Context, logical string, from, to *time.Time) (int64, error)
	DeleteRawBefore(ctx context.Context, logical string, cutoff time.Time, limit int) (int64, error)
}

// Archiver creates the safety-net backup taken before aged data is pruned.
type Archiver interface {
	CreateArchive(ctx context.Context, cutoff time.Time) (models.Backup, error)
}

// Sweeper removes one category of expired state (sessions, artifacts).
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int64, error)
}

// SummaryRunner folds raw visit and page events into daily summary rows.
// The cursor is "<table>|<natural id>"; tables are processed in order.
type SummaryRunner struct {
	src    RawSource
	sink   AggregateSink
	tables []string
}

func NewSummaryRunner(src RawSource, sink AggregateSink) *SummaryRunner {
	return &SummaryRunner{src: src, sink: sink, tables: []string{records.TableVisits, records.TablePages}}
}

func (r *SummaryRunner) Total(ctx context.Context) (int64, error) {
	var total int64
	for _, tbl := range r.tables {
		n, err := r.src.CountRaw(ctx, tbl, nil, nil)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (r *SummaryRunner) RunChunk(ctx context.Context, cursor string, limit int) (ChunkResult, error) {
	tblIdx, after := r.decodeCursor(cursor)

	for tblIdx < len(r.tables) {
		tbl := r.tables[tblIdx]
		recs, next, err := r.src.ReadRaw(ctx, tbl, after, limit, nil, nil)
		if err != nil {
			return ChunkResult{}, err
		}
		if len(recs) == 0 {
			tblIdx++
			after = ""
			continue
		}
		if _, err := r.sink.UpsertAggregate(ctx, summarize(tbl, recs)); err != nil {
			return ChunkResult{}, err
		}
		return ChunkResult{
			Processed:  int64(len(recs)),
			NextCursor: r.tables[tblIdx] + "|" + next,
			Done:       false,
		}, nil
	}
	return ChunkResult{Done: true}, nil
}

func (r *SummaryRunner) decodeCursor(cursor string) (int, string) {
	if cursor == "" {
		return 0, ""
	}
	parts := strings.SplitN(cursor, "|", 2)
	for i, tbl := range r.tables {
		if tbl == parts[0] {
			if len(parts) == 2 {
				return i, parts[1]
			}
			return i, ""
		}
	}
	return 0, ""
}

func summarize(logical string, recs []records.Normalized) []records.Normalized {
	out := make([]records.Normalized, 0, len(recs))
	for _, rec := range recs {
		sum := records.Normalized{
			Table:      records.TableSummary,
			RecordedAt: rec.RecordedAt,
		}
		switch logical {
		case records.TableVisits:
			sum.Fields = map[string]string{"dimension": ""}
			sum.Metrics = map[string]int64{"visits": 1}
		case records.TablePages:
			sum.Fields = map[string]string{"dimension": rec.Fields["uri"]}
			sum.Metrics = map[string]int64{"pageviews": 1}
		default:
			continue
		}
		out = append(out, sum)
	}
	return out
}

// PruneRunner deletes raw events older than the retention cutoff. Before the
// first deletion it takes an archive backup; a backup failure aborts the
// whole run so aged data is never dropped without a safety net.
type PruneRunner struct {
	pruner        RawPruner
	archiver      Archiver
	retentionDays int
	clock         func() time.Time
}

func NewPruneRunner(pruner RawPruner, archiver Archiver, retentionDays int) *PruneRunner {
	return &PruneRunner{pruner: pruner, archiver: archiver, retentionDays: retentionDays, clock: time.Now}
}

func (r *PruneRunner) cutoff() time.Time {
	return r.clock().UTC().AddDate(0, 0, -r.retentionDays)
}

func (r *PruneRunner) Total(ctx context.Context) (int64, error) {
	cutoff := r.cutoff()
	var total int64
	for _, tbl := range records.RawTables {
		n, err := r.pruner.CountRaw(ctx, tbl, nil, &cutoff)
		if err != nil {
			return 0, err
		}
		total += n
	}
	// One extra unit for the archive backup step.
	return total + 1, nil
}

func (r *PruneRunner) RunChunk(ctx context.Context, cursor string, limit int) (ChunkResult, error) {
	cutoff := r.cutoff()

	if cursor == "" {
		if _, err := r.archiver.CreateArchive(ctx, cutoff); err != nil {
			return ChunkResult{}, fmt.Errorf("archive backup before prune: %w", err)
		}
		return ChunkResult{Processed: 1, NextCursor: "table:0"}, nil
	}

	idx, err := strconv.Atoi(strings.TrimPrefix(cursor, "table:"))
	if err != nil || idx < 0 || idx >= len(records.RawTables) {
		return ChunkResult{}, fmt.Errorf("bad prune cursor %q", cursor)
	}

	for idx < len(records.RawTables) {
		deleted, err := r.pruner.DeleteRawBefore(ctx, records.RawTables[idx], cutoff, limit)
		if err != nil {
			return ChunkResult{}, err
		}
		if deleted > 0 {
			return ChunkResult{Processed: deleted, NextCursor: fmt.Sprintf("table:%d", idx)}, nil
		}
		idx++
	}
	return ChunkResult{Done: true}, nil
}

// CleanupRunner runs each registered sweeper once per invocation chunk.
type CleanupRunner struct {
	sweepers []Sweeper
}

func NewCleanupRunner(sweepers ...Sweeper) *CleanupRunner {
	return &CleanupRunner{sweepers: sweepers}
}

func (r *CleanupRunner) Total(context.Context) (int64, error) {
	return int64(len(r.sweepers)), nil
}

func (r *CleanupRunner) RunChunk(ctx context.Context, cursor string, _ int) (ChunkResult, error) {
	idx := 0
	if cursor != "" {
		i, err := strconv.Atoi(cursor)
		if err != nil {
			return ChunkResult{}, fmt.Errorf("bad cleanup cursor %q", cursor)
		}
		idx = i
	}
	if idx >= len(r.sweepers) {
		return ChunkResult{Done: true}, nil
	}
	if _, err := r.sweepers[idx].Sweep(ctx); err != nil {
		return ChunkResult{}, fmt.Errorf("sweep %s: %w", r.sweepers[idx].Name(), err)
	}
	if idx+1 >= len(r.sweepers) {
		return ChunkResult{Processed: 1, Done: true}, nil
	}
	return ChunkResult{Processed: 1, NextCursor: strconv.Itoa(idx + 1)}, nil
}
