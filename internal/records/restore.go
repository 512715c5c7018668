package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RestoreStage loads backup rows into shadow tables and swaps them in with
// a single transactional rename, so readers never observe a half-restored
// state. Verification happens before Begin; nothing here touches the live
// tables until Commit.
type RestoreStage struct {
	store *Store
	done  bool
}

const shadowSuffix = "_restore"

// NewRestoreStage creates empty shadow copies of every backed-up table.
func (s *Store) NewRestoreStage(ctx context.Context) (*RestoreStage, error) {
	for _, logical := range AllTables {
		tbl := physicalTable(logical)
		shadow := tbl + shadowSuffix
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, shadow)); err != nil {
			return nil, fmt.Errorf("drop stale shadow %s: %w", shadow, err)
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s (LIKE %s INCLUDING ALL)`, shadow, tbl)); err != nil {
			return nil, fmt.Errorf("create shadow %s: %w", shadow, err)
		}
	}
	return &RestoreStage{store: s}, nil
}

// Stage inserts a batch of records into the shadow tables.
func (r *RestoreStage) Stage(ctx context.Context, recs []Normalized) error {
	for _, rec := range recs {
		switch {
		case IsRawTable(rec.Table):
			data, err := json.Marshal(rec.Fields)
			if err != nil {
				return fmt.Errorf("marshal fields: %w", err)
			}
			_, err = r.store.pool.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s (natural_id, recorded_at, data) VALUES ($1, $2, $3)
				ON CONFLICT (natural_id) DO NOTHING
			`, physicalTable(rec.Table)+shadowSuffix), rec.NaturalID, rec.RecordedAt, data)
			if err != nil {
				return fmt.Errorf("stage %s row: %w", rec.Table, err)
			}
		case rec.Table == TableSummary:
			day := rec.RecordedAt.UTC().Truncate(24 * time.Hour)
			for metric, value := range rec.Metrics {
				_, err := r.store.pool.Exec(ctx, fmt.Sprintf(`
					INSERT INTO %s (summary_date, metric, dimension, value) VALUES ($1, $2, $3, $4)
					ON CONFLICT (summary_date, metric, dimension) DO UPDATE SET value = EXCLUDED.value
				`, physicalTable(TableSummary)+shadowSuffix), day, metric, rec.Fields["dimension"], value)
				if err != nil {
					return fmt.Errorf("stage summary row: %w", err)
				}
			}
		default:
			return fmt.Errorf("stage: unknown table %q", rec.Table)
		}
	}
	return nil
}

// Commit atomically replaces the live tables with the staged shadows.
func (r *RestoreStage) Commit(ctx context.Context) error {
	tx, err := r.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin swap tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, logical := range AllTables {
		tbl := physicalTable(logical)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE %s`, tbl)); err != nil {
			return fmt.Errorf("drop live %s: %w", tbl, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s%s RENAME TO %s`, tbl, shadowSuffix, tbl)); err != nil {
			return fmt.Errorf("rename shadow into %s: %w", tbl, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	r.done = true
	return nil
}

// Abort drops the shadow tables, leaving live tables untouched. Calling
// Abort after Commit is a no-op.
func (r *RestoreStage) Abort(ctx context.Context) error {
	if r.done {
		return nil
	}
	for _, logical := range AllTables {
		shadow := physicalTable(logical) + shadowSuffix
		if _, err := r.store.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, shadow)); err != nil {
			return fmt.Errorf("drop shadow %s: %w", shadow, err)
		}
	}
	return nil
}
