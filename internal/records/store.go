package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertRaw writes records into their raw event tables, skipping natural ids
// that already exist. Re-running a chunk after a crash is therefore safe.
// It returns the number of rows actually inserted.
func (s *Store) InsertRaw(ctx context.Context, recs []Normalized) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var inserted int64
	for _, rec := range recs {
		if !IsRawTable(rec.Table) {
			return 0, fault.Validation("table %q is not a raw event table", rec.Table)
		}
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, fmt.Errorf("marshal fields: %w", err)
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (natural_id, recorded_at, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (natural_id) DO NOTHING
		`, physicalTable(rec.Table)), rec.NaturalID, rec.RecordedAt, data)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", rec.Table, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// UpsertAggregate folds metric values into the summary table additively.
func (s *Store) UpsertAggregate(ctx context.Context, recs []Normalized) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var written int64
	for _, rec := range recs {
		day := rec.RecordedAt.UTC().Truncate(24 * time.Hour)
		dimension := rec.Fields["dimension"]
		for metric, value := range rec.Metrics {
			_, err := tx.Exec(ctx, `
				INSERT INTO stats_summary (summary_date, metric, dimension, value)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (summary_date, metric, dimension)
				DO UPDATE SET value = stats_summary.value + EXCLUDED.value
			`, day, metric, dimension, value)
			if err != nil {
				return 0, fmt.Errorf("upsert summary %s: %w", metric, err)
			}
			written++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

// CountRaw counts rows in a raw table, optionally bounded by recorded_at.
func (s *Store) CountRaw(ctx context.Context, logical string, from, to *time.Time) (int64, error) {
	if !IsRawTable(logical) {
		return 0, fault.Validation("table %q is not a raw event table", logical)
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ($1::timestamptz IS NULL OR recorded_at >= $1) AND ($2::timestamptz IS NULL OR recorded_at <= $2)`, physicalTable(logical))
	var n int64
	if err := s.pool.QueryRow(ctx, q, from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", logical, err)
	}
	return n, nil
}

// ReadRaw returns up to limit rows ordered by natural id, strictly after
// cursor. The returned cursor is the last natural id, for resumption.
func (s *Store) ReadRaw(ctx context.Context, logical, cursor string, limit int, from, to *time.Time) ([]Normalized, string, error) {
	if !IsRawTable(logical) {
		return nil, "", fault.Validation("table %q is not a raw event table", logical)
	}
	q := fmt.Sprintf(`
		SELECT natural_id, recorded_at, data FROM %s
		WHERE natural_id > $1
		  AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		  AND ($3::timestamptz IS NULL OR recorded_at <= $3)
		ORDER BY natural_id
		LIMIT $4
	`, physicalTable(logical))
	rows, err := s.pool.Query(ctx, q, cursor, from, to, limit)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", logical, err)
	}
	defer rows.Close()

	recs, next, err := scanRaw(rows, logical, cursor)
	if err != nil {
		return nil, "", err
	}
	return recs, next, nil
}

// ReadSummary returns summary rows after cursor, serialized as Normalized
// records so backups and exports share one shape.
func (s *Store) ReadSummary(ctx context.Context, cursor string, limit int) ([]Normalized, string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT summary_date, metric, dimension, value FROM stats_summary
		WHERE summary_date::text || ':' || metric || ':' || dimension > $1
		ORDER BY summary_date::text || ':' || metric || ':' || dimension
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("read summary: %w", err)
	}
	defer rows.Close()

	next := cursor
	var recs []Normalized
	for rows.Next() {
		var day time.Time
		var metric, dimension string
		var value int64
		if err := rows.Scan(&day, &metric, &dimension, &value); err != nil {
			return nil, "", fmt.Errorf("scan summary: %w", err)
		}
		recs = append(recs, Normalized{
			Table:      TableSummary,
			RecordedAt: day,
			Fields:     map[string]string{"dimension": dimension},
			Metrics:    map[string]int64{metric: value},
		})
		next = day.Format("2006-01-02") + ":" + metric + ":" + dimension
	}
	return recs, next, rows.Err()
}

// CountLegacy counts rows in a legacy-schema table, optionally since a
// timestamp (selective migration window).
func (s *Store) CountLegacy(ctx context.Context, logical string, since *time.Time) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ($1::timestamptz IS NULL OR recorded_at >= $1)`, legacyTable(logical))
	var n int64
	if err := s.pool.QueryRow(ctx, q, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count legacy %s: %w", logical, err)
	}
	return n, nil
}

// ReadLegacy reads legacy rows after cursor. Rows outside the since window
// are never returned and are left untouched in the legacy tables.
func (s *Store) ReadLegacy(ctx context.Context, logical, cursor string, limit int, since *time.Time) ([]Normalized, string, error) {
	q := fmt.Sprintf(`
		SELECT natural_id, recorded_at, data FROM %s
		WHERE natural_id > $1 AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		ORDER BY natural_id
		LIMIT $3
	`, legacyTable(logical))
	rows, err := s.pool.Query(ctx, q, cursor, since, limit)
	if err != nil {
		return nil, "", fmt.Errorf("read legacy %s: %w", logical, err)
	}
	defer rows.Close()
	return scanRaw(rows, logical, cursor)
}

// LegacyTableExists reports whether the legacy table for logical is present.
func (s *Store) LegacyTableExists(ctx context.Context, logical string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = $1)`, legacyTable(logical)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check legacy table %s: %w", logical, err)
	}
	return ok, nil
}

// DeleteRawBefore removes up to limit rows older than cutoff from a raw
// table. Used by the retention job after its archive backup succeeds.
func (s *Store) DeleteRawBefore(ctx context.Context, logical string, cutoff time.Time, limit int) (int64, error) {
	if !IsRawTable(logical) {
		return 0, fault.Validation("table %q is not a raw event table", logical)
	}
	tbl := physicalTable(logical)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE natural_id IN (
			SELECT natural_id FROM %s WHERE recorded_at < $1 ORDER BY natural_id LIMIT $2
		)
	`, tbl, tbl), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", logical, err)
	}
	return tag.RowsAffected(), nil
}

// MetaGet reads a value from the stats_meta key/value table.
func (s *Store) MetaGet(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM stats_meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fault.NotFound("meta key %q", key)
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

// MetaSet writes a value into stats_meta.
func (s *Store) MetaSet(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stats_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// UnloggedTables returns current-schema tables created UNLOGGED. Such tables
// lose their contents on crash recovery and fail the table engine check.
func (s *Store) UnloggedTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT relname FROM pg_class
		WHERE relpersistence = 'u' AND relname LIKE 'stats_%'
		ORDER BY relname
	`)
	if err != nil {
		return nil, fmt.Errorf("list unlogged tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// SetLogged converts an unlogged table to a durable one.
func (s *Store) SetLogged(ctx context.Context, physical string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s SET LOGGED`, physical)); err != nil {
		return fmt.Errorf("set logged %s: %w", physical, err)
	}
	return nil
}

func scanRaw(rows pgx.Rows, logical, cursor string) ([]Normalized, string, error) {
	next := cursor
	var recs []Normalized
	for rows.Next() {
		var rec Normalized
		var data []byte
		if err := rows.Scan(&rec.NaturalID, &rec.RecordedAt, &data); err != nil {
			return nil, "", fmt.Errorf("scan %s row: %w", logical, err)
		}
		rec.Table = logical
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.Fields); err != nil {
				return nil, "", fmt.Errorf("unmarshal %s row %s: %w", logical, rec.NaturalID, err)
			}
		}
		recs = append(recs, rec)
		next = rec.NaturalID
	}
	return recs, next, rows.Err()
}
