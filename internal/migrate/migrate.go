// Package migrate moves rows from the legacy schema into the current one
// under a caller-selected strategy. Row migration runs through the job
// scheduler's chunked-run procedure so it is resumable and lock-guarded
// like any other background job.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/progress"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
	"github.com/wp-statistics/wp-statistics-sub008/internal/scheduler"
)

// JobKey is the scheduler catalog entry that executes row migration.
const JobKey = "legacy_migration"

// Migration states.
const (
	StateNotStarted   = "not_started"
	StateComputing    = "computing_stats"
	StateAwaiting     = "awaiting_confirmation"
	StateMigrating    = "migrating"
	StateArchivingOld = "archiving_old"
	StateCompleted    = "completed"
	StateFailed       = "failed"
)

// Strategies.
const (
	StrategyAll       = "all"
	StrategySelective = "selective"
	StrategyFresh     = "fresh"
)

const (
	stateKey  = "migration:state"
	ledgerKey = "migration:migrated"
)

// LegacySource reads the legacy tables.
type LegacySource interface {
	CountLegacy(ctx context.Context, logical string, since *time.Time) (int64, error)
	ReadLegacy(ctx context.Context, logical, cursor string, limit int, since *time.Time) ([]records.Normalized, string, error)
	LegacyTableExists(ctx context.Context, logical string) (bool, error)
}

// TargetStore writes into the current schema.
type TargetStore interface {
	InsertRaw(ctx context.Context, recs []records.Normalized) (int64, error)
	ProvisionSchema(ctx context.Context) error
}

// LegacyArchiver snapshots legacy tables before a fresh start discards them.
type LegacyArchiver interface {
	ArchiveLegacy(ctx context.Context, tables []string) (models.Backup, error)
}

// JobTrigger starts the migration job through the scheduler.
type JobTrigger interface {
	RunNow(ctx context.Context, key string) (string, error)
}

// TableResult reports one table's outcome. Migration is non-atomic across
// tables: tables that finished stay migrated when a later table fails.
type TableResult struct {
	Status   string `json:"status"` // succeeded | failed | pending
	Migrated int64  `json:"migrated"`
	Message  string `json:"message,omitempty"`
}

// State is the persisted migration state machine.
type State struct {
	Status    string                 `json:"status"`
	Strategy  string                 `json:"strategy,omitempty"`
	Tables    []string               `json:"tables,omitempty"`
	Days      int                    `json:"days,omitempty"`
	Since     *time.Time             `json:"since,omitempty"`
	Stats     map[string]int64       `json:"stats,omitempty"`
	Results   map[string]TableResult `json:"results,omitempty"`
	Message   string                 `json:"message,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`

	// Progress is attached on read for in-flight row migration, never stored.
	Progress *models.Progress `json:"progress,omitempty"`
}

// StartRequest selects the migration strategy.
type StartRequest struct {
	Strategy string   `json:"strategy"`
	Tables   []string `json:"tables,omitempty"`
	Days     int      `json:"days,omitempty"`
	Confirm  bool     `json:"confirm,omitempty"`
}

// Manager owns the migration state machine.
type Manager struct {
	client   *redis.Client
	progress *progress.Store
	source   LegacySource
	target   TargetStore
	archiver LegacyArchiver
	trigger  JobTrigger
	logger   logrus.FieldLogger
	clock    func() time.Time
}

func NewManager(client *redis.Client, prog *progress.Store, source LegacySource, target TargetStore, archiver LegacyArchiver, logger logrus.FieldLogger) *Manager {
	return &Manager{
		client:   client,
		progress: prog,
		source:   source,
		target:   target,
		archiver: archiver,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetTrigger wires the scheduler in after both sides are constructed.
func (m *Manager) SetTrigger(t JobTrigger) { m.trigger = t }

// ComputeStats counts legacy rows per logical table and moves the state
// machine to awaiting_confirmation. Missing legacy tables count as zero.
func (m *Manager) ComputeStats(ctx context.Context) (State, error) {
	st, err := m.loadState(ctx)
	if err != nil {
		return State{}, err
	}
	if st.Status == StateMigrating || st.Status == StateArchivingOld {
		return State{}, fault.Conflict("migration already in progress")
	}

	st.Status = StateComputing
	if err := m.saveState(ctx, st); err != nil {
		return State{}, err
	}

	stats := make(map[string]int64, len(records.RawTables))
	for _, table := range records.RawTables {
		exists, err := m.source.LegacyTableExists(ctx, table)
		if err != nil {
			return State{}, err
		}
		if !exists {
			stats[table] = 0
			continue
		}
		n, err := m.source.CountLegacy(ctx, table, nil)
		if err != nil {
			return State{}, err
		}
		stats[table] = n
	}

	st.Stats = stats
	st.Status = StateAwaiting
	if err := m.saveState(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Start validates the request, persists the migration plan, and either
// performs the fresh-start archive synchronously or hands row migration to
// the scheduler.
func (m *Manager) Start(ctx context.Context, req StartRequest) (State, error) {
	st, err := m.loadState(ctx)
	if err != nil {
		return State{}, err
	}
	if st.Status == StateMigrating || st.Status == StateArchivingOld {
		return State{}, fault.Conflict("migration already in progress")
	}

	tables, since, err := m.plan(req)
	if err != nil {
		return State{}, err
	}

	st = State{
		Strategy: req.Strategy,
		Tables:   tables,
		Days:     req.Days,
		Since:    since,
		Stats:    st.Stats,
		Results:  make(map[string]TableResult, len(tables)),
	}
	for _, table := range tables {
		st.Results[table] = TableResult{Status: "pending"}
	}

	if req.Strategy == StrategyFresh {
		return m.freshStart(ctx, st)
	}

	// A new plan replaces any ledger left by a previous migration.
	if err := m.client.Del(ctx, ledgerKey).Err(); err != nil {
		return State{}, fmt.Errorf("reset migration ledger: %w", err)
	}
	if err := m.progress.Clear(ctx, JobKey); err != nil {
		return State{}, err
	}

	st.Status = StateMigrating
	if err := m.saveState(ctx, st); err != nil {
		return State{}, err
	}

	outcome, err := m.trigger.RunNow(ctx, JobKey)
	if err != nil {
		return State{}, err
	}
	if outcome == scheduler.RunBusy {
		return State{}, fault.Conflict("migration job already running")
	}
	return m.Status(ctx)
}

func (m *Manager) plan(req StartRequest) ([]string, *time.Time, error) {
	switch req.Strategy {
	case StrategyAll:
		return append([]string{}, records.RawTables...), nil, nil
	case StrategySelective:
		if len(req.Tables) == 0 {
			return nil, nil, fault.Validation("selective migration requires at least one table")
		}
		for _, table := range req.Tables {
			if !records.IsRawTable(table) {
				return nil, nil, fault.Validation("unknown table %q", table)
			}
		}
		var since *time.Time
		if req.Days > 0 {
			t := m.clock().UTC().Add(-time.Duration(req.Days) * 24 * time.Hour)
			since = &t
		}
		return append([]string{}, req.Tables...), since, nil
	case StrategyFresh:
		if !req.Confirm {
			return nil, nil, fault.Validation("fresh start requires explicit confirmation")
		}
		return append([]string{}, records.RawTables...), nil, nil
	default:
		return nil, nil, fault.Validation("unknown migration strategy %q", req.Strategy)
	}
}

// freshStart archives the legacy tables, then provisions empty
// current-schema tables. No rows are migrated.
func (m *Manager) freshStart(ctx context.Context, st State) (State, error) {
	st.Status = StateArchivingOld
	if err := m.saveState(ctx, st); err != nil {
		return State{}, err
	}

	var present []string
	for _, table := range st.Tables {
		exists, err := m.source.LegacyTableExists(ctx, table)
		if err != nil {
			return m.fail(ctx, st, err)
		}
		if exists {
			present = append(present, table)
		}
	}
	if len(present) > 0 {
		bk, err := m.archiver.ArchiveLegacy(ctx, present)
		if err != nil {
			return m.fail(ctx, st, fmt.Errorf("archive legacy tables: %w", err))
		}
		m.logger.WithField("backup", bk.Name).Info("legacy tables archived")
	}
	if err := m.target.ProvisionSchema(ctx); err != nil {
		return m.fail(ctx, st, fmt.Errorf("provision schema: %w", err))
	}

	for _, table := range st.Tables {
		st.Results[table] = TableResult{Status: "succeeded"}
	}
	st.Status = StateCompleted
	if err := m.saveState(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (m *Manager) fail(ctx context.Context, st State, cause error) (State, error) {
	st.Status = StateFailed
	st.Message = cause.Error()
	if err := m.saveState(ctx, st); err != nil {
		m.logger.WithError(err).Error("persist failed migration state")
	}
	return State{}, cause
}

// Status returns the persisted state with live row-migration progress
// attached while the job is running.
func (m *Manager) Status(ctx context.Context) (State, error) {
	st, err := m.loadState(ctx)
	if err != nil {
		return State{}, err
	}
	if st.Status == StateMigrating {
		if p, ok, err := m.progress.Load(ctx, JobKey); err == nil && ok {
			cp := p
			st.Progress = &cp
		}
	}
	return st, nil
}

func (m *Manager) loadState(ctx context.Context) (State, error) {
	raw, err := m.client.Get(ctx, stateKey).Result()
	if err == redis.Nil {
		return State{Status: StateNotStarted}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load migration state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("decode migration state: %w", err)
	}
	return st, nil
}

func (m *Manager) saveState(ctx context.Context, st State) error {
	st.UpdatedAt = m.clock().UTC()
	st.Progress = nil
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode migration state: %w", err)
	}
	if err := m.client.Set(ctx, stateKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("save migration state: %w", err)
	}
	return nil
}

func (m *Manager) isMigrated(ctx context.Context, table string) (bool, error) {
	ok, err := m.client.SIsMember(ctx, ledgerKey, table).Result()
	if err != nil {
		return false, fmt.Errorf("read migration ledger: %w", err)
	}
	return ok, nil
}

func (m *Manager) markMigrated(ctx context.Context, table string) error {
	if err := m.client.SAdd(ctx, ledgerKey, table).Err(); err != nil {
		return fmt.Errorf("update migration ledger: %w", err)
	}
	return nil
}

// Runner adapts the migration plan to the scheduler's chunk contract.
func (m *Manager) Runner() scheduler.Runner { return &runner{m: m} }

type runner struct {
	m *Manager
}

// Total sums legacy row counts over the planned tables, skipping tables the
// ledger already marks as migrated.
func (r *runner) Total(ctx context.Context) (int64, error) {
	st, err := r.m.loadState(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, table := range st.Tables {
		done, err := r.m.isMigrated(ctx, table)
		if err != nil {
			return 0, err
		}
		if done {
			continue
		}
		exists, err := r.m.source.LegacyTableExists(ctx, table)
		if err != nil {
			return 0, err
		}
		if !exists {
			continue
		}
		n, err := r.m.source.CountLegacy(ctx, table, st.Since)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// RunChunk migrates up to limit legacy rows. The cursor is
// "<table>|<natural id>"; an empty cursor starts at the first planned table.
// Inserts key on natural id with conflict-ignore, so replaying a chunk after
// a crash before checkpoint is harmless.
func (r *runner) RunChunk(ctx context.Context, cursor string, limit int) (scheduler.ChunkResult, error) {
	st, err := r.m.loadState(ctx)
	if err != nil {
		return scheduler.ChunkResult{}, err
	}
	if len(st.Tables) == 0 {
		return scheduler.ChunkResult{Done: true}, nil
	}
	if st.Status == StateFailed {
		// A retried run resumes the failed table from its checkpoint.
		st.Status = StateMigrating
		st.Message = ""
	}

	table, rowCursor := st.Tables[0], ""
	if cursor != "" {
		parts := strings.SplitN(cursor, "|", 2)
		if len(parts) != 2 {
			return scheduler.ChunkResult{}, fault.Validation("bad migration cursor %q", cursor)
		}
		table, rowCursor = parts[0], parts[1]
	}

	idx := tableIndex(st.Tables, table)
	if idx < 0 {
		return scheduler.ChunkResult{}, fault.Validation("cursor references table %q outside the migration plan", table)
	}

	// Skip tables the ledger already marks migrated and tables with no
	// legacy data.
	for idx < len(st.Tables) {
		table = st.Tables[idx]
		done, err := r.m.isMigrated(ctx, table)
		if err != nil {
			return scheduler.ChunkResult{}, err
		}
		if done {
			idx, rowCursor = idx+1, ""
			continue
		}
		exists, err := r.m.source.LegacyTableExists(ctx, table)
		if err != nil {
			return scheduler.ChunkResult{}, err
		}
		if !exists {
			if err := r.finishTable(ctx, &st, table, 0); err != nil {
				return scheduler.ChunkResult{}, err
			}
			idx, rowCursor = idx+1, ""
			continue
		}
		break
	}
	if idx >= len(st.Tables) {
		return scheduler.ChunkResult{Done: true}, r.complete(ctx, st)
	}

	recs, next, err := r.m.source.ReadLegacy(ctx, table, rowCursor, limit, st.Since)
	if err != nil {
		return scheduler.ChunkResult{}, r.failTable(ctx, st, table, err)
	}
	if len(recs) > 0 {
		if _, err := r.m.target.InsertRaw(ctx, recs); err != nil {
			return scheduler.ChunkResult{}, r.failTable(ctx, st, table, err)
		}
	}

	res := scheduler.ChunkResult{Processed: int64(len(recs))}
	if len(recs) < limit {
		if err := r.finishTable(ctx, &st, table, int64(len(recs))); err != nil {
			return scheduler.ChunkResult{}, err
		}
		if idx+1 >= len(st.Tables) {
			res.Done = true
			return res, r.complete(ctx, st)
		}
		res.NextCursor = st.Tables[idx+1] + "|"
		return res, nil
	}

	r.accumulate(ctx, &st, table, int64(len(recs)))
	res.NextCursor = table + "|" + next
	return res, nil
}

func (r *runner) accumulate(ctx context.Context, st *State, table string, n int64) {
	tr := st.Results[table]
	tr.Migrated += n
	if tr.Status == "" {
		tr.Status = "pending"
	}
	st.Results[table] = tr
	if err := r.m.saveState(ctx, *st); err != nil {
		r.m.logger.WithError(err).Warn("persist per-table migration progress")
	}
}

func (r *runner) finishTable(ctx context.Context, st *State, table string, n int64) error {
	tr := st.Results[table]
	tr.Migrated += n
	tr.Status = "succeeded"
	st.Results[table] = tr
	if err := r.m.markMigrated(ctx, table); err != nil {
		return err
	}
	return r.m.saveState(ctx, *st)
}

// failTable records the table failure, marks the whole migration failed,
// and surfaces the chunk error. Already-migrated tables keep their rows;
// retrying resumes this table from the last checkpoint.
func (r *runner) failTable(ctx context.Context, st State, table string, cause error) error {
	tr := st.Results[table]
	tr.Status = "failed"
	tr.Message = cause.Error()
	st.Results[table] = tr
	st.Status = StateFailed
	st.Message = fmt.Sprintf("table %s: %v", table, cause)
	if err := r.m.saveState(ctx, st); err != nil {
		r.m.logger.WithError(err).Error("persist failed migration state")
	}
	return fmt.Errorf("migrate table %s: %w", table, cause)
}

func (r *runner) complete(ctx context.Context, st State) error {
	st.Status = StateCompleted
	return r.m.saveState(ctx, st)
}

func tableIndex(tables []string, table string) int {
	for i, t := range tables {
		if t == table {
			return i
		}
	}
	return -1
}
