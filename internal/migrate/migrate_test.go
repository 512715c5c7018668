package migrate

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/lock"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/progress"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
	"github.com/wp-statistics/wp-statistics-sub008/internal/scheduler"
)

type memLegacy struct {
	tables    map[string][]records.Normalized
	readCalls map[string]int
}

func newMemLegacy() *memLegacy {
	return &memLegacy{
		tables:    map[string][]records.Normalized{},
		readCalls: map[string]int{},
	}
}

func (s *memLegacy) add(table, id string, at time.Time) {
	s.tables[table] = append(s.tables[table], records.Normalized{
		Table:      table,
		NaturalID:  id,
		RecordedAt: at,
		Fields:     map[string]string{"uri": "/" + id},
	})
	sort.Slice(s.tables[table], func(i, j int) bool {
		return s.tables[table][i].NaturalID < s.tables[table][j].NaturalID
	})
}

func (s *memLegacy) window(table string, since *time.Time) []records.Normalized {
	var out []records.Normalized
	for _, rec := range s.tables[table] {
		if since != nil && rec.RecordedAt.Before(*since) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *memLegacy) CountLegacy(_ context.Context, logical string, since *time.Time) (int64, error) {
	return int64(len(s.window(logical, since))), nil
}

func (s *memLegacy) ReadLegacy(_ context.Context, logical, cursor string, limit int, since *time.Time) ([]records.Normalized, string, error) {
	s.readCalls[logical]++
	var out []records.Normalized
	for _, rec := range s.window(logical, since) {
		if rec.NaturalID > cursor {
			out = append(out, rec)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].NaturalID
	}
	return out, next, nil
}

func (s *memLegacy) LegacyTableExists(_ context.Context, logical string) (bool, error) {
	_, ok := s.tables[logical]
	return ok, nil
}

type memTarget struct {
	rows        map[string]records.Normalized // keyed table+natural id
	failTable   string
	provisioned bool
}

func newMemTarget() *memTarget {
	return &memTarget{rows: map[string]records.Normalized{}}
}

func (t *memTarget) InsertRaw(_ context.Context, recs []records.Normalized) (int64, error) {
	var n int64
	for _, rec := range recs {
		if rec.Table == t.failTable {
			return n, fmt.Errorf("insert into %s refused", rec.Table)
		}
		key := rec.Table + "/" + rec.NaturalID
		if _, ok := t.rows[key]; ok {
			continue
		}
		t.rows[key] = rec
		n++
	}
	return n, nil
}

func (t *memTarget) ProvisionSchema(context.Context) error {
	t.provisioned = true
	return nil
}

func (t *memTarget) countTable(table string) int {
	n := 0
	for _, rec := range t.rows {
		if rec.Table == table {
			n++
		}
	}
	return n
}

type fakeArchiver struct {
	archived []string
	err      error
}

func (a *fakeArchiver) ArchiveLegacy(_ context.Context, tables []string) (models.Backup, error) {
	if a.err != nil {
		return models.Backup{}, a.err
	}
	a.archived = append(a.archived, tables...)
	return models.Backup{Name: "backup-legacy", Type: models.BackupArchive}, nil
}

type fixture struct {
	mgr   *Manager
	sched *scheduler.Scheduler
	src   *memLegacy
	tgt   *memTarget
	arch  *fakeArchiver
	prog  *progress.Store
}

func newFixture(t *testing.T, budget time.Duration) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{ChunkRows: 500, ChunkBudget: budget, LockTTL: time.Minute}
	locks := lock.NewManager(client, cfg.LockTTL)
	prog := progress.NewStore(client)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &fixture{
		src:  newMemLegacy(),
		tgt:  newMemTarget(),
		arch: &fakeArchiver{},
		prog: prog,
	}
	f.mgr = NewManager(client, prog, f.src, f.tgt, f.arch, logger)
	f.sched = scheduler.New(cfg, locks, prog, client, logger)
	f.sched.Register(models.Job{Key: JobKey, Label: "Legacy migration", Recurrence: models.RecurrenceNone, Enabled: true}, f.mgr.Runner())
	f.mgr.SetTrigger(f.sched)
	return f
}

// drain keeps invoking the migration job until it reports completed.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		_, err := f.sched.RunNow(context.Background(), JobKey)
		require.NoError(t, err)
		st, err := f.mgr.Status(context.Background())
		require.NoError(t, err)
		if st.Status == StateCompleted {
			return
		}
	}
	t.Fatal("migration did not settle")
}

func TestComputeStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	now := time.Now().UTC()
	for i := 0; i < 12; i++ {
		f.src.add(records.TableVisitors, fmt.Sprintf("v-%02d", i), now)
	}
	f.src.add(records.TableVisits, "s-01", now)
	// No legacy pages table at all.

	st, err := f.mgr.ComputeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAwaiting, st.Status)
	assert.EqualValues(t, 12, st.Stats[records.TableVisitors])
	assert.EqualValues(t, 1, st.Stats[records.TableVisits])
	assert.EqualValues(t, 0, st.Stats[records.TablePages])
}

func TestMigrateAllCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	now := time.Now().UTC()
	for i := 0; i < 700; i++ {
		f.src.add(records.TableVisitors, fmt.Sprintf("v-%04d", i), now)
	}
	for i := 0; i < 300; i++ {
		f.src.add(records.TableVisits, fmt.Sprintf("s-%04d", i), now)
	}
	f.src.add(records.TablePages, "p-0001", now)

	st, err := f.mgr.Start(ctx, StartRequest{Strategy: StrategyAll})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.Status)

	assert.Equal(t, 700, f.tgt.countTable(records.TableVisitors))
	assert.Equal(t, 300, f.tgt.countTable(records.TableVisits))
	assert.Equal(t, 1, f.tgt.countTable(records.TablePages))

	for _, table := range records.RawTables {
		require.Contains(t, st.Results, table)
		assert.Equal(t, "succeeded", st.Results[table].Status, table)
	}
	assert.EqualValues(t, 700, st.Results[records.TableVisitors].Migrated)
}

func TestCorruptCheckpointCursorRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	f.src.add(records.TableVisitors, "v-1", time.Now().UTC())
	require.NoError(t, f.mgr.saveState(ctx, State{
		Status:   StateMigrating,
		Strategy: StrategyAll,
		Tables:   []string{records.TableVisitors},
	}))

	_, err := f.mgr.Runner().RunChunk(ctx, "no-separator", 100)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestSelectiveMigrationHonorsWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	now := time.Now().UTC()
	old := now.Add(-45 * 24 * time.Hour)
	recent := now.Add(-5 * 24 * time.Hour)

	f.src.add(records.TableVisitors, "v-old", old)
	f.src.add(records.TableVisitors, "v-new", recent)
	f.src.add(records.TableVisits, "s-old", old)
	f.src.add(records.TableVisits, "s-new", recent)
	f.src.add(records.TablePages, "p-new", recent)

	st, err := f.mgr.Start(ctx, StartRequest{
		Strategy: StrategySelective,
		Tables:   []string{records.TableVisitors, records.TableVisits},
		Days:     30,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.Status)

	// Only in-window rows from the chosen tables moved.
	assert.Equal(t, 1, f.tgt.countTable(records.TableVisitors))
	assert.Equal(t, 1, f.tgt.countTable(records.TableVisits))
	assert.Equal(t, 0, f.tgt.countTable(records.TablePages))
	_, hasNew := f.tgt.rows[records.TableVisitors+"/v-new"]
	assert.True(t, hasNew)

	// Legacy tables keep everything, including out-of-window rows.
	assert.Len(t, f.src.tables[records.TableVisitors], 2)
	assert.Len(t, f.src.tables[records.TableVisits], 2)
	assert.Len(t, f.src.tables[records.TablePages], 1)
}

func TestFreshStartArchivesWithoutMigrating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	now := time.Now().UTC()
	f.src.add(records.TableVisitors, "v-1", now)
	f.src.add(records.TableVisits, "s-1", now)

	_, err := f.mgr.Start(ctx, StartRequest{Strategy: StrategyFresh})
	assert.True(t, fault.IsKind(err, fault.KindValidation), "missing confirm must be rejected")

	st, err := f.mgr.Start(ctx, StartRequest{Strategy: StrategyFresh, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.Status)
	assert.ElementsMatch(t, []string{records.TableVisitors, records.TableVisits}, f.arch.archived)
	assert.True(t, f.tgt.provisioned)
	assert.Empty(t, f.tgt.rows, "fresh start migrates no rows")
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	_, err := f.mgr.Start(ctx, StartRequest{Strategy: StrategySelective})
	assert.True(t, fault.IsKind(err, fault.KindValidation))

	_, err = f.mgr.Start(ctx, StartRequest{Strategy: StrategySelective, Tables: []string{"sessions"}})
	assert.True(t, fault.IsKind(err, fault.KindValidation))

	_, err = f.mgr.Start(ctx, StartRequest{Strategy: "merge"})
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestStartWhileInProgressConflicts(t *testing.T) {
	ctx := context.Background()
	// Zero budget leaves the job queued mid-migration after Start returns.
	f := newFixture(t, 0)

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		f.src.add(records.TableVisitors, fmt.Sprintf("v-%02d", i), now)
		f.src.add(records.TableVisits, fmt.Sprintf("s-%02d", i), now)
	}

	st, err := f.mgr.Start(ctx, StartRequest{Strategy: StrategyAll})
	require.NoError(t, err)
	require.Equal(t, StateMigrating, st.Status)

	_, err = f.mgr.Start(ctx, StartRequest{Strategy: StrategyAll})
	assert.True(t, fault.IsKind(err, fault.KindConflict))
}

func TestFailedTableRetrySkipsMigratedTables(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		f.src.add(records.TableVisitors, fmt.Sprintf("v-%02d", i), now)
		f.src.add(records.TableVisits, fmt.Sprintf("s-%02d", i), now)
	}
	f.src.add(records.TablePages, "p-01", now)
	f.tgt.failTable = records.TableVisits

	// First invocation migrates visitors, then the visits chunk fails.
	_, err := f.mgr.Start(ctx, StartRequest{Strategy: StrategyAll})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		if _, err = f.sched.RunNow(ctx, JobKey); err != nil {
			break
		}
	}
	require.Error(t, err)

	st, err := f.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.Status)
	assert.Equal(t, "succeeded", st.Results[records.TableVisitors].Status)
	assert.Equal(t, "failed", st.Results[records.TableVisits].Status)
	assert.Equal(t, 20, f.tgt.countTable(records.TableVisitors), "migrated tables stay migrated")

	// Retry after fixing the target, simulating a fresh run with no
	// checkpoint: the ledger keeps visitors from being re-read.
	f.tgt.failTable = ""
	require.NoError(t, f.prog.Clear(ctx, JobKey))
	visitorReads := f.src.readCalls[records.TableVisitors]

	f.drain(t)

	st, err = f.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.Status)
	assert.Equal(t, visitorReads, f.src.readCalls[records.TableVisitors])
	assert.Equal(t, 20, f.tgt.countTable(records.TableVisits))
	assert.Equal(t, 1, f.tgt.countTable(records.TablePages))
}
