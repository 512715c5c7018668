// Package backup creates, lists, and restores point-in-time snapshots of the
// current schema. Artifacts are JSON-lines dumps with a leading manifest;
// restore verifies the manifest before any live table is touched, then swaps
// atomically.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/artifact"
	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
	"github.com/wp-statistics/wp-statistics-sub008/internal/telemetry"
)

const (
	artifactPrefix = "backups/"
	pageSize       = 500
)

// TableSource reads current-schema and legacy rows for serialization.
type TableSource interface {
	ReadRaw(ctx context.Context, logical, cursor string, limit int, from, to *time.Time) ([]records.Normalized, string, error)
	ReadSummary(ctx context.Context, cursor string, limit int) ([]records.Normalized, string, error)
	ReadLegacy(ctx context.Context, logical, cursor string, limit int, since *time.Time) ([]records.Normalized, string, error)
}

// Stage loads verified backup rows into shadow tables and swaps them in.
type Stage interface {
	Stage(ctx context.Context, recs []records.Normalized) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// StageFactory opens a fresh restore stage.
type StageFactory func(ctx context.Context) (Stage, error)

type manifest struct {
	Name          string     `json:"name"`
	SchemaVersion string     `json:"schema_version"`
	Type          string     `json:"type"`
	CreatedAt     time.Time  `json:"created_at"`
	CutoffDate    *time.Time `json:"cutoff_date,omitempty"`
	RecordCount   int64      `json:"record_count"`
	Tables        []string   `json:"tables"`
}

// Manager implements backup lifecycle operations.
type Manager struct {
	artifacts artifact.Store
	source    TableSource
	stager    StageFactory
	logger    logrus.FieldLogger
	clock     func() time.Time
}

func NewManager(artifacts artifact.Store, source TableSource, stager StageFactory, logger logrus.FieldLogger) *Manager {
	return &Manager{
		artifacts: artifacts,
		source:    source,
		stager:    stager,
		logger:    logger,
		clock:     time.Now,
	}
}

func newBackupName(at time.Time) string {
	return "backup-" + at.UTC().Format("20060102T150405Z") + "-" + uuid.New().String()[:8]
}

func artifactKeyFor(name string) string {
	return artifactPrefix + name + ".jsonl"
}

// Create serializes every current-schema table into a new manual backup.
func (m *Manager) Create(ctx context.Context, typ string) (models.Backup, error) {
	if typ == "" {
		typ = models.BackupManual
	}
	return m.create(ctx, typ, nil, func() rowIterator { return m.currentIterator(nil) })
}

// CreateArchive snapshots raw rows older than cutoff. The retention job
// calls this immediately before pruning; the prune does not proceed unless
// this succeeds.
func (m *Manager) CreateArchive(ctx context.Context, cutoff time.Time) (models.Backup, error) {
	return m.create(ctx, models.BackupArchive, &cutoff, func() rowIterator { return m.rawIterator(&cutoff) })
}

// ArchiveLegacy snapshots legacy-schema tables, for fresh-start migration.
func (m *Manager) ArchiveLegacy(ctx context.Context, tables []string) (models.Backup, error) {
	return m.create(ctx, models.BackupArchive, nil, func() rowIterator { return m.legacyIterator(tables) })
}

// rowIterator yields batches of records until exhausted.
type rowIterator func(ctx context.Context) ([]records.Normalized, error)

func (m *Manager) create(ctx context.Context, typ string, cutoff *time.Time, newIter func() rowIterator) (models.Backup, error) {
	now := m.clock().UTC()
	name := newBackupName(now)
	key := artifactKeyFor(name)

	man := manifest{
		Name:          name,
		SchemaVersion: records.SchemaVersion,
		Type:          typ,
		CreatedAt:     now,
		CutoffDate:    cutoff,
		Tables:        records.AllTables,
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- m.serialize(ctx, pw, &man, newIter)
	}()

	size, err := m.artifacts.Put(ctx, key, pr)
	if err != nil {
		// Unblock the serializer before collecting its result.
		pr.CloseWithError(err)
	}
	if werr := <-done; werr != nil {
		_ = m.artifacts.Delete(ctx, key)
		return models.Backup{}, werr
	}
	if err != nil {
		return models.Backup{}, err
	}

	telemetry.BackupsCreated.WithLabelValues(typ).Inc()
	m.logger.WithFields(logrus.Fields{"backup": name, "type": typ, "records": man.RecordCount}).Info("backup created")
	return models.Backup{
		Name:       name,
		SizeBytes:  size,
		CreatedAt:  now,
		Type:       typ,
		CutoffDate: cutoff,
	}, nil
}

// serialize walks the source twice: a counting pass fills the manifest's
// record count, then a second pass streams rows straight into the pipe.
// Peak memory stays bounded by one batch regardless of dataset size.
func (m *Manager) serialize(ctx context.Context, pw *io.PipeWriter, man *manifest, newIter func() rowIterator) error {
	count, err := countRecords(ctx, newIter())
	if err != nil {
		pw.CloseWithError(err)
		return err
	}
	man.RecordCount = count

	head, err := json.Marshal(man)
	if err != nil {
		pw.CloseWithError(err)
		return fmt.Errorf("encode manifest: %w", err)
	}
	w := bufio.NewWriter(pw)
	if _, err := w.Write(append(head, '\n')); err != nil {
		pw.CloseWithError(err)
		return fmt.Errorf("write manifest: %w", err)
	}

	var streamed int64
	enc := json.NewEncoder(w)
	iter := newIter()
	for {
		recs, err := iter(ctx)
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				pw.CloseWithError(err)
				return fmt.Errorf("encode record: %w", err)
			}
			streamed++
		}
	}
	if streamed != count {
		err := fault.Conflict("source changed during backup: counted %d records, wrote %d", count, streamed)
		pw.CloseWithError(err)
		return err
	}
	if err := w.Flush(); err != nil {
		pw.CloseWithError(err)
		return err
	}
	return pw.Close()
}

func countRecords(ctx context.Context, iter rowIterator) (int64, error) {
	var count int64
	for {
		recs, err := iter(ctx)
		if err != nil {
			return 0, err
		}
		if len(recs) == 0 {
			return count, nil
		}
		count += int64(len(recs))
	}
}

func (m *Manager) currentIterator(cutoff *time.Time) rowIterator {
	tables := append([]string{}, records.RawTables...)
	idx, cursor := 0, ""
	summaryDone := false
	return func(ctx context.Context) ([]records.Normalized, error) {
		for idx < len(tables) {
			recs, next, err := m.source.ReadRaw(ctx, tables[idx], cursor, pageSize, nil, cutoff)
			if err != nil {
				return nil, err
			}
			if len(recs) == 0 {
				idx++
				cursor = ""
				continue
			}
			cursor = next
			return recs, nil
		}
		if summaryDone {
			return nil, nil
		}
		recs, next, err := m.source.ReadSummary(ctx, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			summaryDone = true
			return nil, nil
		}
		cursor = next
		return recs, nil
	}
}

func (m *Manager) rawIterator(cutoff *time.Time) rowIterator {
	idx, cursor := 0, ""
	return func(ctx context.Context) ([]records.Normalized, error) {
		for idx < len(records.RawTables) {
			recs, next, err := m.source.ReadRaw(ctx, records.RawTables[idx], cursor, pageSize, nil, cutoff)
			if err != nil {
				return nil, err
			}
			if len(recs) == 0 {
				idx++
				cursor = ""
				continue
			}
			cursor = next
			return recs, nil
		}
		return nil, nil
	}
}

func (m *Manager) legacyIterator(tables []string) rowIterator {
	idx, cursor := 0, ""
	return func(ctx context.Context) ([]records.Normalized, error) {
		for idx < len(tables) {
			recs, next, err := m.source.ReadLegacy(ctx, tables[idx], cursor, pageSize, nil)
			if err != nil {
				return nil, err
			}
			if len(recs) == 0 {
				idx++
				cursor = ""
				continue
			}
			cursor = next
			return recs, nil
		}
		return nil, nil
	}
}

// List returns stored backups, newest first, metadata only.
func (m *Manager) List(ctx context.Context) ([]models.Backup, error) {
	infos, err := m.artifacts.List(ctx, artifactPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.Backup, 0, len(infos))
	for _, info := range infos {
		man, err := m.readManifest(ctx, info.Key)
		if err != nil {
			m.logger.WithField("artifact", info.Key).WithError(err).Warn("skipping unreadable backup")
			continue
		}
		out = append(out, models.Backup{
			Name:       man.Name,
			SizeBytes:  info.Size,
			CreatedAt:  man.CreatedAt,
			Type:       man.Type,
			CutoffDate: man.CutoffDate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Download streams the backup artifact to w, returning bytes written.
func (m *Manager) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	rc, _, err := m.artifacts.Open(ctx, artifactKeyFor(name))
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fault.Wrap(fault.KindIO, fmt.Errorf("stream backup %s: %w", name, err))
	}
	return n, nil
}

// Delete removes the backup artifact.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.artifacts.Delete(ctx, artifactKeyFor(name)); err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return fault.NotFound("backup %q", name)
		}
		return err
	}
	m.logger.WithField("backup", name).Info("backup deleted")
	return nil
}

// Restore verifies the artifact end to end, then loads it into shadow
// tables and swaps atomically. Any verification failure aborts strictly
// before live tables are touched.
func (m *Manager) Restore(ctx context.Context, name string) error {
	man, err := m.verify(ctx, name)
	if err != nil {
		return err
	}

	stage, err := m.stager(ctx)
	if err != nil {
		return err
	}

	if err := m.load(ctx, name, stage); err != nil {
		_ = stage.Abort(ctx)
		return err
	}
	if err := stage.Commit(ctx); err != nil {
		_ = stage.Abort(ctx)
		return err
	}
	m.logger.WithFields(logrus.Fields{"backup": name, "records": man.RecordCount}).Info("backup restored")
	return nil
}

// verify checks manifest integrity and schema compatibility by scanning the
// whole artifact without mutating anything.
func (m *Manager) verify(ctx context.Context, name string) (manifest, error) {
	rc, _, err := m.artifacts.Open(ctx, artifactKeyFor(name))
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return manifest{}, fault.NotFound("backup %q", name)
		}
		return manifest{}, err
	}
	defer rc.Close()

	scanner := newLineScanner(rc)
	man, err := readManifestLine(scanner)
	if err != nil {
		return manifest{}, fault.Wrap(fault.KindValidation, fmt.Errorf("backup %s: %w", name, err))
	}
	if man.SchemaVersion != records.SchemaVersion {
		return manifest{}, fault.Validation("backup %s has schema version %s, current is %s", name, man.SchemaVersion, records.SchemaVersion)
	}

	var count int64
	for scanner.Scan() {
		var rec records.Normalized
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return manifest{}, fault.Validation("backup %s: corrupt record at line %d", name, count+2)
		}
		if rec.Table != records.TableSummary && !records.IsRawTable(rec.Table) {
			return manifest{}, fault.Validation("backup %s: unknown table %q", name, rec.Table)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return manifest{}, fault.Wrap(fault.KindIO, fmt.Errorf("scan backup %s: %w", name, err))
	}
	if count != man.RecordCount {
		return manifest{}, fault.Validation("backup %s: manifest says %d records, found %d", name, man.RecordCount, count)
	}
	return man, nil
}

func (m *Manager) load(ctx context.Context, name string, stage Stage) error {
	rc, _, err := m.artifacts.Open(ctx, artifactKeyFor(name))
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := newLineScanner(rc)
	if _, err := readManifestLine(scanner); err != nil {
		return fault.Wrap(fault.KindValidation, err)
	}

	batch := make([]records.Normalized, 0, pageSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := stage.Stage(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	for scanner.Scan() {
		var rec records.Normalized
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fault.Validation("backup %s: corrupt record", name)
		}
		batch = append(batch, rec)
		if len(batch) == pageSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fault.Wrap(fault.KindIO, fmt.Errorf("scan backup %s: %w", name, err))
	}
	return flush()
}

func (m *Manager) readManifest(ctx context.Context, key string) (manifest, error) {
	rc, _, err := m.artifacts.Open(ctx, key)
	if err != nil {
		return manifest{}, err
	}
	defer rc.Close()
	return readManifestLine(newLineScanner(rc))
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

func readManifestLine(scanner *bufio.Scanner) (manifest, error) {
	if !scanner.Scan() {
		return manifest{}, fmt.Errorf("missing manifest line")
	}
	var man manifest
	if err := json.Unmarshal(scanner.Bytes(), &man); err != nil {
		return manifest{}, fmt.Errorf("corrupt manifest: %w", err)
	}
	if man.Name == "" || man.SchemaVersion == "" {
		return manifest{}, fmt.Errorf("incomplete manifest")
	}
	return man, nil
}
