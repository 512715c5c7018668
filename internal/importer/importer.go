// Package importer drives the upload → preview → confirm → chunked load
// pipeline. Sessions are single-use and expire; resumable load progress goes
// through the progress store keyed by session id.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/adapter"
	"github.com/wp-statistics/wp-statistics-sub008/internal/artifact"
	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/lock"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/progress"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
	"github.com/wp-statistics/wp-statistics-sub008/internal/telemetry"
)

// RecordWriter lands normalized records in the data plane. Raw inserts are
// idempotent by natural id; aggregate upserts are additive.
type RecordWriter interface {
	InsertRaw(ctx context.Context, recs []records.Normalized) (int64, error)
	UpsertAggregate(ctx context.Context, recs []records.Normalized) (int64, error)
}

// Manager owns import sessions and their chunked execution.
type Manager struct {
	cfg       config.Config
	client    *redis.Client
	locks     *lock.Manager
	progress  *progress.Store
	registry  *adapter.Registry
	artifacts artifact.Store
	writer    RecordWriter
	logger    logrus.FieldLogger
	clock     func() time.Time
}

func NewManager(cfg config.Config, client *redis.Client, locks *lock.Manager, prog *progress.Store, registry *adapter.Registry, artifacts artifact.Store, writer RecordWriter, logger logrus.FieldLogger) *Manager {
	return &Manager{
		cfg:       cfg,
		client:    client,
		locks:     locks,
		progress:  prog,
		registry:  registry,
		artifacts: artifacts,
		writer:    writer,
		logger:    logger,
		clock:     time.Now,
	}
}

func sessionKey(id string) string { return "import:session:" + id }
func importLock(id string) string { return "import:" + id }
func cancelFlag(id string) string { return "import:cancel:" + id }

func artifactKey(id, filename string) string {
	return "imports/" + id + "/" + filename
}

// Upload validates the file extension against the adapter, stores the
// artifact, and opens a session in the uploaded state.
func (m *Manager) Upload(ctx context.Context, filename, adapterKey string, body io.Reader) (models.ImportSession, error) {
	a, err := m.registry.Get(adapterKey)
	if err != nil {
		return models.ImportSession{}, err
	}
	if !adapter.Accepts(a, filename) {
		return models.ImportSession{}, fault.Validation("adapter %s does not accept %q", adapterKey, filename)
	}

	id := uuid.New().String()
	ref := artifactKey(id, filename)
	if _, err := m.artifacts.Put(ctx, ref, body); err != nil {
		return models.ImportSession{}, err
	}

	now := m.clock().UTC()
	sess := models.ImportSession{
		ID:         id,
		AdapterKey: adapterKey,
		SourceRef:  ref,
		Status:     models.ImportUploaded,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.SessionTTL),
	}
	if err := m.saveSession(ctx, sess); err != nil {
		_ = m.artifacts.Delete(ctx, ref)
		return models.ImportSession{}, err
	}
	m.logger.WithFields(logrus.Fields{"session": id, "adapter": adapterKey}).Info("import artifact uploaded")
	return sess, nil
}

// Get returns the session by id.
func (m *Manager) Get(ctx context.Context, id string) (models.ImportSession, error) {
	return m.loadSession(ctx, id)
}

// Preview validates the uploaded artifact through the session's adapter. An
// invalid artifact keeps the session out of the importing state for good.
func (m *Manager) Preview(ctx context.Context, id string) (models.ImportSession, error) {
	sess, err := m.loadSession(ctx, id)
	if err != nil {
		return models.ImportSession{}, err
	}
	if sess.Status != models.ImportUploaded && sess.Status != models.ImportPreviewing {
		return models.ImportSession{}, fault.Conflict("session %s is %s, cannot preview", id, sess.Status)
	}

	a, err := m.registry.Get(sess.AdapterKey)
	if err != nil {
		return models.ImportSession{}, err
	}
	rc, _, err := m.artifacts.Open(ctx, sess.SourceRef)
	if err != nil {
		return models.ImportSession{}, err
	}
	defer rc.Close()

	preview, err := a.Validate(rc)
	if err != nil {
		return models.ImportSession{}, fault.Wrap(fault.KindValidation, fmt.Errorf("validate upload %s: %w", id, err))
	}

	sess.Status = models.ImportPreviewing
	sess.Preview = &preview
	if err := m.saveSession(ctx, sess); err != nil {
		return models.ImportSession{}, err
	}
	return sess, nil
}

// StartImport runs one bounded invocation of the chunked load. The first
// call requires a valid preview; later calls resume an importing session
// from its checkpoint. A concurrent call on the same session is rejected
// with a conflict.
func (m *Manager) StartImport(ctx context.Context, id string) (models.ImportSession, error) {
	sess, err := m.loadSession(ctx, id)
	if err != nil {
		return models.ImportSession{}, err
	}
	switch sess.Status {
	case models.ImportPreviewing:
		if sess.Preview == nil || !sess.Preview.IsValid {
			return models.ImportSession{}, fault.Validation("session %s has no valid preview", id)
		}
	case models.ImportImporting:
		// resume
	default:
		return models.ImportSession{}, fault.Conflict("session %s is %s, cannot import", id, sess.Status)
	}

	token, err := m.locks.Acquire(ctx, importLock(id), m.cfg.LockTTL)
	if err != nil {
		return models.ImportSession{}, err
	}
	defer func() {
		_ = m.locks.Release(ctx, importLock(id), token)
	}()

	if sess.Status != models.ImportImporting {
		sess.Status = models.ImportImporting
		if err := m.saveSession(ctx, sess); err != nil {
			return models.ImportSession{}, err
		}
		telemetry.ImportsStarted.Inc()
	}
	return m.runChunks(ctx, sess, token)
}

func (m *Manager) runChunks(ctx context.Context, sess models.ImportSession, token string) (models.ImportSession, error) {
	a, err := m.registry.Get(sess.AdapterKey)
	if err != nil {
		return models.ImportSession{}, err
	}
	scope := importLock(sess.ID)
	log := m.logger.WithField("session", sess.ID)

	p, ok, err := m.progress.Load(ctx, scope)
	if err != nil {
		return models.ImportSession{}, err
	}
	if !ok {
		p = models.Progress{Total: sess.Preview.TotalRows}
		if err := m.progress.Save(ctx, scope, p); err != nil {
			return models.ImportSession{}, err
		}
	}

	deadline := m.clock().Add(m.cfg.ChunkBudget)
	for {
		cancelled, err := m.consumeCancel(ctx, sess.ID)
		if err != nil {
			return models.ImportSession{}, err
		}
		if cancelled {
			return m.finalize(ctx, sess, models.ImportCancelled, "")
		}
		if err := m.locks.Extend(ctx, scope, token, m.cfg.LockTTL); err != nil {
			return models.ImportSession{}, err
		}

		n, err := m.loadChunk(ctx, a, sess, int(p.Completed), m.cfg.ChunkRows)
		if err != nil {
			log.WithError(err).Error("import chunk failed")
			_, ferr := m.finalize(ctx, sess, models.ImportFailed, err.Error())
			if ferr != nil {
				return models.ImportSession{}, ferr
			}
			return models.ImportSession{}, err
		}
		telemetry.ChunksProcessed.Inc()
		telemetry.RowsProcessed.Add(float64(n))

		p.Completed += int64(n)
		if p.Completed > p.Total {
			p.Completed = p.Total
		}
		p.Cursor = strconv.FormatInt(p.Completed, 10)

		if int64(n) < int64(m.cfg.ChunkRows) || p.Completed >= p.Total {
			telemetry.ImportsSucceeded.Inc()
			log.WithField("rows", p.Completed).Info("import finished")
			return m.finalize(ctx, sess, models.ImportSucceeded, "")
		}

		if err := m.progress.Save(ctx, scope, p); err != nil {
			return models.ImportSession{}, err
		}
		if m.clock().After(deadline) {
			log.WithFields(logrus.Fields{"completed": p.Completed, "total": p.Total}).Info("import checkpointed")
			return m.loadSession(ctx, sess.ID)
		}
	}
}

// loadChunk reads rows [offset, offset+limit) from the artifact and writes
// them to the data plane. Raw inserts skip already-present natural ids, so
// replaying a chunk after a crash cannot double count.
func (m *Manager) loadChunk(ctx context.Context, a adapter.Adapter, sess models.ImportSession, offset, limit int) (int, error) {
	rc, _, err := m.artifacts.Open(ctx, sess.SourceRef)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	recs, err := a.Transform(rc, offset, limit)
	if err != nil {
		return 0, fault.Wrap(fault.KindValidation, fmt.Errorf("transform rows at offset %d: %w", offset, err))
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if a.IsAggregateImport() {
		if _, err := m.writer.UpsertAggregate(ctx, recs); err != nil {
			return 0, err
		}
	} else {
		if _, err := m.writer.InsertRaw(ctx, recs); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// Cancel stops a session. An active chunk loop notices the flag at its next
// boundary; otherwise the session is finalized immediately.
func (m *Manager) Cancel(ctx context.Context, id string) (models.ImportSession, error) {
	sess, err := m.loadSession(ctx, id)
	if err != nil {
		return models.ImportSession{}, err
	}
	if sess.Terminal() {
		return models.ImportSession{}, fault.Conflict("session %s is already %s", id, sess.Status)
	}

	held, err := m.locks.IsHeld(ctx, importLock(id))
	if err != nil {
		return models.ImportSession{}, err
	}
	if held {
		if err := m.client.Set(ctx, cancelFlag(id), "1", m.cfg.LockTTL).Err(); err != nil {
			return models.ImportSession{}, fmt.Errorf("set cancel flag: %w", err)
		}
		return sess, nil
	}
	return m.finalize(ctx, sess, models.ImportCancelled, "")
}

// finalize moves the session to a terminal state, removes the uploaded
// artifact, and clears the checkpoint (kept for inspection on failure).
func (m *Manager) finalize(ctx context.Context, sess models.ImportSession, status, errMsg string) (models.ImportSession, error) {
	sess.Status = status
	sess.Error = errMsg
	if err := m.saveSession(ctx, sess); err != nil {
		return models.ImportSession{}, err
	}
	if err := m.artifacts.Delete(ctx, sess.SourceRef); err != nil && !fault.IsKind(err, fault.KindNotFound) {
		return models.ImportSession{}, err
	}
	if status != models.ImportFailed {
		if err := m.progress.Clear(ctx, importLock(sess.ID)); err != nil {
			return models.ImportSession{}, err
		}
	}
	return sess, nil
}

func (m *Manager) consumeCancel(ctx context.Context, id string) (bool, error) {
	n, err := m.client.Del(ctx, cancelFlag(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return n > 0, nil
}

func (m *Manager) saveSession(ctx context.Context, sess models.ImportSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := m.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (m *Manager) loadSession(ctx context.Context, id string) (models.ImportSession, error) {
	data, err := m.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return models.ImportSession{}, fault.NotFound("import session %q", id)
	}
	if err != nil {
		return models.ImportSession{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess models.ImportSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return models.ImportSession{}, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return sess, nil
}

// Sweeper removes artifacts whose sessions have expired. Session records
// themselves expire out of Redis on their own.
type Sweeper struct {
	client    *redis.Client
	artifacts artifact.Store
}

func NewSweeper(client *redis.Client, artifacts artifact.Store) *Sweeper {
	return &Sweeper{client: client, artifacts: artifacts}
}

func (s *Sweeper) Name() string { return "import_artifacts" }

func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	infos, err := s.artifacts.List(ctx, "imports/")
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, info := range infos {
		id := sessionIDFromKey(info.Key)
		if id == "" {
			continue
		}
		n, err := s.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("check session %s: %w", id, err)
		}
		if n == 0 {
			if err := s.artifacts.Delete(ctx, info.Key); err != nil && !fault.IsKind(err, fault.KindNotFound) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func sessionIDFromKey(key string) string {
	rest := key[len("imports/"):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return ""
}
