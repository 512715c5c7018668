// Package exporter serializes date-filtered raw events into downloadable
// artifacts. Serialization streams through a pipe so memory stays bounded
// regardless of dataset size.
package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/artifact"
	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
	"github.com/wp-statistics/wp-statistics-sub008/internal/telemetry"
)

// RecordSource pages raw event rows in natural-id order.
type RecordSource interface {
	ReadRaw(ctx context.Context, logical, cursor string, limit int, from, to *time.Time) ([]records.Normalized, string, error)
}

// Manager owns export sessions and artifacts.
type Manager struct {
	cfg       config.Config
	client    *redis.Client
	artifacts artifact.Store
	source    RecordSource
	logger    logrus.FieldLogger
	clock     func() time.Time
}

func NewManager(cfg config.Config, client *redis.Client, artifacts artifact.Store, source RecordSource, logger logrus.FieldLogger) *Manager {
	return &Manager{
		cfg:       cfg,
		client:    client,
		artifacts: artifacts,
		source:    source,
		logger:    logger,
		clock:     time.Now,
	}
}

func sessionKey(id string) string { return "export:session:" + id }

// Start creates a session and serializes matching records into its
// artifact. The session ends up ready, or failed with a message.
func (m *Manager) Start(ctx context.Context, dateFrom, dateTo *time.Time) (models.ExportSession, error) {
	now := m.clock().UTC()
	sess := models.ExportSession{
		ID:        uuid.New().String(),
		DateFrom:  dateFrom,
		DateTo:    dateTo,
		Status:    models.ExportPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.SessionTTL),
	}
	if err := m.saveSession(ctx, sess); err != nil {
		return models.ExportSession{}, err
	}

	ref := "exports/" + sess.ID + "/statistics-" + now.Format("2006-01-02") + ".csv"
	if err := m.serialize(ctx, ref, dateFrom, dateTo); err != nil {
		sess.Status = models.ExportFailed
		sess.Error = err.Error()
		if serr := m.saveSession(ctx, sess); serr != nil {
			return models.ExportSession{}, serr
		}
		m.logger.WithField("session", sess.ID).WithError(err).Error("export failed")
		return sess, nil
	}

	sess.Status = models.ExportReady
	sess.ArtifactRef = ref
	if err := m.saveSession(ctx, sess); err != nil {
		return models.ExportSession{}, err
	}
	telemetry.ExportsCreated.Inc()
	m.logger.WithField("session", sess.ID).Info("export ready")
	return sess, nil
}

// serialize streams raw tables through a CSV writer into the artifact store.
func (m *Manager) serialize(ctx context.Context, ref string, from, to *time.Time) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		cw := csv.NewWriter(pw)
		err := m.writeAll(ctx, cw, from, to)
		if err == nil {
			cw.Flush()
			err = cw.Error()
		}
		pw.CloseWithError(err)
		done <- err
	}()

	if _, err := m.artifacts.Put(ctx, ref, pr); err != nil {
		// Unblock the writer before collecting its result.
		pr.CloseWithError(err)
		<-done
		return err
	}
	if err := <-done; err != nil {
		_ = m.artifacts.Delete(ctx, ref)
		return err
	}
	return nil
}

func (m *Manager) writeAll(ctx context.Context, cw *csv.Writer, from, to *time.Time) error {
	if err := cw.Write([]string{"table", "natural_id", "recorded_at", "fields"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, logical := range records.RawTables {
		cursor := ""
		for {
			recs, next, err := m.source.ReadRaw(ctx, logical, cursor, m.cfg.ChunkRows, from, to)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				break
			}
			for _, rec := range recs {
				fields, err := json.Marshal(rec.Fields)
				if err != nil {
					return fmt.Errorf("marshal fields for %s: %w", rec.NaturalID, err)
				}
				row := []string{rec.Table, rec.NaturalID, rec.RecordedAt.UTC().Format(time.RFC3339), string(fields)}
				if err := cw.Write(row); err != nil {
					return fmt.Errorf("write row %s: %w", rec.NaturalID, err)
				}
			}
			cursor = next
		}
	}
	return nil
}

// Get returns the session by id.
func (m *Manager) Get(ctx context.Context, id string) (models.ExportSession, error) {
	return m.loadSession(ctx, id)
}

// Download streams the artifact to w. After a completed stream the artifact
// and session are removed; a partial stream keeps both for retry.
func (m *Manager) Download(ctx context.Context, id string, w io.Writer) (string, int64, error) {
	sess, err := m.loadSession(ctx, id)
	if err != nil {
		return "", 0, err
	}
	if sess.Status != models.ExportReady {
		return "", 0, fault.Conflict("export %s is %s, not ready", id, sess.Status)
	}

	rc, _, err := m.artifacts.Open(ctx, sess.ArtifactRef)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return "", n, fault.Wrap(fault.KindIO, fmt.Errorf("stream export %s: %w", id, err))
	}

	if err := m.artifacts.Delete(ctx, sess.ArtifactRef); err != nil && !fault.IsKind(err, fault.KindNotFound) {
		return "", n, err
	}
	if err := m.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return "", n, fmt.Errorf("remove session %s: %w", id, err)
	}
	return Filename(sess), n, nil
}

// Filename is the attachment name served for a session's artifact.
func Filename(sess models.ExportSession) string {
	return "statistics-export-" + sess.CreatedAt.UTC().Format("2006-01-02") + ".csv"
}

func (m *Manager) saveSession(ctx context.Context, sess models.ExportSession) error {
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

func (m *Manager) loadSession(ctx context.Context, id string) (models.ExportSession, error) {
	data, err := m.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return models.ExportSession{}, fault.NotFound("export session %q", id)
	}
	if err != nil {
		return models.ExportSession{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess models.ExportSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return models.ExportSession{}, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return sess, nil
}

// Sweeper removes export artifacts whose sessions have expired.
type Sweeper struct {
	client    *redis.Client
	artifacts artifact.Store
}

func NewSweeper(client *redis.Client, artifacts artifact.Store) *Sweeper {
	return &Sweeper{client: client, artifacts: artifacts}
}

func (s *Sweeper) Name() string { return "export_artifacts" }

func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	infos, err := s.artifacts.List(ctx, "exports/")
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
	rest := key[len("exports/"):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return ""
}
