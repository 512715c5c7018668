// Package api exposes the engine over HTTP. Every endpoint answers with the
// tagged envelope {success: true, data: {...}} or
// {success: false, data: {message: ...}}; downloads stream as attachments.
package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/adapter"
	"github.com/wp-statistics/wp-statistics-sub008/internal/backup"
	"github.com/wp-statistics/wp-statistics-sub008/internal/config"
	"github.com/wp-statistics/wp-statistics-sub008/internal/diagnostics"
	"github.com/wp-statistics/wp-statistics-sub008/internal/exporter"
	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/importer"
	"github.com/wp-statistics/wp-statistics-sub008/internal/migrate"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/scheduler"
	"github.com/wp-statistics/wp-statistics-sub008/internal/telemetry"
)

// Server wires HTTP handlers for the engine admin API.
type Server struct {
	cfg      config.Config
	sched    *scheduler.Scheduler
	registry *adapter.Registry
	imports  *importer.Manager
	exports  *exporter.Manager
	backups  *backup.Manager
	migrate  *migrate.Manager
	diags    *diagnostics.Engine
	logger   logrus.FieldLogger
}

func New(cfg config.Config, sched *scheduler.Scheduler, registry *adapter.Registry, imports *importer.Manager, exports *exporter.Manager, backups *backup.Manager, mig *migrate.Manager, diags *diagnostics.Engine, logger logrus.FieldLogger) *Server {
	return &Server{
		cfg:      cfg,
		sched:    sched,
		registry: registry,
		imports:  imports,
		exports:  exports,
		backups:  backups,
		migrate:  mig,
		diags:    diags,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/background_jobs", s.handleBackgroundJobs)
	r.Post("/run_task", s.handleRunTask)
	r.Post("/tick", s.handleTick)

	r.Get("/diagnostics", s.handleDiagnostics)
	r.Post("/diagnostics_run", s.handleDiagnosticsRun)
	r.Post("/diagnostics_run_check", s.handleDiagnosticsRunCheck)
	r.Post("/diagnostics_repair", s.handleDiagnosticsRepair)

	r.Get("/list_backups", s.handleListBackups)
	r.Post("/create_backup", s.handleCreateBackup)
	r.Post("/delete_backup", s.handleDeleteBackup)
	r.Post("/restore_backup", s.handleRestoreBackup)
	r.Get("/download_backup", s.handleDownloadBackup)

	r.Get("/get_adapters", s.handleGetAdapters)
	r.Post("/upload", s.handleUpload)
	r.Post("/preview", s.handlePreview)
	r.Post("/start_import", s.handleStartImport)
	r.Post("/cancel_import", s.handleCancelImport)

	r.Post("/start_export", s.handleStartExport)
	r.Get("/download", s.handleDownloadExport)

	r.Get("/migration_stats", s.handleMigrationStats)
	r.Post("/start_migration", s.handleStartMigration)
	r.Get("/migration_status", s.handleMigrationStatus)

	return r
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func respond(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), envelope{Success: false, Data: map[string]any{
		"message": err.Error(),
		"kind":    string(fault.KindOf(err)),
	}})
}

func respondFailure(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, envelope{Success: false, Data: map[string]any{"message": message}})
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fault.Validation("invalid json body")
	}
	return nil
}

type jobProgress struct {
	Total      int64 `json:"total"`
	Completed  int64 `json:"completed"`
	Remain     int64 `json:"remain"`
	Percentage int   `json:"percentage"`
}

type jobPayload struct {
	Key         string       `json:"key"`
	Label       string       `json:"label"`
	Description string       `json:"description"`
	Recurrence  string       `json:"recurrence"`
	Enabled     bool         `json:"enabled"`
	Status      string       `json:"status"`
	NextRun     *time.Time   `json:"next_run,omitempty"`
	Progress    *jobProgress `json:"progress"`
}

func (s *Server) handleBackgroundJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]jobPayload, 0, len(jobs))
	for _, job := range jobs {
		p := jobPayload{
			Key:         job.Key,
			Label:       job.Label,
			Description: job.Description,
			Recurrence:  job.Recurrence,
			Enabled:     job.Enabled,
			Status:      job.Status,
			NextRun:     job.NextRun,
		}
		if job.Progress != nil {
			p.Progress = &jobProgress{
				Total:      job.Progress.Total,
				Completed:  job.Progress.Completed,
				Remain:     job.Progress.Remain(),
				Percentage: job.Progress.Percentage(),
			}
		}
		out = append(out, p)
	}
	respond(w, map[string]any{"jobs": out})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hook string `json:"hook"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Hook == "" {
		respondError(w, fault.Validation("hook is required"))
		return
	}

	outcome, err := s.sched.RunNow(r.Context(), req.Hook)
	if err != nil {
		respondError(w, err)
		return
	}
	switch outcome {
	case scheduler.RunBusy:
		respondFailure(w, http.StatusConflict, "job_already_running")
	case scheduler.RunDisabled:
		respondFailure(w, http.StatusConflict, "job_disabled")
	default:
		respond(w, map[string]string{"message": "job started"})
	}
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Tick(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]string{"message": "tick processed"})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	sum, err := s.diags.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, sum)
}

func (s *Server) handleDiagnosticsRun(w http.ResponseWriter, r *http.Request) {
	sum, err := s.diags.RunAll(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, sum)
}

func (s *Server) handleDiagnosticsRunCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Check string `json:"check"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	res, err := s.diags.RunCheck(r.Context(), req.Check)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]any{"check": res})
}

func (s *Server) handleDiagnosticsRepair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Check string `json:"check"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.diags.Repair(r.Context(), req.Check); err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]any{})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.backups.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]any{"backups": backups})
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if _, err := s.backups.Create(r.Context(), models.BackupManual); err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]any{})
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	name, err := backupName(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.backups.Delete(r.Context(), name); err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]string{"message": "backup deleted"})
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	name, err := backupName(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.backups.Restore(r.Context(), name); err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]string{"message": "backup restored"})
}

// Generated backup names are timestamp plus a short id; anything outside
// this shape never names a real backup and is unsafe to echo into headers.
var backupNameRx = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func backupName(r *http.Request) (string, error) {
	var req struct {
		FileName string `json:"file_name"`
	}
	if err := decode(r, &req); err != nil {
		return "", err
	}
	if req.FileName == "" {
		return "", fault.Validation("file_name is required")
	}
	if !backupNameRx.MatchString(req.FileName) {
		return "", fault.Validation("invalid backup name")
	}
	return req.FileName, nil
}

func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file_name")
	if name == "" {
		respondError(w, fault.Validation("file_name is required"))
		return
	}
	if !backupNameRx.MatchString(name) {
		respondError(w, fault.Validation("invalid backup name"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name + ".jsonl"}))
	if _, err := s.backups.Download(r.Context(), name, w); err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			w.Header().Del("Content-Disposition")
			respondError(w, err)
			return
		}
		s.logger.WithField("backup", name).WithError(err).Error("backup download aborted")
	}
}

func (s *Server) handleGetAdapters(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, a := range s.registry.All() {
		out[a.Key()] = map[string]any{
			"key":                 a.Key(),
			"name":                a.Key(),
			"label":               a.Label(),
			"extensions":          a.Extensions(),
			"is_aggregate_import": a.IsAggregateImport(),
		}
	}
	respond(w, map[string]any{"adapters": out})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		respondError(w, fault.Validation("upload exceeds the size limit or is not multipart"))
		return
	}
	adapterKey := r.FormValue("adapter")
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, fault.Validation("file field is required"))
		return
	}
	defer file.Close()

	sess, err := s.imports.Upload(r.Context(), header.Filename, adapterKey, file)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]string{"import_id": sess.ID})
}

func importID(r *http.Request) (string, error) {
	var req struct {
		ImportID string `json:"import_id"`
	}
	if err := decode(r, &req); err != nil {
		return "", err
	}
	if req.ImportID == "" {
		return "", fault.Validation("import_id is required")
	}
	return req.ImportID, nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, err := importID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := s.imports.Preview(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, sess.Preview)
}

func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	id, err := importID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := s.imports.StartImport(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]any{"status": sess.Status})
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id, err := importID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := s.imports.Cancel(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]any{"status": sess.Status})
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DateFrom string `json:"date_from"`
		DateTo   string `json:"date_to"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	from, err := parseDate(req.DateFrom)
	if err != nil {
		respondError(w, err)
		return
	}
	to, err := parseDate(req.DateTo)
	if err != nil {
		respondError(w, err)
		return
	}

	sess, err := s.exports.Start(r.Context(), from, to)
	if err != nil {
		respondError(w, err)
		return
	}
	if sess.Status == models.ExportFailed {
		respondFailure(w, http.StatusInternalServerError, sess.Error)
		return
	}
	respond(w, map[string]string{"export_id": sess.ID})
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fault.Validation("invalid date %q, expected YYYY-MM-DD", s)
	}
	return &t, nil
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("export_id")
	if id == "" {
		respondError(w, fault.Validation("export_id is required"))
		return
	}
	sess, err := s.exports.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if sess.Status != models.ExportReady {
		respondError(w, fault.Conflict("export %s is %s, not ready", id, sess.Status))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exporter.Filename(sess)+`"`)
	if _, _, err := s.exports.Download(r.Context(), id, w); err != nil {
		s.logger.WithField("export", id).WithError(err).Error("export download aborted")
	}
}

func (s *Server) handleMigrationStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.migrate.ComputeStats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, map[string]any{"status": st.Status, "stats": st.Stats})
}

func (s *Server) handleStartMigration(w http.ResponseWriter, r *http.Request) {
	var req migrate.StartRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	st, err := s.migrate.Start(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, st)
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.migrate.Status(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, st)
}
