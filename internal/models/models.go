package models

import (
	"time"
)

// Job lifecycle states reported to callers. Running is only observable
// while a chunk is executing inside the current invocation.
const (
	JobIdle    = "idle"
	JobQueued  = "queued"
	JobRunning = "running"
)

// Recurrence values for catalog jobs.
const (
	RecurrenceNone    = "none"
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
)

// Job is a catalog entry for a registered background job. The catalog is
// static; only Status changes at runtime and it never outlives the process.
type Job struct {
	Key         string     `json:"key"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
	Recurrence  string     `json:"recurrence"`
	Enabled     bool       `json:"enabled"`
	Status      string     `json:"status"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
}

// Progress is the durable checkpoint of a chunked run.
type Progress struct {
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remain returns the outstanding unit count, floored at zero.
func (p Progress) Remain() int64 {
	if r := p.Total - p.Completed; r > 0 {
		return r
	}
	return 0
}

// Percentage returns floor(completed*100/total) clamped to [0,100].
func (p Progress) Percentage() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(p.Completed * 100 / p.Total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ImportSession states.
const (
	ImportUploaded   = "uploaded"
	ImportPreviewing = "previewing"
	ImportImporting  = "importing"
	ImportSucceeded  = "succeeded"
	ImportFailed     = "failed"
	ImportCancelled  = "cancelled"
)

// ImportPreview is the result of validating an uploaded artifact.
type ImportPreview struct {
	Headers    []string   `json:"headers"`
	SampleRows [][]string `json:"sample_rows"`
	TotalRows  int64      `json:"total_rows"`
	IsValid    bool       `json:"is_valid"`
}

// ImportSession is a single-use unit of import work. Once terminal, a new
// session must be created to retry.
type ImportSession struct {
	ID         string         `json:"id"`
	AdapterKey string         `json:"adapter_key"`
	SourceRef  string         `json:"source_ref"`
	Status     string         `json:"status"`
	Preview    *ImportPreview `json:"preview,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Terminal reports whether the session can accept no further transitions.
func (s ImportSession) Terminal() bool {
	switch s.Status {
	case ImportSucceeded, ImportFailed, ImportCancelled:
		return true
	}
	return false
}

// ExportSession states.
const (
	ExportPending = "pending"
	ExportReady   = "ready"
	ExportFailed  = "failed"
)

// ExportSession describes one date-filtered export and its artifact.
type ExportSession struct {
	ID          string     `json:"id"`
	DateFrom    *time.Time `json:"date_from,omitempty"`
	DateTo      *time.Time `json:"date_to,omitempty"`
	Status      string     `json:"status"`
	ArtifactRef string     `json:"artifact_ref,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Backup types.
const (
	BackupManual  = "manual"
	BackupArchive = "archive_backup"
)

// Backup is the metadata of one immutable snapshot artifact.
type Backup struct {
	Name       string     `json:"name"`
	SizeBytes  int64      `json:"size"`
	CreatedAt  time.Time  `json:"created_at"`
	Type       string     `json:"type"`
	CutoffDate *time.Time `json:"cutoff_date,omitempty"`
}

// Diagnostic check statuses.
const (
	CheckPass    = "pass"
	CheckWarning = "warning"
	CheckFail    = "fail"
)

// DiagnosticCheck is the cached result of one health check.
type DiagnosticCheck struct {
	Key           string         `json:"key"`
	Label         string         `json:"label"`
	Status        string         `json:"status"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	IsLightweight bool           `json:"is_lightweight"`
	CanRepair     bool           `json:"can_repair"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
}
