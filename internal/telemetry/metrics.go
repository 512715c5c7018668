package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRuns          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_job_runs_total", Help: "Job run invocations by outcome"}, []string{"job", "outcome"})
	ChunksProcessed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_chunks_total", Help: "Chunks processed across all jobs and sessions"})
	RowsProcessed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_rows_total", Help: "Rows processed across all chunk loops"})
	LockContention   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_lock_busy_total", Help: "Lock acquisitions rejected because the key was held"})
	ImportsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_imports_started_total", Help: "Import sessions that entered the importing state"})
	ImportsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_imports_succeeded_total", Help: "Import sessions that completed"})
	ExportsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_exports_total", Help: "Export artifacts created"})
	BackupsCreated   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_backups_total", Help: "Backups created by type"}, []string{"type"})
	RepairsRun       = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_repairs_total", Help: "Diagnostic repair actions executed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			ChunksProcessed,
			RowsProcessed,
			LockContention,
			ImportsStarted,
			ImportsSucceeded,
			ExportsCreated,
			BackupsCreated,
			RepairsRun,
		)
	})
	return promhttp.Handler()
}
