// Package diagnostics runs health checks over the engine's storage and
// caches their results. Repairs that mutate shared data go through the lock
// manager so they never race a scheduler run touching the same tables.
package diagnostics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
	"github.com/wp-statistics/wp-statistics-sub008/internal/lock"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/telemetry"
)

// Check is one registered health check. Run must be side-effect free;
// Repair performs the corrective mutation and is only called when the last
// result was not pass.
type Check interface {
	Key() string
	Label() string
	Lightweight() bool
	CanRepair() bool
	Run(ctx context.Context) (status, message string, details map[string]any, err error)
	Repair(ctx context.Context) error
}

// Summary is the aggregate view returned by List and RunAll.
type Summary struct {
	Checks        []models.DiagnosticCheck `json:"checks"`
	LastFullCheck *time.Time               `json:"lastFullCheck,omitempty"`
	HasIssues     bool                     `json:"hasIssues"`
	FailCount     int                      `json:"failCount"`
	WarningCount  int                      `json:"warningCount"`
}

// Engine caches the last result per check.
type Engine struct {
	locks  *lock.Manager
	logger logrus.FieldLogger
	clock  func() time.Time

	mu       sync.Mutex
	checks   map[string]Check
	results  map[string]models.DiagnosticCheck
	lastFull *time.Time
}

func NewEngine(locks *lock.Manager, logger logrus.FieldLogger) *Engine {
	return &Engine{
		locks:   locks,
		logger:  logger,
		clock:   time.Now,
		checks:  make(map[string]Check),
		results: make(map[string]models.DiagnosticCheck),
	}
}

// Register adds a check to the registry. The registry is static after boot.
func (e *Engine) Register(c Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[c.Key()] = c
}

// List returns cached results, running lightweight checks eagerly when no
// cached result exists yet. Heavyweight checks stay on-demand.
func (e *Engine) List(ctx context.Context) (Summary, error) {
	for _, c := range e.sorted() {
		e.mu.Lock()
		_, cached := e.results[c.Key()]
		e.mu.Unlock()
		if cached || !c.Lightweight() {
			continue
		}
		e.execute(ctx, c)
	}
	return e.summary(), nil
}

// RunAll re-executes every check and refreshes the cache.
func (e *Engine) RunAll(ctx context.Context) (Summary, error) {
	for _, c := range e.sorted() {
		e.execute(ctx, c)
	}
	now := e.clock().UTC()
	e.mu.Lock()
	e.lastFull = &now
	e.mu.Unlock()
	return e.summary(), nil
}

// RunCheck re-executes one check and returns the fresh result.
func (e *Engine) RunCheck(ctx context.Context, key string) (models.DiagnosticCheck, error) {
	c, err := e.lookup(key)
	if err != nil {
		return models.DiagnosticCheck{}, err
	}
	return e.execute(ctx, c), nil
}

// Repair runs the check's corrective action. It is valid only when the
// check can repair and its last result was not pass; callers are expected
// to RunCheck afterwards to confirm the new status.
func (e *Engine) Repair(ctx context.Context, key string) error {
	c, err := e.lookup(key)
	if err != nil {
		return err
	}
	if !c.CanRepair() {
		return fault.Validation("check %q has no repair action", key)
	}

	e.mu.Lock()
	res, cached := e.results[key]
	e.mu.Unlock()
	if !cached {
		res = e.execute(ctx, c)
	}
	if res.Status == models.CheckPass {
		return fault.Validation("check %q is passing, nothing to repair", key)
	}

	token, err := e.locks.Acquire(ctx, "repair:"+key, 0)
	if err != nil {
		return err
	}
	defer func() {
		_ = e.locks.Release(ctx, "repair:"+key, token)
	}()

	if err := c.Repair(ctx); err != nil {
		return err
	}
	telemetry.RepairsRun.Inc()
	e.logger.WithField("check", key).Info("repair action applied")
	return nil
}

func (e *Engine) lookup(key string) (Check, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.checks[key]
	if !ok {
		return nil, fault.NotFound("diagnostic check %q", key)
	}
	return c, nil
}

func (e *Engine) sorted() []Check {
	e.mu.Lock()
	out := make([]Check, 0, len(e.checks))
	for _, c := range e.checks {
		out = append(out, c)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (e *Engine) execute(ctx context.Context, c Check) models.DiagnosticCheck {
	status, message, details, err := c.Run(ctx)
	if err != nil {
		status = models.CheckFail
		message = err.Error()
		e.logger.WithField("check", c.Key()).WithError(err).Warn("diagnostic check errored")
	}
	now := e.clock().UTC()
	res := models.DiagnosticCheck{
		Key:           c.Key(),
		Label:         c.Label(),
		Status:        status,
		Message:       message,
		Details:       details,
		IsLightweight: c.Lightweight(),
		CanRepair:     c.CanRepair(),
		LastRunAt:     &now,
	}
	e.mu.Lock()
	e.results[c.Key()] = res
	e.mu.Unlock()
	return res
}

func (e *Engine) summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(e.results))
	for k := range e.results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := Summary{LastFullCheck: e.lastFull}
	for _, k := range keys {
		res := e.results[k]
		s.Checks = append(s.Checks, res)
		switch res.Status {
		case models.CheckFail:
			s.FailCount++
		case models.CheckWarning:
			s.WarningCount++
		}
	}
	s.HasIssues = s.FailCount > 0 || s.WarningCount > 0
	return s
}
