package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/wp-statistics/wp-statistics-sub008/internal/artifact"
	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/progress"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
)

// DurabilityStore exposes the table durability surface of the data plane.
type DurabilityStore interface {
	UnloggedTables(ctx context.Context) ([]string, error)
	SetLogged(ctx context.Context, physical string) error
	MetaGet(ctx context.Context, key string) (string, error)
}

// TableEngineCheck fails when any stats table is unlogged: unlogged tables
// are truncated on crash recovery, which silently discards statistics.
type TableEngineCheck struct {
	Store DurabilityStore
}

func (c *TableEngineCheck) Key() string       { return "database_table_engine" }
func (c *TableEngineCheck) Label() string     { return "Database table durability" }
func (c *TableEngineCheck) Lightweight() bool { return false }
func (c *TableEngineCheck) CanRepair() bool   { return true }

func (c *TableEngineCheck) Run(ctx context.Context) (string, string, map[string]any, error) {
	tables, err := c.Store.UnloggedTables(ctx)
	if err != nil {
		return "", "", nil, err
	}
	if len(tables) == 0 {
		return models.CheckPass, "all statistics tables are durable", nil, nil
	}
	return models.CheckFail,
		fmt.Sprintf("%d statistics tables are unlogged and would be lost on crash recovery", len(tables)),
		map[string]any{"tables": tables, "canRepair": true},
		nil
}

func (c *TableEngineCheck) Repair(ctx context.Context) error {
	tables, err := c.Store.UnloggedTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := c.Store.SetLogged(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// OrphanedProgressCheck warns about checkpoints whose owning job or session
// no longer exists; the repair clears them.
type OrphanedProgressCheck struct {
	Progress *progress.Store
	// Live reports whether the scope still has an owner (a registered job
	// or an unexpired session).
	Live func(ctx context.Context, scope string) (bool, error)
}

func (c *OrphanedProgressCheck) Key() string       { return "orphaned_progress" }
func (c *OrphanedProgressCheck) Label() string     { return "Orphaned progress checkpoints" }
func (c *OrphanedProgressCheck) Lightweight() bool { return true }
func (c *OrphanedProgressCheck) CanRepair() bool   { return true }

func (c *OrphanedProgressCheck) orphans(ctx context.Context) ([]string, error) {
	scopes, err := c.Progress.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, scope := range scopes {
		live, err := c.Live(ctx, scope)
		if err != nil {
			return nil, err
		}
		if !live {
			orphans = append(orphans, scope)
		}
	}
	return orphans, nil
}

func (c *OrphanedProgressCheck) Run(ctx context.Context) (string, string, map[string]any, error) {
	orphans, err := c.orphans(ctx)
	if err != nil {
		return "", "", nil, err
	}
	if len(orphans) == 0 {
		return models.CheckPass, "no orphaned checkpoints", nil, nil
	}
	return models.CheckWarning,
		fmt.Sprintf("%d checkpoints have no owning job or session", len(orphans)),
		map[string]any{"scopes": orphans, "canRepair": true},
		nil
}

func (c *OrphanedProgressCheck) Repair(ctx context.Context) error {
	orphans, err := c.orphans(ctx)
	if err != nil {
		return err
	}
	for _, scope := range orphans {
		if err := c.Progress.Clear(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// ArtifactStoreCheck round-trips a probe object through the artifact store.
type ArtifactStoreCheck struct {
	Artifacts artifact.Store
}

func (c *ArtifactStoreCheck) Key() string       { return "artifact_store" }
func (c *ArtifactStoreCheck) Label() string     { return "Artifact store health" }
func (c *ArtifactStoreCheck) Lightweight() bool { return true }
func (c *ArtifactStoreCheck) CanRepair() bool   { return false }

func (c *ArtifactStoreCheck) Run(ctx context.Context) (string, string, map[string]any, error) {
	const key = "diagnostics/probe.txt"
	payload := []byte("probe")

	if _, err := c.Artifacts.Put(ctx, key, bytes.NewReader(payload)); err != nil {
		return models.CheckFail, fmt.Sprintf("write probe: %v", err), nil, nil
	}
	rc, _, err := c.Artifacts.Open(ctx, key)
	if err != nil {
		return models.CheckFail, fmt.Sprintf("read probe: %v", err), nil, nil
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || !bytes.Equal(got, payload) {
		return models.CheckFail, "probe readback does not match", nil, nil
	}
	if err := c.Artifacts.Delete(ctx, key); err != nil {
		return models.CheckWarning, fmt.Sprintf("probe cleanup failed: %v", err), nil, nil
	}
	return models.CheckPass, "artifact store round trip succeeded", nil, nil
}

func (c *ArtifactStoreCheck) Repair(context.Context) error { return nil }

// SchemaVersionCheck verifies the stored schema version matches the binary.
type SchemaVersionCheck struct {
	Store DurabilityStore
}

func (c *SchemaVersionCheck) Key() string       { return "schema_version" }
func (c *SchemaVersionCheck) Label() string     { return "Schema version" }
func (c *SchemaVersionCheck) Lightweight() bool { return false }
func (c *SchemaVersionCheck) CanRepair() bool   { return false }

func (c *SchemaVersionCheck) Run(ctx context.Context) (string, string, map[string]any, error) {
	v, err := c.Store.MetaGet(ctx, records.MetaSchemaVersion)
	if err != nil {
		return models.CheckFail, fmt.Sprintf("read schema version: %v", err), nil, nil
	}
	if strings.TrimSpace(v) != records.SchemaVersion {
		return models.CheckFail,
			fmt.Sprintf("schema version %s does not match expected %s", v, records.SchemaVersion),
			map[string]any{"stored": v, "expected": records.SchemaVersion},
			nil
	}
	return models.CheckPass, "schema version " + v, nil, nil
}

func (c *SchemaVersionCheck) Repair(context.Context) error { return nil }
