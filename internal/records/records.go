// Package records is the Postgres data plane: raw event tables, the
// aggregate summary table, the legacy schema read path, and the restore swap
// used by backups.
package records

import (
	"time"
)

// SchemaVersion tags backups and the stats_meta table. Restore refuses
// artifacts whose recorded version does not match.
const SchemaVersion = "2.0"

// MetaSchemaVersion is the stats_meta key holding the schema version.
const MetaSchemaVersion = "schema_version"

// Logical tables of the current schema. Raw event tables are insert-only
// keyed by natural id; Summary is additive upsert.
const (
	TableVisitors = "visitors"
	TableVisits   = "visits"
	TablePages    = "pages"
	TableSummary  = "summary"
)

// RawTables lists the insert-only event tables in a stable order.
var RawTables = []string{TableVisitors, TableVisits, TablePages}

// AllTables lists every table included in backups.
var AllTables = []string{TableVisitors, TableVisits, TablePages, TableSummary}

// Normalized is the canonical record shape adapters produce and the data
// plane consumes. Raw records carry NaturalID and Fields; aggregate records
// carry Metrics folded into the summary table.
type Normalized struct {
	Table      string            `json:"table"`
	NaturalID  string            `json:"natural_id,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
	Fields     map[string]string `json:"fields,omitempty"`
	Metrics    map[string]int64  `json:"metrics,omitempty"`
}

// IsRawTable reports whether logical names an insert-only event table.
func IsRawTable(logical string) bool {
	for _, t := range RawTables {
		if t == logical {
			return true
		}
	}
	return false
}

func physicalTable(logical string) string {
	return "stats_" + logical
}

func legacyTable(logical string) string {
	return "legacy_" + logical
}
