package adapter

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
)

var legacyHeader = []string{"source_table", "row_id", "timestamp", "payload"}

// LegacySchema imports dump files produced by the pre-2.0 schema. Timestamps
// are unix epoch seconds; payload is the legacy row serialized as JSON.
type LegacySchema struct{}

func NewLegacySchema() *LegacySchema { return &LegacySchema{} }

func (*LegacySchema) Key() string          { return "legacy_schema" }
func (*LegacySchema) Label() string        { return "Legacy schema dump" }
func (*LegacySchema) Extensions() []string { return []string{"csv"} }

func (*LegacySchema) IsAggregateImport() bool { return false }

func (*LegacySchema) Validate(r io.Reader) (models.ImportPreview, error) {
	return scanCSV(r, legacyHeader, func(row []string) bool {
		if !records.IsRawTable(row[0]) || row[1] == "" {
			return false
		}
		if _, err := strconv.ParseInt(row[2], 10, 64); err != nil {
			return false
		}
		return json.Valid([]byte(row[3]))
	})
}

func (*LegacySchema) Transform(r io.Reader, offset, limit int) ([]records.Normalized, error) {
	rows, err := readCSVWindow(r, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]records.Normalized, 0, len(rows))
	for _, row := range rows {
		epoch, err := strconv.ParseInt(row[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", row[2], err)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(row[3]), &fields); err != nil {
			return nil, fmt.Errorf("parse payload for %s: %w", row[1], err)
		}
		out = append(out, records.Normalized{
			Table:      row[0],
			NaturalID:  row[0] + ":" + row[1],
			RecordedAt: time.Unix(epoch, 0).UTC(),
			Fields:     fields,
		})
	}
	return out, nil
}
