package adapter

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
)

var nativeHeader = []string{"table", "natural_id", "recorded_at", "fields"}

// Native handles the engine's own export format, so an export can be
// imported back without loss.
type Native struct{}

func NewNative() *Native { return &Native{} }

func (*Native) Key() string          { return "wp_statistics" }
func (*Native) Label() string        { return "WP Statistics export" }
func (*Native) Extensions() []string { return []string{"csv"} }

func (*Native) IsAggregateImport() bool { return false }

func (*Native) Validate(r io.Reader) (models.ImportPreview, error) {
	return scanCSV(r, nativeHeader, func(row []string) bool {
		if !records.IsRawTable(row[0]) || row[1] == "" {
			return false
		}
		if _, err := time.Parse(time.RFC3339, row[2]); err != nil {
			return false
		}
		return json.Valid([]byte(row[3]))
	})
}

func (*Native) Transform(r io.Reader, offset, limit int) ([]records.Normalized, error) {
	rows, err := readCSVWindow(r, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]records.Normalized, 0, len(rows))
	for _, row := range rows {
		recordedAt, err := time.Parse(time.RFC3339, row[2])
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", row[2], err)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(row[3]), &fields); err != nil {
			return nil, fmt.Errorf("parse fields for %s: %w", row[1], err)
		}
		out = append(out, records.Normalized{
			Table:      row[0],
			NaturalID:  row[1],
			RecordedAt: recordedAt,
			Fields:     fields,
		})
	}
	return out, nil
}
