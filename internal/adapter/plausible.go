package adapter

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
	"github.com/wp-statistics/wp-statistics-sub008/internal/records"
)

var plausibleHeader = []string{"date", "page", "visitors", "pageviews"}

const plausibleDateLayout = "2006-01-02"

// Plausible imports per-page daily aggregates exported from Plausible
// Analytics. Rows merge into the summary table additively.
type Plausible struct{}

func NewPlausible() *Plausible { return &Plausible{} }

func (*Plausible) Key() string          { return "plausible" }
func (*Plausible) Label() string        { return "Plausible Analytics export" }
func (*Plausible) Extensions() []string { return []string{"csv"} }

func (*Plausible) IsAggregateImport() bool { return true }

func (*Plausible) Validate(r io.Reader) (models.ImportPreview, error) {
	return scanCSV(r, plausibleHeader, func(row []string) bool {
		if _, err := time.Parse(plausibleDateLayout, row[0]); err != nil {
			return false
		}
		for _, col := range row[2:] {
			if _, err := strconv.ParseInt(col, 10, 64); err != nil {
				return false
			}
		}
		return true
	})
}

func (*Plausible) Transform(r io.Reader, offset, limit int) ([]records.Normalized, error) {
	rows, err := readCSVWindow(r, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]records.Normalized, 0, len(rows))
	for _, row := range rows {
		day, err := time.Parse(plausibleDateLayout, row[0])
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", row[0], err)
		}
		visitors, err := strconv.ParseInt(row[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse visitors %q: %w", row[2], err)
		}
		pageviews, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse pageviews %q: %w", row[3], err)
		}
		out = append(out, records.Normalized{
			Table:      records.TableSummary,
			RecordedAt: day,
			Fields:     map[string]string{"dimension": row[1]},
			Metrics:    map[string]int64{"visitors": visitors, "pageviews": pageviews},
		})
	}
	return out, nil
}
