package adapter

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/wp-statistics/wp-statistics-sub008/internal/models"
)

const previewSampleRows = 5

// scanCSV validates a CSV stream against an expected header and builds a
// preview, counting all data rows without buffering them.
func scanCSV(r io.Reader, expectedHeader []string, rowValid func([]string) bool) (models.ImportPreview, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return models.ImportPreview{IsValid: false}, nil
	}
	if err != nil {
		return models.ImportPreview{}, fmt.Errorf("read csv header: %w", err)
	}

	preview := models.ImportPreview{Headers: header, IsValid: headerMatches(header, expectedHeader)}
	if !preview.IsValid {
		return preview, nil
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			preview.IsValid = false
			return preview, nil
		}
		if len(row) != len(expectedHeader) || (rowValid != nil && !rowValid(row)) {
			preview.IsValid = false
			return preview, nil
		}
		if len(preview.SampleRows) < previewSampleRows {
			sample := make([]string, len(row))
			copy(sample, row)
			preview.SampleRows = append(preview.SampleRows, sample)
		}
		preview.TotalRows++
	}
	return preview, nil
}

// readCSVWindow returns data rows [offset, offset+limit), skipping the header.
func readCSVWindow(r io.Reader, offset, limit int) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	if _, err := cr.Read(); err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	for i := 0; i < offset; i++ {
		if _, err := cr.Read(); err == io.EOF {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("skip csv row %d: %w", i, err)
		}
	}

	var rows [][]string
	for len(rows) < limit {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func headerMatches(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
