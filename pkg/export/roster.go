package export

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// Roster is a tabular snapshot of student records prepared for export.
// Rows are ordered and must match the column count.
type Roster struct {
	Title   string
	Columns []string
	Rows    [][]string
}

// RenderCSV produces CSV encoded bytes for the roster.
func RenderCSV(roster Roster) ([]byte, error) {
	if len(roster.Columns) == 0 {
		return nil, fmt.Errorf("roster requires at least one column")
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(roster.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range roster.Rows {
		if len(row) != len(roster.Columns) {
			return nil, fmt.Errorf("row has %d cells, want %d", len(row), len(roster.Columns))
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPDF creates a printable roster report.
func RenderPDF(roster Roster) ([]byte, error) {
	if len(roster.Columns) == 0 {
		return nil, fmt.Errorf("roster requires at least one column")
	}

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()

	if roster.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, roster.Title, "", 1, "C", false, 0, "")
		pdf.Ln(5)
	}

	colWidth := 277.0 / float64(len(roster.Columns))

	pdf.SetFont("Arial", "B", 10)
	for _, column := range roster.Columns {
		pdf.CellFormat(colWidth, 8, column, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, row := range roster.Rows {
		for _, cell := range row {
			pdf.CellFormat(colWidth, 7, cell, "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
