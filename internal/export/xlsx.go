// Package export renders a patient's history as an xlsx workbook.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/patient-risk-monitor/internal/domain"
)

const (
	historySheet = "History"
	summarySheet = "Summary"
)

var historyHeaders = []string{
	"Captured At", "Heart Rate", "Systolic BP", "Diastolic BP", "Respiratory Rate",
	"Oxygen Saturation", "Temperature", "Recorded By", "Score", "Category", "Flag",
	"Overrides", "Model Version",
}

var historyWidths = []float64{22, 11, 12, 12, 16, 17, 12, 16, 9, 11, 7, 40, 16}

// ContentType is the MIME type of the workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WriteHistory writes a workbook with one row per reading, oldest first,
// and a summary sheet. Degraded readings have empty assessment columns.
func WriteHistory(w io.Writer, patient *domain.Patient, entries []domain.HistoryEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to drop default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	highStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#9C0006"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFC7CE"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create highlight style: %w", err)
	}

	if err := f.SetSheetRow(historySheet, "A1", &historyHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(historyHeaders), 1)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(historySheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	for i, width := range historyWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(historySheet, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, e := range entries {
		row := i + 2
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		values := historyRow(e)
		if err := f.SetSheetRow(historySheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}
		if e.Assessment != nil && e.Assessment.Category == domain.RiskHigh {
			end, _ := excelize.CoordinatesToCellName(len(historyHeaders), row)
			if err := f.SetCellStyle(historySheet, cell, end, highStyle); err != nil {
				return fmt.Errorf("failed to highlight row %d: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(historySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}

	if err := writeSummary(f, patient, entries); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func historyRow(e domain.HistoryEntry) []interface{} {
	r := e.Reading
	row := []interface{}{
		r.CapturedAt.UTC().Format(time.RFC3339),
		r.Vitals.HeartRate,
		r.Vitals.SystolicBP,
		r.Vitals.DiastolicBP,
		r.Vitals.RespiratoryRate,
		r.Vitals.OxygenSaturation,
		r.Vitals.Temperature,
		r.RecordedBy,
	}
	a := e.Assessment
	if a == nil {
		return append(row, nil, "DEGRADED", nil, nil, nil)
	}
	overrides := ""
	for i, o := range a.Overrides {
		if i > 0 {
			overrides += "; "
		}
		overrides += o
	}
	flag := "No"
	if a.Flag {
		flag = "Yes"
	}
	return append(row, a.Score, a.Category.String(), flag, overrides, a.ModelVersion)
}

func writeSummary(f *excelize.File, patient *domain.Patient, entries []domain.HistoryEntry) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}

	counts := map[domain.RiskCategory]int{}
	degraded := 0
	for _, e := range entries {
		if e.Assessment == nil {
			degraded++
			continue
		}
		counts[e.Assessment.Category]++
	}

	rows := [][]interface{}{
		{"Patient", patient.ID},
		{"Arrival Mode", string(patient.ArrivalMode)},
		{"Acuity Level", patient.AcuityLevel},
		{"Registered At", patient.RegisteredAt.UTC().Format(time.RFC3339)},
		{"Readings", len(entries)},
		{"LOW", counts[domain.RiskLow]},
		{"MODERATE", counts[domain.RiskModerate]},
		{"HIGH", counts[domain.RiskHigh]},
		{"Degraded", degraded},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
	}
	return f.SetColWidth(summarySheet, "A", "A", 16)
}

// SaveHistory writes the workbook to dir and returns its path.
func SaveHistory(dir string, patient *domain.Patient, entries []domain.HistoryEntry, now time.Time) (string, error) {
	name := fmt.Sprintf("%s-history-%s.xlsx", patient.ID, now.UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating export file: %w", err)
	}
	if err := WriteHistory(file, patient, entries); err != nil {
		file.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("closing export file: %w", err)
	}
	return path, nil
}
