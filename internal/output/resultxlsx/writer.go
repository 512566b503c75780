// Package resultxlsx collects reports into an Excel workbook.
package resultxlsx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuri/excelize/v2"

	"funnelscope/internal/logger"
	"funnelscope/pkg/models"
)

const (
	funnelSheet = "Funnel"
	ttcSheet    = "Time to convert"
)

var (
	funnelColumns = []string{"Run", "Funnel", "Breakdown", "Aggregate", "Step", "Label", "Event", "Count", "Conversion %", "Drop off", "Drop off %", "Avg time to convert (s)"}
	ttcColumns    = []string{"Run", "Funnel", "From step", "To step", "Bin from (s)", "Bin to (s)", "Count", "Average (s)", "Median (s)", "Sample size"}
)

// Writer buffers rows in a workbook and saves it on Close.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    *excelize.File
	nextRow map[string]int
}

// NewWriter prepares a workbook that will be saved to path.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", funnelSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(ttcSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}

	w := &Writer{path: path, file: f, nextRow: map[string]int{}}
	if err := w.writeHeader(funnelSheet, funnelColumns); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.writeHeader(ttcSheet, ttcColumns); err != nil {
		f.Close()
		return nil, err
	}
	logger.Infof("Result XLSX writer initialized: %s", path)
	return w, nil
}

func (w *Writer) writeHeader(sheet string, columns []string) error {
	headerStyle, err := w.file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := w.file.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(columns), 1)
	if err := w.file.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	w.nextRow[sheet] = 2
	return nil
}

// WriteReport appends the report rows to the matching sheet.
func (w *Writer) WriteReport(_ context.Context, report *models.Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case report.Funnel != nil:
		res := report.Funnel
		for _, s := range res.Steps {
			if err := w.appendRow(funnelSheet, stepRow(res.RunID, report.Name, s, false)); err != nil {
				return err
			}
		}
		for _, s := range res.AggregateSteps {
			if err := w.appendRow(funnelSheet, stepRow(res.RunID, report.Name, s, true)); err != nil {
				return err
			}
		}
	case report.TimeToConvert != nil:
		res := report.TimeToConvert
		for _, b := range res.Bins {
			row := []interface{}{res.RunID, report.Name, res.FromStep, res.ToStep, b.From, b.To, b.Count,
				optionalInt(res.AverageSeconds), optionalInt(res.MedianSeconds), res.SampleSize}
			if err := w.appendRow(ttcSheet, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func stepRow(runID, name string, s models.StepResult, aggregate bool) []interface{} {
	breakdown := ""
	if s.BreakdownValue != nil {
		breakdown = *s.BreakdownValue
	}
	var avg interface{} = ""
	if s.AvgTimeToConvertSeconds != nil {
		avg = *s.AvgTimeToConvertSeconds
	}
	return []interface{}{runID, name, breakdown, aggregate, s.Step, s.Label, s.EventName, s.Count,
		s.ConversionRate, s.DropOff, s.DropOffRate, avg}
}

func optionalInt(v *int64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func (w *Writer) appendRow(sheet string, row []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, w.nextRow[sheet])
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(sheet, cell, &row); err != nil {
		return fmt.Errorf("write %s row: %w", sheet, err)
	}
	w.nextRow[sheet]++
	return nil
}

// Close saves the workbook.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	defer func() { w.file = nil }()
	if err := w.file.SaveAs(w.path); err != nil {
		w.file.Close()
		return fmt.Errorf("save workbook: %w", err)
	}
	return w.file.Close()
}
