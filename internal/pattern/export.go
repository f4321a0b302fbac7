package pattern

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	sheetPattern = "Pattern"
	sheetSummary = "Summary"
)

// WriteXLSX writes the profile as a workbook with a per-bearing sheet and a
// summary sheet.
func WriteXLSX(w io.Writer, p Profile, g Geometry, capturedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetPattern); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetPattern, "A1", &[]any{"bearing_deg", "signal_dbm", "radius", "x", "y"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, pt := range Project(p, g) {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{pt.Bearing, pt.Signal, round2(pt.Radius), round2(pt.X), round2(pt.Y)}
		if err := f.SetSheetRow(sheetPattern, cell, &row); err != nil {
			return fmt.Errorf("write bearing %d: %w", pt.Bearing, err)
		}
	}

	if _, err := f.NewSheet(sheetSummary); err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	summary := [][]any{
		{"captured_at", capturedAt.UTC().Format(time.RFC3339)},
		{"points", p.Count},
		{"best_bearing_deg", p.BestBearing},
		{"best_signal_dbm", p.BestSignal},
		{"min_signal_dbm", p.MinSignal},
		{"max_signal_dbm", p.MaxSignal},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
