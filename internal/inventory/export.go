package inventory

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/models"
)

const (
	unitsSheet   = "Units"
	summarySheet = "Summary"
)

var exportHeader = []string{
	"Unit ID", "Blood Type", "Status", "Volume (mL)", "Collected", "Expires",
	"Quality", "Reserved For", "Institution", "Donor",
}

// Export renders the units matching f and the current availability
// summary as an xlsx workbook.
func (s *Service) Export(ctx context.Context, f Filter) ([]byte, error) {
	units, err := s.Store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	summary, err := s.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return ExportXLSX(units, summary)
}

func ExportXLSX(units []models.BloodUnit, summary map[bloodtype.Type]int) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(unitsSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FDE2E2"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	for i, h := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(unitsSheet, cell, h); err != nil {
			return nil, err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(exportHeader), 1)
	if err := f.SetCellStyle(unitsSheet, "A1", last, headerStyle); err != nil {
		return nil, err
	}

	for r, u := range units {
		reserved := ""
		if u.ReservedForRequest != nil {
			reserved = *u.ReservedForRequest
		}
		row := []any{
			u.ID, string(u.BloodType), string(u.Status), u.VolumeML,
			u.CollectionDate.Format(time.DateOnly), u.ExpiryDate.Format(time.DateOnly),
			u.QualityScore, reserved, u.InstitutionID, u.DonorID,
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(unitsSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	if err := f.SetSheetRow(summarySheet, "A1", &[]any{"Blood Type", "Available Units"}); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(summarySheet, "A1", "B1", headerStyle); err != nil {
		return nil, err
	}
	for i, bt := range bloodtype.All {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(summarySheet, cell, &[]any{string(bt), summary[bt]}); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
