package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/kopgen/store"
)

const historySheet = "History"

// HistoryXLSX writes the upload history as a workbook, one row per upload.
func HistoryXLSX(uploads []store.Upload) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	headers := []string{"Upload ID", "Regulation", "Mode", "Old PDF", "New PDF", "Uploaded At"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(historySheet, cell, h)
	}

	for i, u := range uploads {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(historySheet, cell, v)
		}

		mode, oldPath := "first_time", ""
		if u.IsComparison() {
			mode, oldPath = "compare", *u.OldPath
		}

		write(1, u.ID)
		write(2, u.RegulationName)
		write(3, mode)
		write(4, oldPath)
		write(5, u.NewPath)
		write(6, u.UploadTime)
	}

	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(historySheet, 1, 1, style)
	}
	_ = f.SetColWidth(historySheet, "A", "A", 10)
	_ = f.SetColWidth(historySheet, "B", "C", 16)
	_ = f.SetColWidth(historySheet, "D", "E", 50)
	_ = f.SetColWidth(historySheet, "F", "F", 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
