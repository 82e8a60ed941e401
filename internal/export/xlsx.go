package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/spherical-ai/prospectus-engine/internal/schema"
)

const sheetName = "Schools"

// WriteXLSX renders the flattened document as an XLSX workbook.
func WriteXLSX(school *schema.School) ([]byte, error) {
	f := excelize.NewFile()
	if index, _ := f.GetSheetIndex(sheetName); index == -1 {
		if _, err := f.NewSheet(sheetName); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheetName)
	f.SetActiveSheet(activeIndex)

	for i, h := range Header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}

	rowIdx := 2
	for _, row := range Flatten(school) {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, rowIdx)
			_ = f.SetCellValue(sheetName, cell, v)
		}

		write(1, row.SchoolName)
		write(2, row.City)
		write(3, row.Country)
		write(4, row.Address)
		write(5, row.CourseName)
		if row.LessonsPerWeek > 0 {
			write(6, row.LessonsPerWeek)
		} else {
			write(6, "")
		}
		write(7, row.Description)
		write(8, row.Requirements)
		write(9, row.Duration)
		write(10, row.Price)
		if row.PriceValue != nil {
			write(11, *row.PriceValue)
		} else {
			write(11, "")
		}
		write(12, row.Currency)
		write(13, row.Accommodations)
		write(14, row.AdditionalFees)
		write(15, row.Terms)

		rowIdx++
	}

	// Widen the text-heavy columns
	_ = f.SetColWidth(sheetName, "A", "A", 28)
	_ = f.SetColWidth(sheetName, "B", "D", 18)
	_ = f.SetColWidth(sheetName, "E", "E", 28)
	_ = f.SetColWidth(sheetName, "G", "H", 40)
	_ = f.SetColWidth(sheetName, "M", "O", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
