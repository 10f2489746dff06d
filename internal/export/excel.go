// Package export 读数导出为 Excel
package export

import (
	"bytes"
	"fmt"
	"time"

	"oximeter-vitals/internal/vitals"

	"github.com/xuri/excelize/v2"
)

// SheetName 导出的工作表名
const SheetName = "Vitals"

// Header 导出表头
var Header = []string{
	"Index",
	"Time (UTC)",
	"Timestamp",
	"SpO2 (%)",
	"Pulse (bpm)",
}

var columnWidths = []float64{8, 22, 16, 10, 12}

// GenerateReadingsExcel 生成读数 Excel；buf 为空时只有表头
func GenerateReadingsExcel(session vitals.SessionKey, buf vitals.Buffer) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 之前不能关闭文件，出错路径上单独 Close

	index, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:       "Oximeter readings " + sessionLabel(session),
		Description: fmt.Sprintf("%d readings", len(buf)),
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set doc props: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range Header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetCellValue(SheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(SheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetColWidth(SheetName, name, name, columnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rec := range buf {
		// 第 1 行是表头
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		row := []interface{}{
			rec.Index,
			rec.Time().UTC().Format("2006-01-02 15:04:05"),
			rec.Timestamp,
			rec.SpO2,
			rec.Pulse,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var out bytes.Buffer
	if _, err := f.WriteTo(&out); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return out.Bytes(), nil
}

// Filename 下载文件名
func Filename(session vitals.SessionKey, now time.Time) string {
	return fmt.Sprintf("vitals-%s-%s.xlsx", sessionLabel(session), now.UTC().Format("20060102-150405"))
}

func sessionLabel(session vitals.SessionKey) string {
	if session.IsDefault() {
		return "default"
	}
	return session.String()
}
