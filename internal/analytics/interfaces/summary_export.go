package interfaces

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	analytics "wattboard-cloud/internal/analytics/domain"
	masterdata "wattboard-cloud/internal/masterdata/domain"
)

// SummaryReport bundles a site's daily rollups for export.
type SummaryReport struct {
	Site      masterdata.Site
	From      time.Time
	To        time.Time
	Summaries []analytics.DailySummary
	// DeviceNames resolves device ids for display; unknown ids render as
	// the raw id.
	DeviceNames map[int64]string
}

func (r SummaryReport) deviceLabel(id int64) string {
	if name, ok := r.DeviceNames[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("device %d", id)
}

func (r SummaryReport) totalKWh() float64 {
	total := 0.0
	for _, s := range r.Summaries {
		total += s.KWh
	}
	return total
}

// BuildSummaryPDF renders a PDF report of daily summaries.
func BuildSummaryPDF(report SummaryReport) ([]byte, error) {
	if report.Site.ID == 0 {
		return nil, errors.New("summary export: empty site")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Daily Energy Summary")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Site: %s", report.Site.Name))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s to %s", report.From.Format("2006-01-02"), report.To.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Energy (kWh): %.3f", report.totalKWh()))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(24, 6, "Date", "1", 0, "C", false, 0, "")
	pdf.CellFormat(44, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(28, 6, "Energy (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(28, 6, "Peak (kW)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(32, 6, "Min Voltage", "1", 0, "C", false, 0, "")
	pdf.CellFormat(28, 6, "Missing %", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, s := range report.Summaries {
		pdf.CellFormat(24, 6, s.Date.Format("2006-01-02"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(44, 6, report.deviceLabel(s.DeviceID), "1", 0, "L", false, 0, "")
		pdf.CellFormat(28, 6, fmt.Sprintf("%.3f", s.KWh), "1", 0, "R", false, 0, "")
		pdf.CellFormat(28, 6, fmt.Sprintf("%.2f", s.PeakPower), "1", 0, "R", false, 0, "")
		minVoltage := ""
		if s.MinVoltage != 0 {
			minVoltage = fmt.Sprintf("%.1f", s.MinVoltage)
		}
		pdf.CellFormat(32, 6, minVoltage, "1", 0, "R", false, 0, "")
		pdf.CellFormat(28, 6, fmt.Sprintf("%.1f", s.MissingPct), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSummaryXLSX renders an XLSX report of daily summaries.
func BuildSummaryXLSX(report SummaryReport) ([]byte, error) {
	if report.Site.ID == 0 {
		return nil, errors.New("summary export: empty site")
	}
	f := excelize.NewFile()
	overviewSheet := "overview"
	daysSheet := "days"
	f.SetSheetName("Sheet1", overviewSheet)
	if _, err := f.NewSheet(daysSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(overviewSheet, "A1", "Daily Energy Summary")
	_ = f.SetCellValue(overviewSheet, "A3", "Site")
	_ = f.SetCellValue(overviewSheet, "B3", report.Site.Name)
	_ = f.SetCellValue(overviewSheet, "A4", "From")
	_ = f.SetCellValue(overviewSheet, "B4", report.From.Format("2006-01-02"))
	_ = f.SetCellValue(overviewSheet, "A5", "To")
	_ = f.SetCellValue(overviewSheet, "B5", report.To.Format("2006-01-02"))
	_ = f.SetCellValue(overviewSheet, "A6", "Total Energy (kWh)")
	_ = f.SetCellValue(overviewSheet, "B6", report.totalKWh())

	_ = f.SetCellValue(daysSheet, "A1", "Date")
	_ = f.SetCellValue(daysSheet, "B1", "Device")
	_ = f.SetCellValue(daysSheet, "C1", "Energy (kWh)")
	_ = f.SetCellValue(daysSheet, "D1", "Peak (kW)")
	_ = f.SetCellValue(daysSheet, "E1", "Peak Time")
	_ = f.SetCellValue(daysSheet, "F1", "Min Voltage")
	_ = f.SetCellValue(daysSheet, "G1", "Missing %")
	for i, s := range report.Summaries {
		row := i + 2
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("A%d", row), s.Date.Format("2006-01-02"))
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("B%d", row), report.deviceLabel(s.DeviceID))
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("C%d", row), s.KWh)
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("D%d", row), s.PeakPower)
		if !s.PeakTS.IsZero() {
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("E%d", row), s.PeakTS.Format(time.RFC3339))
		}
		if s.MinVoltage != 0 {
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("F%d", row), s.MinVoltage)
		}
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("G%d", row), s.MissingPct)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
