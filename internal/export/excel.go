package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"fieldbook/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	reservationsSheet = "Бронирования"
	summarySheet      = "Итоги"
)

// ContentType of the workbook produced by WriteLedger.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Build lays out the ledger as a workbook: one row per reservation plus per-date totals.
func Build(field *models.Field, ledger *models.BookingLedger, from, to string) (*excelize.File, error) {
	if field == nil || ledger == nil {
		return nil, fmt.Errorf("field and ledger are required")
	}

	f := excelize.NewFile()
	index, err := f.NewSheet(reservationsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.DeleteSheet("Sheet1")

	dates := make([]string, 0, len(ledger.ReservationsByDate))
	for d := range ledger.ReservationsByDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	writeReservations(f, field, ledger, dates, periodTitle(field, from, to))
	writeSummary(f, ledger, dates)
	return f, nil
}

// WriteLedger streams the workbook to w.
func WriteLedger(w io.Writer, field *models.Field, ledger *models.BookingLedger, from, to string) error {
	f, err := Build(field, ledger, from, to)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// SaveLedger writes the workbook into dir and returns its path.
func SaveLedger(dir string, field *models.Field, ledger *models.BookingLedger, from, to string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}
	f, err := Build(field, ledger, from, to)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, FileName(field.ID, from, to))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}

func FileName(fieldID, from, to string) string {
	if from == "" {
		from = "start"
	}
	if to == "" {
		to = "end"
	}
	return fmt.Sprintf("ledger_%s_%s_to_%s.xlsx", fieldID, from, to)
}

func periodTitle(field *models.Field, from, to string) string {
	switch {
	case from == "" && to == "":
		return fmt.Sprintf("%s: все даты", field.Name)
	case from == "":
		return fmt.Sprintf("%s: по %s", field.Name, to)
	case to == "":
		return fmt.Sprintf("%s: с %s", field.Name, from)
	}
	return fmt.Sprintf("%s: %s - %s", field.Name, from, to)
}

func writeReservations(f *excelize.File, field *models.Field, ledger *models.BookingLedger, dates []string, title string) {
	_ = f.SetCellValue(reservationsSheet, "A1", title)
	_ = f.MergeCell(reservationsSheet, "A1", "G1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(reservationsSheet, "A1", "A1", titleStyle)

	headers := []string{"Дата", "Начало", "Конец", "Пользователь", "Стоимость", "ID", "Создано"}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(reservationsSheet, cell, h)
		_ = f.SetCellStyle(reservationsSheet, cell, cell, headerStyle)
	}

	row := 3
	for _, date := range dates {
		for _, r := range ledger.ReservationsByDate[date] {
			values := []interface{}{
				r.Date, r.Start.String(), r.End.String(), r.BookedBy,
				float64(r.Price) / 100, r.ID, r.CreatedAt.Format("2006-01-02 15:04"),
			}
			for i, v := range values {
				cell, _ := excelize.CoordinatesToCellName(i+1, row)
				_ = f.SetCellValue(reservationsSheet, cell, v)
			}
			row++
		}
	}

	_ = f.SetColWidth(reservationsSheet, "A", "C", 12)
	_ = f.SetColWidth(reservationsSheet, "D", "D", 25)
	_ = f.SetColWidth(reservationsSheet, "E", "E", 12)
	_ = f.SetColWidth(reservationsSheet, "F", "F", 38)
	_ = f.SetColWidth(reservationsSheet, "G", "G", 18)
	_ = f.SetCellValue(reservationsSheet, "I1", fmt.Sprintf("Цена за час: %s", field.PricePerHour))
}

func writeSummary(f *excelize.File, ledger *models.BookingLedger, dates []string) {
	for i, h := range []string{"Дата", "Бронирований", "Минут", "Выручка"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(summarySheet, cell, h)
	}

	var total models.Money
	row := 2
	for _, date := range dates {
		reservations := ledger.ReservationsByDate[date]
		var minutes int
		var revenue models.Money
		for _, r := range reservations {
			minutes += int(r.End - r.Start)
			revenue += r.Price
		}
		total += revenue
		for i, v := range []interface{}{date, len(reservations), minutes, float64(revenue) / 100} {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(summarySheet, cell, v)
		}
		row++
	}

	totalLabel, _ := excelize.CoordinatesToCellName(1, row)
	totalCell, _ := excelize.CoordinatesToCellName(4, row)
	_ = f.SetCellValue(summarySheet, totalLabel, "Итого")
	_ = f.SetCellValue(summarySheet, totalCell, float64(total)/100)
	_ = f.SetColWidth(summarySheet, "A", "D", 15)
}
