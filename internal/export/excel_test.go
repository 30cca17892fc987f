package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"fieldbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleLedger() (*models.Field, *models.BookingLedger) {
	field := &models.Field{ID: "f-1", HostID: "h-1", Name: "Arena", PricePerHour: 3000}
	created := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	ledger := &models.BookingLedger{
		FieldID: "f-1",
		ReservationsByDate: map[string][]models.Reservation{
			"2024-07-02": {
				{ID: "r-3", FieldID: "f-1", Date: "2024-07-02", Start: 600, End: 660, BookedBy: "u-2", Price: 3000, CreatedAt: created},
			},
			"2024-07-01": {
				{ID: "r-1", FieldID: "f-1", Date: "2024-07-01", Start: 540, End: 630, BookedBy: "u-1", Price: 4500, CreatedAt: created},
				{ID: "r-2", FieldID: "f-1", Date: "2024-07-01", Start: 630, End: 660, BookedBy: "u-2", Price: 1500, CreatedAt: created},
			},
		},
	}
	return field, ledger
}

func TestWriteLedger(t *testing.T) {
	field, ledger := sampleLedger()

	var buf bytes.Buffer
	require.NoError(t, WriteLedger(&buf, field, ledger, "2024-07-01", "2024-07-31"))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{reservationsSheet, summarySheet}, f.GetSheetList())

	rows, err := f.GetRows(reservationsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "Arena: 2024-07-01 - 2024-07-31", rows[0][0])
	assert.Equal(t, []string{"2024-07-01", "09:00", "10:30", "u-1", "45", "r-1", "2024-06-30 12:00"}, rows[2])
	assert.Equal(t, "r-2", rows[3][5])
	assert.Equal(t, "r-3", rows[4][5])

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	require.Len(t, summary, 4)
	assert.Equal(t, []string{"2024-07-01", "2", "120", "60"}, summary[1])
	assert.Equal(t, "Итого", summary[3][0])
	assert.Equal(t, "90", summary[3][3])
}

func TestSaveLedger(t *testing.T) {
	field, ledger := sampleLedger()
	dir := filepath.Join(t.TempDir(), "exports")

	path, err := SaveLedger(dir, field, ledger, "", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ledger_f-1_start_to_end.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	title, err := f.GetCellValue(reservationsSheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Arena: все даты", title)
}

func TestBuild_RequiresInput(t *testing.T) {
	_, err := Build(nil, &models.BookingLedger{}, "", "")
	assert.Error(t, err)
}

func TestPeriodTitle(t *testing.T) {
	field := &models.Field{Name: "F"}
	assert.Equal(t, "F: с 2024-07-01", periodTitle(field, "2024-07-01", ""))
	assert.Equal(t, "F: по 2024-07-31", periodTitle(field, "", "2024-07-31"))
}
