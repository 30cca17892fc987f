package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fieldbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

func setupMockServer(t *testing.T) (*http.ServeMux, *SheetsService) {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	srv, err := sheets.NewService(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	return mux, newSheetsService(srv, "sheet_tid", "")
}

func testReservation() *models.Reservation {
	return &models.Reservation{
		ID:        "r-1",
		FieldID:   "f-1",
		Date:      "2024-07-01",
		Start:     models.MustTimeMark("09:00"),
		End:       models.MustTimeMark("10:30"),
		BookedBy:  "u-1",
		Price:     4500,
		CreatedAt: time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestReservationRowValues(t *testing.T) {
	row := reservationRowValues(testReservation())
	assert.Equal(t, []interface{}{"r-1", "f-1", "2024-07-01", "09:00", "10:30", "u-1", "45.00", "2024-06-30 12:00:00"}, row)
	assert.Len(t, row, len(reservationHeader))
}

func TestIndexRows(t *testing.T) {
	rows := indexRows([][]interface{}{{"ID"}, {"a"}, {}, {"b"}, {float64(7)}})
	assert.Equal(t, map[string]int{"a": 2, "b": 4, "7": 5}, rows)
}

func TestSheetsService_WarmUpCache(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/sheet_tid/values/Reservations!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"ID"}, {"r-1"}, {"r-2"}}})
	})

	require.NoError(t, s.WarmUpCache(context.Background()))
	row, ok := s.getCachedRow("r-2")
	assert.True(t, ok)
	assert.Equal(t, 3, row)
}

func TestSheetsService_AppendReservation_New(t *testing.T) {
	mux, s := setupMockServer(t)
	var appended atomic.Int32
	mux.HandleFunc("/v4/spreadsheets/sheet_tid/values/Reservations!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"ID"}}})
	})
	mux.HandleFunc("/v4/spreadsheets/sheet_tid/values/Reservations!A:A:append", func(w http.ResponseWriter, r *http.Request) {
		appended.Add(1)
		_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{})
	})

	require.NoError(t, s.AppendReservation(context.Background(), testReservation()))
	assert.Equal(t, int32(1), appended.Load())
}

func TestSheetsService_AppendReservation_Existing(t *testing.T) {
	mux, s := setupMockServer(t)
	var updated atomic.Int32
	s.setCachedRow("r-1", 4)
	mux.HandleFunc("/v4/spreadsheets/sheet_tid/values/Reservations!A4:H4", func(w http.ResponseWriter, r *http.Request) {
		updated.Add(1)
		_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
	})

	require.NoError(t, s.AppendReservation(context.Background(), testReservation()))
	assert.Equal(t, int32(1), updated.Load())
	assert.Error(t, s.AppendReservation(context.Background(), nil))
}

func TestSheetsService_DeleteReservation(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/sheet_tid/values/Reservations!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"ID"}, {"r-1"}}})
	})
	mux.HandleFunc("/v4/spreadsheets/sheet_tid/values/Reservations!A2:H2:clear", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ClearValuesResponse{})
	})

	require.NoError(t, s.DeleteReservation(context.Background(), "r-1"))
	_, cached := s.getCachedRow("r-1")
	assert.False(t, cached)

	// a row that was never mirrored is nothing to delete
	require.NoError(t, s.DeleteReservation(context.Background(), "r-missing"))
}

func TestSheetsService_FindReservationRow_RequiresID(t *testing.T) {
	_, s := setupMockServer(t)
	_, err := s.FindReservationRow(context.Background(), "")
	assert.Error(t, err)
}
