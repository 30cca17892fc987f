package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"fieldbook/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const defaultSheetName = "Reservations"

// ErrRowNotFound is returned when no row carries the reservation id.
var ErrRowNotFound = errors.New("reservation row not found")

var reservationHeader = []interface{}{
	"ID", "Field", "Date", "Start", "End", "Booked by", "Price", "Created at",
}

// SheetsService mirrors committed reservations into one sheet, one row per reservation.
type SheetsService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	rowCache      map[string]int
	cacheMu       sync.RWMutex
}

func NewSheetsService(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*SheetsService, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newSheetsService(srv, spreadsheetID, sheetName), nil
}

func newSheetsService(srv *sheets.Service, spreadsheetID, sheetName string) *SheetsService {
	if sheetName == "" {
		sheetName = defaultSheetName
	}
	return &SheetsService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		rowCache:      make(map[string]int),
	}
}

// TestConnection проверяет доступ к таблице
func (s *SheetsService) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to access spreadsheet %s: %w", s.spreadsheetID, err)
	}
	return nil
}

// EnsureHeader writes the column titles into the first row.
func (s *SheetsService) EnsureHeader(ctx context.Context) error {
	rangeData := fmt.Sprintf("%s!A1:H1", s.sheetName)
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
		Values: [][]interface{}{reservationHeader},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// WarmUpCache indexes the id column so later lookups skip a round trip.
func (s *SheetsService) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.idColumn()).Context(ctx).Do()
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = indexRows(resp.Values)
	return nil
}

// AppendReservation writes the reservation row, replacing an existing row with the same id.
func (s *SheetsService) AppendReservation(ctx context.Context, r *models.Reservation) error {
	if r == nil {
		return fmt.Errorf("reservation is nil")
	}
	valueRange := &sheets.ValueRange{Values: [][]interface{}{reservationRowValues(r)}}

	rowIdx, err := s.FindReservationRow(ctx, r.ID)
	switch {
	case err == nil:
		rangeData := fmt.Sprintf("%s!A%d:H%d", s.sheetName, rowIdx, rowIdx)
		_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, valueRange).
			ValueInputOption("RAW").
			Context(ctx).
			Do()
		return err
	case !errors.Is(err, ErrRowNotFound):
		return err
	}

	_, err = s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.idColumn(), valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return err
}

// DeleteReservation clears the row of the reservation. A missing row is not an error.
func (s *SheetsService) DeleteReservation(ctx context.Context, reservationID string) error {
	rowIdx, err := s.FindReservationRow(ctx, reservationID)
	if errors.Is(err, ErrRowNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	rangeData := fmt.Sprintf("%s!A%d:H%d", s.sheetName, rowIdx, rowIdx)
	_, err = s.service.Spreadsheets.Values.Clear(s.spreadsheetID, rangeData, &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err == nil {
		s.deleteCachedRow(reservationID)
	}
	return err
}

// FindReservationRow locates the 1-based row of reservationID in column A.
func (s *SheetsService) FindReservationRow(ctx context.Context, reservationID string) (int, error) {
	if reservationID == "" {
		return 0, fmt.Errorf("reservation id is required")
	}
	if row, ok := s.getCachedRow(reservationID); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.idColumn()).Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	rows := indexRows(resp.Values)
	row, ok := rows[reservationID]
	if !ok {
		return 0, ErrRowNotFound
	}
	s.setCachedRow(reservationID, row)
	return row, nil
}

// ClearCache clears the row index cache.
func (s *SheetsService) ClearCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)
}

func (s *SheetsService) idColumn() string {
	return s.sheetName + "!A:A"
}

func (s *SheetsService) getCachedRow(id string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsService) setCachedRow(id string, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

func (s *SheetsService) deleteCachedRow(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.rowCache, id)
}

// indexRows maps the ids of column A to 1-based sheet rows. The header row is skipped.
func indexRows(values [][]interface{}) map[string]int {
	rows := make(map[string]int, len(values))
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		id := fmt.Sprint(row[0])
		if id == "" || id == reservationHeader[0] {
			continue
		}
		rows[id] = i + 1
	}
	return rows
}

func reservationRowValues(r *models.Reservation) []interface{} {
	return []interface{}{
		r.ID,
		r.FieldID,
		r.Date,
		r.Start.String(),
		r.End.String(),
		r.BookedBy,
		r.Price.String(),
		r.CreatedAt.Format(time.DateTime),
	}
}
