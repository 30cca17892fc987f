package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fieldbook/internal/config"
	"fieldbook/internal/events"
	"fieldbook/internal/ledger"
	"fieldbook/internal/models"
	"fieldbook/internal/receipt"
	"fieldbook/internal/repository"
	"fieldbook/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testHost   = "host-1"
	testField  = "field-1"
	testDate   = "2024-07-01"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() string { return fmt.Sprintf("r-%d", s.n.Add(1)) }

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.NewLedger(store.NewMemoryStore(), events.NewEventBus(nil), ledger.Options{
		Clock: fixedClock{now: time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)},
		IDs:   &seqIDs{},
	}, nil)
	require.NoError(t, l.RegisterField(context.Background(), &models.Field{
		ID: testField, HostID: testHost, Name: "Arena", Location: "Main st. 1", PricePerHour: 3000,
	}))
	return l
}

type testAPI struct {
	t      *testing.T
	url    string
	tokens *TokenVerifier
}

func newTestAPI(t *testing.T, cfg config.APIConfig, deps HTTPDeps) *testAPI {
	t.Helper()
	cfg.JWT.Secret = testSecret
	if deps.Ledger == nil {
		deps.Ledger = newTestLedger(t)
	}
	srv := NewHTTPServer(cfg, deps, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testAPI{t: t, url: ts.URL, tokens: NewTokenVerifier(cfg.JWT)}
}

func (a *testAPI) do(method, path, user string, body any, headers ...string) *http.Response {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.url+path, reader)
	require.NoError(a.t, err)
	if user != "" {
		token, err := a.tokens.Sign(Claims{UserID: user})
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func declareMorning(a *testAPI) {
	resp := a.do(http.MethodPost, "/api/v1/fields/"+testField+"/availability", testHost, map[string]any{
		"dates": []string{testDate}, "start": "09:00", "end": "11:00",
	})
	require.Equal(a.t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})
	resp := a.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBookingFlow(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})

	resp := a.do(http.MethodGet, "/api/v1/fields/"+testField+"/slots?date="+testDate, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty struct {
		HasCalendar bool     `json:"hasCalendar"`
		Slots       []string `json:"slots"`
	}
	decodeBody(t, resp, &empty)
	assert.False(t, empty.HasCalendar)
	assert.Empty(t, empty.Slots)

	declareMorning(a)

	resp = a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-1", map[string]string{
		"date": testDate, "start": "9:00 AM", "end": "10:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.BookingOutcome
	decodeBody(t, resp, &created)
	require.NotNil(t, created.Reservation)
	assert.Equal(t, "r-1", created.Reservation.ID)
	assert.Equal(t, models.Money(3000), created.Reservation.Price)

	resp = a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-2", map[string]string{
		"date": testDate, "start": "09:30", "end": "10:30",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict models.BookingOutcome
	decodeBody(t, resp, &conflict)
	require.NotNil(t, conflict.Conflict)
	assert.Equal(t, "r-1", conflict.Conflict.ReservationID)

	resp = a.do(http.MethodGet, "/api/v1/fields/"+testField+"/slots?date="+testDate, "", nil)
	var slots struct {
		HasCalendar bool     `json:"hasCalendar"`
		Slots       []string `json:"slots"`
	}
	decodeBody(t, resp, &slots)
	assert.True(t, slots.HasCalendar)
	assert.Equal(t, []string{"10:00", "10:30", "11:00"}, slots.Slots)

	resp = a.do(http.MethodGet, "/api/v1/me/bookings", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mine struct {
		Reservations []models.UserReservation `json:"reservations"`
	}
	decodeBody(t, resp, &mine)
	require.Len(t, mine.Reservations, 1)
	assert.Equal(t, models.StateConfirmed, mine.Reservations[0].State)

	path := "/api/v1/fields/" + testField + "/bookings/" + testDate + "/r-1"
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodDelete, path, "user-2", nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, path, "user-1", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodDelete, path, "user-1", nil).StatusCode)
}

func TestBookingValidation(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})
	declareMorning(a)

	tests := []struct {
		name string
		body map[string]string
	}{
		{name: "bad date", body: map[string]string{"date": "01.07.2024", "start": "09:00", "end": "10:00"}},
		{name: "missing end", body: map[string]string{"date": testDate, "start": "09:00"}},
		{name: "bad mark", body: map[string]string{"date": testDate, "start": "nine", "end": "10:00"}},
		{name: "end before start", body: map[string]string{"date": testDate, "start": "10:00", "end": "09:00"}},
		{name: "undeclared", body: map[string]string{"date": testDate, "start": "14:00", "end": "15:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body struct {
				Details []fieldError `json:"details"`
			}
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body.Details)
		})
	}

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/api/v1/fields/missing/bookings", "user-1",
		map[string]string{"date": testDate, "start": "09:00", "end": "10:00"}).StatusCode)
}

func TestIdentity(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})

	resp := a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "", map[string]string{
		"date": testDate, "start": "09:00", "end": "10:00",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = a.do(http.MethodGet, "/api/v1/me/bookings", "", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := NewTokenVerifier(config.JWTConfig{Secret: "other"})
	token, err := other.Sign(Claims{UserID: "user-1"})
	require.NoError(t, err)
	resp = a.do(http.MethodGet, "/api/v1/me/bookings", "", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFieldManagement(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})

	resp := a.do(http.MethodPost, "/api/v1/fields", "host-2", map[string]any{"fieldId": "f-2", "name": "Side pitch", "pricePerHour": 2000})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var field models.Field
	decodeBody(t, resp, &field)
	assert.Equal(t, "host-2", field.HostID)

	resp = a.do(http.MethodPost, "/api/v1/fields", "host-2", map[string]any{"name": "No price"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(http.MethodPut, "/api/v1/fields/f-2/price", testHost, map[string]any{"pricePerHour": 5000})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(http.MethodPut, "/api/v1/fields/f-2/price", "host-2", map[string]any{"pricePerHour": 5000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &field)
	assert.Equal(t, models.Money(5000), field.PricePerHour)

	resp = a.do(http.MethodGet, "/api/v1/fields/f-2/quote?start=09:00&end=10:30", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var quote struct {
		Price   models.Money `json:"price"`
		Display string       `json:"display"`
	}
	decodeBody(t, resp, &quote)
	assert.Equal(t, models.Money(7500), quote.Price)
	assert.Equal(t, "75.00", quote.Display)

	resp = a.do(http.MethodPost, "/api/v1/fields/f-2/availability", testHost, map[string]any{
		"dates": []string{testDate}, "start": "09:00", "end": "10:00",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/v1/fields/f-2/calendar", "", nil).StatusCode)
}

func TestFieldBrowsing(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})

	for _, body := range []map[string]any{
		{"fieldId": "f-2", "name": "Beach", "location": "Sochi", "pricePerHour": 2000},
		{"fieldId": "f-3", "name": "Yard", "location": "Main st. 7", "pricePerHour": 1000},
	} {
		require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/v1/fields", "host-2", body).StatusCode)
	}

	var list struct {
		Fields []models.Field `json:"fields"`
	}
	ids := func() []string {
		out := make([]string, 0, len(list.Fields))
		for _, f := range list.Fields {
			out = append(out, f.ID)
		}
		return out
	}

	resp := a.do(http.MethodGet, "/api/v1/fields", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	assert.Equal(t, []string{testField, "f-2", "f-3"}, ids())

	resp = a.do(http.MethodGet, "/api/v1/fields?location=main+st&maxPrice=2500", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	assert.Equal(t, []string{"f-3"}, ids())

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/v1/fields?maxPrice=cheap", "", nil).StatusCode)

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/v1/me/fields", "", nil).StatusCode)
	resp = a.do(http.MethodGet, "/api/v1/me/fields", "host-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	assert.Equal(t, []string{"f-2", "f-3"}, ids())

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodDelete, "/api/v1/fields/f-2", testHost, nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, "/api/v1/fields/f-2", "host-2", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/v1/fields/f-2", "", nil).StatusCode)

	resp = a.do(http.MethodGet, "/api/v1/me/fields", "host-2", nil)
	decodeBody(t, resp, &list)
	assert.Equal(t, []string{"f-3"}, ids())
}

func TestDeleteFieldWithUpcomingBooking(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})
	declareMorning(a)
	resp := a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-1", map[string]string{
		"date": testDate, "start": "09:00", "end": "10:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodDelete, "/api/v1/fields/"+testField, testHost, nil).StatusCode)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/v1/fields/"+testField, "", nil).StatusCode)
}

func TestCreateFieldRejectsPipeInID(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{})
	resp := a.do(http.MethodPost, "/api/v1/fields", "host-2", map[string]any{"fieldId": "a|b", "name": "Pipe", "pricePerHour": 2000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHostLedgerAndExport(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{ExportDir: t.TempDir()})
	declareMorning(a)
	resp := a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-1", map[string]string{
		"date": testDate, "start": "09:00", "end": "10:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/api/v1/fields/"+testField+"/ledger", "user-1", nil).StatusCode)

	resp = a.do(http.MethodGet, "/api/v1/fields/"+testField+"/ledger?from="+testDate, testHost, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var book models.BookingLedger
	decodeBody(t, resp, &book)
	assert.Len(t, book.ReservationsByDate[testDate], 1)

	resp = a.do(http.MethodGet, "/api/v1/fields/"+testField+"/ledger?from=2024-07-02&to="+testDate, testHost, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(http.MethodGet, "/api/v1/fields/"+testField+"/export", testHost, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", resp.Header.Get("Content-Type"))
}

func TestReceipt(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, HTTPDeps{Receipts: receipt.NewRenderer("k", "")})
	declareMorning(a)
	resp := a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-1", map[string]string{
		"date": testDate, "start": "09:00", "end": "10:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	path := "/api/v1/fields/" + testField + "/bookings/" + testDate + "/r-1/receipt"
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, path, "user-2", nil).StatusCode)

	resp = a.do(http.MethodGet, path, "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("%PDF-")))

	resp = a.do(http.MethodGet, "/api/v1/fields/"+testField+"/bookings/"+testDate+"/r-1", testHost, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBookingRateLimit(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{
		BookingRateLimit: config.BookingRateLimitConf{Requests: 1, WindowSeconds: 60},
	}, HTTPDeps{BookingLimiter: repository.NewMemoryRateLimiter()})
	declareMorning(a)

	body := map[string]string{"date": testDate, "start": "09:00", "end": "10:00"}
	assert.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-1", body).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-1", body).StatusCode)
	// другой пользователь не затронут
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/v1/fields/"+testField+"/bookings", "user-2", body).StatusCode)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "reader", Extra: "r-extra", Permissions: []string{PermReadAvailability}},
				{Key: "admin", Extra: "a-extra"},
			},
		},
	}
	a := newTestAPI(t, cfg, HTTPDeps{})
	slots := "/api/v1/fields/" + testField + "/slots?date=" + testDate

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, slots, "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, slots, "", nil, "x-api-key", "reader", "x-api-extra", "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, slots, "", nil, "x-api-key", "reader", "x-api-extra", "r-extra").StatusCode)

	ledgerPath := "/api/v1/fields/" + testField + "/ledger"
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, ledgerPath, testHost, nil, "x-api-key", "reader", "x-api-extra", "r-extra").StatusCode)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, ledgerPath, testHost, nil, "x-api-key", "admin", "x-api-extra", "a-extra").StatusCode)
}

func TestClientRateLimit(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 2}}, HTTPDeps{})
	path := "/api/v1/fields/" + testField

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, path, "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, path, "", nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, a.do(http.MethodGet, path, "", nil).StatusCode)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, httpStatus(fmt.Errorf("x: %w", ledger.ErrValidation)))
	assert.Equal(t, http.StatusNotFound, httpStatus(ledger.ErrNotFound))
	assert.Equal(t, http.StatusForbidden, httpStatus(ledger.ErrForbidden))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(store.ErrUnavailable))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(io.EOF))
}
