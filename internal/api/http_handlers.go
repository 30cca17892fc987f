package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"fieldbook/internal/export"
	"fieldbook/internal/ledger"
	"fieldbook/internal/models"
	"fieldbook/internal/receipt"

	"github.com/julienschmidt/httprouter"
)

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := UserFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}

// writeLedgerError maps ledger and request errors onto HTTP statuses.
func (s *HTTPServer) writeLedgerError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": reqErr.Errors})
		return
	}

	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"details": []fieldError{{Field: verr.Field, Message: verr.Message}},
		})
		return
	}

	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func (s *HTTPServer) handleCreateField(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	hostID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createFieldRequest
	if err := decodeAndValidate(s.validate, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}

	field := &models.Field{
		ID:           req.FieldID,
		HostID:       hostID,
		Name:         strings.TrimSpace(req.Name),
		Location:     strings.TrimSpace(req.Location),
		PricePerHour: models.Money(*req.PricePerHour),
	}
	if err := s.deps.Ledger.RegisterField(r.Context(), field); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, field)
}

func (s *HTTPServer) handleGetField(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	field, err := s.deps.Ledger.GetField(r.Context(), ps.ByName("fieldId"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, field)
}

func (s *HTTPServer) handleListFields(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	filter, err := parseFieldFilter(r.URL.Query())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	fields, err := s.deps.Ledger.ListFields(r.Context(), filter)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (s *HTTPServer) handleMyFields(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	hostID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	fields, err := s.deps.Ledger.ListHostFields(r.Context(), hostID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (s *HTTPServer) handleDeleteField(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	hostID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.deps.Ledger.DeleteField(r.Context(), ps.ByName("fieldId"), hostID); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUpdatePrice(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	hostID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req updatePriceRequest
	if err := decodeAndValidate(s.validate, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}

	field, err := s.deps.Ledger.UpdateFieldPrice(r.Context(), ps.ByName("fieldId"), hostID, models.Money(*req.PricePerHour))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, field)
}

func (s *HTTPServer) handleCalendar(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	cal, err := s.deps.Ledger.GetCalendar(r.Context(), ps.ByName("fieldId"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *HTTPServer) handleDeclare(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	hostID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req declareAvailabilityRequest
	if err := decodeAndValidate(s.validate, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	tr, err := parseRange(req.Start, req.End)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	cal, err := s.deps.Ledger.DeclareAvailability(r.Context(), ps.ByName("fieldId"), hostID, req.Dates, tr)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *HTTPServer) handleSlots(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fieldID := ps.ByName("fieldId")
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		writeError(w, http.StatusBadRequest, "date is required")
		return
	}

	seq, err := s.deps.Ledger.GetAvailableSlots(r.Context(), fieldID, date)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	hasCalendar, err := s.deps.Ledger.HasCalendar(r.Context(), fieldID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	slots := []models.TimeMark{}
	for m := range seq {
		slots = append(slots, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fieldId":     fieldID,
		"date":        date,
		"hasCalendar": hasCalendar,
		"slots":       slots,
	})
}

func (s *HTTPServer) handleQuote(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	tr, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	price, err := s.deps.Ledger.Quote(r.Context(), ps.ByName("fieldId"), tr.Start, tr.End)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fieldId": ps.ByName("fieldId"),
		"start":   tr.Start,
		"end":     tr.End,
		"price":   price,
		"display": price.String(),
	})
}

// hostLedger loads the ledger of a field owned by the caller.
func (s *HTTPServer) hostLedger(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (*models.Field, *models.BookingLedger, bool) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return nil, nil, false
	}
	field, err := s.deps.Ledger.GetField(r.Context(), ps.ByName("fieldId"))
	if err != nil {
		s.writeLedgerError(w, err)
		return nil, nil, false
	}
	if field.HostID != userID {
		writeError(w, http.StatusForbidden, "only the host of the field may read its ledger")
		return nil, nil, false
	}

	q := r.URL.Query()
	bookings, err := s.deps.Ledger.GetLedger(r.Context(), field.ID, q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeLedgerError(w, err)
		return nil, nil, false
	}
	return field, bookings, true
}

func (s *HTTPServer) handleLedger(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	_, bookings, ok := s.hostLedger(w, r, ps)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	field, bookings, ok := s.hostLedger(w, r, ps)
	if !ok {
		return
	}
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")

	var buf bytes.Buffer
	if err := export.WriteLedger(&buf, field, bookings, from, to); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if s.deps.ExportDir != "" {
		if path, err := export.SaveLedger(s.deps.ExportDir, field, bookings, from, to); err != nil {
			s.logger.Warn().Err(err).Str("field_id", field.ID).Msg("export archive failed")
		} else {
			s.logger.Info().Str("file_path", path).Msg("ledger exported")
		}
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(field.ID, from, to)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleRequestBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.bookings.allow(r.Context(), userID) {
		writeError(w, http.StatusTooManyRequests, "too many booking requests")
		return
	}

	var req bookingRequestBody
	if err := decodeAndValidate(s.validate, r, &req); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	tr, err := parseRange(req.Start, req.End)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	outcome, err := s.deps.Ledger.RequestBooking(r.Context(), models.BookingRequest{
		FieldID: ps.ByName("fieldId"),
		Date:    req.Date,
		Start:   tr.Start,
		End:     tr.End,
		UserID:  userID,
	})
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if outcome.Conflict != nil {
		writeJSON(w, http.StatusConflict, outcome)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (s *HTTPServer) handleGetReservation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	_, res, ok := s.ownReservation(w, r, ps)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	err := s.deps.Ledger.CancelBooking(r.Context(), ps.ByName("fieldId"), ps.ByName("date"), ps.ByName("reservationId"), userID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleReceipt(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	field, res, ok := s.ownReservation(w, r, ps)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := s.deps.Receipts.Render(&buf, field, res); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+receipt.FileName(res))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// ownReservation loads a reservation visible to its booker and the field's host.
func (s *HTTPServer) ownReservation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (*models.Field, *models.Reservation, bool) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return nil, nil, false
	}
	field, err := s.deps.Ledger.GetField(r.Context(), ps.ByName("fieldId"))
	if err != nil {
		s.writeLedgerError(w, err)
		return nil, nil, false
	}
	res, err := s.deps.Ledger.GetReservation(r.Context(), field.ID, ps.ByName("date"), ps.ByName("reservationId"))
	if err != nil {
		s.writeLedgerError(w, err)
		return nil, nil, false
	}
	if res.BookedBy != userID && field.HostID != userID {
		writeError(w, http.StatusForbidden, "reservation belongs to another user")
		return nil, nil, false
	}
	return field, res, true
}

func (s *HTTPServer) handleMyBookings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	reservations, err := s.deps.Ledger.ListUserReservations(r.Context(), userID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": reservations})
}
