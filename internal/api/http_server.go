package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"fieldbook/internal/config"
	"fieldbook/internal/domain"
	"fieldbook/internal/metrics"
	"fieldbook/internal/realtime"
	"fieldbook/internal/receipt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// HTTPDeps are the collaborators behind the HTTP API. Hub and Receipts are optional.
type HTTPDeps struct {
	Ledger         domain.LedgerService
	Hub            *realtime.Hub
	Receipts       *receipt.Renderer
	BookingLimiter domain.RateLimiter
	ExportDir      string
}

// HTTPServer exposes the ledger over JSON HTTP.
type HTTPServer struct {
	cfg      config.APIConfig
	deps     HTTPDeps
	server   *http.Server
	auth     *HTTPAuth
	tokens   *TokenVerifier
	bookings *bookingGuard
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps HTTPDeps, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		deps:     deps,
		auth:     NewHTTPAuth(cfg),
		tokens:   NewTokenVerifier(cfg.JWT),
		bookings: newBookingGuard(deps.BookingLimiter, cfg.BookingRateLimit),
		validate: newValidator(),
		logger:   zerolog.Nop(),
	}
	if logger != nil {
		srv.logger = logger.With().Str("component", "http").Logger()
	}

	router := httprouter.New()
	srv.routes(router)

	handler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORS.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", cfg.Auth.HeaderAPIKey, cfg.Auth.HeaderExtra},
		AllowCredentials: true,
	}).Handler(router)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(handler),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return srv
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (s *HTTPServer) routes(router *httprouter.Router) {
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	const base = "/api/v1"
	s.handle(router, http.MethodGet, base+"/fields", PermReadAvailability, s.handleListFields)
	s.handle(router, http.MethodPost, base+"/fields", PermManageFields, s.handleCreateField)
	s.handle(router, http.MethodGet, base+"/fields/:fieldId", PermReadAvailability, s.handleGetField)
	s.handle(router, http.MethodDelete, base+"/fields/:fieldId", PermManageFields, s.handleDeleteField)
	s.handle(router, http.MethodPut, base+"/fields/:fieldId/price", PermManageFields, s.handleUpdatePrice)
	s.handle(router, http.MethodGet, base+"/fields/:fieldId/calendar", PermReadAvailability, s.handleCalendar)
	s.handle(router, http.MethodPost, base+"/fields/:fieldId/availability", PermManageFields, s.handleDeclare)
	s.handle(router, http.MethodGet, base+"/fields/:fieldId/slots", PermReadAvailability, s.handleSlots)
	s.handle(router, http.MethodGet, base+"/fields/:fieldId/quote", PermReadAvailability, s.handleQuote)
	s.handle(router, http.MethodGet, base+"/fields/:fieldId/ledger", PermReadLedger, s.handleLedger)
	s.handle(router, http.MethodGet, base+"/fields/:fieldId/export", PermReadLedger, s.handleExport)
	s.handle(router, http.MethodPost, base+"/fields/:fieldId/bookings", PermWriteBookings, s.handleRequestBooking)
	s.handle(router, http.MethodGet, base+"/fields/:fieldId/bookings/:date/:reservationId", PermWriteBookings, s.handleGetReservation)
	s.handle(router, http.MethodDelete, base+"/fields/:fieldId/bookings/:date/:reservationId", PermWriteBookings, s.handleCancelBooking)
	if s.deps.Receipts != nil {
		s.handle(router, http.MethodGet, base+"/fields/:fieldId/bookings/:date/:reservationId/receipt", PermWriteBookings, s.handleReceipt)
	}
	s.handle(router, http.MethodGet, base+"/me/bookings", PermWriteBookings, s.handleMyBookings)
	s.handle(router, http.MethodGet, base+"/me/fields", PermManageFields, s.handleMyFields)

	if s.deps.Hub != nil {
		s.handle(router, http.MethodGet, "/ws/fields/:fieldId", PermReadAvailability, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			s.deps.Hub.Serve(w, r, ps.ByName("fieldId"))
		})
	}
}

// handle registers a route behind API-key auth, rate limiting and bearer identity.
func (s *HTTPServer) handle(router *httprouter.Router, method, path, perm string, h httprouter.Handle) {
	endpoint := method + " " + path
	router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		metrics.IncHTTP(endpoint)

		if err := s.auth.Check(r, perm); err != nil {
			statusCode := http.StatusUnauthorized
			switch {
			case errors.Is(err, errPermissionDenied):
				statusCode = http.StatusForbidden
			case errors.Is(err, errRateLimited):
				statusCode = http.StatusTooManyRequests
			}
			writeError(w, statusCode, err.Error())
			return
		}

		if header := r.Header.Get("Authorization"); header != "" {
			userID, err := s.tokens.Verify(header)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			r = r.WithContext(withUser(r.Context(), userID))
		}

		h(w, r, ps)
	})
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiter: newRateLimiter(&cfg)}
}

var (
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// Check authenticates the API client when auth is enabled and applies its rate limit.
func (a *HTTPAuth) Check(r *http.Request, perm string) error {
	if a.cfg.Auth.Enabled {
		if err := a.checkAuth(r, perm); err != nil {
			return err
		}
	}
	if !a.limiter.allow(a.clientKey(r)) {
		return errRateLimited
	}
	return nil
}

func (a *HTTPAuth) checkAuth(r *http.Request, perm string) error {
	apiKey := strings.TrimSpace(r.Header.Get(headerOrDefault(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
	extra := strings.TrimSpace(r.Header.Get(headerOrDefault(a.cfg.Auth.HeaderExtra, apiExtraHeaderDefault)))
	if apiKey == "" || extra == "" {
		return fmt.Errorf("missing api key headers")
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return fmt.Errorf("invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return fmt.Errorf("invalid extra header")
	}

	if !hasPermission(client, perm) {
		return errPermissionDenied
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(headerOrDefault(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault))); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDMetadataKey))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDMetadataKey, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
