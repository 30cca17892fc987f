package api

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"fieldbook/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type AuthInterceptor struct {
	cfg *config.APIConfig

	clientsByAPIKey map[string]config.APIClientKey
	limiter         *rateLimiter
	tokens          *TokenVerifier
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}

	return &AuthInterceptor{
		cfg:             cfg,
		clientsByAPIKey: m,
		limiter:         newRateLimiter(cfg),
		tokens:          NewTokenVerifier(cfg.JWT),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(ctx, info.FullMethod); err != nil {
				return nil, err
			}
		}
		if !a.limiter.allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		userID, err := a.callerIdentity(ctx)
		if err != nil {
			return nil, err
		}
		if userID != "" {
			ctx = withUser(ctx, userID)
		}
		return handler(ctx, req)
	}
}

// callerIdentity prefers a signed bearer token. The plain user header is honoured only
// for callers that already passed API key auth, i.e. trusted gateways.
func (a *AuthInterceptor) callerIdentity(ctx context.Context) (string, error) {
	if header := first(metadataValues(ctx, authorizationMetadataKey)); header != "" {
		userID, err := a.tokens.Verify(header)
		if err != nil {
			return "", status.Error(codes.Unauthenticated, "invalid bearer token")
		}
		return userID, nil
	}

	userID := first(metadataValues(ctx, userIDMetadataKey))
	if userID == "" {
		return "", nil
	}
	if !a.cfg.Auth.Enabled {
		return "", status.Error(codes.Unauthenticated, "x-user-id requires an authenticated api client")
	}
	return userID, nil
}

const (
	apiKeyHeaderDefault      = "x-api-key"
	apiExtraHeaderDefault    = "x-api-extra"
	userIDMetadataKey        = "x-user-id"
	authorizationMetadataKey = "authorization"
	clientKeyUnknown         = "unknown"
)

// Permissions granted to API clients.
const (
	PermReadAvailability = "read:availability"
	PermWriteBookings    = "write:bookings"
	PermManageFields     = "manage:fields"
	PermReadLedger       = "read:ledger"
)

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	apiKey := first(md.Get(headerOrDefault(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
	extra := first(md.Get(headerOrDefault(a.cfg.Auth.HeaderExtra, apiExtraHeaderDefault)))
	if apiKey == "" || extra == "" {
		return status.Error(codes.Unauthenticated, "missing api key headers")
	}

	client, ok := a.clientsByAPIKey[apiKey]
	if !ok {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}

	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid extra header")
	}

	if !hasPermission(client, requiredPermission(fullMethod)) {
		return status.Error(codes.PermissionDenied, "permission denied")
	}
	return nil
}

// hasPermission treats an empty permission list as allow-all.
func hasPermission(client config.APIClientKey, required string) bool {
	if required == "" || len(client.Permissions) == 0 {
		return true
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return true
		}
	}
	return false
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case methodGetAvailableSlots:
		return PermReadAvailability
	case methodDeclareAvailability:
		return PermManageFields
	case methodRequestBooking, methodCancelBooking:
		return PermWriteBookings
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	apiKey := first(metadataValues(ctx, headerOrDefault(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
	if apiKey != "" {
		return apiKey
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func headerOrDefault(header, def string) string {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return def
	}
	return h
}

func metadataValues(ctx context.Context, key string) []string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	return md.Get(key)
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "grpc").Logger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		dur := time.Since(start)

		code := codes.OK
		if err != nil {
			code = status.Code(err)
		}

		remote := clientKeyUnknown
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		base.Info().
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", remote).
			Str("code", code.String()).
			Dur("duration", dur).
			Msg("grpc request")

		return resp, err
	}
}

const requestIDMetadataKey = "x-request-id"

func requestIDFromMetadata(ctx context.Context) string {
	if id := first(metadataValues(ctx, requestIDMetadataKey)); id != "" {
		return id
	}
	return uuid.NewString()
}
