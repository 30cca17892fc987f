package api

import (
	"context"
	"errors"
	"strings"

	"fieldbook/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const userIDKey ctxKey = iota

// Claims of the bearer tokens issued by the identity provider.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

var errInvalidToken = errors.New("invalid token")

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserFromContext returns the authenticated caller, empty for anonymous requests.
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// TokenVerifier checks HMAC-signed bearer tokens.
type TokenVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewTokenVerifier(cfg config.JWTConfig) *TokenVerifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &TokenVerifier{secret: []byte(cfg.Secret), opts: opts}
}

// Verify parses an Authorization header value and returns the user id.
func (v *TokenVerifier) Verify(header string) (string, error) {
	if len(header) < 8 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", errInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(header[7:]), claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	if claims.UserID == "" {
		return "", errInvalidToken
	}
	return claims.UserID, nil
}

// Sign issues a token carrying claims.
func (v *TokenVerifier) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
