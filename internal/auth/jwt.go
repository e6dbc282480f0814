package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken    = errors.New("missing Authorization header")
	ErrMalformedHeader = errors.New("invalid Authorization header format")
	// ErrOpaqueToken means the token is not a JWT; nothing can be said
	// about its expiry.
	ErrOpaqueToken = errors.New("token is not a JWT")
)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || strings.TrimSpace(token) == "" {
		return "", ErrMalformedHeader
	}
	return token, nil
}

// TokenInfo is what the device can learn from its own API token without
// the issuer's key.
type TokenInfo struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Expired reports whether the token had expired at now.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// ExpiresWithin reports whether the token expires in less than d from now.
func (i TokenInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !i.ExpiresAt.IsZero() && i.ExpiresAt.Sub(now) < d
}

// InspectToken decodes the claims of a JWT bearer token without verifying
// its signature. The API verifies; the device only warns about expiry.
func InspectToken(raw string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrOpaqueToken, err)
	}

	var info TokenInfo
	info.Subject, _ = claims.GetSubject()
	info.Issuer, _ = claims.GetIssuer()
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return TokenInfo{}, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// BearerMiddleware rejects requests whose bearer token is not expected.
// /healthz is always let through.
func BearerMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
