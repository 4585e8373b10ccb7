package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAuthHeader = errors.New("missing auth header")
	ErrInvalidAuthHeader = errors.New("invalid auth header")
	ErrInvalidAPIKey     = errors.New("invalid api key")
)

func checkApiKey(apiKey string, r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ErrMissingAuthHeader
	}
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return ErrInvalidAuthHeader
	}
	if subtle.ConstantTimeCompare([]byte(authHeader[7:]), []byte(apiKey)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// Authenticate requires "Authorization: Bearer <apiKey>" on every request.
// An empty apiKey disables the check. Preflight requests are let through so
// CORS keeps working.
func Authenticate(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if err := checkApiKey(apiKey, r); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="feedback-ledger"`)
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized", "detail": err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
