package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/askben/askben/internal/pkg/errors"
)

// APIKeyAuth rejects requests that do not carry the shared API key, either
// in the X-API-Key header or as an Authorization Bearer token.
// An empty key disables authentication.
func APIKeyAuth(key string, exemptPaths ...string) func(http.Handler) http.Handler {
	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presentedKey(r)), []byte(key)) != 1 {
				apperrors.WriteError(w, apperrors.UnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
