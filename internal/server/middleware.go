package server

import (
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/pkg/security"
)

// withLogging logs every request at debug level, with credentials masked
// in the logged headers.
func withLogging(next http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create response writer wrapper to capture status
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if !log.Enabled(r.Context(), slog.LevelDebug) {
			return
		}
		log.WithContext(r.Context()).Debug("HTTP request",
			"method", r.Method,
			"path", security.SanitizeForLog(r.URL.Path),
			"status", wrapped.status,
			"duration", time.Since(start),
			"headers", security.MaskSensitiveHeaders(r.Header),
		)
	})
}

// withRecovery turns handler panics into sanitized 500 responses.
func withRecovery(next http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.WithContext(r.Context()).Error("Panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", security.SanitizeForLog(r.URL.Path),
				)
				apperrors.WriteError(w, apperrors.InternalError("an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// CORSMiddleware adds CORS headers for the configured origins and answers
// preflight requests.
func CORSMiddleware(origins string) func(http.Handler) http.Handler {
	allowed := allowedOrigins(origins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
