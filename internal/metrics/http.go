package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// HTTPMiddleware wraps an HTTP handler to collect metrics.
// It records request count and duration and tracks in-flight requests.
//
// Usage:
//
//	handler := metrics.HTTPMiddleware(m, mux)
func HTTPMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTP(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and calls the underlying WriteHeader.
func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write ensures status code is set before writing.
func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(w.statusCode)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker if the underlying ResponseWriter supports it.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

var pathPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`^/retrieval/article/[^/]+/comparison$`), "/retrieval/article/{article_id}/comparison"},
	{regexp.MustCompile(`^/eval/citation-accuracy/runs/[^/]+$`), "/eval/citation-accuracy/runs/{run_id}"},
	{regexp.MustCompile(`^/eval/runs/[^/]+$`), "/eval/runs/{run_id}"},
}

// normalizePath replaces path parameters with placeholders to keep label
// cardinality bounded.
//
// Examples:
//   - /eval/runs/3f2a... -> /eval/runs/{run_id}
//   - /retrieval/article/art-1/comparison -> /retrieval/article/{article_id}/comparison
func normalizePath(path string) string {
	switch path {
	case "/", "/healthz", "/readyz", "/version", "/metrics", "/metrics/history", "/query", "/retrieval/inspect":
		return path
	}
	for _, p := range pathPatterns {
		if p.re.MatchString(path) {
			return p.replacement
		}
	}
	return path
}

// statusCode converts an HTTP status code to a metric label. Uncommon
// codes are grouped by class.
func statusCode(code int) string {
	switch code {
	case 200, 201, 204, 400, 401, 403, 404, 405, 408, 429, 500, 502, 503, 504:
		return strconv.Itoa(code)
	}
	if code >= 100 && code < 600 {
		return strconv.Itoa(code/100) + "xx"
	}
	return strconv.Itoa(code)
}
