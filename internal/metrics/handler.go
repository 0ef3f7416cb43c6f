package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Handler returns an HTTP handler that serves Prometheus metrics. When
// collector is non-nil the archive and index gauges are refreshed first.
func (m *Metrics) Handler(collector *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if collector != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			_, _, _ = collector.Collect(ctx)
			cancel()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(m.PrometheusFormat()))
	})
}

// HistoryResponse is the body of the history endpoint.
type HistoryResponse struct {
	Persisted bool                   `json:"persisted"`
	Series    map[string][]DataPoint `json:"series"`
}

// HistoryHandler serves the charted time series as JSON.
func (m *Metrics) HistoryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := HistoryResponse{Series: map[string][]DataPoint{}}
		if m.History != nil {
			resp.Persisted = m.History.Persisted()
			resp.Series = m.History.Series()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
