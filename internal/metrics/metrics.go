package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Query metrics
	Queries        *CounterVec   // labels: mode, tier
	QueryLatency   *HistogramVec // labels: mode
	QueryErrors    *CounterVec   // labels: code
	RetrievalTiers *CounterVec   // labels: tier

	// Citation metrics
	Citations *CounterVec // labels: status

	// Evaluation metrics
	EvalExamples       *CounterVec   // labels: kind, outcome
	EvalExampleLatency *HistogramVec // labels: kind
	EvalRuns           *CounterVec   // labels: kind, status
	EvalRunsActive     *Gauge

	// Archive and index metrics
	ArchiveItems  *GaugeVec // labels: kind
	IndexVectors  *GaugeVec // labels: tier
	IndexSyncs    *Counter
	IndexUpserted *CounterVec // labels: tier

	// Embedding cache metrics
	CacheHits   *CounterVec // labels: type
	CacheMisses *CounterVec // labels: type

	// Bus metrics
	BusEventsPublished *CounterVec   // labels: topic
	BusEventLatency    *HistogramVec // labels: topic
	BusErrors          *CounterVec   // labels: topic
	BusEventsHandled   *CounterVec   // labels: topic, outcome
	BusHandlerLatency  *HistogramVec // labels: topic

	// HTTP metrics
	HTTPRequests         *CounterVec   // labels: method, path, status
	HTTPDuration         *HistogramVec // labels: method, path
	HTTPRequestsInFlight *Gauge

	// System metrics
	GoroutineCount *Gauge
	MemoryUsage    *Gauge // in bytes
	Uptime         *Gauge // in seconds

	// History holds time series for charting. Nil disables history.
	History *TimeSeriesData

	startTime time.Time
	stopOnce  sync.Once
	stop      chan struct{}
}

// New creates a metrics instance with in-memory history.
func New() *Metrics {
	return NewWithHistory(NewTimeSeriesData(nil))
}

// NewWithHistory creates a metrics instance recording into history.
func NewWithHistory(history *TimeSeriesData) *Metrics {
	m := &Metrics{
		Queries: NewCounterVec(
			"askben_queries_total",
			"Total number of answered questions",
			[]string{"mode", "tier"},
		),
		QueryLatency: NewHistogramVec(
			"askben_query_duration_seconds",
			"End-to-end answer latency in seconds",
			[]string{"mode"},
			[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		),
		QueryErrors: NewCounterVec(
			"askben_query_errors_total",
			"Total number of failed questions by error code",
			[]string{"code"},
		),
		RetrievalTiers: NewCounterVec(
			"askben_retrieval_decisions_total",
			"Routing decisions by resolved tier",
			[]string{"tier"},
		),

		Citations: NewCounterVec(
			"askben_citations_verified_total",
			"Verified citations by status",
			[]string{"status"},
		),

		EvalExamples: NewCounterVec(
			"askben_eval_examples_total",
			"Evaluated examples by run kind and outcome",
			[]string{"kind", "outcome"},
		),
		EvalExampleLatency: NewHistogramVec(
			"askben_eval_example_duration_seconds",
			"Per-example evaluation latency in seconds",
			[]string{"kind"},
			[]float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		),
		EvalRuns: NewCounterVec(
			"askben_eval_runs_total",
			"Finished evaluation runs by kind and status",
			[]string{"kind", "status"},
		),
		EvalRunsActive: NewGauge(
			"askben_eval_runs_active",
			"Evaluation runs currently executing",
			nil,
		),

		ArchiveItems: NewGaugeVec(
			"askben_archive_items",
			"Archive contents by kind",
			[]string{"kind"},
		),
		IndexVectors: NewGaugeVec(
			"askben_index_vectors",
			"Vectors stored in the index by tier",
			[]string{"tier"},
		),
		IndexSyncs: NewCounter(
			"askben_index_syncs_total",
			"Completed index synchronisations",
			nil,
		),
		IndexUpserted: NewCounterVec(
			"askben_index_upserted_total",
			"Vectors written by index synchronisation",
			[]string{"tier"},
		),

		CacheHits: NewCounterVec(
			"askben_embed_cache_hits_total",
			"Total number of embedding cache hits",
			[]string{"type"},
		),
		CacheMisses: NewCounterVec(
			"askben_embed_cache_misses_total",
			"Total number of embedding cache misses",
			[]string{"type"},
		),

		BusEventsPublished: NewCounterVec(
			"askben_bus_events_published_total",
			"Total number of events published to the bus",
			[]string{"topic"},
		),
		BusEventLatency: NewHistogramVec(
			"askben_bus_event_latency_seconds",
			"Event bus publish latency in seconds",
			[]string{"topic"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		),
		BusErrors: NewCounterVec(
			"askben_bus_errors_total",
			"Total number of event bus publish errors",
			[]string{"topic"},
		),
		BusEventsHandled: NewCounterVec(
			"askben_bus_events_handled_total",
			"Total number of events delivered to subscribers",
			[]string{"topic", "outcome"},
		),
		BusHandlerLatency: NewHistogramVec(
			"askben_bus_handler_latency_seconds",
			"Event handler latency in seconds",
			[]string{"topic"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		),

		HTTPRequests: NewCounterVec(
			"askben_http_requests_total",
			"Total number of HTTP requests",
			[]string{"method", "path", "status"},
		),
		HTTPDuration: NewHistogramVec(
			"askben_http_request_duration_seconds",
			"HTTP request duration in seconds",
			[]string{"method", "path"},
			nil,
		),
		HTTPRequestsInFlight: NewGauge(
			"askben_http_requests_in_flight",
			"Number of HTTP requests currently being processed",
			nil,
		),

		GoroutineCount: NewGauge("askben_goroutines", "Number of goroutines", nil),
		MemoryUsage:    NewGauge("askben_memory_bytes", "Heap memory in use in bytes", nil),
		Uptime:         NewGauge("askben_uptime_seconds", "Process uptime in seconds", nil),

		History:   history,
		startTime: time.Now(),
		stop:      make(chan struct{}),
	}

	m.collectSystemMetrics()
	go m.systemLoop()
	return m
}

func (m *Metrics) systemLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.collectSystemMetrics()
		case <-m.stop:
			return
		}
	}
}

func (m *Metrics) collectSystemMetrics() {
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.MemoryUsage.Set(float64(ms.HeapAlloc))

	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordQuery records one answered question.
func (m *Metrics) RecordQuery(mode, tier string, latency time.Duration) {
	m.Queries.WithLabels(mode, tier).Inc()
	m.QueryLatency.WithLabels(mode).Observe(latency.Seconds())
	m.RetrievalTiers.WithLabels(tier).Inc()
	if m.History != nil {
		m.History.RecordQuery(float64(latency.Milliseconds()))
	}
}

// RecordQueryError records a failed question by error code.
func (m *Metrics) RecordQueryError(code string) {
	m.QueryErrors.WithLabels(code).Inc()
}

// RecordCitations tallies verified citation statuses.
func (m *Metrics) RecordCitations(statuses ...string) {
	for _, s := range statuses {
		m.Citations.WithLabels(s).Inc()
	}
}

// RecordEvalExample records one evaluated example.
func (m *Metrics) RecordEvalExample(kind string, excluded bool, duration time.Duration) {
	outcome := "scored"
	if excluded {
		outcome = "excluded"
	}
	m.EvalExamples.WithLabels(kind, outcome).Inc()
	m.EvalExampleLatency.WithLabels(kind).Observe(duration.Seconds())
	if m.History != nil {
		m.History.RecordEvalExample()
	}
}

// RunStarted marks an evaluation run as executing.
func (m *Metrics) RunStarted() {
	m.EvalRunsActive.Inc()
}

// RunFinished records a finished evaluation run.
func (m *Metrics) RunFinished(kind, status string) {
	m.EvalRunsActive.Dec()
	m.EvalRuns.WithLabels(kind, status).Inc()
}

// RecordIndexSync records a completed index synchronisation.
func (m *Metrics) RecordIndexSync(upserted map[string]int) {
	m.IndexSyncs.Inc()
	for tier, n := range upserted {
		m.IndexUpserted.WithLabels(tier).Add(int64(n))
	}
}

// RecordBusPublish records event bus publish metrics.
func (m *Metrics) RecordBusPublish(topic string, latency time.Duration, err error) {
	m.BusEventsPublished.WithLabels(topic).Inc()
	m.BusEventLatency.WithLabels(topic).Observe(latency.Seconds())
	if err != nil {
		m.BusErrors.WithLabels(topic).Inc()
	}
}

// RecordBusHandled records one subscriber invocation.
func (m *Metrics) RecordBusHandled(topic string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BusEventsHandled.WithLabels(topic, outcome).Inc()
	m.BusHandlerLatency.WithLabels(topic).Observe(latency.Seconds())
}

// RecordCacheHit records an embedding cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabels(cacheType).Inc()
}

// RecordCacheMiss records an embedding cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabels(cacheType).Inc()
}

// RecordHTTP records HTTP request metrics.
// This is called by the HTTP middleware.
func (m *Metrics) RecordHTTP(method, path string, status int, duration time.Duration) {
	p := normalizePath(path)
	m.HTTPRequests.WithLabels(method, p, statusCode(status)).Inc()
	m.HTTPDuration.WithLabels(method, p).Observe(duration.Seconds())
}

// Close stops background collection and flushes history.
func (m *Metrics) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.History != nil {
		return m.History.Close()
	}
	return nil
}
