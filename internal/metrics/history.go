package metrics

import (
	"context"
	"sync"
	"time"
)

// DataPoint is a single time-series sample.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Aggregation decides how a bucket's observations become one point.
type Aggregation int

const (
	// AggregateMean averages the bucket's observations.
	AggregateMean Aggregation = iota
	// AggregateSum adds the bucket's observations.
	AggregateSum
)

// MetricHistory buckets observations into fixed windows and keeps the
// most recent maxBuckets of them.
type MetricHistory struct {
	mu         sync.Mutex
	name       string
	agg        Aggregation
	bucketSize time.Duration
	maxBuckets int
	buckets    []DataPoint
	sum        float64
	count      int64
	current    time.Time
	storage    *RedisStorage // optional
	now        func() time.Time
}

// NewMetricHistory creates a history. storage may be nil; when set, past
// buckets are loaded from it and every finished bucket is written back.
func NewMetricHistory(name string, agg Aggregation, bucketSize time.Duration, maxBuckets int, storage *RedisStorage) *MetricHistory {
	h := &MetricHistory{
		name:       name,
		agg:        agg,
		bucketSize: bucketSize,
		maxBuckets: maxBuckets,
		storage:    storage,
		now:        time.Now,
	}
	h.current = h.now().Truncate(bucketSize)

	if storage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		since := h.current.Add(-time.Duration(maxBuckets) * bucketSize)
		if points, err := storage.LoadHistory(ctx, name, since); err == nil {
			h.buckets = trimPoints(points, maxBuckets)
		}
	}
	return h
}

// Name returns the series name.
func (h *MetricHistory) Name() string { return h.name }

// Record adds an observation to the current bucket.
func (h *MetricHistory) Record(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roll()
	h.sum += v
	h.count++
}

// roll closes the current bucket if its window has passed.
// Must be called with lock held.
func (h *MetricHistory) roll() {
	bucket := h.now().Truncate(h.bucketSize)
	if !bucket.After(h.current) {
		return
	}
	if h.count > 0 {
		dp := DataPoint{Timestamp: h.current, Value: h.value()}
		h.buckets = trimPoints(append(h.buckets, dp), h.maxBuckets)
		if h.storage != nil {
			go h.persist(dp)
		}
	}
	h.sum, h.count = 0, 0
	h.current = bucket
}

func (h *MetricHistory) value() float64 {
	if h.agg == AggregateSum {
		return h.sum
	}
	return h.sum / float64(h.count)
}

func (h *MetricHistory) persist(dp DataPoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.storage.SaveDataPoint(ctx, h.name, dp)
}

// Points returns finished buckets plus the open one when it has data.
func (h *MetricHistory) Points() []DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roll()

	out := make([]DataPoint, len(h.buckets), len(h.buckets)+1)
	copy(out, h.buckets)
	if h.count > 0 {
		out = append(out, DataPoint{Timestamp: h.current, Value: h.value()})
	}
	return out
}

// Since returns points at or after t.
func (h *MetricHistory) Since(t time.Time) []DataPoint {
	all := h.Points()
	out := make([]DataPoint, 0, len(all))
	for _, dp := range all {
		if !dp.Timestamp.Before(t) {
			out = append(out, dp)
		}
	}
	return out
}

func trimPoints(points []DataPoint, n int) []DataPoint {
	if len(points) > n {
		return points[len(points)-n:]
	}
	return points
}

// TimeSeriesData holds the charted series.
type TimeSeriesData struct {
	QueryRate    *MetricHistory // questions per bucket
	QueryLatency *MetricHistory // mean answer latency in ms
	EvalRate     *MetricHistory // evaluated examples per bucket

	storage *RedisStorage
}

// History retention: one hour of five-minute buckets.
const (
	historyBucket  = 5 * time.Minute
	historyBuckets = 12
)

// NewTimeSeriesData creates the charted series. storage may be nil.
func NewTimeSeriesData(storage *RedisStorage) *TimeSeriesData {
	return &TimeSeriesData{
		QueryRate:    NewMetricHistory("query_rate", AggregateSum, historyBucket, historyBuckets, storage),
		QueryLatency: NewMetricHistory("query_latency_ms", AggregateMean, historyBucket, historyBuckets, storage),
		EvalRate:     NewMetricHistory("eval_rate", AggregateSum, historyBucket, historyBuckets, storage),
		storage:      storage,
	}
}

// RecordQuery records one answered question.
func (t *TimeSeriesData) RecordQuery(latencyMs float64) {
	t.QueryRate.Record(1)
	t.QueryLatency.Record(latencyMs)
}

// RecordEvalExample records one evaluated example.
func (t *TimeSeriesData) RecordEvalExample() {
	t.EvalRate.Record(1)
}

// Series returns every series by name.
func (t *TimeSeriesData) Series() map[string][]DataPoint {
	out := make(map[string][]DataPoint, 3)
	for _, h := range []*MetricHistory{t.QueryRate, t.QueryLatency, t.EvalRate} {
		out[h.Name()] = h.Points()
	}
	return out
}

// Persisted reports whether history survives restarts.
func (t *TimeSeriesData) Persisted() bool { return t.storage != nil }

// Close releases the storage connection.
func (t *TimeSeriesData) Close() error {
	if t.storage != nil {
		return t.storage.Close()
	}
	return nil
}
