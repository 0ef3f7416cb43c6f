// Package metrics provides Prometheus-compatible metrics for AskBen.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// desc is the identity shared by every metric.
type desc struct {
	name   string
	help   string
	labels map[string]string
}

// Name returns the metric name.
func (d *desc) Name() string { return d.name }

// Help returns the metric help text.
func (d *desc) Help() string { return d.help }

// Labels returns a copy of the metric labels.
func (d *desc) Labels() map[string]string {
	out := make(map[string]string, len(d.labels))
	for k, v := range d.labels {
		out[k] = v
	}
	return out
}

// Counter represents a monotonically increasing counter.
type Counter struct {
	desc
	value atomic.Int64
}

// NewCounter creates a new counter.
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{desc: desc{name: name, help: help, labels: labels}}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds delta to the counter. Negative deltas are ignored.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.value.Add(delta)
	}
}

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Reset resets the counter to 0.
func (c *Counter) Reset() { c.value.Store(0) }

// Gauge represents a gauge metric that can go up and down.
type Gauge struct {
	desc
	bits atomic.Uint64
}

// NewGauge creates a new gauge.
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{desc: desc{name: name, help: help, labels: labels}}
}

// Set sets the gauge to v.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Add adds delta to the gauge.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// defaultBuckets are latency buckets in seconds.
var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	desc
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // cumulative; last entry is +Inf
	sum     float64
	count   int64
}

// NewHistogram creates a histogram. Nil buckets use latency buckets in seconds.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return newHistogram(name, help, nil, buckets)
}

func newHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &Histogram{
		desc:    desc{name: name, help: help, labels: labels},
		buckets: b,
		counts:  make([]int64, len(b)+1),
	}
}

// Observe adds a single observation.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	i := sort.SearchFloat64s(h.buckets, v)
	for ; i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// Snapshot returns the bucket bounds, cumulative counts, sum and count.
func (h *Histogram) Snapshot() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.buckets...), append([]int64(nil), h.counts...), h.sum, h.count
}

// vec is a labeled family of metrics of one kind.
type vec[M any] struct {
	name       string
	help       string
	labelNames []string
	build      func(labels map[string]string) M

	mu      sync.RWMutex
	members map[string]M
	order   []string
}

func newVec[M any](name, help string, labelNames []string, build func(map[string]string) M) *vec[M] {
	return &vec[M]{
		name:       name,
		help:       help,
		labelNames: labelNames,
		build:      build,
		members:    make(map[string]M),
	}
}

// Name returns the family name.
func (v *vec[M]) Name() string { return v.name }

// Help returns the family help text.
func (v *vec[M]) Help() string { return v.help }

// WithLabels returns the member for the given label values, creating it
// on first use. It panics on a label count mismatch.
func (v *vec[M]) WithLabels(values ...string) M {
	if len(values) != len(v.labelNames) {
		panic(fmt.Sprintf("metrics: %s expects %d label values, got %d", v.name, len(v.labelNames), len(values)))
	}
	key := strings.Join(values, "\xff")

	v.mu.RLock()
	m, ok := v.members[key]
	v.mu.RUnlock()
	if ok {
		return m
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.members[key]; ok {
		return m
	}
	labels := make(map[string]string, len(values))
	for i, name := range v.labelNames {
		labels[name] = values[i]
	}
	m = v.build(labels)
	v.members[key] = m
	v.order = append(v.order, key)
	return m
}

// GetAll returns every member, sorted by label values.
func (v *vec[M]) GetAll() []M {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := append([]string(nil), v.order...)
	sort.Strings(keys)
	out := make([]M, 0, len(keys))
	for _, k := range keys {
		out = append(out, v.members[k])
	}
	return out
}

// CounterVec is a counter family partitioned by labels.
type CounterVec struct{ *vec[*Counter] }

// NewCounterVec creates a counter family.
func NewCounterVec(name, help string, labelNames []string) *CounterVec {
	return &CounterVec{newVec(name, help, labelNames, func(l map[string]string) *Counter {
		return NewCounter(name, help, l)
	})}
}

// GaugeVec is a gauge family partitioned by labels.
type GaugeVec struct{ *vec[*Gauge] }

// NewGaugeVec creates a gauge family.
func NewGaugeVec(name, help string, labelNames []string) *GaugeVec {
	return &GaugeVec{newVec(name, help, labelNames, func(l map[string]string) *Gauge {
		return NewGauge(name, help, l)
	})}
}

// HistogramVec is a histogram family partitioned by labels.
type HistogramVec struct{ *vec[*Histogram] }

// NewHistogramVec creates a histogram family sharing one bucket layout.
func NewHistogramVec(name, help string, labelNames []string, buckets []float64) *HistogramVec {
	return &HistogramVec{newVec(name, help, labelNames, func(l map[string]string) *Histogram {
		return newHistogram(name, help, l, buckets)
	})}
}
