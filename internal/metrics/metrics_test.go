package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/bus"
	"github.com/askben/askben/internal/index"
	"github.com/askben/askben/internal/pkg/logger"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_counter", "help", nil)
	c.Inc()
	c.Add(5)
	c.Add(-3)
	if got := c.Value(); got != 6 {
		t.Errorf("Value() = %d, want 6", got)
	}
	c.Reset()
	if got := c.Value(); got != 0 {
		t.Errorf("Value() after Reset = %d, want 0", got)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("test_gauge", "help", nil)
	g.Set(2.5)
	g.Inc()
	g.Dec()
	g.Add(0.25)
	if got := g.Value(); got != 2.75 {
		t.Errorf("Value() = %v, want 2.75", got)
	}
}

func TestGauge_ConcurrentAdd(t *testing.T) {
	g := NewGauge("test_gauge", "help", nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Inc()
		}()
	}
	wg.Wait()
	if got := g.Value(); got != 50 {
		t.Errorf("Value() = %v, want 50", got)
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("test_hist", "help", []float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}

	buckets, counts, sum, count := h.Snapshot()
	if len(buckets) != 3 || len(counts) != 4 {
		t.Fatalf("unexpected layout: %v %v", buckets, counts)
	}
	want := []int64{2, 3, 4, 5}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("counts[%d] = %d, want %d", i, counts[i], want[i])
		}
	}
	if sum != 31.5 {
		t.Errorf("sum = %v, want 31.5", sum)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

func TestCounterVec(t *testing.T) {
	cv := NewCounterVec("test_vec", "help", []string{"kind", "outcome"})
	cv.WithLabels("rag", "scored").Inc()
	cv.WithLabels("rag", "scored").Inc()
	cv.WithLabels("citation", "excluded").Inc()

	all := cv.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll() returned %d members, want 2", len(all))
	}
	if got := cv.WithLabels("rag", "scored").Value(); got != 2 {
		t.Errorf("rag/scored = %d, want 2", got)
	}
	if l := all[0].Labels(); l["kind"] != "citation" {
		t.Errorf("members should be sorted by label values, got %v", l)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on label count mismatch")
		}
	}()
	cv.WithLabels("rag")
}

func TestMetrics_Recorders(t *testing.T) {
	m := New()
	defer m.Close()

	m.RecordQuery("auto", "hybrid", 120*time.Millisecond)
	m.RecordQueryError("GENERATION_ERROR")
	m.RecordCitations("valid", "valid", "hallucinated")
	m.RecordEvalExample("rag", false, time.Second)
	m.RecordEvalExample("rag", true, 2*time.Second)
	m.RecordBusPublish("eval.run.started", time.Millisecond, nil)
	m.RecordBusPublish("eval.run.started", time.Millisecond, errors.New("broker down"))
	m.RecordBusHandled("eval.run.completed", time.Millisecond, errors.New("subscriber failed"))
	m.RecordCacheHit("lru")
	m.RecordCacheMiss("lru")
	m.RecordIndexSync(map[string]int{"chunks": 12})

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"queries", m.Queries.WithLabels("auto", "hybrid").Value(), 1},
		{"tiers", m.RetrievalTiers.WithLabels("hybrid").Value(), 1},
		{"query errors", m.QueryErrors.WithLabels("GENERATION_ERROR").Value(), 1},
		{"valid citations", m.Citations.WithLabels("valid").Value(), 2},
		{"scored", m.EvalExamples.WithLabels("rag", "scored").Value(), 1},
		{"excluded", m.EvalExamples.WithLabels("rag", "excluded").Value(), 1},
		{"bus published", m.BusEventsPublished.WithLabels("eval.run.started").Value(), 2},
		{"bus errors", m.BusErrors.WithLabels("eval.run.started").Value(), 1},
		{"bus handler errors", m.BusEventsHandled.WithLabels("eval.run.completed", "error").Value(), 1},
		{"cache hits", m.CacheHits.WithLabels("lru").Value(), 1},
		{"syncs", m.IndexSyncs.Value(), 1},
		{"upserted", m.IndexUpserted.WithLabels("chunks").Value(), 12},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}

	if _, _, _, n := m.QueryLatency.WithLabels("auto").Snapshot(); n != 1 {
		t.Errorf("query latency count = %d, want 1", n)
	}
	if pts := m.History.QueryRate.Points(); len(pts) != 1 || pts[0].Value != 1 {
		t.Errorf("query rate history = %v, want one point of 1", pts)
	}
}

func TestMetrics_RunLifecycle(t *testing.T) {
	m := New()
	defer m.Close()

	m.RunStarted()
	m.RunStarted()
	m.RunFinished("rag", "completed")

	if got := m.EvalRunsActive.Value(); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	if got := m.EvalRuns.WithLabels("rag", "completed").Value(); got != 1 {
		t.Errorf("completed runs = %d, want 1", got)
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	defer m.Close()

	m.RecordQuery("reasoning", "reasoning-first", 2*time.Second)
	m.RecordCacheHit(`re"dis`)

	out := m.PrometheusFormat()
	for _, want := range []string{
		"# TYPE askben_queries_total counter",
		`askben_queries_total{mode="reasoning",tier="reasoning-first"} 1`,
		"# TYPE askben_query_duration_seconds histogram",
		`askben_query_duration_seconds_bucket{le="2.5",mode="reasoning"} 1`,
		`askben_query_duration_seconds_bucket{le="1",mode="reasoning"} 0`,
		`askben_query_duration_seconds_bucket{le="+Inf",mode="reasoning"} 1`,
		`askben_query_duration_seconds_sum{mode="reasoning"} 2`,
		`askben_query_duration_seconds_count{mode="reasoning"} 1`,
		`askben_embed_cache_hits_total{type="re\"dis"} 1`,
		"# TYPE askben_goroutines gauge",
		"askben_index_syncs_total 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(out, "askben_bus_errors_total") {
		t.Error("empty families should be omitted")
	}
}

type fakeArchive struct {
	stats archive.Stats
	err   error
}

func (f fakeArchive) Stats(context.Context) (archive.Stats, error) { return f.stats, f.err }

type fakeCounts map[index.Tier]int

func (f fakeCounts) Counts(context.Context) (map[index.Tier]int, error) { return f, nil }

func TestCollector(t *testing.T) {
	m := New()
	defer m.Close()

	c := NewCollector(m,
		fakeArchive{stats: archive.Stats{TotalArticles: 3, TotalChunks: 9}},
		fakeCounts{index.TierChunks: 9, index.TierDistillations: 3},
	)
	stats, counts, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if stats.TotalArticles != 3 || counts[index.TierChunks] != 9 {
		t.Errorf("unexpected results: %+v %v", stats, counts)
	}
	if got := m.ArchiveItems.WithLabels("articles").Value(); got != 3 {
		t.Errorf("articles gauge = %v, want 3", got)
	}
	if got := m.IndexVectors.WithLabels("distillations").Value(); got != 3 {
		t.Errorf("distillation vectors gauge = %v, want 3", got)
	}

	failing := NewCollector(m, fakeArchive{err: errors.New("db down")}, nil)
	if _, _, err := failing.Collect(context.Background()); err == nil {
		t.Error("expected archive error")
	}
	if got := m.ArchiveItems.WithLabels("articles").Value(); got != 3 {
		t.Errorf("failed collect should keep gauges, got %v", got)
	}
}

func TestEventSubscriber(t *testing.T) {
	m := New()
	defer m.Close()
	b := bus.NewMemoryBus(logger.Discard())
	defer b.Close()

	if err := NewEventSubscriber(m, b).SubscribeToEvents(context.Background()); err != nil {
		t.Fatalf("SubscribeToEvents() error = %v", err)
	}

	ctx := context.Background()
	publish := func(topic string, payload any) {
		if err := b.Publish(ctx, topic, bus.NewEvent(topic, "test", "run-1", payload)); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
		b.DrainTimeout(time.Second)
	}

	publish(bus.TopicEvalRunStarted, map[string]any{"kind": "rag", "status": "running"})
	publish(bus.TopicEvalRunCompleted, struct {
		Kind   string `json:"kind"`
		Status string `json:"status"`
	}{"rag", "incomplete"})
	publish(bus.TopicIndexSynced, map[string]any{
		"tiers": map[string]any{"chunks": map[string]any{"pushed": 4}},
	})

	if got := m.EvalRunsActive.Value(); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
	if got := m.EvalRuns.WithLabels("rag", "incomplete").Value(); got != 1 {
		t.Errorf("incomplete runs = %d, want 1", got)
	}
	if got := m.IndexUpserted.WithLabels("chunks").Value(); got != 4 {
		t.Errorf("upserted chunks = %d, want 4", got)
	}
}
