package metrics

import (
	"sort"
	"strconv"
	"strings"
)

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	m.collectSystemMetrics()

	var sb strings.Builder

	// Query metrics
	writeCounterVec(&sb, m.Queries)
	writeHistogramVec(&sb, m.QueryLatency)
	writeCounterVec(&sb, m.QueryErrors)
	writeCounterVec(&sb, m.RetrievalTiers)
	writeCounterVec(&sb, m.Citations)

	// Evaluation metrics
	writeCounterVec(&sb, m.EvalExamples)
	writeHistogramVec(&sb, m.EvalExampleLatency)
	writeCounterVec(&sb, m.EvalRuns)
	writeGauge(&sb, m.EvalRunsActive)

	// Archive and index metrics
	writeGaugeVec(&sb, m.ArchiveItems)
	writeGaugeVec(&sb, m.IndexVectors)
	writeCounter(&sb, m.IndexSyncs)
	writeCounterVec(&sb, m.IndexUpserted)

	// Cache and bus metrics
	writeCounterVec(&sb, m.CacheHits)
	writeCounterVec(&sb, m.CacheMisses)
	writeCounterVec(&sb, m.BusEventsPublished)
	writeHistogramVec(&sb, m.BusEventLatency)
	writeCounterVec(&sb, m.BusErrors)
	writeCounterVec(&sb, m.BusEventsHandled)
	writeHistogramVec(&sb, m.BusHandlerLatency)

	// HTTP metrics
	writeCounterVec(&sb, m.HTTPRequests)
	writeHistogramVec(&sb, m.HTTPDuration)
	writeGauge(&sb, m.HTTPRequestsInFlight)

	// System metrics
	writeGauge(&sb, m.GoroutineCount)
	writeGauge(&sb, m.MemoryUsage)
	writeGauge(&sb, m.Uptime)

	return sb.String()
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	sb.WriteString("# HELP ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(help)
	sb.WriteString("\n# TYPE ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(kind)
	sb.WriteString("\n")
}

func writeSample(sb *strings.Builder, name string, labels map[string]string, value string) {
	sb.WriteString(name)
	writeLabels(sb, labels)
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// writeCounter writes a counter in Prometheus format.
func writeCounter(sb *strings.Builder, c *Counter) {
	writeHeader(sb, c.Name(), c.Help(), "counter")
	writeSample(sb, c.Name(), c.Labels(), strconv.FormatInt(c.Value(), 10))
}

// writeGauge writes a gauge in Prometheus format.
func writeGauge(sb *strings.Builder, g *Gauge) {
	writeHeader(sb, g.Name(), g.Help(), "gauge")
	writeSample(sb, g.Name(), g.Labels(), formatFloat(g.Value()))
}

// writeCounterVec writes a counter family. Empty families are omitted.
func writeCounterVec(sb *strings.Builder, cv *CounterVec) {
	counters := cv.GetAll()
	if len(counters) == 0 {
		return
	}
	writeHeader(sb, cv.Name(), cv.Help(), "counter")
	for _, c := range counters {
		writeSample(sb, c.Name(), c.Labels(), strconv.FormatInt(c.Value(), 10))
	}
}

// writeGaugeVec writes a gauge family. Empty families are omitted.
func writeGaugeVec(sb *strings.Builder, gv *GaugeVec) {
	gauges := gv.GetAll()
	if len(gauges) == 0 {
		return
	}
	writeHeader(sb, gv.Name(), gv.Help(), "gauge")
	for _, g := range gauges {
		writeSample(sb, g.Name(), g.Labels(), formatFloat(g.Value()))
	}
}

// writeHistogramVec writes a histogram family. Empty families are omitted.
func writeHistogramVec(sb *strings.Builder, hv *HistogramVec) {
	hists := hv.GetAll()
	if len(hists) == 0 {
		return
	}
	writeHeader(sb, hv.Name(), hv.Help(), "histogram")
	for _, h := range hists {
		writeHistogramSamples(sb, h)
	}
}

func writeHistogramSamples(sb *strings.Builder, h *Histogram) {
	buckets, counts, sum, count := h.Snapshot()
	labels := h.Labels()

	for i, b := range buckets {
		labels["le"] = formatFloat(b)
		writeSample(sb, h.Name()+"_bucket", labels, strconv.FormatInt(counts[i], 10))
	}
	labels["le"] = "+Inf"
	writeSample(sb, h.Name()+"_bucket", labels, strconv.FormatInt(counts[len(counts)-1], 10))
	delete(labels, "le")

	writeSample(sb, h.Name()+"_sum", labels, formatFloat(sum))
	writeSample(sb, h.Name()+"_count", labels, strconv.FormatInt(count, 10))
}

// writeLabels writes labels in Prometheus format {key="value",key2="value2"}.
func writeLabels(sb *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeString(labels[k]))
		sb.WriteString("\"")
	}
	sb.WriteString("}")
}

// escapeString escapes special characters in label values.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
