// Package metrics provides a small Prometheus-compatible collector for the
// relay. It renders the text exposition format directly instead of pulling
// in prometheus/client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values. Bucket counts are
// cumulative, as the exposition format expects.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func metricKey(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns or creates a counter.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := metricKey(name, labels)
	if ctr, ok := c.counters[key]; ok {
		return ctr
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	c.counters[key] = ctr
	return ctr
}

// Gauge returns or creates a gauge.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := metricKey(name, labels)
	if g, ok := c.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels}
	c.gauges[key] = g
	return g
}

// Histogram returns or creates a histogram. A +Inf bucket is always present.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := metricKey(name, labels)
	if h, ok := c.histograms[key]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	h := &Histogram{name: name, help: help, labels: labels, bounds: bounds, buckets: make([]int64, len(bounds))}
	c.histograms[key] = h
	return h
}

// Render writes all metrics in Prometheus text format, sorted by name.
func (c *MetricsCollector) Render() string {
	c.mu.Lock()
	counters := sortedValues(c.counters)
	gauges := sortedValues(c.gauges)
	histograms := sortedValues(c.histograms)
	c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP xmtprelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE xmtprelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "xmtprelay_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	seen := make(map[string]bool)
	for _, ctr := range counters {
		writeHeader(&sb, seen, ctr.name, ctr.help, "counter")
		fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}
	for _, g := range gauges {
		writeHeader(&sb, seen, g.name, g.help, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}
	for _, h := range histograms {
		writeHeader(&sb, seen, h.name, h.help, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			labels := `le="` + bound + `"`
			if h.labels != "" {
				labels = h.labels + "," + labels
			}
			fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_bucket", labels), h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

func writeHeader(sb *strings.Builder, seen map[string]bool, name, help, kind string) {
	if seen[name] {
		return
	}
	seen[name] = true
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// --- Relay metrics ---

var (
	MessagesReceived  = Collector.Counter("xmtprelay_messages_received_total", "Inbound XMTP messages handed to the relay", "")
	RepliesSent       = Collector.Counter("xmtprelay_replies_sent_total", "Replies dispatched to XMTP", "")
	EmptyGenerations  = Collector.Counter("xmtprelay_generation_empty_total", "Messages for which generation produced no response", "")
	RelayErrors       = Collector.Counter("xmtprelay_errors_total", "Messages whose handling failed", "")
	LLMRequests       = Collector.Counter("xmtprelay_llm_requests_total", "Total LLM API requests", "")
	ProviderFallbacks = Collector.Counter("xmtprelay_provider_fallbacks_total", "Requests answered by a fallback provider", "")

	HandleLatency = Collector.Histogram("xmtprelay_handle_seconds", "Time spent handling one inbound message", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
	LLMLatency = Collector.Histogram("xmtprelay_llm_latency_seconds", "LLM request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)

// ProviderFailures counts failed requests for one provider in a failover chain.
func ProviderFailures(provider string) *Counter {
	return Collector.Counter("xmtprelay_provider_failures_total", "Failed LLM requests per provider", `provider="`+provider+`"`)
}
