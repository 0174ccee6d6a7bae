// Package metrics exposes the engine's Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/launchanalyzer/internal/model"
)

const namespace = "launchanalyzer"

// Collector implements analyzer.CallObserver and the run counters used by
// the orchestrators.
type Collector struct {
	rpcCalls        *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	itemsClassified *prometheus.CounterVec
	patternMatches  *prometheus.CounterVec
	indexedItems    prometheus.Counter

	registry *prometheus.Registry
}

func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_calls_total",
			Help:      "Analyzer RPC calls by channel, route and outcome",
		},
		[]string{"channel", "route", "outcome"},
	)
	c.rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_call_duration_seconds",
			Help:      "Analyzer RPC latency",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"channel", "route"},
	)
	c.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_runs_total",
			Help:      "Finished analysis runs by analyzer and result",
		},
		[]string{"analyzer", "result"},
	)
	c.itemsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_classified_total",
			Help:      "Test items classified by auto-analysis, by channel key",
		},
		[]string{"channel"},
	)
	c.patternMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_matches_total",
			Help:      "Pattern template matches by template type",
		},
		[]string{"type"},
	)
	c.indexedItems = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexed_items_total",
		Help:      "Test items sent to index-capable analyzers",
	})

	c.registry.MustRegister(
		c.rpcCalls,
		c.rpcDuration,
		c.runs,
		c.itemsClassified,
		c.patternMatches,
		c.indexedItems,
		prometheus.NewGoCollector(),
	)
	return c
}

// ObserveCall records one analyzer RPC.
func (c *Collector) ObserveCall(channel string, route model.Route, outcome string, elapsed time.Duration) {
	c.rpcCalls.WithLabelValues(channel, string(route), outcome).Inc()
	c.rpcDuration.WithLabelValues(channel, string(route)).Observe(elapsed.Seconds())
}

// RunFinished counts a finished run; result is "completed", "failed" or
// "rejected".
func (c *Collector) RunFinished(analyzerKey, result string) {
	c.runs.WithLabelValues(analyzerKey, result).Inc()
}

func (c *Collector) ItemsClassified(channel string, n int) {
	c.itemsClassified.WithLabelValues(channel).Add(float64(n))
}

func (c *Collector) PatternMatched(t model.TemplateType, n int) {
	c.patternMatches.WithLabelValues(string(t)).Add(float64(n))
}

func (c *Collector) ItemsIndexed(n int) {
	c.indexedItems.Add(float64(n))
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (c *Collector) Gauge(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
