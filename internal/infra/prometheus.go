package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "market_session"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(MetricsSnapshot) uint64
}

// MetricsCollector exposes a Metrics snapshot to prometheus on every scrape.
type MetricsCollector struct {
	metrics  *Metrics
	counters []counterDesc
	orders   *prometheus.Desc
	feeds    *prometheus.Desc
}

var _ prometheus.Collector = (*MetricsCollector)(nil)

// NewMetricsCollector wraps m as a prometheus.Collector.
func NewMetricsCollector(m *Metrics) *MetricsCollector {
	counter := func(name, help string, value func(MetricsSnapshot) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
			value: value,
		}
	}

	return &MetricsCollector{
		metrics: m,
		counters: []counterDesc{
			counter("upstream_calls_total", "HTTP attempts against the quote provider.", func(s MetricsSnapshot) uint64 { return s.UpstreamCalls }),
			counter("upstream_rate_limited_total", "429 answers from the quote provider.", func(s MetricsSnapshot) uint64 { return s.Upstream429 }),
			counter("upstream_retries_total", "Retried upstream calls.", func(s MetricsSnapshot) uint64 { return s.UpstreamRetries }),
			counter("feed_iterations_total", "Feed poll cycles.", func(s MetricsSnapshot) uint64 { return s.FeedIterations }),
			counter("feed_errors_total", "Feed poll cycles that failed.", func(s MetricsSnapshot) uint64 { return s.FeedErrors }),
			counter("quotes_upserted_total", "Quotes written into the live cache.", func(s MetricsSnapshot) uint64 { return s.QuotesUpserted }),
			counter("cache_hits_total", "Fresh result cache reads.", func(s MetricsSnapshot) uint64 { return s.CacheHits }),
			counter("cache_stale_total", "Stale result cache reads.", func(s MetricsSnapshot) uint64 { return s.CacheStale }),
			counter("cache_misses_total", "Synchronous result cache computes.", func(s MetricsSnapshot) uint64 { return s.CacheMisses }),
			counter("cache_refresh_errors_total", "Failed background refreshes.", func(s MetricsSnapshot) uint64 { return s.CacheRefreshErrors }),
			counter("eod_runs_total", "Successful EOD persistence runs.", func(s MetricsSnapshot) uint64 { return s.EODRuns }),
			counter("eod_candles_total", "Daily candles written.", func(s MetricsSnapshot) uint64 { return s.EODCandles }),
		},
		orders: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "orders_total"),
			"Order executions by outcome.", []string{"status"}, nil),
		feeds: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "feeds_running"),
			"Feeds currently running.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.orders
	ch <- c.feeds
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(snap)))
	}

	byStatus := map[string]uint64{
		"success":       snap.OrdersFilled,
		"pending":       snap.OrdersPending,
		"price_changed": snap.OrdersPriceChanged,
		"error":         snap.OrdersRejected,
	}
	for status, v := range byStatus {
		ch <- prometheus.MustNewConstMetric(c.orders, prometheus.CounterValue, float64(v), status)
	}
	ch <- prometheus.MustNewConstMetric(c.feeds, prometheus.GaugeValue, float64(snap.FeedsRunning))
}

// NewRegistry returns a registry with the engine metrics plus Go runtime collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewMetricsCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// MetricsHandler serves the registry in the prometheus text format.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
