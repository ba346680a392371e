package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight counters for the engine.
// Uses atomic operations for thread-safety; every method is safe on a nil receiver.
type Metrics struct {
	// Upstream
	upstreamCalls   atomic.Uint64
	upstream429     atomic.Uint64
	upstreamRetries atomic.Uint64

	// Feed
	feedIterations atomic.Uint64
	feedErrors     atomic.Uint64
	quotesUpserted atomic.Uint64

	// Result cache
	cacheHits          atomic.Uint64
	cacheStale         atomic.Uint64
	cacheMisses        atomic.Uint64
	cacheRefreshErrors atomic.Uint64

	// Orders
	ordersFilled       atomic.Uint64
	ordersPending      atomic.Uint64
	ordersPriceChanged atomic.Uint64
	ordersRejected     atomic.Uint64

	// EOD
	eodRuns    atomic.Uint64
	eodCandles atomic.Uint64

	// Gauges
	feedsRunning atomic.Int32
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordUpstreamCall counts one HTTP attempt against the provider.
func (m *Metrics) RecordUpstreamCall() {
	if m == nil {
		return
	}
	m.upstreamCalls.Add(1)
}

// RecordRateLimited counts a 429 answer.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.upstream429.Add(1)
}

// RecordRetry counts a retried upstream call.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Add(1)
}

// RecordFeedIteration records one poll cycle and the quotes it wrote.
func (m *Metrics) RecordFeedIteration(quotes int, err error) {
	if m == nil {
		return
	}
	m.feedIterations.Add(1)
	m.quotesUpserted.Add(uint64(quotes))
	if err != nil {
		m.feedErrors.Add(1)
	}
}

// RecordCacheHit counts a fresh read.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Add(1)
}

// RecordCacheStale counts a stale read served while refreshing.
func (m *Metrics) RecordCacheStale() {
	if m == nil {
		return
	}
	m.cacheStale.Add(1)
}

// RecordCacheMiss counts a synchronous compute.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Add(1)
}

// RecordCacheRefreshError counts a failed background refresh.
func (m *Metrics) RecordCacheRefreshError() {
	if m == nil {
		return
	}
	m.cacheRefreshErrors.Add(1)
}

// RecordOrderOutcome counts an execution result by status.
func (m *Metrics) RecordOrderOutcome(status string) {
	if m == nil {
		return
	}
	switch status {
	case "success":
		m.ordersFilled.Add(1)
	case "pending":
		m.ordersPending.Add(1)
	case "price_changed":
		m.ordersPriceChanged.Add(1)
	default:
		m.ordersRejected.Add(1)
	}
}

// RecordEODRun counts a successful EOD persistence run.
func (m *Metrics) RecordEODRun(candles int) {
	if m == nil {
		return
	}
	m.eodRuns.Add(1)
	m.eodCandles.Add(uint64(candles))
}

// IncrementFeeds increments running feeds by 1.
func (m *Metrics) IncrementFeeds() {
	if m == nil {
		return
	}
	m.feedsRunning.Add(1)
}

// DecrementFeeds decrements running feeds by 1.
func (m *Metrics) DecrementFeeds() {
	if m == nil {
		return
	}
	m.feedsRunning.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	UpstreamCalls      uint64
	Upstream429        uint64
	UpstreamRetries    uint64
	FeedIterations     uint64
	FeedErrors         uint64
	QuotesUpserted     uint64
	CacheHits          uint64
	CacheStale         uint64
	CacheMisses        uint64
	CacheRefreshErrors uint64
	OrdersFilled       uint64
	OrdersPending      uint64
	OrdersPriceChanged uint64
	OrdersRejected     uint64
	EODRuns            uint64
	EODCandles         uint64
	FeedsRunning       int32
	Timestamp          time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Timestamp: time.Now()}
	}
	return MetricsSnapshot{
		UpstreamCalls:      m.upstreamCalls.Load(),
		Upstream429:        m.upstream429.Load(),
		UpstreamRetries:    m.upstreamRetries.Load(),
		FeedIterations:     m.feedIterations.Load(),
		FeedErrors:         m.feedErrors.Load(),
		QuotesUpserted:     m.quotesUpserted.Load(),
		CacheHits:          m.cacheHits.Load(),
		CacheStale:         m.cacheStale.Load(),
		CacheMisses:        m.cacheMisses.Load(),
		CacheRefreshErrors: m.cacheRefreshErrors.Load(),
		OrdersFilled:       m.ordersFilled.Load(),
		OrdersPending:      m.ordersPending.Load(),
		OrdersPriceChanged: m.ordersPriceChanged.Load(),
		OrdersRejected:     m.ordersRejected.Load(),
		EODRuns:            m.eodRuns.Load(),
		EODCandles:         m.eodCandles.Load(),
		FeedsRunning:       m.feedsRunning.Load(),
		Timestamp:          time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	*m = Metrics{}
}
