// Package eod writes the daily candle of every traded instrument after the close.
package eod

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"market_session/internal/domain"
	"market_session/internal/infra"

	"github.com/shopspring/decimal"
)

// Timeframe is the candle timeframe written by the persister.
const Timeframe = "1d"

// QuoteSnapshotter exposes copies of every live quote.
type QuoteSnapshotter interface {
	SnapshotAll() []domain.Quote
}

// Sources snapshots several caches as one, in order.
type Sources []QuoteSnapshotter

// SnapshotAll concatenates the snapshots of every source.
func (s Sources) SnapshotAll() []domain.Quote {
	var all []domain.Quote
	for _, src := range s {
		all = append(all, src.SnapshotAll()...)
	}
	return all
}

// CandleStore upserts candles keyed by symbol, day and timeframe.
type CandleStore interface {
	UpsertCandles(ctx context.Context, candles []domain.Candle) error
}

// DayFunc returns the exchange-local trading day of t as YYYY-MM-DD.
type DayFunc func(t time.Time) string

// Persister snapshots the quote cache into daily candles.
type Persister struct {
	quotes  QuoteSnapshotter
	store   CandleStore
	day     DayFunc
	now     func() time.Time
	metrics *infra.Metrics
	logger  *slog.Logger
}

// NewPersister creates a persister. A nil now uses time.Now.
func NewPersister(quotes QuoteSnapshotter, store CandleStore, day DayFunc, now func() time.Time, metrics *infra.Metrics, logger *slog.Logger) *Persister {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		quotes:  quotes,
		store:   store,
		day:     day,
		now:     now,
		metrics: metrics,
		logger:  logger,
	}
}

// Run writes one candle per eligible instrument and returns how many were written.
// Re-running on the same day overwrites the earlier rows.
func (p *Persister) Run(ctx context.Context) (int, error) {
	now := p.now()
	quotes := p.quotes.SnapshotAll()
	candles := BuildCandles(quotes, p.day(now), now)

	if len(candles) == 0 {
		p.logger.Warn("EOD persistence found no eligible quotes", slog.Int("quotes", len(quotes)))
		p.metrics.RecordEODRun(0)
		return 0, nil
	}

	if err := p.store.UpsertCandles(ctx, candles); err != nil {
		return 0, fmt.Errorf("upsert %d candles: %w", len(candles), err)
	}

	p.metrics.RecordEODRun(len(candles))
	p.logger.Info("EOD candles persisted",
		slog.Int("candles", len(candles)),
		slog.Int("skipped", len(quotes)-len(candles)),
		slog.String("day", candles[0].Day),
	)
	return len(candles), nil
}

// BuildCandles converts quotes with both a day open and an LTP into daily candles.
// A missing high or low falls back to the max or min of open and close.
func BuildCandles(quotes []domain.Quote, day string, at time.Time) []domain.Candle {
	candles := make([]domain.Candle, 0, len(quotes))
	for _, q := range quotes {
		if !q.Open.Valid || !q.LTP.Valid {
			continue
		}
		open, closePx := q.Open.Decimal, q.LTP.Decimal

		high := decimal.Max(open, closePx)
		if q.High.Valid {
			high = q.High.Decimal
		}
		low := decimal.Min(open, closePx)
		if q.Low.Valid {
			low = q.Low.Decimal
		}

		candles = append(candles, domain.Candle{
			Symbol:    q.Symbol,
			Day:       day,
			Timeframe: Timeframe,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			UpdatedAt: at,
		})
	}
	return candles
}
