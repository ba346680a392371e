package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"market_session/internal/cache"
	"market_session/internal/domain"
	"market_session/internal/infra"

	"github.com/shopspring/decimal"
)

// Aggregate names served by Aggregates.Get.
const (
	AggregateGainers   = "gainers"
	AggregateLosers    = "losers"
	AggregateSentiment = "sentiment"
)

// Sentiment thresholds in percent change from previous close.
var (
	bullishThreshold = decimal.RequireFromString("0.5")
	bearishThreshold = decimal.RequireFromString("-0.5")
)

const minSentimentSample = 10

// Mover is one row of the gainers or losers list.
type Mover struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

// Sentiment summarizes how the instrument universe moved against the previous close.
type Sentiment struct {
	Overall        string    `json:"overall"`
	Score          int       `json:"score"`
	BullishPercent int       `json:"bullish_percent"`
	BearishPercent int       `json:"bearish_percent"`
	NeutralPercent int       `json:"neutral_percent"`
	TotalStocks    int       `json:"total_stocks"`
	Timestamp      time.Time `json:"timestamp"`
}

// Aggregates computes market-wide views from the quote cache and keeps them in a ResultCache.
type Aggregates struct {
	quotes *QuoteCache
	cache  *cache.ResultCache
	ttl    func(name string) infra.AggregateTTL
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// NewAggregates wires the aggregate views. ttl resolves the per-key budgets.
func NewAggregates(quotes *QuoteCache, results *cache.ResultCache, ttl func(string) infra.AggregateTTL, limit int, logger *slog.Logger) *Aggregates {
	if limit <= 0 {
		limit = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregates{
		quotes: quotes,
		cache:  results,
		ttl:    ttl,
		limit:  limit,
		now:    time.Now,
		logger: logger,
	}
}

// Names lists the aggregates Get understands.
func (a *Aggregates) Names() []string {
	return []string{AggregateGainers, AggregateLosers, AggregateSentiment}
}

// Get returns the named aggregate through the result cache.
func (a *Aggregates) Get(ctx context.Context, name string) (any, error) {
	budget := a.ttl(name)
	switch name {
	case AggregateGainers:
		return cache.GetOrCompute(ctx, a.cache, name, func(context.Context) ([]Mover, error) {
			return a.Movers(true), nil
		}, budget.TTL(), budget.StaleTTL())
	case AggregateLosers:
		return cache.GetOrCompute(ctx, a.cache, name, func(context.Context) ([]Mover, error) {
			return a.Movers(false), nil
		}, budget.TTL(), budget.StaleTTL())
	case AggregateSentiment:
		return cache.GetOrCompute(ctx, a.cache, name, func(context.Context) (Sentiment, error) {
			return a.Sentiment(), nil
		}, budget.TTL(), budget.StaleTTL())
	default:
		return nil, fmt.Errorf("%w: unknown aggregate %q", domain.ErrValidation, name)
	}
}

// Invalidate drops every cached aggregate so the next read recomputes from current quotes.
func (a *Aggregates) Invalidate() {
	for _, name := range a.Names() {
		a.cache.Delete(name)
	}
}

// Warm touches every aggregate so readers find them computed.
func (a *Aggregates) Warm(ctx context.Context) {
	for _, name := range a.Names() {
		if _, err := a.Get(ctx, name); err != nil {
			a.logger.Warn("Aggregate warm failed", slog.String("aggregate", name), slog.Any("error", err))
		}
	}
}

// Movers ranks instruments by percent change, best first when gainers is true.
// Only instruments moving in the requested direction are listed.
func (a *Aggregates) Movers(gainers bool) []Mover {
	var movers []Mover
	for _, q := range a.quotes.SnapshotAll() {
		pct := q.ChangePct()
		if pct == nil {
			continue
		}
		if (gainers && !pct.IsPositive()) || (!gainers && !pct.IsNegative()) {
			continue
		}
		movers = append(movers, Mover{
			Symbol:    q.Symbol,
			LTP:       q.LTP.Decimal,
			PrevClose: q.PrevClose.Decimal,
			Change:    q.LTP.Decimal.Sub(q.PrevClose.Decimal),
			ChangePct: pct.Round(2),
		})
	}

	sort.SliceStable(movers, func(i, j int) bool {
		if gainers {
			return movers[i].ChangePct.GreaterThan(movers[j].ChangePct)
		}
		return movers[i].ChangePct.LessThan(movers[j].ChangePct)
	})
	if len(movers) > a.limit {
		movers = movers[:a.limit]
	}
	return movers
}

// Sentiment classifies every instrument with a previous close. Fewer than ten samples
// yield a neutral reading.
func (a *Aggregates) Sentiment() Sentiment {
	var changes []decimal.Decimal
	for _, q := range a.quotes.SnapshotAll() {
		if pct := q.ChangePct(); pct != nil {
			changes = append(changes, *pct)
		}
	}

	total := len(changes)
	if total < minSentimentSample {
		return Sentiment{
			Overall:        "neutral",
			Score:          50,
			BullishPercent: 33,
			BearishPercent: 33,
			NeutralPercent: 34,
			TotalStocks:    total,
			Timestamp:      a.now(),
		}
	}

	var bullish, bearish int
	sum := decimal.Zero
	for _, pct := range changes {
		sum = sum.Add(pct)
		switch {
		case pct.GreaterThan(bullishThreshold):
			bullish++
		case pct.LessThan(bearishThreshold):
			bearish++
		}
	}

	bullishPct := percentOf(bullish, total)
	bearishPct := percentOf(bearish, total)

	avg := sum.Div(decimal.NewFromInt(int64(total)))
	score := int(decimal.NewFromInt(50).Add(avg.Mul(decimal.NewFromInt(10))).IntPart())
	score = max(0, min(100, score))

	overall := "neutral"
	switch {
	case score >= 60:
		overall = "bullish"
	case score <= 40:
		overall = "bearish"
	}

	return Sentiment{
		Overall:        overall,
		Score:          score,
		BullishPercent: bullishPct,
		BearishPercent: bearishPct,
		NeutralPercent: 100 - bullishPct - bearishPct,
		TotalStocks:    total,
		Timestamp:      a.now(),
	}
}

func percentOf(n, total int) int {
	return int(decimal.NewFromInt(int64(n * 100)).Div(decimal.NewFromInt(int64(total))).Round(0).IntPart())
}
