package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"market_session/internal/cache"
	"market_session/internal/domain"
	"market_session/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregates(quotes *QuoteCache, limit int) *Aggregates {
	results := cache.New(cache.Options{})
	return NewAggregates(quotes, results, infra.DefaultConfig().Aggregate, limit, nil)
}

func TestAggregates_Movers(t *testing.T) {
	quotes := NewQuoteCache(nil)
	quotes.Upsert("AAA", domain.QuoteUpdate{LTP: px("110"), PrevClose: px("100")})
	quotes.Upsert("BBB", domain.QuoteUpdate{LTP: px("105"), PrevClose: px("100")})
	quotes.Upsert("CCC", domain.QuoteUpdate{LTP: px("90"), PrevClose: px("100")})
	quotes.Upsert("DDD", domain.QuoteUpdate{LTP: px("100"), PrevClose: px("100")})
	quotes.Upsert("EEE", domain.QuoteUpdate{LTP: px("50")})

	agg := newTestAggregates(quotes, 10)

	gainers := agg.Movers(true)
	require.Len(t, gainers, 2)
	assert.Equal(t, "AAA", gainers[0].Symbol)
	assert.Equal(t, "10", gainers[0].ChangePct.String())
	assert.Equal(t, "BBB", gainers[1].Symbol)

	losers := agg.Movers(false)
	require.Len(t, losers, 1)
	assert.Equal(t, "CCC", losers[0].Symbol)
	assert.Equal(t, "-10", losers[0].Change.String())
}

func TestAggregates_MoversLimit(t *testing.T) {
	quotes := NewQuoteCache(nil)
	for i := 1; i <= 5; i++ {
		quotes.Upsert(fmt.Sprintf("S%d", i), domain.QuoteUpdate{LTP: px(fmt.Sprintf("%d", 100+i)), PrevClose: px("100")})
	}

	gainers := newTestAggregates(quotes, 3).Movers(true)
	require.Len(t, gainers, 3)
	assert.Equal(t, "S5", gainers[0].Symbol)
}

func TestAggregates_SentimentNeedsSample(t *testing.T) {
	quotes := NewQuoteCache(nil)
	quotes.Upsert("AAA", domain.QuoteUpdate{LTP: px("150"), PrevClose: px("100")})

	s := newTestAggregates(quotes, 10).Sentiment()
	assert.Equal(t, "neutral", s.Overall)
	assert.Equal(t, 50, s.Score)
	assert.Equal(t, 1, s.TotalStocks)
}

func TestAggregates_Sentiment(t *testing.T) {
	quotes := NewQuoteCache(nil)
	// eight up 2%, two flat: avg +1.62% -> score 66
	for i := 0; i < 8; i++ {
		quotes.Upsert(fmt.Sprintf("UP%d", i), domain.QuoteUpdate{LTP: px("102"), PrevClose: px("100")})
	}
	quotes.Upsert("FLAT1", domain.QuoteUpdate{LTP: px("100"), PrevClose: px("100")})
	quotes.Upsert("FLAT2", domain.QuoteUpdate{LTP: px("100.2"), PrevClose: px("100")})

	s := newTestAggregates(quotes, 10).Sentiment()
	assert.Equal(t, "bullish", s.Overall)
	assert.Equal(t, 66, s.Score)
	assert.Equal(t, 80, s.BullishPercent)
	assert.Equal(t, 0, s.BearishPercent)
	assert.Equal(t, 20, s.NeutralPercent)
	assert.Equal(t, 10, s.TotalStocks)
}

func TestAggregates_SentimentScoreIsClamped(t *testing.T) {
	quotes := NewQuoteCache(nil)
	for i := 0; i < 10; i++ {
		quotes.Upsert(fmt.Sprintf("DN%d", i), domain.QuoteUpdate{LTP: px("10"), PrevClose: px("100")})
	}

	s := newTestAggregates(quotes, 10).Sentiment()
	assert.Equal(t, 0, s.Score)
	assert.Equal(t, "bearish", s.Overall)
	assert.Equal(t, 100, s.BearishPercent)
}

func TestAggregates_GetServesFromCache(t *testing.T) {
	quotes := NewQuoteCache(nil)
	quotes.Upsert("AAA", domain.QuoteUpdate{LTP: px("110"), PrevClose: px("100")})
	agg := newTestAggregates(quotes, 10)

	v, err := agg.Get(context.Background(), AggregateGainers)
	require.NoError(t, err)
	require.Len(t, v.([]Mover), 1)

	// a new gainer is not visible until the entry goes stale
	quotes.Upsert("BBB", domain.QuoteUpdate{LTP: px("120"), PrevClose: px("100")})
	v, err = agg.Get(context.Background(), AggregateGainers)
	require.NoError(t, err)
	assert.Len(t, v.([]Mover), 1)

	_, err = agg.Get(context.Background(), AggregateSentiment)
	require.NoError(t, err)
}

func TestAggregates_GetUnknown(t *testing.T) {
	agg := newTestAggregates(NewQuoteCache(nil), 10)
	_, err := agg.Get(context.Background(), "volume")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestAggregates_Warm(t *testing.T) {
	quotes := NewQuoteCache(nil)
	results := cache.New(cache.Options{})
	agg := NewAggregates(quotes, results, func(string) infra.AggregateTTL {
		return infra.AggregateTTL{TTLSec: 60, StaleTTLSec: 60}
	}, 5, nil)
	agg.now = func() time.Time { return time.Unix(0, 0) }

	agg.Warm(context.Background())
	assert.Equal(t, 3, results.Len())
}

func TestAggregates_InvalidateRecomputes(t *testing.T) {
	quotes := NewQuoteCache(nil)
	quotes.Upsert("AAA", domain.QuoteUpdate{LTP: px("110"), PrevClose: px("100")})
	results := cache.New(cache.Options{})
	agg := NewAggregates(quotes, results, infra.DefaultConfig().Aggregate, 10, nil)

	agg.Warm(context.Background())
	require.Equal(t, 3, results.Len())

	quotes.Upsert("BBB", domain.QuoteUpdate{LTP: px("120"), PrevClose: px("100")})
	agg.Invalidate()
	assert.Equal(t, 0, results.Len())

	v, err := agg.Get(context.Background(), AggregateGainers)
	require.NoError(t, err)
	assert.Len(t, v.([]Mover), 2)
}
