package eod

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"market_session/internal/domain"
	"market_session/internal/infra"
	"market_session/internal/infra/storage"
	"market_session/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func px(v string) decimal.NullDecimal {
	return domain.Price(decimal.RequireFromString(v))
}

var fixedDay DayFunc = func(time.Time) string { return "2025-03-03" }

func TestBuildCandles(t *testing.T) {
	quotes := []domain.Quote{
		{Symbol: "FULL", Open: px("100"), High: px("110"), Low: px("95"), LTP: px("105")},
		{Symbol: "NOHL", Open: px("100"), LTP: px("90")},
		{Symbol: "NOOPEN", LTP: px("50")},
		{Symbol: "NOLTP", Open: px("50")},
	}

	candles := BuildCandles(quotes, "2025-03-03", time.Unix(0, 0))
	require.Len(t, candles, 2)

	assert.Equal(t, "FULL", candles[0].Symbol)
	assert.True(t, candles[0].High.Equal(decimal.NewFromInt(110)))
	assert.True(t, candles[0].Low.Equal(decimal.NewFromInt(95)))
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, Timeframe, candles[0].Timeframe)

	assert.Equal(t, "NOHL", candles[1].Symbol)
	assert.True(t, candles[1].High.Equal(decimal.NewFromInt(100)))
	assert.True(t, candles[1].Low.Equal(decimal.NewFromInt(90)))
}

func TestPersister_RunIsIdempotent(t *testing.T) {
	store, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "eod.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	quotes := service.NewQuoteCache(nil)
	quotes.Upsert("INFY", domain.QuoteUpdate{Open: px("1500"), LTP: px("1510")})
	quotes.Upsert("TCS", domain.QuoteUpdate{LTP: px("3500")})

	metrics := infra.NewMetrics()
	p := NewPersister(quotes, store, fixedDay, nil, metrics, nil)

	n, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "day open falls back to the first LTP")

	quotes.Upsert("INFY", domain.QuoteUpdate{LTP: px("1525")})
	n, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	candles, err := store.GetCandles(context.Background(), "INFY", Timeframe)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(1525)))
	assert.True(t, candles[0].High.Equal(decimal.NewFromInt(1525)))
	assert.Equal(t, "2025-03-03", candles[0].Day)

	assert.Equal(t, uint64(2), metrics.Snapshot().EODRuns)
}

type failingStore struct{}

func (failingStore) UpsertCandles(context.Context, []domain.Candle) error {
	return errors.New("disk full")
}

func TestPersister_StoreFailure(t *testing.T) {
	quotes := service.NewQuoteCache(nil)
	quotes.Upsert("INFY", domain.QuoteUpdate{Open: px("1500"), LTP: px("1510")})

	p := NewPersister(quotes, failingStore{}, fixedDay, nil, nil, nil)
	_, err := p.Run(context.Background())
	assert.Error(t, err)
}

func TestPersister_EmptyCache(t *testing.T) {
	p := NewPersister(service.NewQuoteCache(nil), failingStore{}, fixedDay, nil, nil, nil)
	n, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPersister_IndexCandlesAlongsideStocks(t *testing.T) {
	store, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "eod.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stocks := service.NewQuoteCache(nil)
	stocks.Upsert("INFY", domain.QuoteUpdate{Open: px("1500"), LTP: px("1510")})
	indices := service.NewQuoteCache(nil)
	indices.Upsert("NIFTY 50", domain.QuoteUpdate{Open: px("22000"), High: px("22200"), Low: px("21950"), LTP: px("22100")})

	p := NewPersister(Sources{stocks, indices}, store, fixedDay, nil, nil, nil)
	n, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	candles, err := store.GetCandles(context.Background(), "NIFTY 50", Timeframe)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].High.Equal(decimal.NewFromInt(22200)))
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(22100)))
}
