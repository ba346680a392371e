package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"market_session/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testInstruments = []domain.Instrument{
	{Symbol: "INFY", InstrumentKey: "NSE_EQ|INE009A01021", Name: "Infosys", Exchange: "NSE"},
	{Symbol: "TCS", InstrumentKey: "NSE_EQ|INE467B01029", Name: "Tata Consultancy", Exchange: "NSE"},
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSeedAndGetStock(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.SeedInstruments(testInstruments); err != nil {
		t.Fatalf("SeedInstruments failed: %v", err)
	}
	// seeding twice is an update, not a duplicate
	if err := s.SeedInstruments(testInstruments); err != nil {
		t.Fatalf("second SeedInstruments failed: %v", err)
	}

	stock, err := s.GetStock(ctx, "INFY")
	if err != nil {
		t.Fatalf("GetStock failed: %v", err)
	}
	if stock == nil || stock.InstrumentKey != "NSE_EQ|INE009A01021" || !stock.IsActive {
		t.Fatalf("unexpected stock: %+v", stock)
	}

	missing, err := s.GetStock(ctx, "NOPE")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown symbol; got %v, %v", missing, err)
	}

	active, err := s.ActiveStocks(ctx)
	if err != nil {
		t.Fatalf("ActiveStocks failed: %v", err)
	}
	if len(active) != 2 || active[0].Symbol != "INFY" {
		t.Errorf("unexpected active stocks: %+v", active)
	}
}

func TestEnsureUserKeepsExistingBalance(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.EnsureUser(&domain.User{ID: 1, Name: "demo", Balance: decimal.NewFromInt(100000)}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if err := s.EnsureUser(&domain.User{ID: 1, Name: "demo", Balance: decimal.NewFromInt(5)}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	user, err := s.GetUser(ctx, 1)
	if err != nil || user == nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if !user.Balance.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("expected balance 100000, got %s", user.Balance)
	}
}

func TestPendingOrders(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	order := &domain.PendingOrder{
		ID:            "0b6f0d0e-7a43-4e51-9d1f-7c1f3f3f0a01",
		UserID:        1,
		Symbol:        "INFY",
		Side:          domain.SideBuy,
		Quantity:      10,
		IntendedPrice: decimal.RequireFromString("1500.5"),
		Status:        domain.OrderStatusPending,
	}
	if err := s.CreatePendingOrder(ctx, order); err != nil {
		t.Fatalf("CreatePendingOrder failed: %v", err)
	}

	fetched, err := s.GetPendingOrder(ctx, order.ID)
	if err != nil || fetched == nil {
		t.Fatalf("GetPendingOrder failed: %v", err)
	}
	if !fetched.IntendedPrice.Equal(order.IntendedPrice) {
		t.Errorf("expected price %s, got %s", order.IntendedPrice, fetched.IntendedPrice)
	}

	list, _ := s.ListPendingOrders(ctx, 1)
	if len(list) != 1 {
		t.Errorf("expected 1 pending order, got %d", len(list))
	}
	other, _ := s.ListPendingOrders(ctx, 2)
	if len(other) != 0 {
		t.Errorf("expected no orders for another user, got %d", len(other))
	}

	deleted, err := s.DeletePendingOrder(ctx, order.ID)
	if err != nil || !deleted {
		t.Fatalf("DeletePendingOrder failed: %v, %v", deleted, err)
	}
	deleted, _ = s.DeletePendingOrder(ctx, order.ID)
	if deleted {
		t.Error("second delete should report false")
	}
}

func TestUpsertCandlesReplacesSameDay(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	candle := domain.Candle{
		Symbol:    "INFY",
		Day:       "2025-03-03",
		Timeframe: "1d",
		Open:      decimal.NewFromInt(1500),
		High:      decimal.NewFromInt(1520),
		Low:       decimal.NewFromInt(1490),
		Close:     decimal.NewFromInt(1510),
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertCandles(ctx, []domain.Candle{candle}); err != nil {
		t.Fatalf("UpsertCandles failed: %v", err)
	}

	candle.Close = decimal.NewFromInt(1515)
	candle.High = decimal.NewFromInt(1525)
	if err := s.UpsertCandles(ctx, []domain.Candle{candle}); err != nil {
		t.Fatalf("second UpsertCandles failed: %v", err)
	}

	candles, err := s.GetCandles(ctx, "INFY", "1d")
	if err != nil {
		t.Fatalf("GetCandles failed: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	if !candles[0].Close.Equal(decimal.NewFromInt(1515)) || !candles[0].High.Equal(decimal.NewFromInt(1525)) {
		t.Errorf("candle not updated: %+v", candles[0])
	}
}

func TestSettings(t *testing.T) {
	s := setupTestDB(t)

	if _, ok, err := s.LoadSetting("eod_last_day"); err != nil || ok {
		t.Fatalf("expected unset marker, got ok=%v err=%v", ok, err)
	}

	s.SaveSetting("eod_last_day", "2025-03-03")
	s.SaveSetting("eod_last_day", "2025-03-04")

	value, ok, err := s.LoadSetting("eod_last_day")
	if err != nil || !ok || value != "2025-03-04" {
		t.Errorf("expected 2025-03-04, got %q ok=%v err=%v", value, ok, err)
	}

	var count int64
	if err := s.db.Model(&domain.Setting{}).Count(&count).Error; err != nil {
		t.Fatalf("count settings failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 setting row, got %d", count)
	}
}
