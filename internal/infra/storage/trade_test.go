package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"market_session/internal/domain"

	"github.com/shopspring/decimal"
)

func seedTrader(t *testing.T, s *Storage, balance int64) {
	t.Helper()
	if err := s.SeedInstruments(testInstruments); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := s.EnsureUser(&domain.User{ID: 1, Name: "demo", Balance: decimal.NewFromInt(balance)}); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
}

func TestCommitTrade_BuyUpdatesLedger(t *testing.T) {
	s := setupTestDB(t)
	seedTrader(t, s, 100000)
	ctx := context.Background()

	tx, err := s.CommitTrade(ctx, TradeCommit{
		UserID: 1, Symbol: "INFY", Side: domain.SideBuy, Quantity: 100, Price: decimal.NewFromInt(250),
	})
	if err != nil {
		t.Fatalf("CommitTrade failed: %v", err)
	}
	if tx.ID == "" {
		t.Error("transaction id not assigned")
	}

	ledger, _ := s.LedgerForUser(ctx, 1)
	if len(ledger) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(ledger))
	}
	balance := domain.AvailableBalance(decimal.NewFromInt(100000), ledger)
	if !balance.Equal(decimal.NewFromInt(75000)) {
		t.Errorf("expected 75000 available, got %s", balance)
	}
	if qty := domain.NetQuantity(ledger, "INFY"); qty != 100 {
		t.Errorf("expected 100 held, got %d", qty)
	}
}

func TestCommitTrade_InsufficientFunds(t *testing.T) {
	s := setupTestDB(t)
	seedTrader(t, s, 1000)

	_, err := s.CommitTrade(context.Background(), TradeCommit{
		UserID: 1, Symbol: "INFY", Side: domain.SideBuy, Quantity: 10, Price: decimal.NewFromInt(101),
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	ledger, _ := s.LedgerForUser(context.Background(), 1)
	if len(ledger) != 0 {
		t.Errorf("rejected trade wrote %d rows", len(ledger))
	}
}

func TestCommitTrade_InsufficientHoldings(t *testing.T) {
	s := setupTestDB(t)
	seedTrader(t, s, 100000)
	ctx := context.Background()

	_, err := s.CommitTrade(ctx, TradeCommit{
		UserID: 1, Symbol: "INFY", Side: domain.SideBuy, Quantity: 5, Price: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	_, err = s.CommitTrade(ctx, TradeCommit{
		UserID: 1, Symbol: "INFY", Side: domain.SideSell, Quantity: 6, Price: decimal.NewFromInt(100),
	})
	if !errors.Is(err, domain.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}
	ledger, _ := s.LedgerForUser(ctx, 1)
	if len(ledger) != 1 {
		t.Errorf("expected only the buy row, got %d", len(ledger))
	}
}

func TestCommitTrade_UnknownUser(t *testing.T) {
	s := setupTestDB(t)
	_, err := s.CommitTrade(context.Background(), TradeCommit{
		UserID: 42, Symbol: "INFY", Side: domain.SideBuy, Quantity: 1, Price: decimal.NewFromInt(1),
	})
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCommitTrade_RemovesPendingOrder(t *testing.T) {
	s := setupTestDB(t)
	seedTrader(t, s, 100000)
	ctx := context.Background()

	order := &domain.PendingOrder{
		ID: "pending-1", UserID: 1, Symbol: "INFY", Side: domain.SideBuy,
		Quantity: 1, IntendedPrice: decimal.NewFromInt(100), Status: domain.OrderStatusPending,
	}
	if err := s.CreatePendingOrder(ctx, order); err != nil {
		t.Fatalf("CreatePendingOrder failed: %v", err)
	}

	_, err := s.CommitTrade(ctx, TradeCommit{
		UserID: 1, Symbol: "INFY", Side: domain.SideBuy, Quantity: 1, Price: decimal.NewFromInt(100), PendingOrderID: order.ID,
	})
	if err != nil {
		t.Fatalf("CommitTrade failed: %v", err)
	}

	if got, _ := s.GetPendingOrder(ctx, order.ID); got != nil {
		t.Error("pending order should be removed with the fill")
	}
}

func TestCommitTrade_ConcurrentFullSellsOnlyOneWins(t *testing.T) {
	s := setupTestDB(t)
	seedTrader(t, s, 100000)
	ctx := context.Background()

	if _, err := s.CommitTrade(ctx, TradeCommit{
		UserID: 1, Symbol: "TCS", Side: domain.SideBuy, Quantity: 10, Price: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	const sellers = 8
	var wg sync.WaitGroup
	errs := make(chan error, sellers)
	for i := 0; i < sellers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitTrade(ctx, TradeCommit{
				UserID: 1, Symbol: "TCS", Side: domain.SideSell, Quantity: 10, Price: decimal.NewFromInt(100),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientHoldings):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != sellers-1 {
		t.Errorf("expected 1 success and %d rejections, got %d and %d", sellers-1, ok, rejected)
	}

	ledger, _ := s.LedgerForUser(ctx, 1)
	if qty := domain.NetQuantity(ledger, "TCS"); qty != 0 {
		t.Errorf("expected flat position, got %d", qty)
	}
}
