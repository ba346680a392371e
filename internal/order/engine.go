// Package order validates, prices and books orders against the ledger, and keeps orders
// placed outside the session in a pending queue.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"market_session/internal/domain"
	"market_session/internal/infra"
	"market_session/internal/infra/storage"

	"github.com/shopspring/decimal"
)

// Ledger is the persistence the engine books trades through.
type Ledger interface {
	GetStock(ctx context.Context, symbol string) (*domain.Stock, error)
	GetUser(ctx context.Context, id uint) (*domain.User, error)
	LedgerForUser(ctx context.Context, userID uint) ([]domain.Transaction, error)
	CommitTrade(ctx context.Context, c storage.TradeCommit) (*domain.Transaction, error)
}

// Quotes is the live quote cache as seen by the engine.
type Quotes interface {
	Get(symbol string) (domain.Quote, bool)
	Age(symbol string) (time.Duration, bool)
	Upsert(symbol string, u domain.QuoteUpdate)
}

// PriceFetcher is the synchronous upstream fallback for stale cache entries.
type PriceFetcher interface {
	FetchQuote(ctx context.Context, inst domain.Instrument) (domain.QuoteUpdate, error)
}

// SessionClassifier reports the session phase of an instant.
type SessionClassifier interface {
	Classify(now time.Time) domain.SessionState
}

// Limits bounds what a single order may ask for.
type Limits struct {
	MinQuantity      int64
	MaxQuantity      int64
	MaxOrderValue    decimal.Decimal
	MaxPricePerShare decimal.Decimal
	PriceFreshness   time.Duration
	PriceTolerance   decimal.Decimal
}

// LimitsFromConfig reads the orders section of cfg.
func LimitsFromConfig(cfg *infra.Config) Limits {
	return Limits{
		MinQuantity:      cfg.Orders.MinQuantity,
		MaxQuantity:      cfg.Orders.MaxQuantity,
		MaxOrderValue:    cfg.Orders.MaxOrderValue,
		MaxPricePerShare: cfg.Orders.MaxPricePerShare,
		PriceFreshness:   time.Duration(cfg.Orders.PriceFreshnessSec) * time.Second,
		PriceTolerance:   cfg.Orders.PriceTolerance,
	}
}

// Deps wires an Engine.
type Deps struct {
	Ledger  Ledger
	Pending *PendingQueue
	Quotes  Quotes
	Fetcher PriceFetcher
	Clock   SessionClassifier
	Limits  Limits
	Now     func() time.Time
	Metrics *infra.Metrics
	Logger  *slog.Logger
}

// Engine executes orders: validation, session gating, price resolution, the two-phase
// price confirmation and the atomic ledger commit.
type Engine struct {
	ledger  Ledger
	pending *PendingQueue
	quotes  Quotes
	fetcher PriceFetcher
	clock   SessionClassifier
	limits  Limits
	now     func() time.Time
	metrics *infra.Metrics
	logger  *slog.Logger
}

// NewEngine creates an engine from its dependencies.
func NewEngine(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		ledger:  d.Ledger,
		pending: d.Pending,
		quotes:  d.Quotes,
		fetcher: d.Fetcher,
		clock:   d.Clock,
		limits:  d.Limits,
		now:     d.Now,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
}

// Execute runs one order. The returned error is non-nil exactly when the result status is
// error; the result then carries the error kind and a user-facing message.
func (e *Engine) Execute(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	result, err := e.execute(ctx, req)
	if err != nil {
		result = e.errorResult(req, err)
	}
	e.metrics.RecordOrderOutcome(string(result.Status))
	return result, err
}

// Resubmit re-executes a pending order of userID.
func (e *Engine) Resubmit(ctx context.Context, userID uint, orderID string, confirm bool) (domain.OrderResult, error) {
	pending, err := e.pending.Owned(ctx, userID, orderID)
	if err != nil {
		result := e.errorResult(domain.OrderRequest{UserID: userID, OrderID: orderID}, err)
		e.metrics.RecordOrderOutcome(string(result.Status))
		return result, err
	}

	return e.Execute(ctx, domain.OrderRequest{
		UserID:        pending.UserID,
		Symbol:        pending.Symbol,
		Side:          pending.Side,
		Quantity:      pending.Quantity,
		IntendedPrice: pending.IntendedPrice,
		Confirm:       confirm,
		OrderID:       pending.ID,
	})
}

func (e *Engine) execute(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := e.validate(req); err != nil {
		return domain.OrderResult{}, err
	}

	stock, err := e.ledger.GetStock(ctx, req.Symbol)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("%w: load stock: %v", domain.ErrPersistence, err)
	}
	if stock == nil {
		return domain.OrderResult{}, fmt.Errorf("%w: %s", domain.ErrStockNotFound, req.Symbol)
	}

	user, err := e.ledger.GetUser(ctx, req.UserID)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("%w: load user: %v", domain.ErrPersistence, err)
	}
	if user == nil {
		return domain.OrderResult{}, fmt.Errorf("%w: %d", domain.ErrUserNotFound, req.UserID)
	}

	if req.OrderID != "" {
		if err := e.matchPending(ctx, req); err != nil {
			return domain.OrderResult{}, err
		}
	}

	state := e.clock.Classify(e.now())
	if state.Phase != domain.PhaseOpen {
		return e.enqueue(ctx, req, state)
	}

	fill, err := e.resolvePrice(ctx, stock)
	if err != nil {
		return domain.OrderResult{}, err
	}

	if diff := req.IntendedPrice.Sub(fill).Abs(); diff.GreaterThan(e.limits.PriceTolerance) && !req.Confirm {
		return domain.OrderResult{
			Status:       domain.StatusPriceChanged,
			Message:      fmt.Sprintf("Price moved from %s to %s. Confirm to place the order at the current price.", req.IntendedPrice.StringFixed(2), fill.StringFixed(2)),
			CurrentPrice: &fill,
			OrderID:      req.OrderID,
		}, nil
	}

	if value := fill.Mul(decimal.NewFromInt(req.Quantity)); value.GreaterThan(e.limits.MaxOrderValue) {
		return domain.OrderResult{}, fmt.Errorf("%w: order value %s at market exceeds %s", domain.ErrValidation, value.StringFixed(2), e.limits.MaxOrderValue.String())
	}

	tx, err := e.ledger.CommitTrade(ctx, storage.TradeCommit{
		UserID:         req.UserID,
		Symbol:         stock.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          fill,
		PendingOrderID: req.OrderID,
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	total := tx.Value()
	e.logger.Info("Order filled",
		slog.Uint64("user_id", uint64(req.UserID)),
		slog.String("symbol", stock.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
		slog.String("price", fill.String()),
		slog.String("transaction_id", tx.ID),
	)
	return domain.OrderResult{
		Status:        domain.StatusSuccess,
		Message:       fmt.Sprintf("%s %d %s at %s", req.Side, req.Quantity, stock.Symbol, fill.StringFixed(2)),
		FillPrice:     &fill,
		TotalValue:    &total,
		TransactionID: tx.ID,
	}, nil
}

func (e *Engine) validate(req domain.OrderRequest) error {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return fmt.Errorf("%w: side must be Buy or Sell", domain.ErrValidation)
	}
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", domain.ErrValidation)
	}
	if req.Quantity < e.limits.MinQuantity || req.Quantity > e.limits.MaxQuantity {
		return fmt.Errorf("%w: quantity must be between %d and %d", domain.ErrValidation, e.limits.MinQuantity, e.limits.MaxQuantity)
	}
	if !req.IntendedPrice.IsPositive() {
		return fmt.Errorf("%w: price must be positive", domain.ErrValidation)
	}
	if req.IntendedPrice.GreaterThan(e.limits.MaxPricePerShare) {
		return fmt.Errorf("%w: price exceeds %s per share", domain.ErrValidation, e.limits.MaxPricePerShare.String())
	}
	if value := req.IntendedPrice.Mul(decimal.NewFromInt(req.Quantity)); value.GreaterThan(e.limits.MaxOrderValue) {
		return fmt.Errorf("%w: order value %s exceeds %s", domain.ErrValidation, value.StringFixed(2), e.limits.MaxOrderValue.String())
	}
	return nil
}

// matchPending checks that a request naming a pending order describes that order.
// The intended price may differ since it is refreshed on resubmission.
func (e *Engine) matchPending(ctx context.Context, req domain.OrderRequest) error {
	p, err := e.pending.Owned(ctx, req.UserID, req.OrderID)
	if err != nil {
		return err
	}
	if p.Symbol != req.Symbol || p.Side != req.Side || p.Quantity != req.Quantity {
		return fmt.Errorf("%w: order %s is %s %d %s", domain.ErrValidation, p.ID, p.Side, p.Quantity, p.Symbol)
	}
	return nil
}

// enqueue parks an order placed outside the session. A resubmission keeps its existing row.
func (e *Engine) enqueue(ctx context.Context, req domain.OrderRequest, state domain.SessionState) (domain.OrderResult, error) {
	id := req.OrderID
	if id == "" {
		var err error
		id, err = e.pending.Enqueue(ctx, domain.PendingOrder{
			UserID:        req.UserID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
			IntendedPrice: req.IntendedPrice,
		})
		if err != nil {
			return domain.OrderResult{}, err
		}
	}

	return domain.OrderResult{
		Status:  domain.StatusPending,
		Message: fmt.Sprintf("Market is %s. Order saved as pending; resubmit it when the market opens.", state.Phase),
		OrderID: id,
	}, nil
}

// resolvePrice prefers a fresh cache entry and otherwise asks the upstream directly.
func (e *Engine) resolvePrice(ctx context.Context, stock *domain.Stock) (decimal.Decimal, error) {
	if age, ok := e.quotes.Age(stock.Symbol); ok && age < e.limits.PriceFreshness {
		if q, ok := e.quotes.Get(stock.Symbol); ok && q.LTP.Valid {
			return q.LTP.Decimal, nil
		}
	}

	if e.fetcher == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, stock.Symbol)
	}

	u, err := e.fetcher.FetchQuote(ctx, stock.Instrument())
	if err != nil {
		e.logger.Warn("Direct price fetch failed", slog.String("symbol", stock.Symbol), slog.Any("error", err))
		if !errors.Is(err, domain.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %s: %v", domain.ErrPriceUnavailable, stock.Symbol, err)
		}
		return decimal.Zero, err
	}
	if !u.LTP.Valid || !u.LTP.Decimal.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, stock.Symbol)
	}

	e.quotes.Upsert(stock.Symbol, u)
	return u.LTP.Decimal, nil
}

func (e *Engine) errorResult(req domain.OrderRequest, err error) domain.OrderResult {
	kind := domain.ErrorKind(err)
	msg := err.Error()
	if kind == domain.KindPersistence {
		e.logger.Error("Order failed on storage",
			slog.Uint64("user_id", uint64(req.UserID)),
			slog.String("symbol", req.Symbol),
			slog.Any("error", err),
		)
		msg = "internal error while processing the order"
	}
	return domain.OrderResult{
		Status:  domain.StatusError,
		Message: msg,
		OrderID: req.OrderID,
		Kind:    kind,
	}
}

// Holdings returns the net positions of userID.
func (e *Engine) Holdings(ctx context.Context, userID uint) ([]domain.Holding, error) {
	ledger, err := e.ledger.LedgerForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load ledger: %v", domain.ErrPersistence, err)
	}
	return domain.Holdings(ledger), nil
}

// Balance returns the spendable cash of userID.
func (e *Engine) Balance(ctx context.Context, userID uint) (decimal.Decimal, error) {
	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: load user: %v", domain.ErrPersistence, err)
	}
	if user == nil {
		return decimal.Zero, fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}

	ledger, err := e.ledger.LedgerForUser(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: load ledger: %v", domain.ErrPersistence, err)
	}
	return domain.AvailableBalance(user.Balance, ledger), nil
}
