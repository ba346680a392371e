package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"market_session/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TradeCommit is a validated order ready to be booked at a resolved price.
type TradeCommit struct {
	UserID         uint
	Symbol         string
	Side           domain.Side
	Quantity       int64
	Price          decimal.Decimal
	PendingOrderID string // removed in the same transaction when set
}

// CommitTrade re-checks funds or holdings against the ledger and appends the transaction
// in one database transaction. Commits for the same user are serialized, so two sells of
// the full position cannot both pass the holdings check.
func (s *Storage) CommitTrade(ctx context.Context, c TradeCommit) (*domain.Transaction, error) {
	unlock := s.userLocks.lock(c.UserID)
	defer unlock()

	row := &domain.Transaction{
		ID:        uuid.NewString(),
		UserID:    c.UserID,
		Symbol:    c.Symbol,
		Side:      c.Side,
		Quantity:  c.Quantity,
		Price:     c.Price,
		CreatedAt: time.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, c.UserID)
		if err != nil {
			return err
		}

		var ledger []domain.Transaction
		if err := tx.Where("user_id = ?", c.UserID).Find(&ledger).Error; err != nil {
			return fmt.Errorf("%w: load ledger: %v", domain.ErrPersistence, err)
		}

		switch c.Side {
		case domain.SideBuy:
			available := domain.AvailableBalance(user.Balance, ledger)
			if cost := row.Value(); available.LessThan(cost) {
				return fmt.Errorf("%w: need %s, available %s", domain.ErrInsufficientFunds, cost.StringFixed(2), available.StringFixed(2))
			}
		case domain.SideSell:
			if held := domain.NetQuantity(ledger, c.Symbol); held < c.Quantity {
				return fmt.Errorf("%w: holding %d, selling %d", domain.ErrInsufficientHoldings, held, c.Quantity)
			}
		default:
			return fmt.Errorf("%w: unknown side %q", domain.ErrValidation, c.Side)
		}

		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("%w: insert transaction: %v", domain.ErrPersistence, err)
		}

		if c.PendingOrderID != "" {
			res := tx.Where("id = ? AND user_id = ?", c.PendingOrderID, c.UserID).Delete(&domain.PendingOrder{})
			if res.Error != nil {
				return fmt.Errorf("%w: remove pending order: %v", domain.ErrPersistence, res.Error)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// lockUser loads the account row, taking a row lock where the database supports it.
func lockUser(tx *gorm.DB, userID uint) (*domain.User, error) {
	q := tx
	if tx.Dialector.Name() == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var user domain.User
	err := q.First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %v", domain.ErrPersistence, err)
	}
	return &user, nil
}

// keyedMutex hands out one mutex per user id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func (k *keyedMutex) lock(key uint) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uint]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
