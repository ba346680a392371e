// Package storage persists the catalog, accounts, ledger, pending orders, daily candles
// and control markers through gorm.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"market_session/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Storage is the gorm-backed persistence layer.
type Storage struct {
	db        *gorm.DB
	userLocks keyedMutex
}

// Open connects to the configured database and migrates the schema.
// For sqlite the dsn is a file path; its directory is created when missing.
func Open(driver, dsn string) (*Storage, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if db.Dialector.Name() == DriverSQLite {
		// sqlite allows one writer; a single connection serializes transactions
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &Storage{db: db}, nil
}

func migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Stock{},
		&domain.User{},
		&domain.Transaction{},
		&domain.PendingOrder{},
		&domain.Candle{},
		&domain.Setting{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ======================================================================================
// Stock Operations
// ======================================================================================

// UpsertStock creates or updates a catalog row
func (s *Storage) UpsertStock(stock *domain.Stock) error {
	return s.db.Save(stock).Error
}

// GetStock retrieves a catalog row by symbol
func (s *Storage) GetStock(ctx context.Context, symbol string) (*domain.Stock, error) {
	var stock domain.Stock
	err := s.db.WithContext(ctx).First(&stock, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &stock, nil
}

// ActiveStocks returns every active catalog row ordered by symbol
func (s *Storage) ActiveStocks(ctx context.Context) ([]domain.Stock, error) {
	var stocks []domain.Stock
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("symbol").Find(&stocks).Error
	return stocks, err
}

// SeedInstruments upserts the configured instrument universe into the catalog.
func (s *Storage) SeedInstruments(instruments []domain.Instrument) error {
	for _, inst := range instruments {
		if err := s.UpsertStock(inst.Stock()); err != nil {
			return fmt.Errorf("seed stock %s: %w", inst.Symbol, err)
		}
	}
	return nil
}

// ======================================================================================
// User Operations
// ======================================================================================

// EnsureUser creates the account when it does not exist yet. Existing rows are left alone.
func (s *Storage) EnsureUser(user *domain.User) error {
	if user.ID == 0 {
		return s.db.Create(user).Error
	}
	return s.db.Where(domain.User{ID: user.ID}).Attrs(domain.User{Name: user.Name, Balance: user.Balance}).FirstOrCreate(user).Error
}

// GetUser retrieves an account by id
func (s *Storage) GetUser(ctx context.Context, id uint) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ======================================================================================
// Ledger Operations
// ======================================================================================

// LedgerForUser returns every transaction of a user, oldest first
func (s *Storage) LedgerForUser(ctx context.Context, userID uint) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&txs).Error
	return txs, err
}

// ======================================================================================
// Pending Order Operations
// ======================================================================================

// CreatePendingOrder stores an order accepted outside the trading session
func (s *Storage) CreatePendingOrder(ctx context.Context, order *domain.PendingOrder) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// GetPendingOrder retrieves a pending order by id
func (s *Storage) GetPendingOrder(ctx context.Context, id string) (*domain.PendingOrder, error) {
	var order domain.PendingOrder
	err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListPendingOrders returns the pending orders of a user, newest first
func (s *Storage) ListPendingOrders(ctx context.Context, userID uint) ([]domain.PendingOrder, error) {
	var orders []domain.PendingOrder
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.OrderStatusPending).
		Order("created_at DESC").
		Find(&orders).Error
	return orders, err
}

// DeletePendingOrder removes a pending order; false when it did not exist
func (s *Storage) DeletePendingOrder(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.PendingOrder{})
	return res.RowsAffected > 0, res.Error
}

// ======================================================================================
// Candle Operations
// ======================================================================================

// UpsertCandles writes daily candles, replacing rows with the same symbol, day and timeframe.
func (s *Storage) UpsertCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "day"}, {Name: "timeframe"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "updated_at"}),
	}).Create(&candles).Error
}

// GetCandles returns the candles of a symbol ordered by day
func (s *Storage) GetCandles(ctx context.Context, symbol, timeframe string) ([]domain.Candle, error) {
	var candles []domain.Candle
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("day").
		Find(&candles).Error
	return candles, err
}

// ======================================================================================
// Setting Operations
// ======================================================================================

// SaveSetting stores a control marker
func (s *Storage) SaveSetting(key, value string) error {
	setting := domain.Setting{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	return s.db.Save(&setting).Error
}

// LoadSetting returns a single marker; false when unset
func (s *Storage) LoadSetting(key string) (string, bool, error) {
	var setting domain.Setting
	err := s.db.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return setting.Value, true, nil
}
