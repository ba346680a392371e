package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stock is a tradable instrument in the local catalog.
type Stock struct {
	Symbol        string    `gorm:"primaryKey;size:64" json:"symbol"`
	InstrumentKey string    `gorm:"uniqueIndex;size:128;not null" json:"instrument_key"`
	Name          string    `json:"name"`
	Exchange      string    `gorm:"size:16;index" json:"exchange"`
	IsActive      bool      `gorm:"index" json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// User holds the opening cash credit of an account. Spendable cash is derived from the ledger.
type User struct {
	ID        uint            `gorm:"primaryKey" json:"user_id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `gorm:"type:numeric;not null" json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transaction is an append-only ledger row.
type Transaction struct {
	ID        string          `gorm:"primaryKey;size:36" json:"transaction_id"`
	UserID    uint            `gorm:"index:idx_tx_user_symbol;not null" json:"user_id"`
	Symbol    string          `gorm:"index:idx_tx_user_symbol;size:64;not null" json:"symbol"`
	Side      Side            `gorm:"size:8;not null" json:"side"`
	Quantity  int64           `gorm:"not null" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:numeric;not null" json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Value returns quantity * price.
func (t *Transaction) Value() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Candle is a daily OHLC row, unique per symbol, day and timeframe.
type Candle struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	Symbol    string          `gorm:"uniqueIndex:idx_candle_key;size:64;not null" json:"symbol"`
	Day       string          `gorm:"uniqueIndex:idx_candle_key;size:10;not null" json:"day"`
	Timeframe string          `gorm:"uniqueIndex:idx_candle_key;size:8;not null" json:"timeframe"`
	Open      decimal.Decimal `gorm:"type:numeric" json:"open"`
	High      decimal.Decimal `gorm:"type:numeric" json:"high"`
	Low       decimal.Decimal `gorm:"type:numeric" json:"low"`
	Close     decimal.Decimal `gorm:"type:numeric" json:"close"`
	Volume    int64           `json:"volume"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TableName keeps the historical table name.
func (Candle) TableName() string {
	return "stock_history"
}

// Setting is a durable key-value control marker
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName for Setting
func (Setting) TableName() string {
	return "app_settings"
}

// Instrument ties a local symbol to its upstream key.
type Instrument struct {
	Symbol        string `yaml:"symbol" json:"symbol"`
	InstrumentKey string `yaml:"instrument_key" json:"instrument_key"`
	Name          string `yaml:"name" json:"name"`
	Exchange      string `yaml:"exchange" json:"exchange"`
}

// Index is a market index shown next to the stocks. Indices are never tradable and have
// no catalog row; Tag groups them for display.
type Index struct {
	Name          string `yaml:"name" json:"name"`
	InstrumentKey string `yaml:"instrument_key" json:"instrument_key"`
	Tag           string `yaml:"tag" json:"tag"`
}

// Instrument returns the feed view of the index, keyed by its name.
func (i Index) Instrument() Instrument {
	return Instrument{Symbol: i.Name, InstrumentKey: i.InstrumentKey, Name: i.Name}
}

// Stock converts the instrument to its catalog row
func (i Instrument) Stock() *Stock {
	return &Stock{
		Symbol:        i.Symbol,
		InstrumentKey: i.InstrumentKey,
		Name:          i.Name,
		Exchange:      i.Exchange,
		IsActive:      true,
	}
}

// Instrument converts the catalog row back into the feed view.
func (s *Stock) Instrument() Instrument {
	return Instrument{
		Symbol:        s.Symbol,
		InstrumentKey: s.InstrumentKey,
		Name:          s.Name,
		Exchange:      s.Exchange,
	}
}
