package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or ledger row.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// ParseSide accepts any casing of "buy" or "sell".
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, true
	case "sell":
		return SideSell, true
	}
	return "", false
}

// OrderStatus is the lifecycle state of a stored order.
type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "pending"
	OrderStatusFilled       OrderStatus = "filled"
	OrderStatusRejected     OrderStatus = "rejected"
	OrderStatusPriceChanged OrderStatus = "price_changed"
)

// PendingOrder is an order accepted outside the OPEN session and kept until it is
// resubmitted or cancelled.
type PendingOrder struct {
	ID            string          `gorm:"primaryKey;size:36" json:"order_id"`
	UserID        uint            `gorm:"index;not null" json:"user_id"`
	Symbol        string          `gorm:"size:64;not null" json:"symbol"`
	Side          Side            `gorm:"size:8;not null" json:"side"`
	Quantity      int64           `gorm:"not null" json:"quantity"`
	IntendedPrice decimal.Decimal `gorm:"type:numeric;not null" json:"price"`
	Status        OrderStatus     `gorm:"size:16;not null" json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OrderRequest is one call to execute an order.
// OrderID is set when a pending order is being resubmitted.
type OrderRequest struct {
	UserID        uint
	Symbol        string
	Side          Side
	Quantity      int64
	IntendedPrice decimal.Decimal
	Confirm       bool
	OrderID       string
}

// ResultStatus is the outcome reported to the caller of ExecuteOrder.
type ResultStatus string

const (
	StatusSuccess      ResultStatus = "success"
	StatusPending      ResultStatus = "pending"
	StatusPriceChanged ResultStatus = "price_changed"
	StatusError        ResultStatus = "error"
)

// OrderResult is the tagged outcome of an order execution. FillPrice and TotalValue are set
// on success, CurrentPrice on price_changed, OrderID on pending. Kind is set on error.
type OrderResult struct {
	Status        ResultStatus     `json:"status"`
	Message       string           `json:"message"`
	FillPrice     *decimal.Decimal `json:"fill_price,omitempty"`
	TotalValue    *decimal.Decimal `json:"total_value,omitempty"`
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	OrderID       string           `json:"order_id,omitempty"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Kind          string           `json:"error_kind,omitempty"`
}
