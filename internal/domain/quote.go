package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a point-in-time copy of the live state of one instrument.
// Fields stay invalid until the feed has observed them.
type Quote struct {
	Symbol    string              `json:"symbol"`
	LTP       decimal.NullDecimal `json:"ltp"`
	Open      decimal.NullDecimal `json:"day_open"`
	High      decimal.NullDecimal `json:"day_high"`
	Low       decimal.NullDecimal `json:"day_low"`
	PrevClose decimal.NullDecimal `json:"prev_close"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// QuoteUpdate carries the fields an upstream observed; invalid fields are left untouched.
type QuoteUpdate struct {
	LTP       decimal.NullDecimal
	Open      decimal.NullDecimal
	High      decimal.NullDecimal
	Low       decimal.NullDecimal
	PrevClose decimal.NullDecimal
	At        time.Time
}

// Price wraps a decimal as a valid optional value.
func Price(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NewNullDecimal(d)
}

// ChangePct calculates 100 * (LTP - PrevClose) / PrevClose.
// Returns nil when either side is missing or the previous close is zero.
func (q *Quote) ChangePct() *decimal.Decimal {
	if !q.LTP.Valid || !q.PrevClose.Valid || q.PrevClose.Decimal.IsZero() {
		return nil
	}

	pct := q.LTP.Decimal.Sub(q.PrevClose.Decimal).Div(q.PrevClose.Decimal).Mul(decimal.NewFromInt(100))
	return &pct
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (q *Quote) ChangeDirection() string {
	pct := q.ChangePct()
	if pct == nil {
		return "neutral"
	}
	if pct.IsPositive() {
		return "positive"
	}
	if pct.IsNegative() {
		return "negative"
	}
	return "neutral"
}
