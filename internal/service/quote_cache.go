package service

import (
	"sort"
	"sync"
	"time"

	"market_session/internal/domain"

	"github.com/shopspring/decimal"
)

// QuoteCache is the live quote store: written by feeds, read by order execution and queries.
// Every read returns a copy; no I/O happens under the lock.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]*domain.Quote
	now    func() time.Time
}

// NewQuoteCache creates an empty cache. A nil now uses time.Now.
func NewQuoteCache(now func() time.Time) *QuoteCache {
	if now == nil {
		now = time.Now
	}
	return &QuoteCache{
		quotes: make(map[string]*domain.Quote),
		now:    now,
	}
}

// Upsert merges a partial update into the quote for symbol.
func (c *QuoteCache) Upsert(symbol string, u domain.QuoteUpdate) {
	if u.At.IsZero() {
		u.At = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.merge(symbol, u)
}

// UpsertBatch merges many updates under a single lock acquisition.
func (c *QuoteCache) UpsertBatch(updates map[string]domain.QuoteUpdate) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for symbol, u := range updates {
		if u.At.IsZero() {
			u.At = now
		}
		c.merge(symbol, u)
	}
}

// merge must be called with the write lock held.
func (c *QuoteCache) merge(symbol string, u domain.QuoteUpdate) {
	q, exists := c.quotes[symbol]
	if !exists {
		q = &domain.Quote{Symbol: symbol}
		c.quotes[symbol] = q
	}

	if u.LTP.Valid {
		q.LTP = u.LTP
	}
	if u.PrevClose.Valid {
		q.PrevClose = u.PrevClose
	}

	// Day open is sticky for the session
	if !q.Open.Valid {
		switch {
		case u.Open.Valid:
			q.Open = u.Open
		case u.LTP.Valid:
			q.Open = u.LTP
		}
	}

	q.High = maxOf(q.High, u.High, u.LTP)
	q.Low = minOf(q.Low, u.Low, u.LTP)

	if u.At.After(q.UpdatedAt) {
		q.UpdatedAt = u.At
	}
}

// Get returns a copy of the quote for symbol.
func (c *QuoteCache) Get(symbol string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[symbol]
	if !ok {
		return domain.Quote{}, false
	}
	return *q, true
}

// Age returns how long ago symbol was last written; false when there is no entry.
func (c *QuoteCache) Age(symbol string) (time.Duration, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	var at time.Time
	if ok {
		at = q.UpdatedAt
	}
	c.mu.RUnlock()

	if !ok {
		return 0, false
	}
	return c.now().Sub(at), true
}

// SnapshotAll returns copies of every quote sorted by symbol.
func (c *QuoteCache) SnapshotAll() []domain.Quote {
	c.mu.RLock()
	result := make([]domain.Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		result = append(result, *q)
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// ResetSession clears day open, high and low so the next session starts fresh.
// LTP and previous close survive.
func (c *QuoteCache) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, q := range c.quotes {
		q.Open = decimal.NullDecimal{}
		q.High = decimal.NullDecimal{}
		q.Low = decimal.NullDecimal{}
	}
}

// Len returns the number of cached instruments.
func (c *QuoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

func maxOf(values ...decimal.NullDecimal) decimal.NullDecimal {
	var out decimal.NullDecimal
	for _, v := range values {
		if v.Valid && (!out.Valid || v.Decimal.GreaterThan(out.Decimal)) {
			out = v
		}
	}
	return out
}

func minOf(values ...decimal.NullDecimal) decimal.NullDecimal {
	var out decimal.NullDecimal
	for _, v := range values {
		if v.Valid && (!out.Valid || v.Decimal.LessThan(out.Decimal)) {
			out = v
		}
	}
	return out
}
