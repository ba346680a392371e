package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Holding is the net position of a user in one instrument, derived from the ledger.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Invested decimal.Decimal `json:"invested"` // Net cash spent on the position
}

// AvgPrice returns invested / quantity, or zero for a flat position.
func (h *Holding) AvgPrice() decimal.Decimal {
	if h.Quantity <= 0 {
		return decimal.Zero
	}
	return h.Invested.Div(decimal.NewFromInt(h.Quantity)).Round(2)
}

// NetQuantity is the signed sum of ledger quantities for one symbol.
func NetQuantity(txs []Transaction, symbol string) int64 {
	var qty int64
	for i := range txs {
		if txs[i].Symbol != symbol {
			continue
		}
		qty += signed(txs[i].Side, txs[i].Quantity)
	}
	return qty
}

// AvailableBalance applies every ledger row of a user to the opening credit:
// buys debit quantity*price, sells credit it.
func AvailableBalance(opening decimal.Decimal, txs []Transaction) decimal.Decimal {
	bal := opening
	for i := range txs {
		switch txs[i].Side {
		case SideBuy:
			bal = bal.Sub(txs[i].Value())
		case SideSell:
			bal = bal.Add(txs[i].Value())
		}
	}
	return bal
}

// Holdings folds the ledger into non-zero positions sorted by symbol.
func Holdings(txs []Transaction) []Holding {
	bySymbol := make(map[string]*Holding)
	for i := range txs {
		tx := &txs[i]
		h, ok := bySymbol[tx.Symbol]
		if !ok {
			h = &Holding{Symbol: tx.Symbol, Invested: decimal.Zero}
			bySymbol[tx.Symbol] = h
		}
		h.Quantity += signed(tx.Side, tx.Quantity)
		if tx.Side == SideBuy {
			h.Invested = h.Invested.Add(tx.Value())
		} else {
			h.Invested = h.Invested.Sub(tx.Value())
		}
	}

	result := make([]Holding, 0, len(bySymbol))
	for _, h := range bySymbol {
		if h.Quantity == 0 {
			continue
		}
		result = append(result, *h)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

func signed(side Side, qty int64) int64 {
	if side == SideSell {
		return -qty
	}
	return qty
}
