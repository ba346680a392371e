package service

import (
	"sort"
	"strings"
	"time"

	"market_session/internal/domain"

	"github.com/shopspring/decimal"
)

// Display order of index groups; unknown tags sort after these, alphabetically.
var indexTagOrder = map[string]int{
	"Benchmark":      0,
	"Banking":        1,
	"Volatility":     2,
	"Sectoral":       3,
	"Broader Market": 4,
}

// IndexView is one index as served to readers.
type IndexView struct {
	Name        string              `json:"name"`
	Tag         string              `json:"tag"`
	Value       decimal.NullDecimal `json:"value"`
	Open        decimal.NullDecimal `json:"open"`
	High        decimal.NullDecimal `json:"high"`
	Low         decimal.NullDecimal `json:"low"`
	PrevClose   decimal.NullDecimal `json:"prev_close"`
	ChangePct   *decimal.Decimal    `json:"change_pct,omitempty"`
	ChangeValue *decimal.Decimal    `json:"change_value,omitempty"`
	Direction   string              `json:"direction"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// IndexGroup is the indices sharing one tag.
type IndexGroup struct {
	Tag     string      `json:"tag"`
	Indices []IndexView `json:"indices"`
}

// IndexBoard serves the configured market indices from a quote cache of their own,
// so they never reach order execution or the stock aggregates.
type IndexBoard struct {
	quotes  *QuoteCache
	indices []domain.Index
	byName  map[string]domain.Index
}

// NewIndexBoard wires the board over quotes, which the index feed writes into.
func NewIndexBoard(quotes *QuoteCache, indices []domain.Index) *IndexBoard {
	byName := make(map[string]domain.Index, len(indices))
	for _, idx := range indices {
		byName[strings.ToUpper(idx.Name)] = idx
	}
	return &IndexBoard{quotes: quotes, indices: indices, byName: byName}
}

// Quotes returns the index quote cache.
func (b *IndexBoard) Quotes() *QuoteCache {
	return b.quotes
}

// Instruments lists the feed view of every configured index.
func (b *IndexBoard) Instruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(b.indices))
	for _, idx := range b.indices {
		out = append(out, idx.Instrument())
	}
	return out
}

// Get returns one index by name, ignoring case. False when unknown or not yet quoted.
func (b *IndexBoard) Get(name string) (IndexView, bool) {
	idx, ok := b.byName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return IndexView{}, false
	}
	q, ok := b.quotes.Get(idx.Name)
	if !ok {
		return IndexView{}, false
	}
	return newIndexView(idx, q), true
}

// Groups returns the quoted indices grouped by tag in display order, names sorted
// within a group. Empty groups are left out.
func (b *IndexBoard) Groups() []IndexGroup {
	byTag := make(map[string][]IndexView)
	for _, idx := range b.indices {
		q, ok := b.quotes.Get(idx.Name)
		if !ok {
			continue
		}
		byTag[idx.Tag] = append(byTag[idx.Tag], newIndexView(idx, q))
	}

	groups := make([]IndexGroup, 0, len(byTag))
	for tag, views := range byTag {
		sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
		groups = append(groups, IndexGroup{Tag: tag, Indices: views})
	}
	sort.Slice(groups, func(i, j int) bool {
		ri, rj := tagRank(groups[i].Tag), tagRank(groups[j].Tag)
		if ri != rj {
			return ri < rj
		}
		return groups[i].Tag < groups[j].Tag
	})
	return groups
}

func tagRank(tag string) int {
	if r, ok := indexTagOrder[tag]; ok {
		return r
	}
	return len(indexTagOrder)
}

// newIndexView flattens a quote. Direction is "up" for a non-negative change.
func newIndexView(idx domain.Index, q domain.Quote) IndexView {
	v := IndexView{
		Name:      idx.Name,
		Tag:       idx.Tag,
		Value:     q.LTP,
		Open:      q.Open,
		High:      q.High,
		Low:       q.Low,
		PrevClose: q.PrevClose,
		UpdatedAt: q.UpdatedAt,
	}
	if pct := q.ChangePct(); pct != nil {
		change := q.LTP.Decimal.Sub(q.PrevClose.Decimal)
		v.ChangePct = pct
		v.ChangeValue = &change
		v.Direction = "up"
		if pct.IsNegative() {
			v.Direction = "down"
		}
	}
	return v
}
