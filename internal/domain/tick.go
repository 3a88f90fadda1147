package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the normalized price/volume of one instrument for one tick.
type Quote struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// MarketSnapshot is what a market data adapter returns for one fetch.
type MarketSnapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Quotes    map[string]Quote `json:"quotes"`
}

// Tick is one immutable simulation step. Index increases by exactly 1 per advance within a match.
type Tick struct {
	Index     int64            `json:"index"`
	Timestamp time.Time        `json:"timestamp"`
	Quotes    map[string]Quote `json:"quotes"`
}

// NewTick stamps a snapshot with its index. Quotes are copied so later changes to the snapshot do not leak in.
func NewTick(index int64, snap MarketSnapshot) Tick {
	quotes := make(map[string]Quote, len(snap.Quotes))
	for k, v := range snap.Quotes {
		quotes[k] = v
	}
	return Tick{Index: index, Timestamp: snap.Timestamp, Quotes: quotes}
}

// Quote returns the quote for an instrument.
func (t Tick) Quote(instrument string) (Quote, bool) {
	q, ok := t.Quotes[instrument]
	return q, ok
}

// Marks returns the latest price per instrument, used for unrealized PnL.
func (t Tick) Marks() map[string]decimal.Decimal {
	marks := make(map[string]decimal.Decimal, len(t.Quotes))
	for k, q := range t.Quotes {
		marks[k] = q.Price
	}
	return marks
}

// Covers reports whether the tick quotes every instrument in the list.
func (t Tick) Covers(instruments []string) bool {
	for _, inst := range instruments {
		if _, ok := t.Quotes[inst]; !ok {
			return false
		}
	}
	return true
}
