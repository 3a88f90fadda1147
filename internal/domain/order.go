package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an intent or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Intent is an agent's proposed action for one tick. Discarded after matching.
type Intent struct {
	Side       Side             `json:"side"`
	Instrument string           `json:"instrument"`
	Size       decimal.Decimal  `json:"size"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// Equal compares intents by value.
func (i Intent) Equal(o Intent) bool {
	if i.Side != o.Side || i.Instrument != o.Instrument || !i.Size.Equal(o.Size) {
		return false
	}
	if (i.LimitPrice == nil) != (o.LimitPrice == nil) {
		return false
	}
	return i.LimitPrice == nil || i.LimitPrice.Equal(*o.LimitPrice)
}

// IntentsEqual compares two intent lists element by element.
func IntentsEqual(a, b []Intent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// FillReason explains why a fill is partial or empty. Empty means fully filled.
type FillReason string

const (
	FillComplete             FillReason = ""
	FillVolumeCapped         FillReason = "VolumeCapped"
	FillInsufficientBalance  FillReason = "InsufficientBalance"
	FillInsufficientPosition FillReason = "InsufficientPosition"
	FillPriceBoundExceeded   FillReason = "PriceBoundExceeded"
	FillUnknownInstrument    FillReason = "UnknownInstrument"
	FillNoLiquidity          FillReason = "NoLiquidity"
)

// Fill is the resolved effect of an intent against a tick. Never mutated once appended to a ledger.
type Fill struct {
	MatchID       string          `json:"match_id"`
	ParticipantID string          `json:"participant_id"`
	TickIndex     int64           `json:"tick_index"`
	Seq           int             `json:"seq"`
	Side          Side            `json:"side"`
	Instrument    string          `json:"instrument"`
	RequestedSize decimal.Decimal `json:"requested_size"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	CashDelta     decimal.Decimal `json:"cash_delta"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	PositionAfter decimal.Decimal `json:"position_after"`
	Reason        FillReason      `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Key identifies a fill uniquely within the engine.
func (f Fill) Key() string {
	return fmt.Sprintf("%s/%s/%d/%d", f.MatchID, f.ParticipantID, f.TickIndex, f.Seq)
}

// Executed reports whether any size was filled.
func (f Fill) Executed() bool { return f.Size.IsPositive() }

// Notional is size × price.
func (f Fill) Notional() decimal.Decimal { return f.Size.Mul(f.Price) }
