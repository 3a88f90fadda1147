package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ParticipantStatus is the per-match state of a participant.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantFaulted      ParticipantStatus = "faulted" // faulted on the latest tick only
	ParticipantDisqualified ParticipantStatus = "disqualified"
)

// Participant binds one agent version to one match.
type Participant struct {
	ID               string
	MatchID          string
	AgentID          string
	AgentVersion     string
	AccountID        string
	JoinSeq          int
	JoinedAt         time.Time
	Ledger           Ledger
	Wins             int
	Losses           int
	Trades           int
	FaultCount       int
	TicksEvaluated   int
	Status           ParticipantStatus
	Reason           string
	ExecutionEnabled bool // frozen at match start
}

// Eligible reports whether the participant is still evaluated on new ticks.
func (p Participant) Eligible() bool { return p.Status != ParticipantDisqualified }

// Record updates trade counters from a settled fill.
func (p *Participant) Record(f Fill) {
	if f.Size.IsZero() {
		return
	}
	p.Trades++
	if f.Side != SideSell {
		return
	}
	switch f.RealizedPnL.Sign() {
	case 1:
		p.Wins++
	case -1:
		p.Losses++
	}
}

// Clone deep-copies the participant including its ledger.
func (p Participant) Clone() Participant {
	c := p
	c.Ledger = p.Ledger.Clone()
	return c
}

// Position is the simulated holding of one instrument.
type Position struct {
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// LedgerSnapshot is an immutable view of a ledger handed to agents and the leaderboard.
type LedgerSnapshot struct {
	StartingBalance decimal.Decimal     `json:"starting_balance"`
	Cash            decimal.Decimal     `json:"cash"`
	RealizedPnL     decimal.Decimal     `json:"realized_pnl"`
	Fees            decimal.Decimal     `json:"fees"`
	Positions       map[string]Position `json:"positions"`
}

// Holding returns the quantity held of an instrument (zero if none).
func (s LedgerSnapshot) Holding(instrument string) decimal.Decimal {
	return s.Positions[instrument].Quantity
}

// Unrealized marks every position at the given prices. Instruments without a mark count as zero.
func (s LedgerSnapshot) Unrealized(marks map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range sortedKeys(s.Positions) {
		pos := s.Positions[inst]
		mark, ok := marks[inst]
		if !ok {
			continue
		}
		total = total.Add(pos.Quantity.Mul(mark.Sub(pos.AvgCost)))
	}
	return total
}

// Equity is cash plus the marked value of every position.
func (s LedgerSnapshot) Equity(marks map[string]decimal.Decimal) decimal.Decimal {
	eq := s.Cash
	for _, inst := range sortedKeys(s.Positions) {
		pos := s.Positions[inst]
		mark, ok := marks[inst]
		if !ok {
			mark = pos.AvgCost
		}
		eq = eq.Add(pos.Quantity.Mul(mark))
	}
	return eq
}

// Ledger returns a working ledger (without fill history) seeded from the snapshot.
func (s LedgerSnapshot) Ledger() Ledger {
	return Ledger{
		StartingBalance: s.StartingBalance,
		Cash:            s.Cash,
		RealizedPnL:     s.RealizedPnL,
		Fees:            s.Fees,
		Positions:       copyPositions(s.Positions),
	}
}

// Ledger is a participant's simulated balance and position book plus its append-only fill history.
// Cash and every position quantity stay >= 0.
type Ledger struct {
	StartingBalance decimal.Decimal
	Cash            decimal.Decimal
	RealizedPnL     decimal.Decimal
	Fees            decimal.Decimal
	Positions       map[string]Position
	fills           []Fill
}

// NewLedger opens a ledger with the given starting cash.
func NewLedger(balance decimal.Decimal) Ledger {
	return Ledger{
		StartingBalance: balance,
		Cash:            balance,
		RealizedPnL:     decimal.Zero,
		Fees:            decimal.Zero,
		Positions:       make(map[string]Position),
	}
}

// Settle computes the cash, PnL and position effects of f against the current ledger without mutating it.
// Zero-size fills settle to zero deltas.
func (l *Ledger) Settle(f Fill) (Fill, error) {
	f.CashDelta = decimal.Zero
	f.RealizedPnL = decimal.Zero
	pos := l.Positions[f.Instrument]
	f.PositionAfter = pos.Quantity
	if f.Size.IsZero() {
		return f, nil
	}
	if f.Size.IsNegative() || f.Price.IsNegative() || f.Fee.IsNegative() {
		return f, fmt.Errorf("ledger.Settle: negative size/price/fee in fill %s", f.Key())
	}

	notional := f.Size.Mul(f.Price)
	switch f.Side {
	case SideBuy:
		f.CashDelta = notional.Add(f.Fee).Neg()
		if l.Cash.Add(f.CashDelta).IsNegative() {
			return f, fmt.Errorf("ledger.Settle: buy %s: %w", f.Key(), ErrNegativeBalance)
		}
		f.RealizedPnL = f.Fee.Neg()
		f.PositionAfter = pos.Quantity.Add(f.Size)
	case SideSell:
		if pos.Quantity.LessThan(f.Size) {
			return f, fmt.Errorf("ledger.Settle: sell %s: %w", f.Key(), ErrNegativeBalance)
		}
		f.CashDelta = notional.Sub(f.Fee)
		f.RealizedPnL = f.Price.Sub(pos.AvgCost).Mul(f.Size).Sub(f.Fee)
		f.PositionAfter = pos.Quantity.Sub(f.Size)
	default:
		return f, fmt.Errorf("ledger.Settle: unknown side %q", f.Side)
	}
	return f, nil
}

// Apply settles f and appends it to the fill history. Zero fills are recorded too: they are part of the audit trail.
func (l *Ledger) Apply(f Fill) (Fill, error) {
	settled, err := l.Settle(f)
	if err != nil {
		return f, err
	}
	if l.Positions == nil {
		l.Positions = make(map[string]Position)
	}
	if !settled.Size.IsZero() {
		pos := l.Positions[settled.Instrument]
		switch settled.Side {
		case SideBuy:
			cost := pos.Quantity.Mul(pos.AvgCost).Add(settled.Size.Mul(settled.Price))
			pos.AvgCost = cost.Div(settled.PositionAfter)
		case SideSell:
			if settled.PositionAfter.IsZero() {
				pos.AvgCost = decimal.Zero
			}
		}
		pos.Quantity = settled.PositionAfter
		if pos.Quantity.IsZero() {
			delete(l.Positions, settled.Instrument)
		} else {
			l.Positions[settled.Instrument] = pos
		}
		l.Cash = l.Cash.Add(settled.CashDelta)
		l.RealizedPnL = l.RealizedPnL.Add(settled.RealizedPnL)
		l.Fees = l.Fees.Add(settled.Fee)
	}
	l.fills = append(l.fills, settled)
	return settled, nil
}

// Fills returns a copy of the fill history.
func (l Ledger) Fills() []Fill {
	return append([]Fill(nil), l.fills...)
}

// Snapshot returns an immutable copy of balances and positions.
func (l Ledger) Snapshot() LedgerSnapshot {
	return LedgerSnapshot{
		StartingBalance: l.StartingBalance,
		Cash:            l.Cash,
		RealizedPnL:     l.RealizedPnL,
		Fees:            l.Fees,
		Positions:       copyPositions(l.Positions),
	}
}

// Clone deep-copies the ledger.
func (l Ledger) Clone() Ledger {
	c := l
	c.Positions = copyPositions(l.Positions)
	c.fills = append([]Fill(nil), l.fills...)
	return c
}

func copyPositions(in map[string]Position) map[string]Position {
	out := make(map[string]Position, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
