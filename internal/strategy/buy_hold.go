package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/domain"
)

const buyHoldName = "buy_hold"

// BuyHold spends a fixed fraction of its cash on the first tick it sees and never trades again.
type BuyHold struct {
	instrument string
	fraction   decimal.Decimal
}

// NewBuyHoldFromParams reads instrument and fraction (default 0.95) from agent params.
func NewBuyHoldFromParams(params map[string]string) (sandbox.Strategy, error) {
	fraction, err := fractionParam(params, decimal.NewFromFloat(0.95))
	if err != nil {
		return nil, fmt.Errorf("buy_hold: %w", err)
	}
	return &BuyHold{instrument: stringParam(params, "instrument", "BTC/USDT"), fraction: fraction}, nil
}

// Name returns the registry name.
func (b *BuyHold) Name() string { return buyHoldName }

// Decide implements sandbox.Strategy. It buys only while the ledger is untouched,
// so a zero fill on the entry tick is retried on the next one.
func (b *BuyHold) Decide(in sandbox.Input) ([]domain.Intent, error) {
	if !in.Ledger.Cash.Equal(in.Ledger.StartingBalance) || len(in.Ledger.Positions) > 0 {
		return nil, nil
	}
	q, ok := in.Tick.Quote(b.instrument)
	if !ok {
		return nil, nil
	}
	size := spend(in.Ledger, b.fraction, q.Price)
	if !size.IsPositive() {
		return nil, nil
	}
	return []domain.Intent{{Side: domain.SideBuy, Instrument: b.instrument, Size: size}}, nil
}
