package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/domain"
)

const smaCrossName = "sma_cross"

// SMACross buys when the short moving average crosses above the long one and
// closes the whole position when it crosses back below.
type SMACross struct {
	instrument string
	short      int
	long       int
	fraction   decimal.Decimal
}

// SMACrossConfig configures the strategy.
type SMACrossConfig struct {
	Instrument string
	Short      int
	Long       int
	Fraction   decimal.Decimal // share of cash spent per entry
}

// DefaultSMACrossConfig trades BTC/USDT on a 5/20 crossover with 10% of cash per entry.
func DefaultSMACrossConfig() SMACrossConfig {
	return SMACrossConfig{
		Instrument: "BTC/USDT",
		Short:      5,
		Long:       20,
		Fraction:   decimal.NewFromFloat(0.1),
	}
}

// NewSMACross validates cfg and builds the strategy.
func NewSMACross(cfg SMACrossConfig) (*SMACross, error) {
	if cfg.Short <= 0 || cfg.Long <= cfg.Short {
		return nil, fmt.Errorf("sma_cross: need 0 < short < long, got %d/%d", cfg.Short, cfg.Long)
	}
	if cfg.Instrument == "" {
		return nil, fmt.Errorf("sma_cross: instrument required")
	}
	return &SMACross{instrument: cfg.Instrument, short: cfg.Short, long: cfg.Long, fraction: cfg.Fraction}, nil
}

// NewSMACrossFromParams reads short, long, fraction and instrument from agent params.
func NewSMACrossFromParams(params map[string]string) (sandbox.Strategy, error) {
	cfg := DefaultSMACrossConfig()
	var err error
	if cfg.Short, err = intParam(params, "short", cfg.Short); err != nil {
		return nil, fmt.Errorf("sma_cross: %w", err)
	}
	if cfg.Long, err = intParam(params, "long", cfg.Long); err != nil {
		return nil, fmt.Errorf("sma_cross: %w", err)
	}
	if cfg.Fraction, err = fractionParam(params, cfg.Fraction); err != nil {
		return nil, fmt.Errorf("sma_cross: %w", err)
	}
	cfg.Instrument = stringParam(params, "instrument", cfg.Instrument)
	return NewSMACross(cfg)
}

// Name returns the registry name.
func (s *SMACross) Name() string { return smaCrossName }

// Decide implements sandbox.Strategy.
func (s *SMACross) Decide(in sandbox.Input) ([]domain.Intent, error) {
	q, ok := in.Tick.Quote(s.instrument)
	if !ok {
		return nil, nil
	}
	prices := closes(in, s.instrument)

	shortNow, ok1 := sma(prices, s.short, 0)
	longNow, ok2 := sma(prices, s.long, 0)
	shortPrev, ok3 := sma(prices, s.short, 1)
	longPrev, ok4 := sma(prices, s.long, 1)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil
	}

	held := in.Ledger.Holding(s.instrument)
	switch {
	case shortPrev.LessThanOrEqual(longPrev) && shortNow.GreaterThan(longNow) && held.IsZero():
		size := spend(in.Ledger, s.fraction, q.Price)
		if !size.IsPositive() {
			return nil, nil
		}
		return []domain.Intent{{Side: domain.SideBuy, Instrument: s.instrument, Size: size}}, nil
	case shortPrev.GreaterThanOrEqual(longPrev) && shortNow.LessThan(longNow) && held.IsPositive():
		return []domain.Intent{{Side: domain.SideSell, Instrument: s.instrument, Size: held}}, nil
	}
	return nil, nil
}
