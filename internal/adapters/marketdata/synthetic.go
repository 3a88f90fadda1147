// Package marketdata holds the MarketDataAdapter implementations.
package marketdata

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/domain"
)

var (
	// DefaultStartPrices seed the random walk. Unlisted instruments start at 100.
	DefaultStartPrices = map[string]decimal.Decimal{
		"BTC/USDT":  decimal.NewFromInt(50000),
		"ETH/USDT":  decimal.NewFromInt(3000),
		"SOL/USDT":  decimal.NewFromInt(100),
		"BNB/USDT":  decimal.NewFromInt(300),
		"DOGE/USDT": decimal.NewFromFloat(0.08),
	}

	fallbackStart     = decimal.NewFromInt(100)
	defaultVolatility = decimal.NewFromFloat(0.001)
	minVolume         = 100.0
	volumeSpan        = 900.0
)

// SyntheticConfig configures the random walk.
type SyntheticConfig struct {
	Seed        uint64
	Volatility  decimal.Decimal // max relative move per tick, default 0.1%
	StartPrices map[string]decimal.Decimal
	FailEvery   int // every Nth call fails when > 0
}

// Synthetic is a seeded random-walk feed. Two feeds with the same seed
// asked for the same instruments in the same order produce the same snapshots.
// Snapshots carry no timestamp; the match stamps them from its own clock.
type Synthetic struct {
	mu     sync.Mutex
	cfg    SyntheticConfig
	rng    *rand.Rand
	prices map[string]decimal.Decimal
	calls  int
	failN  int
}

// NewSynthetic creates a feed.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if !cfg.Volatility.IsPositive() {
		cfg.Volatility = defaultVolatility
	}
	if cfg.StartPrices == nil {
		cfg.StartPrices = DefaultStartPrices
	}
	return &Synthetic{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		prices: make(map[string]decimal.Decimal),
	}
}

// FailNext makes the next n calls fail.
func (s *Synthetic) FailNext(n int) {
	s.mu.Lock()
	s.failN = n
	s.mu.Unlock()
}

// NextTick implements ports.MarketDataAdapter.
func (s *Synthetic) NextTick(ctx context.Context, instruments []string) (domain.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Synthetic: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.failN > 0 {
		s.failN--
		return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Synthetic: injected failure: %w", domain.ErrFeedUnavailable)
	}
	if s.cfg.FailEvery > 0 && s.calls%s.cfg.FailEvery == 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Synthetic: call %d: %w", s.calls, domain.ErrFeedUnavailable)
	}

	quotes := make(map[string]domain.Quote, len(instruments))
	for _, inst := range instruments {
		price, ok := s.prices[inst]
		if !ok {
			price = s.start(inst)
		}
		move := decimal.NewFromFloat(s.rng.Float64()*2 - 1).Mul(s.cfg.Volatility)
		price = price.Add(price.Mul(move)).Round(8)
		s.prices[inst] = price

		volume := decimal.NewFromFloat(minVolume + s.rng.Float64()*volumeSpan).Round(4)
		quotes[inst] = domain.Quote{Price: price, Volume: volume}
	}
	return domain.MarketSnapshot{Quotes: quotes}, nil
}

func (s *Synthetic) start(inst string) decimal.Decimal {
	if p, ok := s.cfg.StartPrices[inst]; ok {
		return p
	}
	return fallbackStart
}
