package matching

// matcher.go: resolves agent intents against a single tick.
//
// Rules:
//   - Intents are processed in submission order. No priority reordering.
//   - Executed price = quote × (1 ± slippage), slippage = coefficient × size/volume, capped.
//   - Size above MaxVolumeFraction × volume is discarded. Nothing carries to the next tick.
//   - Anything the ledger cannot afford becomes a zero fill with a reason, never an error.

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/domain"
)

const pricePlaces = 8

// Config holds the pricing model parameters.
type Config struct {
	MaxVolumeFraction   decimal.Decimal // share of tick volume one intent may take, in (0, 1]
	SlippageCoefficient decimal.Decimal // slippage per unit of size/volume
	MaxSlippage         decimal.Decimal // upper bound on slippage, in [0, 1)
	FeeRate             decimal.Decimal // fee as a share of notional, in [0, 1)
}

// DefaultConfig returns the parameters used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxVolumeFraction:   decimal.RequireFromString("0.2"),
		SlippageCoefficient: decimal.RequireFromString("0.1"),
		MaxSlippage:         decimal.RequireFromString("0.05"),
		FeeRate:             decimal.RequireFromString("0.001"),
	}
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	if !c.MaxVolumeFraction.IsPositive() || c.MaxVolumeFraction.GreaterThan(one) {
		return fmt.Errorf("matching: max_volume_fraction must be in (0, 1], got %s", c.MaxVolumeFraction)
	}
	if c.SlippageCoefficient.IsNegative() {
		return fmt.Errorf("matching: slippage_coefficient must be >= 0, got %s", c.SlippageCoefficient)
	}
	if c.MaxSlippage.IsNegative() || c.MaxSlippage.GreaterThanOrEqual(one) {
		return fmt.Errorf("matching: max_slippage must be in [0, 1), got %s", c.MaxSlippage)
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("matching: fee_rate must be in [0, 1), got %s", c.FeeRate)
	}
	return nil
}

// Owner identifies whose intents are being matched.
type Owner struct {
	MatchID       string
	ParticipantID string
}

// Matcher is stateless and safe for concurrent use.
type Matcher struct {
	cfg Config
}

// New creates a Matcher. The config must already be validated.
func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// Match resolves intents against tick in order. Each intent sees the ledger as left by the previous ones,
// so one participant's later intents cannot spend cash an earlier intent already used.
// Returned fills are settled against the snapshot and can be applied to the real ledger as-is.
func (m *Matcher) Match(owner Owner, tick domain.Tick, ledger domain.LedgerSnapshot, intents []domain.Intent) []domain.Fill {
	working := ledger.Ledger()
	fills := make([]domain.Fill, 0, len(intents))

	for seq, in := range intents {
		candidate := m.price(owner, tick, seq, in, working.Snapshot())
		settled, err := working.Apply(candidate)
		if err != nil {
			// Pre-checks should make this unreachable; keep the ledger authoritative anyway.
			settled = zeroFill(candidate, domain.FillInsufficientBalance)
			settled, _ = working.Apply(settled)
		}
		fills = append(fills, settled)
	}
	return fills
}

// price builds the unsettled fill for one intent.
func (m *Matcher) price(owner Owner, tick domain.Tick, seq int, in domain.Intent, ledger domain.LedgerSnapshot) domain.Fill {
	f := domain.Fill{
		MatchID:       owner.MatchID,
		ParticipantID: owner.ParticipantID,
		TickIndex:     tick.Index,
		Seq:           seq,
		Side:          in.Side,
		Instrument:    in.Instrument,
		RequestedSize: in.Size,
		Size:          decimal.Zero,
		Price:         decimal.Zero,
		Fee:           decimal.Zero,
		Timestamp:     tick.Timestamp,
	}

	quote, ok := tick.Quote(in.Instrument)
	if !ok {
		return zeroFill(f, domain.FillUnknownInstrument)
	}
	if !quote.Volume.IsPositive() || !quote.Price.IsPositive() {
		return zeroFill(f, domain.FillNoLiquidity)
	}

	size := in.Size
	capSize := quote.Volume.Mul(m.cfg.MaxVolumeFraction)
	if size.GreaterThan(capSize) {
		size = capSize
		f.Reason = domain.FillVolumeCapped
	}

	f.Price = m.executionPrice(in.Side, quote, size)
	if in.LimitPrice != nil && violatesBound(in.Side, f.Price, *in.LimitPrice) {
		return zeroFill(f, domain.FillPriceBoundExceeded)
	}

	fee := size.Mul(f.Price).Mul(m.cfg.FeeRate).Round(pricePlaces)
	switch in.Side {
	case domain.SideBuy:
		cost := size.Mul(f.Price).Add(fee)
		if cost.GreaterThan(ledger.Cash) {
			return zeroFill(f, domain.FillInsufficientBalance)
		}
	case domain.SideSell:
		if ledger.Holding(in.Instrument).LessThan(size) {
			return zeroFill(f, domain.FillInsufficientPosition)
		}
	}

	f.Size = size
	f.Fee = fee
	return f
}

// executionPrice applies deterministic slippage: buyers pay up, sellers receive less.
func (m *Matcher) executionPrice(side domain.Side, q domain.Quote, size decimal.Decimal) decimal.Decimal {
	slip := m.cfg.SlippageCoefficient.Mul(size).Div(q.Volume)
	if slip.GreaterThan(m.cfg.MaxSlippage) {
		slip = m.cfg.MaxSlippage
	}
	one := decimal.NewFromInt(1)
	if side == domain.SideSell {
		return q.Price.Mul(one.Sub(slip)).Round(pricePlaces)
	}
	return q.Price.Mul(one.Add(slip)).Round(pricePlaces)
}

func violatesBound(side domain.Side, price, limit decimal.Decimal) bool {
	if side == domain.SideSell {
		return price.LessThan(limit)
	}
	return price.GreaterThan(limit)
}

func zeroFill(f domain.Fill, reason domain.FillReason) domain.Fill {
	f.Size = decimal.Zero
	f.Fee = decimal.Zero
	f.Reason = reason
	return f
}
