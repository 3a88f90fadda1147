package matching_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alejandrodnm/arena/internal/application/matching"
	"github.com/alejandrodnm/arena/internal/domain"
)

var owner = matching.Owner{MatchID: "m1", ParticipantID: "p1"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func makeTick(index int64, price, volume string) domain.Tick {
	return domain.NewTick(index, domain.MarketSnapshot{
		Timestamp: time.Date(2026, 1, 1, 0, 0, int(index), 0, time.UTC),
		Quotes: map[string]domain.Quote{
			"BTC/USDT": {Price: d(price), Volume: d(volume)},
		},
	})
}

func buy(size string) domain.Intent {
	return domain.Intent{Side: domain.SideBuy, Instrument: "BTC/USDT", Size: d(size)}
}

func sell(size string) domain.Intent {
	return domain.Intent{Side: domain.SideSell, Instrument: "BTC/USDT", Size: d(size)}
}

func TestMatch_BuyAppliesSlippageAndFee(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("10000"))

	fills := m.Match(owner, makeTick(1, "100", "1000"), ledger.Snapshot(), []domain.Intent{buy("1")})
	require.Len(t, fills, 1)

	f := fills[0]
	// slippage = 0.1 × 1/1000 = 0.0001
	assert.True(t, d("100.01").Equal(f.Price), "price %s", f.Price)
	assert.True(t, d("1").Equal(f.Size))
	assert.True(t, d("0.10001").Equal(f.Fee), "fee %s", f.Fee)
	assert.True(t, d("-100.11001").Equal(f.CashDelta), "cash delta %s", f.CashDelta)
	assert.Equal(t, domain.FillComplete, f.Reason)
	assert.Equal(t, "m1/p1/1/0", f.Key())
}

func TestMatch_SellReceivesLessThanQuote(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("10000"))
	_, err := ledger.Apply(domain.Fill{Side: domain.SideBuy, Instrument: "BTC/USDT", Size: d("2"), Price: d("90"), Fee: decimal.Zero})
	require.NoError(t, err)

	fills := m.Match(owner, makeTick(2, "100", "1000"), ledger.Snapshot(), []domain.Intent{sell("2")})
	require.Len(t, fills, 1)
	assert.True(t, d("99.98").Equal(fills[0].Price), "price %s", fills[0].Price)
	assert.True(t, fills[0].RealizedPnL.IsPositive())
	assert.True(t, fills[0].PositionAfter.IsZero())
}

func TestMatch_VolumeCapDiscardsRemainder(t *testing.T) {
	m := matching.New(matching.DefaultConfig()) // 20% of tick volume
	ledger := domain.NewLedger(d("1000000"))

	// intent = 10 × tick volume
	fills := m.Match(owner, makeTick(1, "100", "10"), ledger.Snapshot(), []domain.Intent{buy("100")})
	require.Len(t, fills, 1)
	assert.True(t, d("2").Equal(fills[0].Size), "size %s", fills[0].Size)
	assert.True(t, d("100").Equal(fills[0].RequestedSize))
	assert.Equal(t, domain.FillVolumeCapped, fills[0].Reason)

	// The remainder is not carried into the next tick.
	next := m.Match(owner, makeTick(2, "100", "10"), ledger.Snapshot(), nil)
	assert.Empty(t, next)
}

func TestMatch_InsufficientBalanceIsZeroFill(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("50"))

	fills := m.Match(owner, makeTick(1, "100", "1000"), ledger.Snapshot(), []domain.Intent{buy("1")})
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Size.IsZero())
	assert.Equal(t, domain.FillInsufficientBalance, fills[0].Reason)
	assert.True(t, fills[0].CashDelta.IsZero())
}

func TestMatch_SellWithoutPositionIsZeroFill(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("1000"))

	fills := m.Match(owner, makeTick(1, "100", "1000"), ledger.Snapshot(), []domain.Intent{sell("1")})
	require.Len(t, fills, 1)
	assert.Equal(t, domain.FillInsufficientPosition, fills[0].Reason)
	assert.True(t, fills[0].Size.IsZero())
}

func TestMatch_SubmissionOrderSharesCash(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("150"))

	fills := m.Match(owner, makeTick(1, "100", "1000"), ledger.Snapshot(), []domain.Intent{buy("1"), buy("1")})
	require.Len(t, fills, 2)
	assert.Equal(t, 0, fills[0].Seq)
	assert.Equal(t, 1, fills[1].Seq)
	assert.True(t, fills[0].Executed())
	assert.False(t, fills[1].Executed())
	assert.Equal(t, domain.FillInsufficientBalance, fills[1].Reason)
}

func TestMatch_PriceBoundAndUnknownInstrument(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("10000"))

	limit := d("100")
	bounded := buy("1")
	bounded.LimitPrice = &limit
	unknown := domain.Intent{Side: domain.SideBuy, Instrument: "DOGE/USDT", Size: d("1")}

	fills := m.Match(owner, makeTick(1, "100", "1000"), ledger.Snapshot(), []domain.Intent{bounded, unknown})
	require.Len(t, fills, 2)
	assert.Equal(t, domain.FillPriceBoundExceeded, fills[0].Reason)
	assert.Equal(t, domain.FillUnknownInstrument, fills[1].Reason)
}

func TestMatch_NoLiquidity(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("10000"))

	fills := m.Match(owner, makeTick(1, "100", "0"), ledger.Snapshot(), []domain.Intent{buy("1")})
	require.Len(t, fills, 1)
	assert.Equal(t, domain.FillNoLiquidity, fills[0].Reason)
}

func TestMatch_Deterministic(t *testing.T) {
	m := matching.New(matching.DefaultConfig())
	ledger := domain.NewLedger(d("10000"))
	intents := []domain.Intent{buy("3.3"), buy("0.7"), sell("1")}

	a, err := json.Marshal(m.Match(owner, makeTick(7, "123.45", "77"), ledger.Snapshot(), intents))
	require.NoError(t, err)
	b, err := json.Marshal(m.Match(owner, makeTick(7, "123.45", "77"), ledger.Snapshot(), intents))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestConfig_Validate(t *testing.T) {
	cfg := matching.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxVolumeFraction = decimal.Zero
	assert.Error(t, cfg.Validate())

	cfg = matching.DefaultConfig()
	cfg.FeeRate = d("1")
	assert.Error(t, cfg.Validate())
}

func TestMatch_LedgerNeverNegative(t *testing.T) {
	m := matching.New(matching.DefaultConfig())

	rapid.Check(t, func(t *rapid.T) {
		ledger := domain.NewLedger(decimal.NewFromInt(rapid.Int64Range(0, 5000).Draw(t, "cash")))
		ticks := rapid.IntRange(1, 10).Draw(t, "ticks")

		for i := 1; i <= ticks; i++ {
			price := decimal.NewFromInt(rapid.Int64Range(1, 500).Draw(t, "price"))
			volume := decimal.NewFromInt(rapid.Int64Range(0, 100).Draw(t, "volume"))
			tick := domain.NewTick(int64(i), domain.MarketSnapshot{
				Quotes: map[string]domain.Quote{"BTC/USDT": {Price: price, Volume: volume}},
			})

			n := rapid.IntRange(0, 5).Draw(t, "intents")
			intents := make([]domain.Intent, n)
			for j := range intents {
				side := domain.SideBuy
				if rapid.Bool().Draw(t, "sell") {
					side = domain.SideSell
				}
				intents[j] = domain.Intent{
					Side:       side,
					Instrument: "BTC/USDT",
					Size:       decimal.NewFromInt(rapid.Int64Range(1, 50).Draw(t, "size")),
				}
			}

			for _, f := range m.Match(owner, tick, ledger.Snapshot(), intents) {
				if _, err := ledger.Apply(f); err != nil {
					t.Fatalf("apply fill %s: %v", f.Key(), err)
				}
				if ledger.Cash.IsNegative() {
					t.Fatalf("cash went negative: %s", ledger.Cash)
				}
				if ledger.Snapshot().Holding("BTC/USDT").IsNegative() {
					t.Fatalf("position went negative")
				}
			}
		}
	})
}
