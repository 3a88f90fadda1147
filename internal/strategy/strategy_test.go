package strategy_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/strategy"
)

const btc = "BTC/USDT"

func input(prices []int64, ledger domain.LedgerSnapshot) sandbox.Input {
	ticks := make([]domain.Tick, len(prices))
	for i, p := range prices {
		ticks[i] = domain.Tick{
			Index:     int64(i + 1),
			Timestamp: time.Unix(int64(i), 0).UTC(),
			Quotes:    map[string]domain.Quote{btc: {Price: decimal.NewFromInt(p), Volume: decimal.NewFromInt(100)}},
		}
	}
	last := len(ticks) - 1
	return sandbox.Input{Tick: ticks[last], Recent: ticks[:last], Ledger: ledger}
}

func flat(cash int64) domain.LedgerSnapshot {
	return domain.LedgerSnapshot{StartingBalance: decimal.NewFromInt(cash), Cash: decimal.NewFromInt(cash)}
}

func holding(qty string) domain.LedgerSnapshot {
	l := flat(1000)
	l.Positions = map[string]domain.Position{btc: {Quantity: decimal.RequireFromString(qty), AvgCost: decimal.NewFromInt(10)}}
	return l
}

func smaCross(t *testing.T) sandbox.Strategy {
	t.Helper()
	s, err := strategy.NewSMACrossFromParams(map[string]string{"short": "2", "long": "3", "fraction": "0.1"})
	require.NoError(t, err)
	return s
}

func TestSMACross_BuysOnUpwardCross(t *testing.T) {
	intents, err := smaCross(t).Decide(input([]int64{10, 9, 8, 12}, flat(1000)))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.Equal(t, btc, intents[0].Instrument)
	assert.Equal(t, "8.33333333", intents[0].Size.String())
}

func TestSMACross_NoRebuyWhileHolding(t *testing.T) {
	intents, err := smaCross(t).Decide(input([]int64{10, 9, 8, 12}, holding("1")))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestSMACross_SellsWholePositionOnDownwardCross(t *testing.T) {
	intents, err := smaCross(t).Decide(input([]int64{10, 11, 12, 5}, holding("2.5")))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSell, intents[0].Side)
	assert.True(t, decimal.RequireFromString("2.5").Equal(intents[0].Size))

	intents, err = smaCross(t).Decide(input([]int64{10, 11, 12, 5}, flat(1000)))
	require.NoError(t, err)
	assert.Empty(t, intents, "nothing to sell")
}

func TestSMACross_WaitsForEnoughHistory(t *testing.T) {
	intents, err := smaCross(t).Decide(input([]int64{10, 12}, flat(1000)))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestSMACross_Deterministic(t *testing.T) {
	in := input([]int64{10, 9, 8, 12}, flat(1000))
	s := smaCross(t)
	a, err := s.Decide(in)
	require.NoError(t, err)
	b, err := s.Decide(in)
	require.NoError(t, err)
	assert.True(t, domain.IntentsEqual(a, b))
}

func TestSMACross_RejectsBadParams(t *testing.T) {
	for name, params := range map[string]map[string]string{
		"short >= long":    {"short": "5", "long": "5"},
		"not a number":     {"short": "five"},
		"fraction too big": {"fraction": "1.5"},
		"fraction zero":    {"fraction": "0"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := strategy.NewSMACrossFromParams(params)
			assert.Error(t, err)
		})
	}
}

func TestBuyHold_BuysOnceThenHolds(t *testing.T) {
	s, err := strategy.NewBuyHoldFromParams(map[string]string{"fraction": "0.5"})
	require.NoError(t, err)

	intents, err := s.Decide(input([]int64{100}, flat(1000)))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.Equal(t, "5", intents[0].Size.String())

	intents, err = s.Decide(input([]int64{100, 120}, holding("5")))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestRegister_ExposesBuiltins(t *testing.T) {
	rt := sandbox.NewBuiltinRuntime()
	strategy.Register(rt)
	assert.Equal(t, []string{"buy_hold", "sma_cross"}, rt.Names())

	agent := domain.AgentHandle{ID: "a", Runtime: domain.RuntimeBuiltin, Entry: "buy_hold"}
	intents, err := rt.Invoke(context.Background(), agent, input([]int64{100}, flat(1000)))
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}
