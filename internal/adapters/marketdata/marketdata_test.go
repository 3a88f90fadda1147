package marketdata_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arena/internal/adapters/marketdata"
	"github.com/alejandrodnm/arena/internal/domain"
)

var pairs = []string{"BTC/USDT", "ETH/USDT"}

func TestSynthetic_DeterministicPerSeed(t *testing.T) {
	ctx := context.Background()
	a := marketdata.NewSynthetic(marketdata.SyntheticConfig{Seed: 42})
	b := marketdata.NewSynthetic(marketdata.SyntheticConfig{Seed: 42})
	c := marketdata.NewSynthetic(marketdata.SyntheticConfig{Seed: 7})

	var differs bool
	for range 20 {
		sa, err := a.NextTick(ctx, pairs)
		require.NoError(t, err)
		sb, err := b.NextTick(ctx, pairs)
		require.NoError(t, err)
		sc, err := c.NextTick(ctx, pairs)
		require.NoError(t, err)

		for _, inst := range pairs {
			assert.True(t, sa.Quotes[inst].Price.Equal(sb.Quotes[inst].Price))
			if !sa.Quotes[inst].Price.Equal(sc.Quotes[inst].Price) {
				differs = true
			}
		}
	}
	assert.True(t, differs, "different seeds should walk differently")
}

func TestSynthetic_StaysWithinVolatilityAndVolumeBounds(t *testing.T) {
	feed := marketdata.NewSynthetic(marketdata.SyntheticConfig{Seed: 1})
	prev := decimal.NewFromInt(50000)
	limit := decimal.NewFromFloat(0.001)
	for range 200 {
		snap, err := feed.NextTick(context.Background(), []string{"BTC/USDT"})
		require.NoError(t, err)
		q := snap.Quotes["BTC/USDT"]
		move := q.Price.Sub(prev).Abs().Div(prev)
		assert.True(t, move.LessThanOrEqual(limit.Add(decimal.New(1, -8))), "move %s", move)
		assert.True(t, q.Volume.GreaterThanOrEqual(decimal.NewFromInt(100)))
		assert.True(t, q.Volume.LessThanOrEqual(decimal.NewFromInt(1000)))
		prev = q.Price
	}
}

func TestSynthetic_FailureInjection(t *testing.T) {
	feed := marketdata.NewSynthetic(marketdata.SyntheticConfig{Seed: 1, FailEvery: 3})
	ctx := context.Background()

	_, err := feed.NextTick(ctx, pairs)
	require.NoError(t, err)
	_, err = feed.NextTick(ctx, pairs)
	require.NoError(t, err)
	_, err = feed.NextTick(ctx, pairs)
	assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))

	feed.FailNext(2)
	for range 2 {
		_, err = feed.NextTick(ctx, pairs)
		assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))
	}
	_, err = feed.NextTick(ctx, pairs)
	assert.NoError(t, err)
}

func TestBinance_NormalizesTickers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, `["BTCUSDT","ETHUSDT"]`, r.URL.Query().Get("symbols"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","lastPrice":"64000.10","volume":"14400","closeTime":1700000000000},
			{"symbol":"ETHUSDT","lastPrice":"3100.5","volume":"2880","closeTime":1700000001000}
		]`))
	}))
	defer srv.Close()

	feed := marketdata.NewBinance(marketdata.BinanceConfig{BaseURL: srv.URL})
	snap, err := feed.NextTick(context.Background(), pairs)
	require.NoError(t, err)

	assert.Equal(t, "64000.1", snap.Quotes["BTC/USDT"].Price.String())
	assert.Equal(t, "10", snap.Quotes["BTC/USDT"].Volume.String())
	assert.Equal(t, "2", snap.Quotes["ETH/USDT"].Volume.String())
	assert.Equal(t, time.UnixMilli(1700000001000).UTC(), snap.Timestamp)
}

func TestBinance_MissingSymbolIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","lastPrice":"1","volume":"1","closeTime":1}]`))
	}))
	defer srv.Close()

	_, err := marketdata.NewBinance(marketdata.BinanceConfig{BaseURL: srv.URL}).NextTick(context.Background(), pairs)
	assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))
}

func TestBinance_ServerErrorsAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	feed := marketdata.NewBinance(marketdata.BinanceConfig{BaseURL: srv.URL, RetryWait: time.Millisecond})
	_, err := feed.NextTick(context.Background(), pairs)
	assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))
	assert.True(t, domain.IsRetriable(err))
}

func TestSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", marketdata.Symbol("BTC/USDT"))
	assert.Equal(t, "ETHUSDT", marketdata.Symbol("eth/usdt"))
}

func TestRecorderAndReplay_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rec := marketdata.NewRecorder(marketdata.NewSynthetic(marketdata.SyntheticConfig{Seed: 9}))

	var served []domain.MarketSnapshot
	for range 3 {
		snap, err := rec.NextTick(ctx, pairs)
		require.NoError(t, err)
		served = append(served, snap)
	}

	path := filepath.Join(t.TempDir(), "ticks.json")
	require.NoError(t, rec.Save(path))

	replay, err := marketdata.LoadReplay(path)
	require.NoError(t, err)
	assert.Equal(t, 3, replay.Remaining())

	for _, want := range served {
		got, err := replay.NextTick(ctx, []string{"BTC/USDT"})
		require.NoError(t, err)
		assert.Len(t, got.Quotes, 1)
		assert.True(t, want.Quotes["BTC/USDT"].Price.Equal(got.Quotes["BTC/USDT"].Price))
	}

	_, err = replay.NextTick(ctx, pairs)
	assert.True(t, errors.Is(err, domain.ErrFeedUnavailable))
}
