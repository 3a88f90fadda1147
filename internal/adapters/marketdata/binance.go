package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/adapters/rest"
	"github.com/alejandrodnm/arena/internal/domain"
)

const (
	defaultBinanceBase = "https://api.binance.com"
	tickerPath         = "/api/v3/ticker/24hr"

	// Weight of /ticker/24hr with a symbols list is 2-40; 6000/min is the IP budget. Stay well under.
	binanceRatePerSec = 10

	// DefaultVolumeDivisor spreads the 24h volume over one-minute ticks.
	DefaultVolumeDivisor = 1440
)

// BinanceConfig configures the REST feed.
type BinanceConfig struct {
	BaseURL       string
	VolumeDivisor int64
	Timeout       time.Duration
	RetryWait     time.Duration
}

// Binance reads last price and 24h volume from the public spot ticker.
type Binance struct {
	client  *rest.Client
	divisor decimal.Decimal
}

type ticker24h struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

// NewBinance creates the feed. An empty BaseURL means production.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBinanceBase
	}
	if cfg.VolumeDivisor <= 0 {
		cfg.VolumeDivisor = DefaultVolumeDivisor
	}
	return &Binance{
		client: rest.New(strings.TrimRight(cfg.BaseURL, "/"), rest.Options{
			Timeout:    cfg.Timeout,
			RatePerSec: binanceRatePerSec,
			Burst:      5,
			RetryWait:  cfg.RetryWait,
		}),
		divisor: decimal.NewFromInt(cfg.VolumeDivisor),
	}
}

// Symbol converts "BTC/USDT" to "BTCUSDT".
func Symbol(instrument string) string {
	return strings.ToUpper(strings.ReplaceAll(instrument, "/", ""))
}

// NextTick implements ports.MarketDataAdapter.
func (b *Binance) NextTick(ctx context.Context, instruments []string) (domain.MarketSnapshot, error) {
	bySymbol := make(map[string]string, len(instruments))
	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		sym := Symbol(inst)
		bySymbol[sym] = inst
		symbols = append(symbols, sym)
	}
	list, err := json.Marshal(symbols)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Binance: %w", err)
	}

	var tickers []ticker24h
	path := tickerPath + "?symbols=" + url.QueryEscape(string(list))
	if err := b.client.Get(ctx, path, &tickers); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Binance: %w: %w", domain.ErrFeedUnavailable, err)
	}

	snap := domain.MarketSnapshot{Quotes: make(map[string]domain.Quote, len(tickers))}
	var latest int64
	for _, t := range tickers {
		inst, ok := bySymbol[t.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil || !price.IsPositive() {
			return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Binance: bad price %q for %s: %w", t.LastPrice, t.Symbol, domain.ErrFeedUnavailable)
		}
		volume, err := decimal.NewFromString(t.Volume)
		if err != nil {
			return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Binance: bad volume %q for %s: %w", t.Volume, t.Symbol, domain.ErrFeedUnavailable)
		}
		snap.Quotes[inst] = domain.Quote{Price: price, Volume: volume.Div(b.divisor).Round(8)}
		latest = max(latest, t.CloseTime)
	}
	for _, inst := range instruments {
		if _, ok := snap.Quotes[inst]; !ok {
			return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Binance: no ticker for %s: %w", inst, domain.ErrFeedUnavailable)
		}
	}
	if latest > 0 {
		snap.Timestamp = time.UnixMilli(latest).UTC()
	}
	return snap, nil
}
