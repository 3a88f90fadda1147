// Package strategy holds the builtin agents run in-process by the sandbox.
package strategy

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/domain"
)

// sizeScale is the number of decimals intent sizes are truncated to.
const sizeScale = 8

// Register adds every builtin strategy to rt.
func Register(rt *sandbox.BuiltinRuntime) {
	rt.Register(smaCrossName, NewSMACrossFromParams)
	rt.Register(buyHoldName, NewBuyHoldFromParams)
}

// closes returns the closing prices of instrument over recent followed by the current tick.
// Ticks missing the instrument are skipped.
func closes(in sandbox.Input, instrument string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(in.Recent)+1)
	for _, t := range in.Recent {
		if q, ok := t.Quote(instrument); ok {
			out = append(out, q.Price)
		}
	}
	if q, ok := in.Tick.Quote(instrument); ok {
		out = append(out, q.Price)
	}
	return out
}

// sma averages the period prices ending offset places before the last one.
func sma(prices []decimal.Decimal, period, offset int) (decimal.Decimal, bool) {
	end := len(prices) - offset
	if period <= 0 || end < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, p := range prices[end-period : end] {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// spend sizes a buy that uses fraction of cash at price.
func spend(ledger domain.LedgerSnapshot, fraction, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return ledger.Cash.Mul(fraction).Div(price).Truncate(sizeScale)
}

func intParam(params map[string]string, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return v, nil
}

func decimalParam(params map[string]string, key string, def decimal.Decimal) (decimal.Decimal, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("param %s: %w", key, err)
	}
	return v, nil
}

func fractionParam(params map[string]string, def decimal.Decimal) (decimal.Decimal, error) {
	f, err := decimalParam(params, "fraction", def)
	if err != nil {
		return decimal.Zero, err
	}
	if !f.IsPositive() || f.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("param fraction: must be in (0, 1], got %s", f)
	}
	return f, nil
}

func stringParam(params map[string]string, key, def string) string {
	if v := params[key]; v != "" {
		return v
	}
	return def
}
