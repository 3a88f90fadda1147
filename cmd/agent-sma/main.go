// Command agent-sma is an SMA crossover agent for the process runtime.
// It reads one evaluation input as JSON on stdin and writes {"intents": [...]} on stdout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"strconv"

	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/strategy"
)

func main() {
	short := flag.Int("short", 5, "short moving average period")
	long := flag.Int("long", 20, "long moving average period")
	instrument := flag.String("instrument", "BTC/USDT", "instrument to trade")
	fraction := flag.String("fraction", "0.1", "share of cash spent per entry")
	flag.Parse()

	params := map[string]string{
		"short":      strconv.Itoa(*short),
		"long":       strconv.Itoa(*long),
		"instrument": *instrument,
		"fraction":   *fraction,
	}
	if err := run(os.Stdin, os.Stdout, params); err != nil {
		fmt.Fprintln(os.Stderr, "agent-sma:", err)
		os.Exit(1)
	}
}

// run evaluates one input. Params carried by the input override the flag values.
func run(r io.Reader, w io.Writer, params map[string]string) error {
	var in sandbox.Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	maps.Copy(params, in.Params)

	s, err := strategy.NewSMACrossFromParams(params)
	if err != nil {
		return err
	}
	intents, err := s.Decide(in)
	if err != nil {
		return err
	}

	out := sandbox.Output{Intents: intents}
	if out.Intents == nil {
		out.Intents = []domain.Intent{}
	}
	return json.NewEncoder(w).Encode(out)
}
