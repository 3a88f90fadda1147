package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

// Replay serves a fixed sequence of snapshots, then reports the feed as unavailable.
type Replay struct {
	mu    sync.Mutex
	snaps []domain.MarketSnapshot
	next  int
}

// NewReplay serves snaps in order.
func NewReplay(snaps []domain.MarketSnapshot) *Replay {
	return &Replay{snaps: snaps}
}

// LoadReplay reads a JSON array of snapshots from path.
func LoadReplay(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("marketdata.LoadReplay: %w", err)
	}
	var snaps []domain.MarketSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, fmt.Errorf("marketdata.LoadReplay: parse %s: %w", path, err)
	}
	return NewReplay(snaps), nil
}

// Remaining is the number of snapshots not yet served.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps) - r.next
}

// NextTick implements ports.MarketDataAdapter. Quotes outside instruments are dropped.
func (r *Replay) NextTick(ctx context.Context, instruments []string) (domain.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Replay: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.snaps) {
		return domain.MarketSnapshot{}, fmt.Errorf("marketdata.Replay: exhausted after %d snapshots: %w", len(r.snaps), domain.ErrFeedUnavailable)
	}
	src := r.snaps[r.next]
	r.next++

	out := domain.MarketSnapshot{Timestamp: src.Timestamp, Quotes: make(map[string]domain.Quote, len(instruments))}
	for _, inst := range instruments {
		if q, ok := src.Quotes[inst]; ok {
			out.Quotes[inst] = q
		}
	}
	return out, nil
}

// Recorder wraps a feed and keeps every snapshot it served so a match can be replayed later.
type Recorder struct {
	feed  ports.MarketDataAdapter
	mu    sync.Mutex
	snaps []domain.MarketSnapshot
}

// NewRecorder wraps feed.
func NewRecorder(feed ports.MarketDataAdapter) *Recorder {
	return &Recorder{feed: feed}
}

// NextTick implements ports.MarketDataAdapter.
func (r *Recorder) NextTick(ctx context.Context, instruments []string) (domain.MarketSnapshot, error) {
	snap, err := r.feed.NextTick(ctx, instruments)
	if err != nil {
		return snap, err
	}
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
	return snap, nil
}

// Save writes the recorded snapshots as a file LoadReplay can read.
func (r *Recorder) Save(path string) error {
	r.mu.Lock()
	data, err := json.MarshalIndent(r.snaps, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marketdata.Recorder.Save: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("marketdata.Recorder.Save: %w", err)
	}
	return nil
}
