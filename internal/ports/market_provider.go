package ports

import (
	"context"

	"github.com/alejandrodnm/arena/internal/domain"
)

// MarketDataAdapter normalizes an external CEX/DEX feed into uniform snapshots.
// The feed is shared and read-only; callers never block it.
type MarketDataAdapter interface {
	// NextTick returns one snapshot covering the requested instruments.
	// Returns an error wrapping domain.ErrFeedUnavailable when the feed cannot serve it.
	NextTick(ctx context.Context, instruments []string) (domain.MarketSnapshot, error)
}
