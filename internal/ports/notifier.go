package ports

import (
	"context"

	"github.com/alejandrodnm/arena/internal/domain"
)

// Notifier presents match deltas to an operator.
type Notifier interface {
	Notify(ctx context.Context, delta domain.Delta) error
}
