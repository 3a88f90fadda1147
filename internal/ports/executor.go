package ports

import (
	"context"

	"github.com/alejandrodnm/arena/internal/domain"
)

// ExecutionSubmitter forwards real orders to an external execution venue.
type ExecutionSubmitter interface {
	// Submit sends the order and returns the venue's order ID.
	// An error wrapping domain.ErrOrderRejected means the venue refused it outright.
	Submit(ctx context.Context, order domain.ExecutionOrder) (string, error)

	// Updates delivers asynchronous status reports (confirmed, rejected, failed) keyed by external ID.
	Updates() <-chan domain.ExecutionUpdate
}

// RiskService is the read-only risk/permission collaborator.
type RiskService interface {
	RiskLimits(ctx context.Context, accountID string) (domain.RiskLimits, error)
	ExecutionGrant(ctx context.Context, accountID string) (domain.Grant, error)
}
