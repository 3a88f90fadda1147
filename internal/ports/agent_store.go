package ports

import (
	"context"

	"github.com/alejandrodnm/arena/internal/domain"
)

// AgentStore is the read-only view of the agent registry owned by the CRUD layer.
type AgentStore interface {
	// FetchAgent returns the immutable handle for agentID, or domain.ErrAgentNotFound.
	FetchAgent(ctx context.Context, agentID string) (domain.AgentHandle, error)
}
