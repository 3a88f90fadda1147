package ports

import (
	"time"

	"github.com/alejandrodnm/arena/internal/domain"
)

// Metrics receives engine observations. Implementations must be safe for concurrent use.
type Metrics interface {
	TickAdvanced(matchID string, took time.Duration)
	SandboxFault(kind domain.FaultKind)
	FillRecorded(reason domain.FillReason)
	GatewayDecision(outcome string)
	SubscriberDropped()
	MatchesRunning(n int)
}

// NopMetrics ignores every observation.
type NopMetrics struct{}

func (NopMetrics) TickAdvanced(string, time.Duration) {}
func (NopMetrics) SandboxFault(domain.FaultKind)      {}
func (NopMetrics) FillRecorded(domain.FillReason)     {}
func (NopMetrics) GatewayDecision(string)             {}
func (NopMetrics) SubscriberDropped()                 {}
func (NopMetrics) MatchesRunning(int)                 {}
