package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

const (
	DefaultDeadline       = 250 * time.Millisecond
	DefaultMaxIntents     = 16
	DefaultMaxOutputBytes = 64 << 10
	DefaultHistoryWindow  = 64
)

// Input is everything an agent sees for one evaluation. Agents get no other inputs.
type Input struct {
	Tick   domain.Tick           `json:"tick"`
	Recent []domain.Tick         `json:"recent"` // previous ticks, oldest first, excluding Tick
	Ledger domain.LedgerSnapshot `json:"ledger"`
	Params map[string]string     `json:"params,omitempty"`
}

// Output is what an agent returns.
type Output struct {
	Intents []domain.Intent `json:"intents"`
}

// Runtime executes one agent evaluation. Implementations need not enforce the deadline themselves:
// the sandbox stops waiting when it expires. They should still honour ctx to release resources.
type Runtime interface {
	Invoke(ctx context.Context, agent domain.AgentHandle, in Input) ([]domain.Intent, error)
}

// Config bounds every evaluation.
type Config struct {
	Deadline          time.Duration
	MaxIntents        int
	MaxIntentSize     decimal.Decimal // zero means unbounded
	VerifyDeterminism bool            // evaluate twice and compare
}

// Sandbox runs agents under a deadline and validates what they return.
type Sandbox struct {
	cfg      Config
	runtimes map[domain.RuntimeKind]Runtime
	metrics  ports.Metrics
}

// New creates a Sandbox with the given runtimes.
func New(cfg Config, runtimes map[domain.RuntimeKind]Runtime, metrics ports.Metrics) *Sandbox {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.MaxIntents <= 0 {
		cfg.MaxIntents = DefaultMaxIntents
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Sandbox{cfg: cfg, runtimes: runtimes, metrics: metrics}
}

// Deadline is the configured per-invocation deadline.
func (s *Sandbox) Deadline() time.Duration { return s.cfg.Deadline }

// Evaluate runs one agent against one tick. It returns either validated intents or exactly one fault.
// A deadline <= 0 uses the configured default.
func (s *Sandbox) Evaluate(ctx context.Context, agent domain.AgentHandle, in Input, deadline time.Duration) ([]domain.Intent, *domain.SandboxFault) {
	if deadline <= 0 {
		deadline = s.cfg.Deadline
	}
	intents, fault := s.evaluate(ctx, agent, in, deadline)
	if fault != nil {
		s.metrics.SandboxFault(fault.Kind)
		slog.Debug("sandbox: evaluation faulted",
			"agent_id", agent.ID,
			"version", agent.Version,
			"tick", in.Tick.Index,
			"kind", fault.Kind,
			"err", fault.Err,
		)
	}
	return intents, fault
}

func (s *Sandbox) evaluate(ctx context.Context, agent domain.AgentHandle, in Input, deadline time.Duration) ([]domain.Intent, *domain.SandboxFault) {
	rt, ok := s.runtimes[agent.Runtime]
	if !ok {
		return nil, domain.NewFault(domain.FaultCrash, "no runtime for kind %q", agent.Runtime)
	}

	intents, fault := s.invoke(ctx, rt, agent, in, deadline)
	if fault != nil {
		return nil, fault
	}

	if s.cfg.VerifyDeterminism {
		again, fault := s.invoke(ctx, rt, agent, in, deadline)
		switch {
		case fault == nil:
		case fault.Kind == domain.FaultTimeout, fault.Kind == domain.FaultCrash:
			// An overrun or crash on the repeat run keeps its own kind.
			return nil, fault
		default:
			return nil, &domain.SandboxFault{Kind: domain.FaultNonDeterministic, Err: fmt.Errorf("second evaluation: %w", fault)}
		}
		if !domain.IntentsEqual(intents, again) {
			return nil, domain.NewFault(domain.FaultNonDeterministic, "identical inputs produced %d vs %d differing intents", len(intents), len(again))
		}
	}

	if err := s.validate(in.Tick, intents); err != nil {
		return nil, &domain.SandboxFault{Kind: domain.FaultInvalidIntent, Err: err}
	}
	return intents, nil
}

type result struct {
	intents []domain.Intent
	err     error
}

// invoke runs the runtime in its own goroutine and stops waiting at the deadline.
// The buffered channel lets an overrunning goroutine finish and exit without a reader.
func (s *Sandbox) invoke(parent context.Context, rt Runtime, agent domain.AgentHandle, in Input, deadline time.Duration) ([]domain.Intent, *domain.SandboxFault) {
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &panicError{value: r}}
			}
		}()
		intents, err := rt.Invoke(ctx, agent, in)
		done <- result{intents: intents, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.intents, nil
		}
		if ctx.Err() != nil {
			return nil, domain.NewFault(domain.FaultTimeout, "deadline %s exceeded: %v", deadline, r.err)
		}
		return nil, &domain.SandboxFault{Kind: domain.FaultCrash, Err: r.err}
	case <-ctx.Done():
		return nil, domain.NewFault(domain.FaultTimeout, "deadline %s exceeded", deadline)
	}
}

func (s *Sandbox) validate(tick domain.Tick, intents []domain.Intent) error {
	if len(intents) > s.cfg.MaxIntents {
		return fmt.Errorf("%d intents exceeds limit %d", len(intents), s.cfg.MaxIntents)
	}
	for i, in := range intents {
		if !in.Side.Valid() {
			return fmt.Errorf("intent %d: invalid side %q", i, in.Side)
		}
		if _, ok := tick.Quote(in.Instrument); !ok {
			return fmt.Errorf("intent %d: instrument %q not quoted", i, in.Instrument)
		}
		if !in.Size.IsPositive() {
			return fmt.Errorf("intent %d: size must be > 0, got %s", i, in.Size)
		}
		if s.cfg.MaxIntentSize.IsPositive() && in.Size.GreaterThan(s.cfg.MaxIntentSize) {
			return fmt.Errorf("intent %d: size %s exceeds limit %s", i, in.Size, s.cfg.MaxIntentSize)
		}
		if in.LimitPrice != nil && !in.LimitPrice.IsPositive() {
			return fmt.Errorf("intent %d: limit price must be > 0", i)
		}
	}
	return nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("agent panicked: %v", e.value) }

// IsPanic reports whether err came from a recovered agent panic.
func IsPanic(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}
