package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when a match config is rejected at creation. Never retriable.
	ErrInvalidConfig = errors.New("invalid config")

	ErrMatchNotFound        = errors.New("match not found")
	ErrMatchFull            = errors.New("match full")
	ErrMatchNotJoinable     = errors.New("match not joinable")
	ErrDuplicateParticipant = errors.New("duplicate participant")
	ErrAlreadyStarted       = errors.New("already started")
	ErrNoParticipants       = errors.New("match has no participants")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrParticipantNotFound  = errors.New("participant not found")

	// ErrCapacityExceeded is returned when the scheduler is at its running-match limit.
	// Callers retry later; the scheduler never queues.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrFeedUnavailable is returned by market data adapters when no snapshot can be produced.
	ErrFeedUnavailable = errors.New("market data unavailable")

	// ErrSlowConsumer is the reason a subscriber was dropped by the broadcaster.
	ErrSlowConsumer = errors.New("slow consumer")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNegativeBalance   = errors.New("ledger would go negative")

	// ErrOrderRejected is returned by execution submitters when the venue refuses an order outright.
	ErrOrderRejected = errors.New("order rejected")
)

// RetriableError is an error the caller may retry.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable reports whether err (or anything it wraps) is retriable.
// Capacity and feed errors are retriable even when not wrapped in a RetriableError.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrFeedUnavailable)
}

// ConfigError describes which field of a match config was rejected.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool { return false }

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes every ConfigError match ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// FaultKind classifies a sandbox failure.
type FaultKind string

const (
	FaultTimeout          FaultKind = "TimeoutFault"
	FaultInvalidIntent    FaultKind = "InvalidIntent"
	FaultCrash            FaultKind = "AgentCrash"
	FaultNonDeterministic FaultKind = "NonDeterministic"
)

// SandboxFault is a tick-scoped failure of one participant's evaluation.
type SandboxFault struct {
	Kind FaultKind
	Err  error
}

func (f *SandboxFault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *SandboxFault) Unwrap() error { return f.Err }

// NewFault builds a SandboxFault with a formatted cause.
func NewFault(kind FaultKind, format string, args ...any) *SandboxFault {
	return &SandboxFault{Kind: kind, Err: fmt.Errorf(format, args...)}
}
