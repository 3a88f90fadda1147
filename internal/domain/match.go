package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects how a match treats execution.
type Mode string

const (
	ModeTesting    Mode = "testing"
	ModeDemo       Mode = "demo"
	ModeProduction Mode = "production"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeTesting, ModeDemo, ModeProduction:
		return true
	}
	return false
}

// AllowsExecution is true only for production matches: demo and testing never reach a real venue.
func (m Mode) AllowsExecution() bool { return m == ModeProduction }

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchScheduled MatchStatus = "scheduled"
	MatchRunning   MatchStatus = "running"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s MatchStatus) Terminal() bool {
	return s == MatchCompleted || s == MatchCancelled
}

// CanTransition enforces scheduled → running → {completed, cancelled} and scheduled → cancelled.
func (s MatchStatus) CanTransition(to MatchStatus) bool {
	switch s {
	case MatchScheduled:
		return to == MatchRunning || to == MatchCancelled
	case MatchRunning:
		return to == MatchCompleted || to == MatchCancelled
	}
	return false
}

// Machine-readable reasons carried by terminal matches.
const (
	ReasonDurationElapsed     = "DurationElapsed"
	ReasonCancelled           = "Cancelled"
	ReasonDataFeedUnavailable = "DataFeedUnavailable"
	ReasonSchedulerShutdown   = "SchedulerShutdown"
	ReasonFaultRateExceeded   = "FaultRateExceeded"
)

const (
	DefaultMaxParticipants = 16
	maxParticipantsLimit   = 1000
)

// DefaultInitialBalance is the simulated quote balance every participant starts with.
var DefaultInitialBalance = decimal.NewFromInt(10000)

// DefaultInstruments are used when a match config names none.
var DefaultInstruments = []string{"BTC/USDT", "ETH/USDT"}

// MatchConfig is what a caller supplies to create a match.
type MatchConfig struct {
	Name            string
	Mode            Mode
	Duration        time.Duration
	TickInterval    time.Duration
	MaxParticipants int
	InitialBalance  decimal.Decimal
	Instruments     []string
}

// WithDefaults fills optional fields.
func (c MatchConfig) WithDefaults() MatchConfig {
	if c.MaxParticipants == 0 {
		c.MaxParticipants = DefaultMaxParticipants
	}
	if c.InitialBalance.IsZero() {
		c.InitialBalance = DefaultInitialBalance
	}
	if len(c.Instruments) == 0 {
		c.Instruments = append([]string(nil), DefaultInstruments...)
	}
	return c
}

// Validate rejects configs the scheduler must never admit.
func (c MatchConfig) Validate() error {
	if !c.Mode.Valid() {
		return configErr("mode", "unknown mode %q", c.Mode)
	}
	if c.TickInterval <= 0 {
		return configErr("tick_interval", "must be > 0, got %s", c.TickInterval)
	}
	if c.Duration <= 0 {
		return configErr("duration", "must be > 0, got %s", c.Duration)
	}
	if c.Duration%c.TickInterval != 0 {
		return configErr("duration", "%s is not a whole multiple of tick interval %s", c.Duration, c.TickInterval)
	}
	if c.MaxParticipants <= 0 || c.MaxParticipants > maxParticipantsLimit {
		return configErr("max_participants", "must be in [1, %d], got %d", maxParticipantsLimit, c.MaxParticipants)
	}
	if !c.InitialBalance.IsPositive() {
		return configErr("initial_balance", "must be > 0, got %s", c.InitialBalance)
	}
	if len(c.Instruments) == 0 {
		return configErr("instruments", "at least one instrument required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst == "" || seen[inst] {
			return configErr("instruments", "empty or duplicate instrument %q", inst)
		}
		seen[inst] = true
	}
	return nil
}

// Match is one time-boxed competition.
type Match struct {
	ID              string
	Name            string
	Mode            Mode
	Status          MatchStatus
	Duration        time.Duration
	TickInterval    time.Duration
	MaxParticipants int
	InitialBalance  decimal.Decimal
	Instruments     []string
	Participants    []Participant
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	TicksElapsed    int64
	Reason          string
	WinnerID        string
}

// NewMatch builds a scheduled match from a validated config.
func NewMatch(id string, cfg MatchConfig, now time.Time) Match {
	return Match{
		ID:              id,
		Name:            cfg.Name,
		Mode:            cfg.Mode,
		Status:          MatchScheduled,
		Duration:        cfg.Duration,
		TickInterval:    cfg.TickInterval,
		MaxParticipants: cfg.MaxParticipants,
		InitialBalance:  cfg.InitialBalance,
		Instruments:     append([]string(nil), cfg.Instruments...),
		CreatedAt:       now,
	}
}

// TotalTicks is the number of ticks after which the match completes.
func (m Match) TotalTicks() int64 {
	if m.TickInterval <= 0 {
		return 0
	}
	return int64(m.Duration / m.TickInterval)
}

// Elapsed reports whether ticksElapsed × interval has reached the configured duration.
func (m Match) Elapsed() bool {
	return time.Duration(m.TicksElapsed)*m.TickInterval >= m.Duration
}

// Clone returns a copy that shares no mutable state with m.
func (m Match) Clone() Match {
	c := m
	c.Instruments = append([]string(nil), m.Instruments...)
	c.Participants = make([]Participant, len(m.Participants))
	for i, p := range m.Participants {
		c.Participants[i] = p.Clone()
	}
	return c
}
