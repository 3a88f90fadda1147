package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Standing is one participant's row on a match leaderboard.
type Standing struct {
	Rank          int               `json:"rank"`
	ParticipantID string            `json:"participant_id"`
	AgentID       string            `json:"agent_id"`
	AccountID     string            `json:"account_id"`
	JoinSeq       int               `json:"join_seq"`
	JoinedAt      time.Time         `json:"joined_at"`
	Cash          decimal.Decimal   `json:"cash"`
	Equity        decimal.Decimal   `json:"equity"`
	RealizedPnL   decimal.Decimal   `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal   `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal   `json:"total_pnl"`
	ReturnPct     decimal.Decimal   `json:"return_pct"`
	Wins          int               `json:"wins"`
	Losses        int               `json:"losses"`
	Trades        int               `json:"trades"`
	Faults        int               `json:"faults"`
	Status        ParticipantStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
}

// LeaderboardSnapshot is an immutable ranked view of a match at one tick.
type LeaderboardSnapshot struct {
	MatchID   string      `json:"match_id"`
	TickIndex int64       `json:"tick_index"`
	Status    MatchStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	Standings []Standing  `json:"standings"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Leader returns the rank-1 standing, if any.
func (s LeaderboardSnapshot) Leader() (Standing, bool) {
	if len(s.Standings) == 0 {
		return Standing{}, false
	}
	return s.Standings[0], true
}

// Clone copies the standings slice so callers cannot alias another holder's snapshot.
func (s LeaderboardSnapshot) Clone() LeaderboardSnapshot {
	c := s
	c.Standings = append([]Standing(nil), s.Standings...)
	return c
}

// DeltaKind distinguishes broadcast messages.
type DeltaKind string

const (
	DeltaTick           DeltaKind = "tick"
	DeltaTerminal       DeltaKind = "terminal"
	DeltaReconciliation DeltaKind = "reconciliation"
)

// TickFault reports one participant's sandbox fault on a tick.
type TickFault struct {
	ParticipantID string    `json:"participant_id"`
	Kind          FaultKind `json:"kind"`
	Message       string    `json:"message"`
}

// Delta is what the broadcaster fans out to a match's subscribers.
type Delta struct {
	Kind           DeltaKind           `json:"type"`
	MatchID        string              `json:"match_id"`
	TickIndex      int64               `json:"tick"`
	TotalTicks     int64               `json:"total_ticks"`
	Status         MatchStatus         `json:"status"`
	Reason         string              `json:"reason,omitempty"`
	WinnerID       string              `json:"winner_id,omitempty"`
	Leaderboard    LeaderboardSnapshot `json:"leaderboard"`
	Fills          []Fill              `json:"fills,omitempty"`
	Faults         []TickFault         `json:"faults,omitempty"`
	Reconciliation *Reconciliation     `json:"reconciliation,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}
