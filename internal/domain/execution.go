package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus represents the lifecycle of a real order derived from a simulated fill.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecSubmitted ExecutionStatus = "submitted"
	ExecConfirmed ExecutionStatus = "confirmed"
	ExecRejected  ExecutionStatus = "rejected"
	ExecFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecConfirmed || s == ExecRejected || s == ExecFailed
}

var execTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecPending:   {ExecSubmitted, ExecRejected, ExecFailed},
	ExecSubmitted: {ExecConfirmed, ExecRejected, ExecFailed},
}

// ExecutionOrder is tracked independently of the fill it came from; a rejected or failed order
// never rolls the simulated fill back.
type ExecutionOrder struct {
	ID            string          `json:"id"`
	FillKey       string          `json:"fill_key"`
	MatchID       string          `json:"match_id"`
	ParticipantID string          `json:"participant_id"`
	AccountID     string          `json:"account_id"`
	Side          Side            `json:"side"`
	Instrument    string          `json:"instrument"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	ExternalID    string          `json:"external_id,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	FilledPrice   decimal.Decimal `json:"filled_price"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewExecutionOrder derives a pending order from a fill.
func NewExecutionOrder(id string, f Fill, accountID string, now time.Time) ExecutionOrder {
	return ExecutionOrder{
		ID:            id,
		FillKey:       f.Key(),
		MatchID:       f.MatchID,
		ParticipantID: f.ParticipantID,
		AccountID:     accountID,
		Side:          f.Side,
		Instrument:    f.Instrument,
		Size:          f.Size,
		Price:         f.Price,
		Status:        ExecPending,
		FilledSize:    decimal.Zero,
		FilledPrice:   decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the order to a new status, rejecting moves the lifecycle does not allow.
func (o *ExecutionOrder) Transition(to ExecutionStatus, reason string, now time.Time) error {
	for _, allowed := range execTransitions[o.Status] {
		if allowed == to {
			o.Status = to
			o.Reason = reason
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("execution order %s: %s -> %s: %w", o.ID, o.Status, to, ErrInvalidTransition)
}

// Diverges reports whether the real outcome differs from the simulated fill it mirrors.
func (o ExecutionOrder) Diverges() bool {
	switch o.Status {
	case ExecRejected, ExecFailed:
		return true
	case ExecConfirmed:
		return !o.FilledSize.Equal(o.Size)
	}
	return false
}

// ExecutionUpdate is an asynchronous status report from the execution submission service.
type ExecutionUpdate struct {
	ExternalID  string
	Status      ExecutionStatus
	FilledSize  decimal.Decimal
	FilledPrice decimal.Decimal
	Reason      string
	At          time.Time
}

// Reconciliation is emitted when a real order's outcome diverges from its simulated fill.
type Reconciliation struct {
	OrderID       string          `json:"order_id"`
	FillKey       string          `json:"fill_key"`
	MatchID       string          `json:"match_id"`
	ParticipantID string          `json:"participant_id"`
	Status        ExecutionStatus `json:"status"`
	SimSize       decimal.Decimal `json:"sim_size"`
	SimPrice      decimal.Decimal `json:"sim_price"`
	RealSize      decimal.Decimal `json:"real_size"`
	RealPrice     decimal.Decimal `json:"real_price"`
	Reason        string          `json:"reason,omitempty"`
	At            time.Time       `json:"at"`
}

// NewReconciliation compares an order against the fill values it was created from.
func NewReconciliation(o ExecutionOrder, now time.Time) Reconciliation {
	return Reconciliation{
		OrderID:       o.ID,
		FillKey:       o.FillKey,
		MatchID:       o.MatchID,
		ParticipantID: o.ParticipantID,
		Status:        o.Status,
		SimSize:       o.Size,
		SimPrice:      o.Price,
		RealSize:      o.FilledSize,
		RealPrice:     o.FilledPrice,
		Reason:        o.Reason,
		At:            now,
	}
}

// Grant is the state of an account's Execution Power permission.
type Grant string

const (
	GrantActive  Grant = "active"
	GrantRevoked Grant = "revoked"
)

// RiskLimits are per-account ceilings consulted by the gateway, never mutated by it.
type RiskLimits struct {
	MaxPositionSize    decimal.Decimal // notional of the resulting position
	MaxDailyLoss       decimal.Decimal // positive amount
	RiskScore          decimal.Decimal // 0-100, supplied by an external scorer
	RiskScoreThreshold decimal.Decimal
}

// Exposure is the account state the gateway has accumulated from previously forwarded fills.
type Exposure struct {
	DailyLoss decimal.Decimal // positive amount lost today
}

// DenialReason is why the gateway refused to forward a fill.
type DenialReason string

const (
	DenyNoGrant        DenialReason = "NoGrant"
	DenyPositionLimit  DenialReason = "PositionLimitExceeded"
	DenyDailyLossLimit DenialReason = "DailyLossLimitExceeded"
	DenyRiskScore      DenialReason = "RiskScoreTooHigh"
)

// Denial is recorded and surfaced to the account; never silently dropped.
type Denial struct {
	FillKey       string       `json:"fill_key"`
	MatchID       string       `json:"match_id"`
	ParticipantID string       `json:"participant_id"`
	AccountID     string       `json:"account_id"`
	Reason        DenialReason `json:"reason"`
	At            time.Time    `json:"at"`
}
