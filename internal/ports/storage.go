package ports

import (
	"context"

	"github.com/alejandrodnm/arena/internal/domain"
)

// EventSink is the append-only persistence collaborator for the audit trail.
type EventSink interface {
	RecordFill(ctx context.Context, fill domain.Fill) error
	// RecordExecutionOrder upserts the order by ID; called on every lifecycle change.
	RecordExecutionOrder(ctx context.Context, order domain.ExecutionOrder) error
	RecordDenial(ctx context.Context, denial domain.Denial) error
	RecordReconciliation(ctx context.Context, rec domain.Reconciliation) error
	// RecordMatch persists the final state of a terminal match.
	RecordMatch(ctx context.Context, match domain.Match) error
}

// HistoryStore is the query side of the sink.
type HistoryStore interface {
	GetMatch(ctx context.Context, matchID string) (domain.Match, error)
	FillsByParticipant(ctx context.Context, matchID, participantID string) ([]domain.Fill, error)
	OrdersByParticipant(ctx context.Context, matchID, participantID string) ([]domain.ExecutionOrder, error)
	DenialsByParticipant(ctx context.Context, matchID, participantID string) ([]domain.Denial, error)
	Close() error
}

// NopSink discards everything. Used when no storage is configured.
type NopSink struct{}

func (NopSink) RecordFill(context.Context, domain.Fill) error                     { return nil }
func (NopSink) RecordExecutionOrder(context.Context, domain.ExecutionOrder) error { return nil }
func (NopSink) RecordDenial(context.Context, domain.Denial) error                 { return nil }
func (NopSink) RecordReconciliation(context.Context, domain.Reconciliation) error { return nil }
func (NopSink) RecordMatch(context.Context, domain.Match) error                   { return nil }
