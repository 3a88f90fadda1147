package storage

// sqlite.go: append-only audit trail of every match.
//
//   - `matches`: one row per terminal match (UPSERT), participants as a JSON blob.
//   - `fills`: every fill keyed by match/participant/tick/seq, zero fills included.
//   - `execution_orders`: one row per real order, rewritten on every lifecycle change.
//   - `denials`, `reconciliations`: append-only.
//
// Decimals and timestamps are stored as TEXT so nothing is lost to float or driver conversions.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/arena/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS matches (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    mode             TEXT NOT NULL,
    status           TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    winner_id        TEXT NOT NULL DEFAULT '',
    duration_ms      INTEGER NOT NULL,
    interval_ms      INTEGER NOT NULL,
    max_participants INTEGER NOT NULL,
    initial_balance  TEXT NOT NULL,
    instruments      TEXT NOT NULL,
    participants     TEXT NOT NULL,
    ticks_elapsed    INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    started_at       TEXT,
    ended_at         TEXT
);

CREATE TABLE IF NOT EXISTS fills (
    fill_key       TEXT PRIMARY KEY,
    match_id       TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    tick_index     INTEGER NOT NULL,
    seq            INTEGER NOT NULL,
    side           TEXT NOT NULL,
    instrument     TEXT NOT NULL,
    requested_size TEXT NOT NULL,
    size           TEXT NOT NULL,
    price          TEXT NOT NULL,
    fee            TEXT NOT NULL,
    cash_delta     TEXT NOT NULL,
    realized_pnl   TEXT NOT NULL,
    position_after TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    ts             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_orders (
    id             TEXT PRIMARY KEY,
    fill_key       TEXT NOT NULL,
    match_id       TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    account_id     TEXT NOT NULL,
    side           TEXT NOT NULL,
    instrument     TEXT NOT NULL,
    size           TEXT NOT NULL,
    price          TEXT NOT NULL,
    external_id    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    filled_size    TEXT NOT NULL,
    filled_price   TEXT NOT NULL,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS denials (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    fill_key       TEXT NOT NULL,
    match_id       TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    account_id     TEXT NOT NULL,
    reason         TEXT NOT NULL,
    at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliations (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id       TEXT NOT NULL,
    fill_key       TEXT NOT NULL,
    match_id       TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    sim_size       TEXT NOT NULL,
    sim_price      TEXT NOT NULL,
    real_size      TEXT NOT NULL,
    real_price     TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    at             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_participant   ON fills(match_id, participant_id, tick_index, seq);
CREATE INDEX IF NOT EXISTS idx_orders_participant  ON execution_orders(match_id, participant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_denials_participant ON denials(match_id, participant_id, id);
CREATE INDEX IF NOT EXISTS idx_recon_match         ON reconciliations(match_id, id);
`

const tsLayout = time.RFC3339Nano

// SQLiteStorage implements ports.EventSink and ports.HistoryStore on SQLite (pure Go, no CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// RecordFill implements ports.EventSink. Replaying the same fill is a no-op.
func (s *SQLiteStorage) RecordFill(ctx context.Context, f domain.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills
			(fill_key, match_id, participant_id, tick_index, seq, side, instrument, requested_size,
			 size, price, fee, cash_delta, realized_pnl, position_after, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Key(), f.MatchID, f.ParticipantID, f.TickIndex, f.Seq, string(f.Side), f.Instrument,
		f.RequestedSize.String(), f.Size.String(), f.Price.String(), f.Fee.String(), f.CashDelta.String(),
		f.RealizedPnL.String(), f.PositionAfter.String(), string(f.Reason), ts(f.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordFill: %s: %w", f.Key(), err)
	}
	return nil
}

// RecordExecutionOrder implements ports.EventSink.
func (s *SQLiteStorage) RecordExecutionOrder(ctx context.Context, o domain.ExecutionOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_orders
			(id, fill_key, match_id, participant_id, account_id, side, instrument, size, price,
			 external_id, status, reason, filled_size, filled_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id  = excluded.external_id,
			status       = excluded.status,
			reason       = excluded.reason,
			filled_size  = excluded.filled_size,
			filled_price = excluded.filled_price,
			updated_at   = excluded.updated_at`,
		o.ID, o.FillKey, o.MatchID, o.ParticipantID, o.AccountID, string(o.Side), o.Instrument,
		o.Size.String(), o.Price.String(), o.ExternalID, string(o.Status), o.Reason,
		o.FilledSize.String(), o.FilledPrice.String(), ts(o.CreatedAt), ts(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordExecutionOrder: %s: %w", o.ID, err)
	}
	return nil
}

// RecordDenial implements ports.EventSink.
func (s *SQLiteStorage) RecordDenial(ctx context.Context, d domain.Denial) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO denials (fill_key, match_id, participant_id, account_id, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.FillKey, d.MatchID, d.ParticipantID, d.AccountID, string(d.Reason), ts(d.At),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordDenial: %s: %w", d.FillKey, err)
	}
	return nil
}

// RecordReconciliation implements ports.EventSink.
func (s *SQLiteStorage) RecordReconciliation(ctx context.Context, r domain.Reconciliation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliations
			(order_id, fill_key, match_id, participant_id, status, sim_size, sim_price, real_size, real_price, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OrderID, r.FillKey, r.MatchID, r.ParticipantID, string(r.Status), r.SimSize.String(), r.SimPrice.String(),
		r.RealSize.String(), r.RealPrice.String(), r.Reason, ts(r.At),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordReconciliation: %s: %w", r.OrderID, err)
	}
	return nil
}

// RecordMatch implements ports.EventSink. Participants are stored without their fill history,
// which lives in the fills table.
func (s *SQLiteStorage) RecordMatch(ctx context.Context, m domain.Match) error {
	instruments, err := json.Marshal(m.Instruments)
	if err != nil {
		return fmt.Errorf("storage.RecordMatch: marshal instruments: %w", err)
	}
	participants, err := json.Marshal(m.Participants)
	if err != nil {
		return fmt.Errorf("storage.RecordMatch: marshal participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO matches
			(id, name, mode, status, reason, winner_id, duration_ms, interval_ms, max_participants,
			 initial_balance, instruments, participants, ticks_elapsed, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status        = excluded.status,
			reason        = excluded.reason,
			winner_id     = excluded.winner_id,
			participants  = excluded.participants,
			ticks_elapsed = excluded.ticks_elapsed,
			started_at    = excluded.started_at,
			ended_at      = excluded.ended_at`,
		m.ID, m.Name, string(m.Mode), string(m.Status), m.Reason, m.WinnerID,
		m.Duration.Milliseconds(), m.TickInterval.Milliseconds(), m.MaxParticipants,
		m.InitialBalance.String(), string(instruments), string(participants), m.TicksElapsed,
		ts(m.CreatedAt), tsPtr(m.StartedAt), tsPtr(m.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordMatch: %s: %w", m.ID, err)
	}
	return nil
}

// GetMatch implements ports.HistoryStore.
func (s *SQLiteStorage) GetMatch(ctx context.Context, matchID string) (domain.Match, error) {
	var (
		m                           domain.Match
		mode, status                string
		durationMS, intervalMS      int64
		balance, instruments, parts string
		createdAt                   string
		startedAt, endedAt          sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, mode, status, reason, winner_id, duration_ms, interval_ms, max_participants,
		       initial_balance, instruments, participants, ticks_elapsed, created_at, started_at, ended_at
		FROM matches WHERE id = ?`, matchID,
	).Scan(&m.ID, &m.Name, &mode, &status, &m.Reason, &m.WinnerID, &durationMS, &intervalMS, &m.MaxParticipants,
		&balance, &instruments, &parts, &m.TicksElapsed, &createdAt, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Match{}, fmt.Errorf("storage.GetMatch: %s: %w", matchID, domain.ErrMatchNotFound)
	}
	if err != nil {
		return domain.Match{}, fmt.Errorf("storage.GetMatch: %s: %w", matchID, err)
	}

	m.Mode = domain.Mode(mode)
	m.Status = domain.MatchStatus(status)
	m.Duration = time.Duration(durationMS) * time.Millisecond
	m.TickInterval = time.Duration(intervalMS) * time.Millisecond
	if m.InitialBalance, err = decimal.NewFromString(balance); err != nil {
		return domain.Match{}, fmt.Errorf("storage.GetMatch: initial balance: %w", err)
	}
	if err := json.Unmarshal([]byte(instruments), &m.Instruments); err != nil {
		return domain.Match{}, fmt.Errorf("storage.GetMatch: instruments: %w", err)
	}
	if err := json.Unmarshal([]byte(parts), &m.Participants); err != nil {
		return domain.Match{}, fmt.Errorf("storage.GetMatch: participants: %w", err)
	}
	m.CreatedAt = parseTS(createdAt)
	m.StartedAt = parseTSPtr(startedAt)
	m.EndedAt = parseTSPtr(endedAt)
	return m, nil
}

// FillsByParticipant implements ports.HistoryStore, in tick then sequence order.
func (s *SQLiteStorage) FillsByParticipant(ctx context.Context, matchID, participantID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT match_id, participant_id, tick_index, seq, side, instrument, requested_size, size, price,
		       fee, cash_delta, realized_pnl, position_after, reason, ts
		FROM fills WHERE match_id = ? AND participant_id = ?
		ORDER BY tick_index, seq`, matchID, participantID)
	if err != nil {
		return nil, fmt.Errorf("storage.FillsByParticipant: query: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f                                     domain.Fill
			side, reason, at                      string
			req, size, price, fee, cash, pnl, pos string
		)
		if err := rows.Scan(&f.MatchID, &f.ParticipantID, &f.TickIndex, &f.Seq, &side, &f.Instrument,
			&req, &size, &price, &fee, &cash, &pnl, &pos, &reason, &at); err != nil {
			return nil, fmt.Errorf("storage.FillsByParticipant: scan row: %w", err)
		}
		f.Side = domain.Side(side)
		f.Reason = domain.FillReason(reason)
		f.Timestamp = parseTS(at)
		if err := decimals([]string{req, size, price, fee, cash, pnl, pos},
			&f.RequestedSize, &f.Size, &f.Price, &f.Fee, &f.CashDelta, &f.RealizedPnL, &f.PositionAfter); err != nil {
			return nil, fmt.Errorf("storage.FillsByParticipant: %s: %w", f.Key(), err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// OrdersByParticipant implements ports.HistoryStore, oldest first.
func (s *SQLiteStorage) OrdersByParticipant(ctx context.Context, matchID, participantID string) ([]domain.ExecutionOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fill_key, match_id, participant_id, account_id, side, instrument, size, price,
		       external_id, status, reason, filled_size, filled_price, created_at, updated_at
		FROM execution_orders WHERE match_id = ? AND participant_id = ?
		ORDER BY created_at, id`, matchID, participantID)
	if err != nil {
		return nil, fmt.Errorf("storage.OrdersByParticipant: query: %w", err)
	}
	defer rows.Close()

	var orders []domain.ExecutionOrder
	for rows.Next() {
		var (
			o                                    domain.ExecutionOrder
			side, status, created, updated       string
			size, price, filledSize, filledPrice string
		)
		if err := rows.Scan(&o.ID, &o.FillKey, &o.MatchID, &o.ParticipantID, &o.AccountID, &side, &o.Instrument,
			&size, &price, &o.ExternalID, &status, &o.Reason, &filledSize, &filledPrice, &created, &updated); err != nil {
			return nil, fmt.Errorf("storage.OrdersByParticipant: scan row: %w", err)
		}
		o.Side = domain.Side(side)
		o.Status = domain.ExecutionStatus(status)
		o.CreatedAt = parseTS(created)
		o.UpdatedAt = parseTS(updated)
		if err := decimals([]string{size, price, filledSize, filledPrice},
			&o.Size, &o.Price, &o.FilledSize, &o.FilledPrice); err != nil {
			return nil, fmt.Errorf("storage.OrdersByParticipant: %s: %w", o.ID, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DenialsByParticipant implements ports.HistoryStore, in the order they were recorded.
func (s *SQLiteStorage) DenialsByParticipant(ctx context.Context, matchID, participantID string) ([]domain.Denial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_key, match_id, participant_id, account_id, reason, at
		FROM denials WHERE match_id = ? AND participant_id = ?
		ORDER BY id`, matchID, participantID)
	if err != nil {
		return nil, fmt.Errorf("storage.DenialsByParticipant: query: %w", err)
	}
	defer rows.Close()

	var denials []domain.Denial
	for rows.Next() {
		var d domain.Denial
		var reason, at string
		if err := rows.Scan(&d.FillKey, &d.MatchID, &d.ParticipantID, &d.AccountID, &reason, &at); err != nil {
			return nil, fmt.Errorf("storage.DenialsByParticipant: scan row: %w", err)
		}
		d.Reason = domain.DenialReason(reason)
		d.At = parseTS(at)
		denials = append(denials, d)
	}
	return denials, rows.Err()
}

// Reconciliations returns every divergence recorded for a match, oldest first.
func (s *SQLiteStorage) Reconciliations(ctx context.Context, matchID string) ([]domain.Reconciliation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, fill_key, match_id, participant_id, status, sim_size, sim_price, real_size, real_price, reason, at
		FROM reconciliations WHERE match_id = ?
		ORDER BY id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("storage.Reconciliations: query: %w", err)
	}
	defer rows.Close()

	var recs []domain.Reconciliation
	for rows.Next() {
		var (
			r                                      domain.Reconciliation
			status, at                             string
			simSize, simPrice, realSize, realPrice string
		)
		if err := rows.Scan(&r.OrderID, &r.FillKey, &r.MatchID, &r.ParticipantID, &status,
			&simSize, &simPrice, &realSize, &realPrice, &r.Reason, &at); err != nil {
			return nil, fmt.Errorf("storage.Reconciliations: scan row: %w", err)
		}
		r.Status = domain.ExecutionStatus(status)
		r.At = parseTS(at)
		if err := decimals([]string{simSize, simPrice, realSize, realPrice},
			&r.SimSize, &r.SimPrice, &r.RealSize, &r.RealPrice); err != nil {
			return nil, fmt.Errorf("storage.Reconciliations: %s: %w", r.OrderID, err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers ---

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func parseTSPtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTS(s.String)
	return &t
}

func decimals(raw []string, out ...*decimal.Decimal) error {
	for i, r := range raw {
		d, err := decimal.NewFromString(r)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", r, err)
		}
		*out[i] = d
	}
	return nil
}
