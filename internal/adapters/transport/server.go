// Package transport exposes match state over HTTP and streams deltas over websockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/application/broadcast"
	"github.com/alejandrodnm/arena/internal/application/scheduler"
	"github.com/alejandrodnm/arena/internal/domain"
)

// CloseSlowConsumer is the websocket close code sent to a subscriber dropped for falling behind.
const CloseSlowConsumer = 4000

const (
	writeWait     = 5 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	defaultBuffer = broadcast.DefaultBuffer
)

// Engine is the read side of the scheduler the server needs.
type Engine interface {
	List() []domain.Match
	Get(matchID string) (domain.Match, error)
	Leaderboard(matchID string) (domain.LeaderboardSnapshot, error)
	History(ctx context.Context, matchID, participantID string) (scheduler.History, error)
	Subscribe(matchID string, buffer int) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

// Server serves the match API.
type Server struct {
	engine   Engine
	upgrader websocket.Upgrader
	buffer   int
}

// NewServer creates a Server. buffer is the per-subscriber delta queue length.
func NewServer(engine Engine, buffer int) *Server {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Server{
		engine:   engine,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		buffer:   buffer,
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("GET /matches", s.handleList)
	mux.HandleFunc("GET /matches/{id}", s.handleMatch)
	mux.HandleFunc("GET /matches/{id}/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /matches/{id}/participants/{pid}/history", s.handleHistory)
	return mux
}

type participantView struct {
	ID               string                   `json:"id"`
	AgentID          string                   `json:"agent_id"`
	AgentVersion     string                   `json:"agent_version"`
	AccountID        string                   `json:"account_id"`
	JoinSeq          int                      `json:"join_seq"`
	Status           domain.ParticipantStatus `json:"status"`
	Reason           string                   `json:"reason,omitempty"`
	Faults           int                      `json:"faults"`
	TicksEvaluated   int                      `json:"ticks_evaluated"`
	ExecutionEnabled bool                     `json:"execution_enabled"`
}

type matchView struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Mode            domain.Mode        `json:"mode"`
	Status          domain.MatchStatus `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	WinnerID        string             `json:"winner_id,omitempty"`
	DurationSec     float64            `json:"duration_sec"`
	TickIntervalSec float64            `json:"tick_interval_sec"`
	TicksElapsed    int64              `json:"ticks_elapsed"`
	TotalTicks      int64              `json:"total_ticks"`
	InitialBalance  decimal.Decimal    `json:"initial_balance"`
	Instruments     []string           `json:"instruments"`
	Participants    []participantView  `json:"participants"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
}

func toMatchView(m domain.Match) matchView {
	v := matchView{
		ID: m.ID, Name: m.Name, Mode: m.Mode, Status: m.Status, Reason: m.Reason, WinnerID: m.WinnerID,
		DurationSec: m.Duration.Seconds(), TickIntervalSec: m.TickInterval.Seconds(),
		TicksElapsed: m.TicksElapsed, TotalTicks: m.TotalTicks(), InitialBalance: m.InitialBalance,
		Instruments: m.Instruments, CreatedAt: m.CreatedAt, StartedAt: m.StartedAt, EndedAt: m.EndedAt,
		Participants: make([]participantView, len(m.Participants)),
	}
	for i, p := range m.Participants {
		v.Participants[i] = participantView{
			ID: p.ID, AgentID: p.AgentID, AgentVersion: p.AgentVersion, AccountID: p.AccountID,
			JoinSeq: p.JoinSeq, Status: p.Status, Reason: p.Reason, Faults: p.FaultCount,
			TicksEvaluated: p.TicksEvaluated, ExecutionEnabled: p.ExecutionEnabled,
		}
	}
	return v
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	matches := s.engine.List()
	out := make([]matchView, len(matches))
	for i, m := range matches {
		out[i] = toMatchView(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchView(m))
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.engine.Leaderboard(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

type historyView struct {
	Fills   []domain.Fill           `json:"fills"`
	Orders  []domain.ExecutionOrder `json:"orders"`
	Denials []domain.Denial         `json:"denials"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.History(r.Context(), r.PathValue("id"), r.PathValue("pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyView(h))
}

// handleStream upgrades to a websocket and writes every delta of ?match=<id> until the match ends,
// the client leaves or the subscriber is dropped for being slow.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("match")
	if matchID == "" {
		http.Error(w, "missing match parameter", http.StatusBadRequest)
		return
	}
	sub, err := s.engine.Subscribe(matchID, s.buffer)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.engine.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("transport: upgrade failed", "match_id", matchID, "err", err)
		return
	}
	defer conn.Close()

	// Reader: only needed to process pongs and notice the client going away.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case d, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, text := websocket.CloseNormalClosure, "match finished"
				if errors.Is(sub.Err(), domain.ErrSlowConsumer) {
					code, text = CloseSlowConsumer, "SlowConsumer"
					slog.Warn("transport: dropped slow websocket subscriber", "match_id", matchID)
				}
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := conn.WriteJSON(d); err != nil {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrMatchNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		code = http.StatusNotFound
	case errors.Is(err, broadcast.ErrClosed):
		code = http.StatusGone
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
