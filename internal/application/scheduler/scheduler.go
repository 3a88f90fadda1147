package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/alejandrodnm/arena/internal/application/broadcast"
	"github.com/alejandrodnm/arena/internal/application/leaderboard"
	"github.com/alejandrodnm/arena/internal/application/match"
	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

const (
	DefaultMaxRunning   = 8
	DefaultDrainTimeout = 30 * time.Second
)

// Config bounds the scheduler.
type Config struct {
	MaxRunning   int
	DrainTimeout time.Duration
	Match        match.Config
}

// ParticipantSpec is what a caller supplies to join a match.
type ParticipantSpec struct {
	AgentID   string
	AccountID string // overrides the agent's owning account when set
}

// History is a participant's audit trail within one match.
type History struct {
	Fills   []domain.Fill
	Orders  []domain.ExecutionOrder
	Denials []domain.Denial
}

// Deps are the collaborators shared by every match. History may be nil.
type Deps struct {
	Agents      ports.AgentStore
	Risk        ports.RiskService
	History     ports.HistoryStore
	Broadcaster *broadcast.Broadcaster
	Machine     match.Deps // Leaderboard and Publisher are filled in by the scheduler when empty
}

type entry struct {
	match   domain.Match
	agents  map[string]domain.AgentHandle // by participant ID
	machine *match.Machine
	pending string // cancel reason received while the machine was being built
	done    chan struct{}
}

// Scheduler owns the lifecycle of every match: creation, joins, start under a capacity limit,
// cancellation and graceful shutdown. It never queues starts beyond MaxRunning.
type Scheduler struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	baseCtx  context.Context
	stopAll  context.CancelFunc
	workers  conc.WaitGroup
	mu       sync.Mutex
	matches  map[string]*entry
	running  int
	draining bool
}

// New creates a Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = DefaultMaxRunning
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.New(deps.Machine.Metrics)
	}
	if deps.Machine.Leaderboard == nil {
		deps.Machine.Leaderboard = leaderboard.New()
	}
	if deps.Machine.Publisher == nil {
		deps.Machine.Publisher = deps.Broadcaster
	}
	if deps.Machine.Sink == nil {
		deps.Machine.Sink = ports.NopSink{}
	}
	if deps.Machine.Metrics == nil {
		deps.Machine.Metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		baseCtx: ctx,
		stopAll: cancel,
		matches: make(map[string]*entry),
	}
}

// Create validates cfg and registers a scheduled match.
func (s *Scheduler) Create(_ context.Context, cfg domain.MatchConfig) (domain.Match, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return domain.Match{}, fmt.Errorf("scheduler.Create: %w", err)
	}

	m := domain.NewMatch(uuid.NewString(), cfg, s.now())

	s.mu.Lock()
	s.matches[m.ID] = &entry{match: m, agents: make(map[string]domain.AgentHandle), done: make(chan struct{})}
	s.mu.Unlock()
	s.deps.Broadcaster.Open(m.ID)

	slog.Info("scheduler: match created", "match_id", m.ID, "name", m.Name, "mode", m.Mode,
		"duration", m.Duration, "interval", m.TickInterval)
	return m.Clone(), nil
}

// Join adds an agent to a scheduled match.
func (s *Scheduler) Join(ctx context.Context, matchID string, spec ParticipantSpec) (domain.Participant, error) {
	s.mu.Lock()
	e, err := s.lookup(matchID)
	if err == nil {
		err = s.joinable(e, spec.AgentID)
	}
	s.mu.Unlock()
	if err != nil {
		return domain.Participant{}, fmt.Errorf("scheduler.Join: %w", err)
	}

	agent, err := s.deps.Agents.FetchAgent(ctx, spec.AgentID)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("scheduler.Join: fetch agent %s: %w", spec.AgentID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: the match may have filled up or started while the agent was fetched.
	if err := s.joinable(e, spec.AgentID); err != nil {
		return domain.Participant{}, fmt.Errorf("scheduler.Join: %w", err)
	}

	account := spec.AccountID
	if account == "" {
		account = agent.AccountID
	}
	p := domain.Participant{
		ID:           uuid.NewString(),
		MatchID:      matchID,
		AgentID:      agent.ID,
		AgentVersion: agent.Version,
		AccountID:    account,
		JoinSeq:      len(e.match.Participants),
		JoinedAt:     s.now(),
		Ledger:       domain.NewLedger(e.match.InitialBalance),
		Status:       domain.ParticipantActive,
	}
	e.match.Participants = append(e.match.Participants, p)
	e.agents[p.ID] = agent

	slog.Info("scheduler: participant joined", "match_id", matchID, "participant_id", p.ID,
		"agent_id", agent.ID, "version", agent.Version, "seq", p.JoinSeq)
	return p.Clone(), nil
}

func (s *Scheduler) joinable(e *entry, agentID string) error {
	if e.match.Status != domain.MatchScheduled {
		return fmt.Errorf("%s is %s: %w", e.match.ID, e.match.Status, domain.ErrMatchNotJoinable)
	}
	if len(e.match.Participants) >= e.match.MaxParticipants {
		return fmt.Errorf("%s has %d participants: %w", e.match.ID, e.match.MaxParticipants, domain.ErrMatchFull)
	}
	for _, p := range e.match.Participants {
		if p.AgentID == agentID {
			return fmt.Errorf("agent %s: %w", agentID, domain.ErrDuplicateParticipant)
		}
	}
	return nil
}

// Start moves a scheduled match to running and launches its worker.
// Execution grants are read once here and frozen for the rest of the match.
func (s *Scheduler) Start(ctx context.Context, matchID string) error {
	s.mu.Lock()
	e, err := s.lookup(matchID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler.Start: %w", err)
	}
	switch {
	case e.match.Status != domain.MatchScheduled:
		s.mu.Unlock()
		return fmt.Errorf("scheduler.Start: %s is %s: %w", matchID, e.match.Status, domain.ErrAlreadyStarted)
	case len(e.match.Participants) == 0:
		s.mu.Unlock()
		return fmt.Errorf("scheduler.Start: %s: %w", matchID, domain.ErrNoParticipants)
	case s.draining:
		s.mu.Unlock()
		return fmt.Errorf("scheduler.Start: shutting down: %w", domain.ErrCapacityExceeded)
	case s.running >= s.cfg.MaxRunning:
		s.mu.Unlock()
		return fmt.Errorf("scheduler.Start: %d matches running: %w", s.running, domain.ErrCapacityExceeded)
	}
	now := s.now()
	e.match.Status = domain.MatchRunning
	e.match.StartedAt = &now
	s.running++
	running := s.running
	participants := make([]domain.Participant, len(e.match.Participants))
	copy(participants, e.match.Participants)
	s.mu.Unlock()

	s.deps.Machine.Metrics.MatchesRunning(running)

	for i := range participants {
		participants[i].ExecutionEnabled = s.grantActive(ctx, e.match.Mode, participants[i].AccountID)
	}

	s.mu.Lock()
	e.match.Participants = participants
	machine := match.New(e.match, e.agents, s.cfg.Match, s.deps.Machine)
	machine.OnTerminal(s.onTerminal)
	e.machine = machine
	pending := e.pending
	s.mu.Unlock()

	if pending != "" {
		machine.Cancel(pending)
	}
	s.workers.Go(func() { machine.Run(s.baseCtx) })

	slog.Info("scheduler: match started", "match_id", matchID, "participants", len(participants), "running", running)
	return nil
}

func (s *Scheduler) grantActive(ctx context.Context, mode domain.Mode, accountID string) bool {
	if !mode.AllowsExecution() || s.deps.Risk == nil {
		return false
	}
	grant, err := s.deps.Risk.ExecutionGrant(ctx, accountID)
	if err != nil {
		slog.Warn("scheduler: grant lookup failed, execution disabled", "account", accountID, "err", err)
		return false
	}
	return grant == domain.GrantActive
}

// Cancel stops a match. A scheduled match is cancelled immediately; a running one stops after its in-flight tick.
func (s *Scheduler) Cancel(ctx context.Context, matchID, reason string) error {
	if reason == "" {
		reason = domain.ReasonCancelled
	}

	s.mu.Lock()
	e, err := s.lookup(matchID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler.Cancel: %w", err)
	}

	switch e.match.Status {
	case domain.MatchScheduled:
		now := s.now()
		e.match.Status = domain.MatchCancelled
		e.match.Reason = reason
		e.match.EndedAt = &now
		final := e.match.Clone()
		close(e.done)
		s.mu.Unlock()

		if err := s.deps.Machine.Sink.RecordMatch(ctx, final); err != nil {
			slog.Warn("scheduler: error persisting cancelled match", "match_id", matchID, "err", err)
		}
		board := leaderboard.Build(matchID, domain.MatchCancelled, final.Participants)
		board.Reason = reason
		s.deps.Broadcaster.Publish(matchID, domain.Delta{
			Kind: domain.DeltaTerminal, MatchID: matchID, Status: domain.MatchCancelled, Reason: reason,
			TotalTicks: final.TotalTicks(), Leaderboard: board, Timestamp: now,
		})
		s.deps.Broadcaster.CloseMatch(matchID)
		slog.Info("scheduler: match cancelled before start", "match_id", matchID, "reason", reason)
		return nil

	case domain.MatchRunning:
		machine := e.machine
		if machine == nil {
			e.pending = reason
		}
		s.mu.Unlock()
		if machine != nil {
			machine.Cancel(reason)
		}
		return nil
	}

	status := e.match.Status
	s.mu.Unlock()
	return fmt.Errorf("scheduler.Cancel: %s is %s: %w", matchID, status, domain.ErrInvalidTransition)
}

func (s *Scheduler) onTerminal(final domain.Match) {
	s.mu.Lock()
	e := s.matches[final.ID]
	e.match = final
	e.machine = nil
	s.running--
	running := s.running
	close(e.done)
	s.mu.Unlock()

	s.deps.Machine.Metrics.MatchesRunning(running)
	s.deps.Broadcaster.CloseMatch(final.ID)
}

// Get returns the current state of a match.
func (s *Scheduler) Get(matchID string) (domain.Match, error) {
	s.mu.Lock()
	e, err := s.lookup(matchID)
	if err != nil {
		s.mu.Unlock()
		return domain.Match{}, fmt.Errorf("scheduler.Get: %w", err)
	}
	machine := e.machine
	m := e.match.Clone()
	s.mu.Unlock()

	if machine != nil {
		return machine.Snapshot(), nil
	}
	return m, nil
}

// List returns every known match ordered by creation time.
func (s *Scheduler) List() []domain.Match {
	s.mu.Lock()
	ids := make([]string, 0, len(s.matches))
	for id := range s.matches {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]domain.Match, 0, len(ids))
	for _, id := range ids {
		if m, err := s.Get(id); err == nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Done is closed when the match reaches a terminal state.
func (s *Scheduler) Done(matchID string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(matchID)
	if err != nil {
		return nil, fmt.Errorf("scheduler.Done: %w", err)
	}
	return e.done, nil
}

// Leaderboard returns the live leaderboard snapshot of a match.
func (s *Scheduler) Leaderboard(matchID string) (domain.LeaderboardSnapshot, error) {
	snap, err := s.deps.Machine.Leaderboard.Snapshot(matchID)
	if err == nil {
		return snap, nil
	}
	m, getErr := s.Get(matchID)
	if getErr != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("scheduler.Leaderboard: %w", getErr)
	}
	board := leaderboard.Build(m.ID, m.Status, m.Participants)
	board.Reason = m.Reason
	return board, nil
}

// Subscribe opens a delta stream for a match. Terminal matches return broadcast.ErrClosed;
// their final state is available through Leaderboard and Get.
func (s *Scheduler) Subscribe(matchID string, buffer int) (*broadcast.Subscription, error) {
	if _, err := s.Get(matchID); err != nil {
		return nil, fmt.Errorf("scheduler.Subscribe: %w", err)
	}
	sub, err := s.deps.Broadcaster.Subscribe(matchID, buffer)
	if err != nil {
		return nil, fmt.Errorf("scheduler.Subscribe: %w", err)
	}
	return sub, nil
}

// Unsubscribe ends a delta stream.
func (s *Scheduler) Unsubscribe(sub *broadcast.Subscription) {
	s.deps.Broadcaster.Unsubscribe(sub)
}

// PublishReconciliation surfaces a real-order divergence on the match's stream.
func (s *Scheduler) PublishReconciliation(rec domain.Reconciliation) {
	s.deps.Broadcaster.Publish(rec.MatchID, domain.Delta{
		Kind:           domain.DeltaReconciliation,
		MatchID:        rec.MatchID,
		Reconciliation: &rec,
		Timestamp:      rec.At,
	})
}

// History returns a participant's fills, execution orders and denials.
// Without a history store only the in-memory fills are available.
func (s *Scheduler) History(ctx context.Context, matchID, participantID string) (History, error) {
	m, err := s.Get(matchID)
	if err != nil {
		return History{}, fmt.Errorf("scheduler.History: %w", err)
	}
	var participant *domain.Participant
	for i := range m.Participants {
		if m.Participants[i].ID == participantID {
			participant = &m.Participants[i]
			break
		}
	}
	if participant == nil {
		return History{}, fmt.Errorf("scheduler.History: participant %s in %s: %w", participantID, matchID, domain.ErrParticipantNotFound)
	}

	if s.deps.History == nil {
		return History{Fills: participant.Ledger.Fills()}, nil
	}

	var h History
	if h.Fills, err = s.deps.History.FillsByParticipant(ctx, matchID, participantID); err != nil {
		return History{}, fmt.Errorf("scheduler.History: fills: %w", err)
	}
	if h.Orders, err = s.deps.History.OrdersByParticipant(ctx, matchID, participantID); err != nil {
		return History{}, fmt.Errorf("scheduler.History: orders: %w", err)
	}
	if h.Denials, err = s.deps.History.DenialsByParticipant(ctx, matchID, participantID); err != nil {
		return History{}, fmt.Errorf("scheduler.History: denials: %w", err)
	}
	return h, nil
}

// Running returns how many matches currently hold a slot.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ErrDrainIncomplete is returned by Shutdown when some match workers were still running at the
// drain deadline. Their matches are already terminal and persisted, but the workers may still
// touch shared collaborators until they unblock.
var ErrDrainIncomplete = errors.New("drain incomplete")

// Shutdown stops accepting starts and drains running matches: each finishes its in-flight tick,
// persists its final state and ends cancelled with SchedulerShutdown (or completed if its duration
// elapsed on that tick). Matches still running when the drain deadline passes are aborted:
// they end cancelled with SchedulerShutdown and are persisted before Shutdown returns.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	running := s.running
	s.mu.Unlock()

	slog.Info("scheduler: draining", "running", running)
	s.stopAll()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	var cause error
	select {
	case <-drained:
		slog.Info("scheduler: drained")
		return nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer.C:
		cause = errors.New("drain timeout exceeded")
	}

	aborted := s.abortRunning(domain.ReasonSchedulerShutdown)
	slog.Warn("scheduler: drain incomplete, matches aborted", "aborted", aborted, "cause", cause)
	return fmt.Errorf("scheduler.Shutdown: %w: %d matches aborted: %v", ErrDrainIncomplete, aborted, cause)
}

func (s *Scheduler) abortRunning(reason string) int {
	s.mu.Lock()
	machines := make([]*match.Machine, 0, s.running)
	for _, e := range s.matches {
		if e.machine != nil {
			machines = append(machines, e.machine)
		}
	}
	s.mu.Unlock()

	for _, m := range machines {
		m.Abort(reason)
	}
	return len(machines)
}

func (s *Scheduler) lookup(matchID string) (*entry, error) {
	e, ok := s.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", matchID, domain.ErrMatchNotFound)
	}
	return e, nil
}
