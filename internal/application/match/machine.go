package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/alejandrodnm/arena/internal/application/leaderboard"
	"github.com/alejandrodnm/arena/internal/application/matching"
	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

const (
	DefaultFeedTimeout        = 2 * time.Second
	DefaultFeedFaultThreshold = 5
	DefaultFeedBackoffBase    = 100 * time.Millisecond
	DefaultFeedBackoffMax     = 2 * time.Second
	DefaultFaultRateThreshold = 0.5
	DefaultMinFaultSamples    = 10
	DefaultConcurrency        = 8
)

// Config tunes one match's run loop.
type Config struct {
	FeedTimeout        time.Duration // per fetch attempt
	FeedFaultThreshold int           // consecutive failed attempts before the match is cancelled
	FeedBackoffBase    time.Duration
	FeedBackoffMax     time.Duration
	SandboxDeadline    time.Duration // 0 uses the sandbox default
	FaultRateThreshold float64       // faults / ticks evaluated above which a participant is disqualified
	MinFaultSamples    int           // evaluations before the fault rate is enforced
	HistoryWindow      int           // ticks handed to agents as Recent
	Concurrency        int           // evaluations in flight per tick
	Pace               bool          // wait TickInterval between ticks; false fast-forwards
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = DefaultFeedTimeout
	}
	if c.FeedFaultThreshold <= 0 {
		c.FeedFaultThreshold = DefaultFeedFaultThreshold
	}
	if c.FeedBackoffBase <= 0 {
		c.FeedBackoffBase = DefaultFeedBackoffBase
	}
	if c.FeedBackoffMax <= 0 {
		c.FeedBackoffMax = DefaultFeedBackoffMax
	}
	if c.FaultRateThreshold <= 0 {
		c.FaultRateThreshold = DefaultFaultRateThreshold
	}
	if c.MinFaultSamples <= 0 {
		c.MinFaultSamples = DefaultMinFaultSamples
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = sandbox.DefaultHistoryWindow
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Evaluator runs one agent against one tick.
type Evaluator interface {
	Evaluate(ctx context.Context, agent domain.AgentHandle, in sandbox.Input, deadline time.Duration) ([]domain.Intent, *domain.SandboxFault)
}

// Forwarder hands executed fills to the execution gateway.
type Forwarder interface {
	Forward(ctx context.Context, fill domain.Fill, p domain.Participant) (domain.ExecutionOrder, *domain.Denial, error)
}

// Publisher fans deltas out to subscribers.
type Publisher interface {
	Publish(matchID string, delta domain.Delta)
}

// Deps are the collaborators a machine needs. Gateway may be nil when no match runs in production mode.
type Deps struct {
	Feed        ports.MarketDataAdapter
	Sandbox     Evaluator
	Matcher     *matching.Matcher
	Leaderboard *leaderboard.Aggregator
	Gateway     Forwarder
	Publisher   Publisher
	Sink        ports.EventSink
	Metrics     ports.Metrics
	Now         func() time.Time
}

// Machine drives one running match tick by tick. Only its Run goroutine mutates the match;
// other goroutines read through Snapshot.
type Machine struct {
	cfg    Config
	deps   Deps
	agents map[string]domain.AgentHandle // by participant ID

	mu    sync.RWMutex
	match domain.Match

	recent []domain.Tick

	stopOnce   sync.Once
	stop       chan struct{}
	stopReason string

	done       chan struct{}
	onTerminal func(domain.Match)
}

// New builds a machine for a match that has already transitioned to running.
// agents maps every participant ID to the handle fetched at join time.
func New(m domain.Match, agents map[string]domain.AgentHandle, cfg Config, deps Deps) *Machine {
	if deps.Sink == nil {
		deps.Sink = ports.NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Machine{
		cfg:    cfg.WithDefaults(),
		deps:   deps,
		agents: agents,
		match:  m.Clone(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// OnTerminal registers a callback invoked once with the final match state.
func (m *Machine) OnTerminal(fn func(domain.Match)) { m.onTerminal = fn }

// Snapshot returns a copy of the current match state.
func (m *Machine) Snapshot() domain.Match {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.match.Clone()
}

// Done is closed once the match reached a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Cancel asks the machine to stop. The in-flight tick, if any, completes first.
func (m *Machine) Cancel(reason string) {
	m.stopOnce.Do(func() {
		m.stopReason = reason
		close(m.stop)
	})
}

// Run executes ticks until the duration elapses, the match is cancelled, the feed is lost or ctx ends.
// Cancelling ctx is treated as a scheduler shutdown.
func (m *Machine) Run(ctx context.Context) domain.Match {
	defer close(m.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	matchID := m.match.ID
	total := m.match.TotalTicks()
	slog.Info("match: started", "match_id", matchID, "mode", m.match.Mode,
		"participants", len(m.match.Participants), "ticks", total, "interval", m.match.TickInterval)

	m.deps.Leaderboard.Seed(matchID, m.participants())

	var ticker *time.Ticker
	if m.cfg.Pace {
		ticker = time.NewTicker(m.match.TickInterval)
		defer ticker.Stop()
	}

	for index := int64(1); ; index++ {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-runCtx.Done():
			}
		}
		if runCtx.Err() != nil {
			return m.finish(domain.MatchCancelled, m.cancelReason(ctx))
		}

		tick, err := m.fetch(runCtx, index)
		if m.terminal() {
			// Aborted while the feed was blocked.
			return m.Snapshot()
		}
		if err != nil {
			if runCtx.Err() != nil {
				return m.finish(domain.MatchCancelled, m.cancelReason(ctx))
			}
			slog.Error("match: market data unavailable, cancelling", "match_id", matchID, "tick", index, "err", err)
			return m.finish(domain.MatchCancelled, domain.ReasonDataFeedUnavailable)
		}

		// A started tick always completes, even if a cancel arrives meanwhile.
		m.step(context.WithoutCancel(ctx), tick)

		if m.elapsed() {
			return m.finish(domain.MatchCompleted, domain.ReasonDurationElapsed)
		}
	}
}

// Abort ends the match as cancelled without waiting for Run, which may be stuck in the feed or
// the gateway. The final state is persisted and published here; Run exits without recording it
// again once it unblocks. Aborting a terminal match is a no-op.
func (m *Machine) Abort(reason string) domain.Match {
	m.Cancel(reason)
	return m.finish(domain.MatchCancelled, reason)
}

func (m *Machine) terminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.match.Status.Terminal()
}

func (m *Machine) cancelReason(parent context.Context) string {
	select {
	case <-m.stop:
		if m.stopReason != "" {
			return m.stopReason
		}
		return domain.ReasonCancelled
	default:
	}
	if parent.Err() != nil {
		return domain.ReasonSchedulerShutdown
	}
	return domain.ReasonCancelled
}

func (m *Machine) elapsed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.match.Elapsed()
}

func (m *Machine) participants() []domain.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Participant, len(m.match.Participants))
	for i, p := range m.match.Participants {
		out[i] = p.Clone()
	}
	return out
}

// fetch asks the feed for the next snapshot, retrying with capped exponential backoff.
// It fails after FeedFaultThreshold consecutive failed attempts.
func (m *Machine) fetch(ctx context.Context, index int64) (domain.Tick, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.FeedFaultThreshold; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Tick{}, ctx.Err()
			case <-time.After(m.backoff(attempt - 1)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.FeedTimeout)
		snap, err := m.deps.Feed.NextTick(attemptCtx, m.match.Instruments)
		cancel()
		if err == nil {
			if snap.Timestamp.IsZero() {
				snap.Timestamp = m.syntheticTimestamp(index)
			}
			tick := domain.NewTick(index, snap)
			if tick.Covers(m.match.Instruments) {
				return tick, nil
			}
			err = fmt.Errorf("snapshot missing instruments %v: %w", m.match.Instruments, domain.ErrFeedUnavailable)
		}
		if ctx.Err() != nil {
			return domain.Tick{}, ctx.Err()
		}
		lastErr = err
		slog.Warn("match: feed attempt failed", "match_id", m.match.ID, "tick", index,
			"attempt", attempt+1, "threshold", m.cfg.FeedFaultThreshold, "err", err)
	}
	return domain.Tick{}, fmt.Errorf("match.fetch: %d consecutive failures: %w", m.cfg.FeedFaultThreshold, lastErr)
}

func (m *Machine) backoff(retry int) time.Duration {
	d := m.cfg.FeedBackoffBase
	for i := 0; i < retry && d < m.cfg.FeedBackoffMax; i++ {
		d *= 2
	}
	if d > m.cfg.FeedBackoffMax {
		d = m.cfg.FeedBackoffMax
	}
	return d
}

func (m *Machine) syntheticTimestamp(index int64) time.Time {
	start := m.match.CreatedAt
	if m.match.StartedAt != nil {
		start = *m.match.StartedAt
	}
	return start.Add(time.Duration(index) * m.match.TickInterval)
}

type evaluation struct {
	intents []domain.Intent
	fault   *domain.SandboxFault
}

// step runs one full tick: evaluate, match, settle, rank, forward, publish.
func (m *Machine) step(ctx context.Context, tick domain.Tick) {
	started := m.deps.Now()
	matchID := m.match.ID

	eligible := make([]int, 0, len(m.match.Participants))
	for i, p := range m.match.Participants {
		if p.Eligible() {
			eligible = append(eligible, i)
		}
	}

	recent := append([]domain.Tick(nil), m.recent...)
	results := make([]evaluation, len(eligible))
	p := pool.New().WithMaxGoroutines(m.cfg.Concurrency)
	for slot, idx := range eligible {
		part := m.match.Participants[idx]
		agent := m.agents[part.ID]
		in := sandbox.Input{
			Tick:   tick,
			Recent: recent,
			Ledger: part.Ledger.Snapshot(),
			Params: agent.Params,
		}
		p.Go(func() {
			intents, fault := m.deps.Sandbox.Evaluate(ctx, agent, in, m.cfg.SandboxDeadline)
			results[slot] = evaluation{intents: intents, fault: fault}
		})
	}
	p.Wait()

	var (
		tickFills []domain.Fill
		faults    []domain.TickFault
		forward   []forwardItem
	)

	m.mu.Lock()
	if m.match.Status.Terminal() {
		// Aborted while agents were evaluated: the final state is already recorded.
		m.mu.Unlock()
		return
	}
	for slot, idx := range eligible {
		part := &m.match.Participants[idx]
		res := results[slot]
		part.TicksEvaluated++

		if res.fault != nil {
			part.FaultCount++
			part.Status = domain.ParticipantFaulted
			faults = append(faults, domain.TickFault{ParticipantID: part.ID, Kind: res.fault.Kind, Message: res.fault.Error()})
			if m.overFaultRate(*part) {
				part.Status = domain.ParticipantDisqualified
				part.Reason = domain.ReasonFaultRateExceeded
				slog.Warn("match: participant disqualified", "match_id", matchID, "participant_id", part.ID,
					"faults", part.FaultCount, "evaluated", part.TicksEvaluated)
			}
			continue
		}
		part.Status = domain.ParticipantActive

		owner := matching.Owner{MatchID: matchID, ParticipantID: part.ID}
		for _, f := range m.deps.Matcher.Match(owner, tick, part.Ledger.Snapshot(), res.intents) {
			settled, err := part.Ledger.Apply(f)
			if err != nil {
				slog.Error("match: fill rejected by ledger", "match_id", matchID, "participant_id", part.ID,
					"fill", f.Key(), "err", err)
				continue
			}
			part.Record(settled)
			tickFills = append(tickFills, settled)
			if settled.Executed() && m.match.Mode.AllowsExecution() && part.ExecutionEnabled {
				forward = append(forward, forwardItem{fill: settled, participant: part.Clone()})
			}
		}
	}
	m.match.TicksElapsed = tick.Index
	participants := make([]domain.Participant, len(m.match.Participants))
	for i, p := range m.match.Participants {
		participants[i] = p.Clone()
	}
	m.mu.Unlock()

	m.recent = append(m.recent, tick)
	if over := len(m.recent) - m.cfg.HistoryWindow; over > 0 {
		m.recent = append([]domain.Tick(nil), m.recent[over:]...)
	}

	for _, f := range tickFills {
		m.deps.Metrics.FillRecorded(f.Reason)
		if err := m.deps.Sink.RecordFill(ctx, f); err != nil {
			slog.Warn("match: error recording fill", "match_id", matchID, "fill", f.Key(), "err", err)
		}
	}

	board := m.deps.Leaderboard.Update(matchID, tick, participants)
	m.forward(ctx, forward)

	m.publish(domain.Delta{
		Kind:        domain.DeltaTick,
		MatchID:     matchID,
		TickIndex:   tick.Index,
		TotalTicks:  m.match.TotalTicks(),
		Status:      domain.MatchRunning,
		Leaderboard: board,
		Fills:       tickFills,
		Faults:      faults,
		Timestamp:   tick.Timestamp,
	})

	took := m.deps.Now().Sub(started)
	m.deps.Metrics.TickAdvanced(matchID, took)
	slog.Debug("match: tick", "match_id", matchID, "tick", tick.Index, "fills", len(tickFills),
		"faults", len(faults), "took", took)
}

func (m *Machine) overFaultRate(p domain.Participant) bool {
	if p.TicksEvaluated < m.cfg.MinFaultSamples {
		return false
	}
	return float64(p.FaultCount)/float64(p.TicksEvaluated) > m.cfg.FaultRateThreshold
}

type forwardItem struct {
	fill        domain.Fill
	participant domain.Participant
}

func (m *Machine) forward(ctx context.Context, items []forwardItem) {
	if m.deps.Gateway == nil {
		return
	}
	for _, it := range items {
		_, denial, err := m.deps.Gateway.Forward(ctx, it.fill, it.participant)
		switch {
		case err != nil:
			slog.Warn("match: gateway unavailable, fill not forwarded", "match_id", it.fill.MatchID,
				"fill", it.fill.Key(), "err", err)
		case denial != nil:
			slog.Debug("match: fill denied by gateway", "fill", it.fill.Key(), "reason", denial.Reason)
		}
	}
}

func (m *Machine) publish(d domain.Delta) {
	if m.deps.Publisher != nil {
		m.deps.Publisher.Publish(d.MatchID, d)
	}
}

// finish moves the match to a terminal state, persists it and publishes the final leaderboard.
// Only the first call has any effect.
func (m *Machine) finish(status domain.MatchStatus, reason string) domain.Match {
	now := m.deps.Now()

	m.mu.Lock()
	if !m.match.Status.CanTransition(status) {
		final := m.match.Clone()
		m.mu.Unlock()
		if !final.Status.Terminal() {
			slog.Error("match: invalid terminal transition", "match_id", final.ID, "from", final.Status, "to", status)
		}
		return final
	}
	board := m.deps.Leaderboard.SetTerminal(m.match.ID, status, reason)
	m.match.Status = status
	m.match.Reason = reason
	m.match.EndedAt = &now
	if leader, ok := board.Leader(); ok && status == domain.MatchCompleted {
		m.match.WinnerID = leader.ParticipantID
	}
	final := m.match.Clone()
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.deps.Sink.RecordMatch(ctx, final); err != nil {
		slog.Error("match: error persisting final state", "match_id", final.ID, "err", err)
	}

	m.publish(domain.Delta{
		Kind:        domain.DeltaTerminal,
		MatchID:     final.ID,
		TickIndex:   final.TicksElapsed,
		TotalTicks:  final.TotalTicks(),
		Status:      status,
		Reason:      reason,
		WinnerID:    final.WinnerID,
		Leaderboard: board,
		Timestamp:   now,
	})

	slog.Info("match: finished", "match_id", final.ID, "status", status, "reason", reason,
		"ticks", final.TicksElapsed, "winner", final.WinnerID)

	if m.onTerminal != nil {
		m.onTerminal(final)
	}
	return final
}
