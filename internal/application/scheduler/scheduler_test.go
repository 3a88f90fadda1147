package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arena/internal/application/broadcast"
	"github.com/alejandrodnm/arena/internal/application/match"
	"github.com/alejandrodnm/arena/internal/application/matching"
	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/application/scheduler"
	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

type flatFeed struct{}

func (flatFeed) NextTick(_ context.Context, instruments []string) (domain.MarketSnapshot, error) {
	quotes := make(map[string]domain.Quote, len(instruments))
	for _, inst := range instruments {
		quotes[inst] = domain.Quote{Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1000)}
	}
	return domain.MarketSnapshot{Timestamp: time.Unix(0, 0).UTC(), Quotes: quotes}, nil
}

type agents map[string]domain.AgentHandle

func (a agents) FetchAgent(_ context.Context, id string) (domain.AgentHandle, error) {
	h, ok := a[id]
	if !ok {
		return domain.AgentHandle{}, domain.ErrAgentNotFound
	}
	return h, nil
}

type grants map[string]domain.Grant

func (g grants) RiskLimits(context.Context, string) (domain.RiskLimits, error) {
	return domain.RiskLimits{}, nil
}

func (g grants) ExecutionGrant(_ context.Context, account string) (domain.Grant, error) {
	if gr, ok := g[account]; ok {
		return gr, nil
	}
	return domain.GrantRevoked, nil
}

// stuckFeed serves one snapshot, then blocks without honouring ctx until release is closed.
type stuckFeed struct {
	calls   atomic.Int64
	release chan struct{}
}

func (f *stuckFeed) NextTick(ctx context.Context, instruments []string) (domain.MarketSnapshot, error) {
	if f.calls.Add(1) > 1 {
		<-f.release
	}
	return flatFeed{}.NextTick(ctx, instruments)
}

type matchSink struct {
	ports.NopSink
	mu      sync.Mutex
	matches []domain.Match
}

func (s *matchSink) RecordMatch(_ context.Context, m domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, m)
	return nil
}

func (s *matchSink) recorded() []domain.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Match(nil), s.matches...)
}

func newScheduler(t *testing.T, maxRunning int, pace bool) *scheduler.Scheduler {
	t.Helper()
	return newSchedulerWith(t,
		scheduler.Config{MaxRunning: maxRunning, DrainTimeout: 5 * time.Second, Match: match.Config{Pace: pace}},
		flatFeed{}, nil)
}

func newSchedulerWith(t *testing.T, cfg scheduler.Config, feed ports.MarketDataAdapter, sink ports.EventSink) *scheduler.Scheduler {
	t.Helper()
	rt := sandbox.NewBuiltinRuntime()
	rt.Register("buyer", func(map[string]string) (sandbox.Strategy, error) {
		return sandbox.StrategyFunc(func(sandbox.Input) ([]domain.Intent, error) {
			return []domain.Intent{{Side: domain.SideBuy, Instrument: "BTC/USDT", Size: decimal.NewFromInt(1)}}, nil
		}), nil
	})
	rt.Register("idle", func(map[string]string) (sandbox.Strategy, error) {
		return sandbox.StrategyFunc(func(sandbox.Input) ([]domain.Intent, error) { return nil, nil }), nil
	})
	sb := sandbox.New(sandbox.Config{}, map[domain.RuntimeKind]sandbox.Runtime{domain.RuntimeBuiltin: rt}, nil)

	s := scheduler.New(cfg,
		scheduler.Deps{
			Agents: agents{
				"a1": {ID: "a1", Version: "v1", AccountID: "acct-1", Runtime: domain.RuntimeBuiltin, Entry: "buyer"},
				"a2": {ID: "a2", Version: "v3", AccountID: "acct-2", Runtime: domain.RuntimeBuiltin, Entry: "idle"},
			},
			Risk: grants{"acct-1": domain.GrantActive},
			Machine: match.Deps{
				Feed:    feed,
				Sandbox: sb,
				Matcher: matching.New(matching.DefaultConfig()),
				Sink:    sink,
			},
		})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func testConfig(mode domain.Mode) domain.MatchConfig {
	return domain.MatchConfig{
		Name: "test", Mode: mode, Duration: 60 * time.Second, TickInterval: 2 * time.Second,
		Instruments: []string{"BTC/USDT"},
	}
}

func waitDone(t *testing.T, s *scheduler.Scheduler, id string) {
	t.Helper()
	done, err := s.Done(id)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("match %s did not finish", id)
	}
}

func TestCreate_RejectsInvalidConfig(t *testing.T) {
	s := newScheduler(t, 1, false)
	ctx := context.Background()

	cfg := testConfig(domain.ModeTesting)
	cfg.Duration = 61 * time.Second
	_, err := s.Create(ctx, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
	var ce *domain.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "duration", ce.Field)
	assert.False(t, domain.IsRetriable(err))

	cfg = testConfig(domain.ModeTesting)
	cfg.TickInterval = 0
	_, err = s.Create(ctx, cfg)
	assert.True(t, errors.Is(err, domain.ErrInvalidConfig))

	cfg = testConfig("ranked")
	_, err = s.Create(ctx, cfg)
	assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
}

func TestCreate_Defaults(t *testing.T) {
	s := newScheduler(t, 1, false)
	m, err := s.Create(context.Background(), domain.MatchConfig{Mode: domain.ModeDemo, Duration: time.Minute, TickInterval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, domain.MatchScheduled, m.Status)
	assert.Equal(t, domain.DefaultMaxParticipants, m.MaxParticipants)
	assert.True(t, domain.DefaultInitialBalance.Equal(m.InitialBalance))
	assert.Equal(t, domain.DefaultInstruments, m.Instruments)
	assert.Equal(t, int64(60), m.TotalTicks())
}

func TestJoin_Errors(t *testing.T) {
	s := newScheduler(t, 1, false)
	ctx := context.Background()

	_, err := s.Join(ctx, "missing", scheduler.ParticipantSpec{AgentID: "a1"})
	assert.True(t, errors.Is(err, domain.ErrMatchNotFound))

	cfg := testConfig(domain.ModeTesting)
	cfg.MaxParticipants = 1
	m, err := s.Create(ctx, cfg)
	require.NoError(t, err)

	_, err = s.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: "ghost"})
	assert.True(t, errors.Is(err, domain.ErrAgentNotFound))

	p, err := s.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "acct-1", p.AccountID)
	assert.Equal(t, "v1", p.AgentVersion)
	assert.Equal(t, 0, p.JoinSeq)

	_, err = s.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: "a2"})
	assert.True(t, errors.Is(err, domain.ErrMatchFull))

	cfg.MaxParticipants = 4
	m2, err := s.Create(ctx, cfg)
	require.NoError(t, err)
	_, err = s.Join(ctx, m2.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	_, err = s.Join(ctx, m2.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	assert.True(t, errors.Is(err, domain.ErrDuplicateParticipant))

	require.NoError(t, s.Start(ctx, m2.ID))
	_, err = s.Join(ctx, m2.ID, scheduler.ParticipantSpec{AgentID: "a2"})
	assert.True(t, errors.Is(err, domain.ErrMatchNotJoinable))
}

func TestStart_Errors(t *testing.T) {
	s := newScheduler(t, 1, true)
	ctx := context.Background()

	empty, err := s.Create(ctx, testConfig(domain.ModeTesting))
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Start(ctx, empty.ID), domain.ErrNoParticipants))

	first, err := s.Create(ctx, testConfig(domain.ModeTesting))
	require.NoError(t, err)
	_, err = s.Join(ctx, first.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, first.ID))
	assert.True(t, errors.Is(s.Start(ctx, first.ID), domain.ErrAlreadyStarted))

	second, err := s.Create(ctx, testConfig(domain.ModeTesting))
	require.NoError(t, err)
	_, err = s.Join(ctx, second.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)

	err = s.Start(ctx, second.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCapacityExceeded))
	assert.True(t, domain.IsRetriable(err))

	got, err := s.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchScheduled, got.Status, "capacity errors never queue the match")

	// Freeing the slot lets the second match start.
	require.NoError(t, s.Cancel(ctx, first.ID, ""))
	waitDone(t, s, first.ID)
	assert.Equal(t, 0, s.Running())
	require.NoError(t, s.Start(ctx, second.ID))
}

func TestRunToCompletion(t *testing.T) {
	s := newScheduler(t, 2, false)
	ctx := context.Background()

	m, err := s.Create(ctx, testConfig(domain.ModeTesting))
	require.NoError(t, err)
	buyer, err := s.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	_, err = s.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: "a2"})
	require.NoError(t, err)

	sub, err := s.Subscribe(m.ID, 64)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx, m.ID))
	waitDone(t, s, m.ID)

	final, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchCompleted, final.Status)
	assert.Equal(t, int64(30), final.TicksElapsed)
	assert.NotEmpty(t, final.WinnerID)

	board, err := s.Leaderboard(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchCompleted, board.Status)
	assert.Len(t, board.Standings, 2)

	var deltas []domain.Delta
	for d := range sub.C() {
		deltas = append(deltas, d)
	}
	assert.NoError(t, sub.Err())
	require.Len(t, deltas, 31)
	assert.Equal(t, domain.DeltaTerminal, deltas[30].Kind)

	hist, err := s.History(ctx, m.ID, buyer.ID)
	require.NoError(t, err)
	assert.Len(t, hist.Fills, 30)

	_, err = s.History(ctx, m.ID, "nobody")
	assert.True(t, errors.Is(err, domain.ErrParticipantNotFound))

	_, err = s.Subscribe(m.ID, 1)
	assert.True(t, errors.Is(err, broadcast.ErrClosed))
	assert.Equal(t, 0, s.Running())
}

func TestCancel_ScheduledIsImmediate(t *testing.T) {
	s := newScheduler(t, 1, false)
	ctx := context.Background()

	m, err := s.Create(ctx, testConfig(domain.ModeTesting))
	require.NoError(t, err)
	sub, err := s.Subscribe(m.ID, 4)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, m.ID, ""))
	got, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchCancelled, got.Status)
	assert.Equal(t, domain.ReasonCancelled, got.Reason)

	last := <-sub.C()
	assert.Equal(t, domain.DeltaTerminal, last.Kind)
	_, ok := <-sub.C()
	assert.False(t, ok)

	assert.True(t, errors.Is(s.Cancel(ctx, m.ID, ""), domain.ErrInvalidTransition))
	assert.True(t, errors.Is(s.Start(ctx, m.ID), domain.ErrAlreadyStarted))
}

func TestStart_FreezesGrantsInProductionOnly(t *testing.T) {
	s := newScheduler(t, 2, true)
	ctx := context.Background()

	prod, err := s.Create(ctx, testConfig(domain.ModeProduction))
	require.NoError(t, err)
	_, err = s.Join(ctx, prod.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	_, err = s.Join(ctx, prod.ID, scheduler.ParticipantSpec{AgentID: "a2"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, prod.ID))

	got, err := s.Get(prod.ID)
	require.NoError(t, err)
	assert.True(t, got.Participants[0].ExecutionEnabled)
	assert.False(t, got.Participants[1].ExecutionEnabled, "acct-2 holds no grant")

	demo, err := s.Create(ctx, testConfig(domain.ModeDemo))
	require.NoError(t, err)
	_, err = s.Join(ctx, demo.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, demo.ID))

	got, err = s.Get(demo.ID)
	require.NoError(t, err)
	assert.False(t, got.Participants[0].ExecutionEnabled)
}

func TestShutdown_DrainsRunningMatches(t *testing.T) {
	s := newScheduler(t, 2, true)
	ctx := context.Background()

	cfg := testConfig(domain.ModeTesting)
	cfg.Duration = time.Hour
	cfg.TickInterval = 10 * time.Millisecond
	m, err := s.Create(ctx, cfg)
	require.NoError(t, err)
	_, err = s.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, m.ID))

	require.Eventually(t, func() bool {
		got, _ := s.Get(m.ID)
		return got.TicksElapsed >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(ctx))

	final, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchCancelled, final.Status)
	assert.Equal(t, domain.ReasonSchedulerShutdown, final.Reason)
	assert.Positive(t, final.Participants[0].TicksEvaluated)

	other, err := s.Create(ctx, testConfig(domain.ModeTesting))
	require.NoError(t, err)
	_, err = s.Join(ctx, other.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Start(ctx, other.ID), domain.ErrCapacityExceeded))
}

func TestShutdown_AbortsMatchesStuckPastDrainTimeout(t *testing.T) {
	feed := &stuckFeed{release: make(chan struct{})}
	t.Cleanup(func() { close(feed.release) })
	sink := &matchSink{}
	s := newSchedulerWith(t, scheduler.Config{MaxRunning: 1, DrainTimeout: 50 * time.Millisecond}, feed, sink)
	ctx := context.Background()

	m, err := s.Create(ctx, testConfig(domain.ModeTesting))
	require.NoError(t, err)
	_, err = s.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: "a1"})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, m.ID))

	require.Eventually(t, func() bool { return feed.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	err = s.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, scheduler.ErrDrainIncomplete))

	final, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchCancelled, final.Status)
	assert.Equal(t, domain.ReasonSchedulerShutdown, final.Reason)
	assert.Equal(t, int64(1), final.TicksElapsed)
	assert.Zero(t, s.Running())

	done, err := s.Done(m.ID)
	require.NoError(t, err)
	select {
	case <-done:
	default:
		t.Fatal("aborted match is not done")
	}

	recorded := sink.recorded()
	require.Len(t, recorded, 1, "the terminal state is persisted exactly once")
	assert.Equal(t, domain.MatchCancelled, recorded[0].Status)
	assert.Equal(t, domain.ReasonSchedulerShutdown, recorded[0].Reason)
}
