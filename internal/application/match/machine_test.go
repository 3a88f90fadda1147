package match_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arena/internal/application/leaderboard"
	"github.com/alejandrodnm/arena/internal/application/match"
	"github.com/alejandrodnm/arena/internal/application/matching"
	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- fakes ---

// stepFeed produces a deterministic price path; failFirst attempts fail before any success.
type stepFeed struct {
	calls     atomic.Int64
	failFirst int64
	failAll   bool
}

func (f *stepFeed) NextTick(_ context.Context, instruments []string) (domain.MarketSnapshot, error) {
	n := f.calls.Add(1)
	if f.failAll || n <= f.failFirst {
		return domain.MarketSnapshot{}, errors.New("feed down: " + domain.ErrFeedUnavailable.Error())
	}
	i := n - f.failFirst
	quotes := make(map[string]domain.Quote, len(instruments))
	for _, inst := range instruments {
		quotes[inst] = domain.Quote{
			Price:  decimal.NewFromInt(100 + (i*7)%13),
			Volume: decimal.NewFromInt(500),
		}
	}
	return domain.MarketSnapshot{Timestamp: t0.Add(time.Duration(i) * time.Second), Quotes: quotes}, nil
}

type recorder struct {
	ports.NopSink
	mu      sync.Mutex
	deltas  []domain.Delta
	fills   []domain.Fill
	matches []domain.Match
}

func (r *recorder) Publish(_ string, d domain.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, d)
}

func (r *recorder) RecordFill(_ context.Context, f domain.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
	return nil
}

func (r *recorder) RecordMatch(_ context.Context, m domain.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, m)
	return nil
}

type countingGateway struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (g *countingGateway) Forward(_ context.Context, f domain.Fill, _ domain.Participant) (domain.ExecutionOrder, *domain.Denial, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fills = append(g.fills, f)
	return domain.ExecutionOrder{ID: f.Key()}, nil, nil
}

// --- strategies ---

func buyEveryTick(in sandbox.Input) ([]domain.Intent, error) {
	return []domain.Intent{{Side: domain.SideBuy, Instrument: "BTC/USDT", Size: decimal.RequireFromString("0.5")}}, nil
}

func flipFlop(in sandbox.Input) ([]domain.Intent, error) {
	side := domain.SideBuy
	if in.Tick.Index%2 == 0 {
		side = domain.SideSell
	}
	return []domain.Intent{{Side: side, Instrument: "BTC/USDT", Size: decimal.NewFromInt(1)}}, nil
}

func crash(sandbox.Input) ([]domain.Intent, error) { panic("agent bug") }

// --- harness ---

type harness struct {
	rec     *recorder
	feed    *stepFeed
	gateway *countingGateway
	machine *match.Machine
}

func newHarness(t *testing.T, mode domain.Mode, tick, duration time.Duration, cfg match.Config, strategies map[string]sandbox.StrategyFunc, order []string) *harness {
	t.Helper()
	rt := sandbox.NewBuiltinRuntime()
	for name, fn := range strategies {
		fn := fn
		rt.Register(name, func(map[string]string) (sandbox.Strategy, error) { return fn, nil })
	}
	sb := sandbox.New(sandbox.Config{Deadline: 50 * time.Millisecond}, map[domain.RuntimeKind]sandbox.Runtime{domain.RuntimeBuiltin: rt}, nil)

	mc := domain.MatchConfig{Mode: mode, Duration: duration, TickInterval: tick, Instruments: []string{"BTC/USDT"}}.WithDefaults()
	require.NoError(t, mc.Validate())
	m := domain.NewMatch("match-fixed", mc, t0)
	m.Status = domain.MatchRunning
	started := t0
	m.StartedAt = &started

	agents := make(map[string]domain.AgentHandle)
	for i, name := range order {
		pid := "p-" + name
		m.Participants = append(m.Participants, domain.Participant{
			ID: pid, MatchID: m.ID, AgentID: name, AgentVersion: "v1", AccountID: "acct-" + name,
			JoinSeq: i, JoinedAt: t0, Ledger: domain.NewLedger(m.InitialBalance),
			Status: domain.ParticipantActive, ExecutionEnabled: true,
		})
		agents[pid] = domain.AgentHandle{ID: name, Version: "v1", Runtime: domain.RuntimeBuiltin, Entry: name}
	}

	h := &harness{rec: &recorder{}, feed: &stepFeed{}, gateway: &countingGateway{}}
	cfg.FeedBackoffBase = time.Millisecond
	cfg.FeedBackoffMax = 2 * time.Millisecond
	h.machine = match.New(m, agents, cfg, match.Deps{
		Feed:        h.feed,
		Sandbox:     sb,
		Matcher:     matching.New(matching.DefaultConfig()),
		Leaderboard: leaderboard.New(),
		Gateway:     h.gateway,
		Publisher:   h.rec,
		Sink:        h.rec,
		Now:         func() time.Time { return t0 },
	})
	return h
}

// --- tests ---

func TestRun_CompletesAfterDurationOverInterval(t *testing.T) {
	h := newHarness(t, domain.ModeTesting, 2*time.Second, 60*time.Second, match.Config{},
		map[string]sandbox.StrategyFunc{"buyer": buyEveryTick, "flip": flipFlop}, []string{"buyer", "flip"})

	final := h.machine.Run(context.Background())

	assert.Equal(t, domain.MatchCompleted, final.Status)
	assert.Equal(t, domain.ReasonDurationElapsed, final.Reason)
	assert.Equal(t, int64(30), final.TicksElapsed)
	assert.NotEmpty(t, final.WinnerID)
	require.NotNil(t, final.EndedAt)

	require.Len(t, h.rec.deltas, 31)
	for i, d := range h.rec.deltas[:30] {
		assert.Equal(t, domain.DeltaTick, d.Kind)
		assert.Equal(t, int64(i+1), d.TickIndex, "tick index must advance by exactly 1")
	}
	last := h.rec.deltas[30]
	assert.Equal(t, domain.DeltaTerminal, last.Kind)
	assert.Equal(t, domain.MatchCompleted, last.Leaderboard.Status)
	assert.Equal(t, final.WinnerID, last.WinnerID)

	require.Len(t, h.rec.matches, 1)
	assert.Equal(t, domain.MatchCompleted, h.rec.matches[0].Status)

	select {
	case <-h.machine.Done():
	default:
		t.Fatal("Done must be closed after Run returns")
	}
}

func TestRun_FeedFailuresCancelMatch(t *testing.T) {
	h := newHarness(t, domain.ModeTesting, time.Second, 10*time.Second, match.Config{FeedFaultThreshold: 5},
		map[string]sandbox.StrategyFunc{"buyer": buyEveryTick}, []string{"buyer"})
	h.feed.failAll = true

	final := h.machine.Run(context.Background())

	assert.Equal(t, domain.MatchCancelled, final.Status)
	assert.Equal(t, domain.ReasonDataFeedUnavailable, final.Reason)
	assert.Equal(t, int64(5), h.feed.calls.Load())
	assert.Equal(t, int64(0), final.TicksElapsed)
	assert.Empty(t, final.WinnerID)
	require.Len(t, h.rec.deltas, 1, "only the terminal delta; no further ticks")
	assert.Equal(t, domain.DeltaTerminal, h.rec.deltas[0].Kind)
}

func TestRun_FeedRecoversWithinThreshold(t *testing.T) {
	h := newHarness(t, domain.ModeTesting, time.Second, 3*time.Second, match.Config{FeedFaultThreshold: 5},
		map[string]sandbox.StrategyFunc{"buyer": buyEveryTick}, []string{"buyer"})
	h.feed.failFirst = 4

	final := h.machine.Run(context.Background())
	assert.Equal(t, domain.MatchCompleted, final.Status)
	assert.Equal(t, int64(3), final.TicksElapsed)
}

func TestRun_TimeoutFaultCountedOnce(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int64
	slowOnce := func(in sandbox.Input) ([]domain.Intent, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil, nil
	}

	h := newHarness(t, domain.ModeTesting, time.Second, 5*time.Second, match.Config{},
		map[string]sandbox.StrategyFunc{"slow": slowOnce, "buyer": buyEveryTick}, []string{"slow", "buyer"})

	final := h.machine.Run(context.Background())
	require.Equal(t, domain.MatchCompleted, final.Status)

	slow := final.Participants[0]
	assert.Equal(t, 1, slow.FaultCount)
	assert.Equal(t, 5, slow.TicksEvaluated)
	assert.Equal(t, domain.ParticipantActive, slow.Status)

	buyer := final.Participants[1]
	assert.Equal(t, 0, buyer.FaultCount)
	assert.Equal(t, 5, buyer.Trades)

	first := h.rec.deltas[0]
	require.Len(t, first.Faults, 1)
	assert.Equal(t, domain.FaultTimeout, first.Faults[0].Kind)
	assert.Equal(t, "p-slow", first.Faults[0].ParticipantID)
}

func TestRun_DisqualifiesOnFaultRate(t *testing.T) {
	h := newHarness(t, domain.ModeTesting, time.Second, 6*time.Second,
		match.Config{MinFaultSamples: 3, FaultRateThreshold: 0.5},
		map[string]sandbox.StrategyFunc{"crash": crash, "buyer": buyEveryTick}, []string{"crash", "buyer"})

	final := h.machine.Run(context.Background())
	require.Equal(t, domain.MatchCompleted, final.Status, "match continues without the disqualified agent")

	bad := final.Participants[0]
	assert.Equal(t, domain.ParticipantDisqualified, bad.Status)
	assert.Equal(t, domain.ReasonFaultRateExceeded, bad.Reason)
	assert.Equal(t, 3, bad.TicksEvaluated)
	assert.Equal(t, 3, bad.FaultCount)
	assert.Equal(t, 6, final.Participants[1].TicksEvaluated)
}

func TestRun_ReplayIsDeterministic(t *testing.T) {
	run := func() []byte {
		h := newHarness(t, domain.ModeTesting, time.Second, 20*time.Second, match.Config{},
			map[string]sandbox.StrategyFunc{"buyer": buyEveryTick, "flip": flipFlop}, []string{"buyer", "flip"})
		h.machine.Run(context.Background())
		out, err := json.Marshal(h.rec.fills)
		require.NoError(t, err)
		return out
	}

	first := run()
	second := run()
	assert.JSONEq(t, string(first), string(second))
}

func TestRun_ForwardsOnlyInProduction(t *testing.T) {
	strategies := map[string]sandbox.StrategyFunc{"buyer": buyEveryTick}

	prod := newHarness(t, domain.ModeProduction, time.Second, 3*time.Second, match.Config{}, strategies, []string{"buyer"})
	prod.machine.Run(context.Background())
	assert.Len(t, prod.gateway.fills, 3)

	demo := newHarness(t, domain.ModeDemo, time.Second, 3*time.Second, match.Config{}, strategies, []string{"buyer"})
	demo.machine.Run(context.Background())
	assert.Empty(t, demo.gateway.fills)
}

func TestRun_CancelObservedBetweenTicks(t *testing.T) {
	h := newHarness(t, domain.ModeTesting, 10*time.Millisecond, time.Hour, match.Config{Pace: true},
		map[string]sandbox.StrategyFunc{"buyer": buyEveryTick}, []string{"buyer"})

	done := make(chan domain.Match, 1)
	go func() { done <- h.machine.Run(context.Background()) }()

	require.Eventually(t, func() bool { return h.machine.Snapshot().TicksElapsed >= 3 }, 2*time.Second, 5*time.Millisecond)
	h.machine.Cancel(domain.ReasonCancelled)

	var final domain.Match
	select {
	case final = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop after cancel")
	}
	assert.Equal(t, domain.MatchCancelled, final.Status)
	assert.Equal(t, domain.ReasonCancelled, final.Reason)

	// Every evaluated tick was fully applied: one fill per tick for this agent.
	p := final.Participants[0]
	assert.Equal(t, int(final.TicksElapsed), p.TicksEvaluated)
	assert.Len(t, p.Ledger.Fills(), int(final.TicksElapsed))
}

func TestRun_ContextCancelIsShutdown(t *testing.T) {
	h := newHarness(t, domain.ModeTesting, 10*time.Millisecond, time.Hour, match.Config{Pace: true},
		map[string]sandbox.StrategyFunc{"buyer": buyEveryTick}, []string{"buyer"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.Match, 1)
	go func() { done <- h.machine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.machine.Snapshot().TicksElapsed >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	final := <-done
	assert.Equal(t, domain.MatchCancelled, final.Status)
	assert.Equal(t, domain.ReasonSchedulerShutdown, final.Reason)
}
