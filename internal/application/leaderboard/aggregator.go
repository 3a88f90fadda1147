package leaderboard

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// shard holds one match's leaderboard. Matches never contend on each other's lock.
type shard struct {
	mu   sync.RWMutex
	snap domain.LeaderboardSnapshot
}

// Aggregator keeps the latest leaderboard of every match.
type Aggregator struct {
	mu     sync.RWMutex
	shards map[string]*shard
	now    func() time.Time
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{shards: make(map[string]*shard), now: time.Now}
}

func (a *Aggregator) shard(matchID string, create bool) *shard {
	a.mu.RLock()
	s, ok := a.shards[matchID]
	a.mu.RUnlock()
	if ok || !create {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.shards[matchID]; !ok {
		s = &shard{snap: domain.LeaderboardSnapshot{MatchID: matchID, Status: domain.MatchRunning}}
		a.shards[matchID] = s
	}
	return s
}

// Update recomputes the standings of a match from its participants marked at the tick's prices.
func (a *Aggregator) Update(matchID string, tick domain.Tick, participants []domain.Participant) domain.LeaderboardSnapshot {
	marks := tick.Marks()
	standings := make([]domain.Standing, len(participants))
	for i, p := range participants {
		standings[i] = standing(p, marks)
	}
	Rank(standings)

	s := a.shard(matchID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.TickIndex = tick.Index
	s.snap.Standings = standings
	s.snap.UpdatedAt = a.now()
	return s.snap.Clone()
}

// SetTerminal stamps the final status and reason onto the match's last leaderboard.
func (a *Aggregator) SetTerminal(matchID string, status domain.MatchStatus, reason string) domain.LeaderboardSnapshot {
	s := a.shard(matchID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Status = status
	s.snap.Reason = reason
	s.snap.UpdatedAt = a.now()
	return s.snap.Clone()
}

// Seed publishes a zero-tick leaderboard so a just-started match is queryable before its first tick.
func (a *Aggregator) Seed(matchID string, participants []domain.Participant) domain.LeaderboardSnapshot {
	built := Build(matchID, domain.MatchRunning, participants)

	s := a.shard(matchID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Standings = built.Standings
	s.snap.UpdatedAt = a.now()
	return s.snap.Clone()
}

// Snapshot returns an immutable copy of the latest leaderboard.
func (a *Aggregator) Snapshot(matchID string) (domain.LeaderboardSnapshot, error) {
	s := a.shard(matchID, false)
	if s == nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("leaderboard.Snapshot: %s: %w", matchID, domain.ErrMatchNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone(), nil
}

// Drop forgets a match.
func (a *Aggregator) Drop(matchID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.shards, matchID)
}

func standing(p domain.Participant, marks map[string]decimal.Decimal) domain.Standing {
	snap := p.Ledger.Snapshot()
	unrealized := snap.Unrealized(marks)
	total := snap.RealizedPnL.Add(unrealized)

	ret := decimal.Zero
	if snap.StartingBalance.IsPositive() {
		ret = total.Div(snap.StartingBalance).Mul(hundred).Round(4)
	}

	return domain.Standing{
		ParticipantID: p.ID,
		AgentID:       p.AgentID,
		AccountID:     p.AccountID,
		JoinSeq:       p.JoinSeq,
		JoinedAt:      p.JoinedAt,
		Cash:          snap.Cash,
		Equity:        snap.Equity(marks),
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: unrealized,
		TotalPnL:      total,
		ReturnPct:     ret,
		Wins:          p.Wins,
		Losses:        p.Losses,
		Trades:        p.Trades,
		Faults:        p.FaultCount,
		Status:        p.Status,
		Reason:        p.Reason,
	}
}

// Rank sorts standings by total PnL descending, then earliest join time, then join sequence,
// and assigns ranks 1..n. Join sequences are unique within a match, so the order is total.
func Rank(standings []domain.Standing) {
	slices.SortFunc(standings, compare)
	for i := range standings {
		standings[i].Rank = i + 1
	}
}

func compare(a, b domain.Standing) int {
	if c := b.TotalPnL.Cmp(a.TotalPnL); c != 0 {
		return c
	}
	if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
		return c
	}
	switch {
	case a.JoinSeq < b.JoinSeq:
		return -1
	case a.JoinSeq > b.JoinSeq:
		return 1
	}
	return 0
}

// Build ranks participants without storing anything. Used for matches that have not started.
func Build(matchID string, status domain.MatchStatus, participants []domain.Participant) domain.LeaderboardSnapshot {
	standings := make([]domain.Standing, len(participants))
	for i, p := range participants {
		standings[i] = standing(p, nil)
	}
	Rank(standings)
	return domain.LeaderboardSnapshot{MatchID: matchID, Status: status, Standings: standings}
}
