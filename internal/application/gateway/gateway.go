package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

const (
	outcomeApproved = "approved"

	// persistTimeout bounds audit writes. They run on their own deadline so a submission that
	// timed out is still recorded.
	persistTimeout = 5 * time.Second

	DefaultMaxEarlyUpdates = 1024
	DefaultEarlyUpdateTTL  = 5 * time.Minute
)

// Config controls the asynchronous submission pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	SubmitRate    float64 // submissions per second; <= 0 disables the limiter
	SubmitBurst   int
	SubmitTimeout time.Duration

	// Venue updates for unknown external IDs are held until Submit returns the ID.
	// At most MaxEarlyUpdates IDs are held, each for at most EarlyUpdateTTL.
	MaxEarlyUpdates int
	EarlyUpdateTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 1
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.MaxEarlyUpdates <= 0 {
		c.MaxEarlyUpdates = DefaultMaxEarlyUpdates
	}
	if c.EarlyUpdateTTL <= 0 {
		c.EarlyUpdateTTL = DefaultEarlyUpdateTTL
	}
	return c
}

// Decide applies the risk gates in a fixed order. It is pure: the same inputs always give the same answer.
// An empty reason means approved. Zero limits are treated as unlimited.
func Decide(fill domain.Fill, limits domain.RiskLimits, grant domain.Grant, exposure domain.Exposure) domain.DenialReason {
	if grant != domain.GrantActive {
		return domain.DenyNoGrant
	}
	if limits.RiskScoreThreshold.IsPositive() && limits.RiskScore.GreaterThan(limits.RiskScoreThreshold) {
		return domain.DenyRiskScore
	}
	if limits.MaxDailyLoss.IsPositive() {
		loss := exposure.DailyLoss
		if fill.RealizedPnL.IsNegative() {
			loss = loss.Add(fill.RealizedPnL.Neg())
		}
		if loss.GreaterThan(limits.MaxDailyLoss) {
			return domain.DenyDailyLossLimit
		}
	}
	if limits.MaxPositionSize.IsPositive() && fill.Side == domain.SideBuy {
		if fill.PositionAfter.Mul(fill.Price).GreaterThan(limits.MaxPositionSize) {
			return domain.DenyPositionLimit
		}
	}
	return ""
}

type earlyUpdates struct {
	first   time.Time
	updates []domain.ExecutionUpdate
}

type dailyExposure struct {
	day  string
	loss decimal.Decimal
}

// Gateway turns eligible simulated fills into real orders. The tick loop calls Forward and never
// waits on the venue: approved orders are queued and submitted by a bounded worker pool.
type Gateway struct {
	cfg       Config
	risk      ports.RiskService
	submitter ports.ExecutionSubmitter
	sink      ports.EventSink
	metrics   ports.Metrics
	limiter   *rate.Limiter
	now       func() time.Time

	jobs    chan string
	workers conc.WaitGroup

	mu          sync.Mutex
	closed      bool
	orders      map[string]*domain.ExecutionOrder // by order ID
	byExternal  map[string]string                 // external ID → order ID
	early       map[string]*earlyUpdates          // by external ID
	exposure    map[string]dailyExposure
	onReconcile func(domain.Reconciliation)
}

// New creates a Gateway and starts its submission workers.
func New(cfg Config, risk ports.RiskService, submitter ports.ExecutionSubmitter, sink ports.EventSink, metrics ports.Metrics) *Gateway {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = ports.NopSink{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}
	g := &Gateway{
		cfg:        cfg,
		risk:       risk,
		submitter:  submitter,
		sink:       sink,
		metrics:    metrics,
		limiter:    rate.NewLimiter(limit, cfg.SubmitBurst),
		now:        time.Now,
		jobs:       make(chan string, cfg.QueueSize),
		orders:     make(map[string]*domain.ExecutionOrder),
		byExternal: make(map[string]string),
		early:      make(map[string]*earlyUpdates),
		exposure:   make(map[string]dailyExposure),
	}
	for i := 0; i < cfg.Workers; i++ {
		g.workers.Go(g.worker)
	}
	return g
}

// OnReconciliation registers the callback invoked for every divergence between a real order and its fill.
func (g *Gateway) OnReconciliation(fn func(domain.Reconciliation)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onReconcile = fn
}

// Forward evaluates one executed fill. It returns either the pending order or the denial.
// The error is non-nil only when the risk service itself could not be consulted; the fill is then not forwarded.
func (g *Gateway) Forward(ctx context.Context, fill domain.Fill, p domain.Participant) (domain.ExecutionOrder, *domain.Denial, error) {
	if !fill.Executed() {
		return domain.ExecutionOrder{}, nil, nil
	}

	grant := domain.GrantRevoked
	if p.ExecutionEnabled {
		var err error
		grant, err = g.risk.ExecutionGrant(ctx, p.AccountID)
		if err != nil {
			return domain.ExecutionOrder{}, nil, fmt.Errorf("gateway.Forward: grant %s: %w", p.AccountID, err)
		}
	}

	var limits domain.RiskLimits
	if grant == domain.GrantActive {
		var err error
		limits, err = g.risk.RiskLimits(ctx, p.AccountID)
		if err != nil {
			return domain.ExecutionOrder{}, nil, fmt.Errorf("gateway.Forward: limits %s: %w", p.AccountID, err)
		}
	}

	now := g.now()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return domain.ExecutionOrder{}, nil, errors.New("gateway.Forward: gateway closed")
	}
	reason := Decide(fill, limits, grant, g.exposureLocked(p.AccountID, now))
	if reason != "" {
		g.mu.Unlock()
		denial := domain.Denial{
			FillKey:       fill.Key(),
			MatchID:       fill.MatchID,
			ParticipantID: fill.ParticipantID,
			AccountID:     p.AccountID,
			Reason:        reason,
			At:            now,
		}
		g.metrics.GatewayDecision(string(reason))
		if err := g.sink.RecordDenial(ctx, denial); err != nil {
			slog.Warn("gateway: error recording denial", "fill", denial.FillKey, "err", err)
		}
		slog.Info("gateway: fill denied", "match_id", fill.MatchID, "participant_id", fill.ParticipantID,
			"fill", denial.FillKey, "reason", reason)
		return domain.ExecutionOrder{}, &denial, nil
	}

	g.addLossLocked(p.AccountID, fill, now)
	order := domain.NewExecutionOrder(uuid.NewString(), fill, p.AccountID, now)
	stored := order
	g.orders[order.ID] = &stored

	queued := true
	select {
	case g.jobs <- order.ID:
	default:
		queued = false
	}
	g.mu.Unlock()

	g.metrics.GatewayDecision(outcomeApproved)
	g.record(ctx, order)

	if !queued {
		slog.Warn("gateway: submission queue full", "order", order.ID, "fill", order.FillKey)
		g.finish(ctx, order.ID, domain.ExecFailed, "submission queue full", nil)
	}
	return order, nil, nil
}

// Run consumes status updates from the submitter until ctx is done or the channel closes.
func (g *Gateway) Run(ctx context.Context) {
	updates := g.submitter.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			g.apply(ctx, upd)
		}
	}
}

// Close stops accepting fills and waits for queued submissions to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.jobs)
	g.mu.Unlock()
	g.workers.Wait()
}

// Order returns a copy of a tracked order.
func (g *Gateway) Order(id string) (domain.ExecutionOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return domain.ExecutionOrder{}, false
	}
	return *o, true
}

// Exposure returns the account's loss accumulated today through approved fills.
func (g *Gateway) Exposure(accountID string) domain.Exposure {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exposureLocked(accountID, g.now())
}

func (g *Gateway) exposureLocked(accountID string, now time.Time) domain.Exposure {
	e, ok := g.exposure[accountID]
	if !ok || e.day != day(now) {
		return domain.Exposure{DailyLoss: decimal.Zero}
	}
	return domain.Exposure{DailyLoss: e.loss}
}

func (g *Gateway) addLossLocked(accountID string, fill domain.Fill, now time.Time) {
	if !fill.RealizedPnL.IsNegative() {
		return
	}
	e := g.exposure[accountID]
	if e.day != day(now) {
		e = dailyExposure{day: day(now), loss: decimal.Zero}
	}
	e.loss = e.loss.Add(fill.RealizedPnL.Neg())
	g.exposure[accountID] = e
}

func day(t time.Time) string { return t.UTC().Format(time.DateOnly) }

func (g *Gateway) worker() {
	for id := range g.jobs {
		g.submit(id)
	}
}

func (g *Gateway) submit(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SubmitTimeout)
	defer cancel()

	order, ok := g.Order(id)
	if !ok {
		return
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.finish(ctx, id, domain.ExecFailed, "rate limiter: "+err.Error(), nil)
		return
	}

	externalID, err := g.submitter.Submit(ctx, order)
	if err != nil {
		status := domain.ExecFailed
		if errors.Is(err, domain.ErrOrderRejected) {
			status = domain.ExecRejected
		}
		slog.Warn("gateway: submission failed", "order", id, "fill", order.FillKey, "status", status, "err", err)
		g.finish(ctx, id, status, err.Error(), nil)
		return
	}

	g.mu.Lock()
	o := g.orders[id]
	o.ExternalID = externalID
	if err := o.Transition(domain.ExecSubmitted, "", g.now()); err != nil {
		slog.Warn("gateway: unexpected transition", "order", id, "err", err)
	}
	g.byExternal[externalID] = id
	snapshot := *o
	var pending []domain.ExecutionUpdate
	if held, ok := g.early[externalID]; ok {
		pending = held.updates
		delete(g.early, externalID)
	}
	g.mu.Unlock()

	g.record(ctx, snapshot)
	slog.Debug("gateway: order submitted", "order", id, "external_id", externalID)

	for _, upd := range pending {
		g.apply(ctx, upd)
	}
}

// apply moves an order along its lifecycle from a venue update. Updates that arrive before
// Submit has returned the external ID are held until it does.
func (g *Gateway) apply(ctx context.Context, upd domain.ExecutionUpdate) {
	g.mu.Lock()
	id, ok := g.byExternal[upd.ExternalID]
	if !ok {
		held := g.holdLocked(upd)
		g.mu.Unlock()
		if !held {
			slog.Warn("gateway: dropping update for unknown order", "external_id", upd.ExternalID, "status", upd.Status)
		}
		return
	}
	g.mu.Unlock()

	g.finish(ctx, id, upd.Status, upd.Reason, &upd)
}

// holdLocked parks an update for an external ID that has not been returned by Submit yet.
// Expired entries are evicted first; when the buffer is still full the update is dropped.
func (g *Gateway) holdLocked(upd domain.ExecutionUpdate) bool {
	if held, ok := g.early[upd.ExternalID]; ok {
		held.updates = append(held.updates, upd)
		return true
	}
	now := g.now()
	if len(g.early) >= g.cfg.MaxEarlyUpdates {
		for ext, held := range g.early {
			if now.Sub(held.first) >= g.cfg.EarlyUpdateTTL {
				delete(g.early, ext)
			}
		}
	}
	if len(g.early) >= g.cfg.MaxEarlyUpdates {
		return false
	}
	g.early[upd.ExternalID] = &earlyUpdates{first: now, updates: []domain.ExecutionUpdate{upd}}
	return true
}

// HeldUpdates returns how many external IDs have updates waiting for their order.
func (g *Gateway) HeldUpdates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.early)
}

// finish transitions an order, persists it and emits a reconciliation when the outcome diverges
// from the simulated fill. The fill itself is never touched.
func (g *Gateway) finish(ctx context.Context, id string, status domain.ExecutionStatus, reason string, upd *domain.ExecutionUpdate) {
	ctx, cancel := persistContext(ctx)
	defer cancel()
	now := g.now()

	g.mu.Lock()
	o, ok := g.orders[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	if err := o.Transition(status, reason, now); err != nil {
		g.mu.Unlock()
		slog.Warn("gateway: ignoring update", "order", id, "err", err)
		return
	}
	if upd != nil {
		o.FilledSize = upd.FilledSize
		o.FilledPrice = upd.FilledPrice
	}
	snapshot := *o
	callback := g.onReconcile
	g.mu.Unlock()

	g.record(ctx, snapshot)
	if !snapshot.Status.Terminal() || !snapshot.Diverges() {
		return
	}

	rec := domain.NewReconciliation(snapshot, now)
	if err := g.sink.RecordReconciliation(ctx, rec); err != nil {
		slog.Warn("gateway: error recording reconciliation", "order", id, "err", err)
	}
	slog.Warn("gateway: real order diverged from simulated fill",
		"match_id", rec.MatchID,
		"participant_id", rec.ParticipantID,
		"fill", rec.FillKey,
		"status", rec.Status,
		"sim_size", rec.SimSize,
		"real_size", rec.RealSize,
		"reason", rec.Reason,
	)
	if callback != nil {
		callback(rec)
	}
}

func (g *Gateway) record(ctx context.Context, o domain.ExecutionOrder) {
	ctx, cancel := persistContext(ctx)
	defer cancel()
	if err := g.sink.RecordExecutionOrder(ctx, o); err != nil {
		slog.Warn("gateway: error recording order", "order", o.ID, "status", o.Status, "err", err)
	}
}

// persistContext keeps ctx values but not its deadline or cancellation.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
