// Package execution holds the ExecutionSubmitter implementations.
package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/internal/domain"
)

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	ConfirmDelay time.Duration
	MaxNotional  decimal.Decimal // orders above it are rejected; zero means no cap
	Buffer       int
}

// Paper is a simulated execution venue: every accepted order is confirmed in full
// after ConfirmDelay at the order's own price.
type Paper struct {
	cfg     PaperConfig
	seq     atomic.Int64
	updates chan domain.ExecutionUpdate
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	stop    chan struct{}
}

// NewPaper creates the venue.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Paper{
		cfg:     cfg,
		updates: make(chan domain.ExecutionUpdate, cfg.Buffer),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Submit implements ports.ExecutionSubmitter.
func (p *Paper) Submit(ctx context.Context, order domain.ExecutionOrder) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("execution.Paper: %w", err)
	}
	notional := order.Size.Mul(order.Price)
	if p.cfg.MaxNotional.IsPositive() && notional.GreaterThan(p.cfg.MaxNotional) {
		return "", fmt.Errorf("execution.Paper: notional %s above cap %s: %w", notional, p.cfg.MaxNotional, domain.ErrOrderRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("execution.Paper: venue closed")
	}
	id := "paper-" + strconv.FormatInt(p.seq.Add(1), 10)
	upd := domain.ExecutionUpdate{
		ExternalID:  id,
		Status:      domain.ExecConfirmed,
		FilledSize:  order.Size,
		FilledPrice: order.Price,
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		t := time.NewTimer(p.cfg.ConfirmDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-p.stop:
			return
		}
		upd.At = p.now()
		select {
		case p.updates <- upd:
		case <-p.stop:
		}
	}()
	return id, nil
}

// Updates implements ports.ExecutionSubmitter.
func (p *Paper) Updates() <-chan domain.ExecutionUpdate { return p.updates }

// Close drops unconfirmed orders and closes the update stream.
func (p *Paper) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()
	p.pending.Wait()
	close(p.updates)
}
