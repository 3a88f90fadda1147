package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

// DefaultBuffer is the queue length used when a subscriber asks for none.
const DefaultBuffer = 64

// ErrClosed is returned when subscribing to a match whose stream has ended or never opened.
var ErrClosed = errors.New("broadcast: match stream closed")

// Subscription is one consumer's bounded queue of deltas for a single match.
type Subscription struct {
	MatchID string

	ch   chan domain.Delta
	once sync.Once
	mu   sync.Mutex
	err  error
}

// C is closed when the subscription ends. Check Err afterwards.
func (s *Subscription) C() <-chan domain.Delta { return s.ch }

// Err is nil after a normal close and domain.ErrSlowConsumer if the subscriber was dropped.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Broadcaster fans match deltas out to subscribers. Matches are partitioned: a publish locks
// only its own match's hub.
type Broadcaster struct {
	mu      sync.RWMutex
	hubs    map[string]*hub
	metrics ports.Metrics
}

func New(metrics ports.Metrics) *Broadcaster {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Broadcaster{hubs: make(map[string]*hub), metrics: metrics}
}

// Open starts accepting subscriptions for a match. Opening twice is a no-op.
func (b *Broadcaster) Open(matchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.hubs[matchID]; !ok {
		b.hubs[matchID] = &hub{subs: make(map[*Subscription]struct{})}
	}
}

func (b *Broadcaster) hub(matchID string) *hub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hubs[matchID]
}

// Subscribe registers a consumer with a queue of buffer deltas.
func (b *Broadcaster) Subscribe(matchID string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h := b.hub(matchID)
	if h == nil {
		return nil, fmt.Errorf("broadcast.Subscribe: %s: %w", matchID, ErrClosed)
	}
	sub := &Subscription{MatchID: matchID, ch: make(chan domain.Delta, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes and closes a subscription. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if h := b.hub(sub.MatchID); h != nil {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
	sub.close(nil)
}

// Publish delivers delta to every subscriber of the match without blocking.
// A subscriber whose queue is full is dropped with domain.ErrSlowConsumer; others are unaffected.
func (b *Broadcaster) Publish(matchID string, delta domain.Delta) {
	h := b.hub(matchID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- delta:
		default:
			delete(h.subs, sub)
			sub.close(domain.ErrSlowConsumer)
			b.metrics.SubscriberDropped()
			slog.Warn("broadcast: dropped slow subscriber", "match_id", matchID, "tick", delta.TickIndex)
		}
	}
}

// Subscribers returns how many consumers a match currently has.
func (b *Broadcaster) Subscribers(matchID string) int {
	h := b.hub(matchID)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// CloseMatch ends every subscription of a match after its last delta and stops accepting new ones.
func (b *Broadcaster) CloseMatch(matchID string) {
	b.mu.Lock()
	h := b.hubs[matchID]
	delete(b.hubs, matchID)
	b.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.close(nil)
	}
	clear(h.subs)
}
