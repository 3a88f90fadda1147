package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alejandrodnm/arena/internal/domain"
)

// Strategy is an in-process agent. It must be a pure function of its input.
type Strategy interface {
	Decide(in Input) ([]domain.Intent, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(in Input) ([]domain.Intent, error)

func (f StrategyFunc) Decide(in Input) ([]domain.Intent, error) { return f(in) }

// Factory builds a strategy from the agent's parameters.
type Factory func(params map[string]string) (Strategy, error)

// BuiltinRuntime runs registered strategies on a goroutine owned by the sandbox.
// A strategy that overruns cannot be killed; the sandbox abandons it and reports a timeout.
type BuiltinRuntime struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewBuiltinRuntime() *BuiltinRuntime {
	return &BuiltinRuntime{factories: make(map[string]Factory)}
}

// Register adds a strategy under name, replacing any previous one.
func (r *BuiltinRuntime) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered strategies in sorted order.
func (r *BuiltinRuntime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *BuiltinRuntime) Invoke(_ context.Context, agent domain.AgentHandle, in Input) ([]domain.Intent, error) {
	r.mu.RLock()
	factory, ok := r.factories[agent.Entry]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("builtin runtime: unknown strategy %q", agent.Entry)
	}
	s, err := factory(agent.Params)
	if err != nil {
		return nil, fmt.Errorf("builtin runtime: build %q: %w", agent.Entry, err)
	}
	return s.Decide(in)
}
