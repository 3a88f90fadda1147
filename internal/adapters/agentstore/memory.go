// Package agentstore is an in-memory agent registry.
package agentstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alejandrodnm/arena/internal/domain"
)

// Memory keeps the latest version of every agent. Handles are immutable once stored;
// registering a new version replaces the handle for future joins only.
type Memory struct {
	mu     sync.RWMutex
	agents map[string]domain.AgentHandle
}

// NewMemory creates a registry preloaded with handles.
func NewMemory(handles ...domain.AgentHandle) *Memory {
	m := &Memory{agents: make(map[string]domain.AgentHandle, len(handles))}
	for _, h := range handles {
		m.agents[h.ID] = clone(h)
	}
	return m
}

// Put stores or replaces a handle.
func (m *Memory) Put(h domain.AgentHandle) error {
	if h.ID == "" || h.Entry == "" {
		return fmt.Errorf("agentstore.Put: id and entry required")
	}
	switch h.Runtime {
	case domain.RuntimeBuiltin, domain.RuntimeProcess:
	default:
		return fmt.Errorf("agentstore.Put: %s: unknown runtime %q", h.ID, h.Runtime)
	}
	m.mu.Lock()
	m.agents[h.ID] = clone(h)
	m.mu.Unlock()
	return nil
}

// FetchAgent implements ports.AgentStore.
func (m *Memory) FetchAgent(_ context.Context, agentID string) (domain.AgentHandle, error) {
	m.mu.RLock()
	h, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return domain.AgentHandle{}, fmt.Errorf("agentstore.FetchAgent: %s: %w", agentID, domain.ErrAgentNotFound)
	}
	return clone(h), nil
}

// IDs lists registered agents.
func (m *Memory) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clone(h domain.AgentHandle) domain.AgentHandle {
	h.Args = append([]string(nil), h.Args...)
	if h.Params != nil {
		params := make(map[string]string, len(h.Params))
		for k, v := range h.Params {
			params[k] = v
		}
		h.Params = params
	}
	return h
}
