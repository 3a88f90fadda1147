// Package risk is a static risk and permission service fed from configuration.
package risk

import (
	"context"
	"sync"

	"github.com/alejandrodnm/arena/internal/domain"
)

// Account is the configured risk profile of one account.
type Account struct {
	ID     string
	Limits domain.RiskLimits
	Grant  domain.Grant
}

// Static answers from an in-memory table. Unknown accounts have no grant and no limits.
// Grants can be flipped at runtime to simulate a revocation.
type Static struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewStatic creates the service.
func NewStatic(accounts ...Account) *Static {
	s := &Static{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		if a.Grant == "" {
			a.Grant = domain.GrantRevoked
		}
		s.accounts[a.ID] = a
	}
	return s
}

// RiskLimits implements ports.RiskService.
func (s *Static) RiskLimits(_ context.Context, accountID string) (domain.RiskLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountID].Limits, nil
}

// ExecutionGrant implements ports.RiskService.
func (s *Static) ExecutionGrant(_ context.Context, accountID string) (domain.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.GrantRevoked, nil
	}
	return a.Grant, nil
}

// Revoke withdraws Execution Power from an account.
func (s *Static) Revoke(accountID string) { s.set(accountID, domain.GrantRevoked) }

// Grant gives Execution Power to an account.
func (s *Static) Grant(accountID string) { s.set(accountID, domain.GrantActive) }

func (s *Static) set(accountID string, g domain.Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[accountID]
	a.ID = accountID
	a.Grant = g
	s.accounts[accountID] = a
}
