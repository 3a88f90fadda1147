package risk_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arena/internal/adapters/risk"
	"github.com/alejandrodnm/arena/internal/domain"
)

func TestStatic_GrantLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := risk.NewStatic(risk.Account{
		ID:     "acct-1",
		Grant:  domain.GrantActive,
		Limits: domain.RiskLimits{MaxDailyLoss: decimal.NewFromInt(500)},
	})

	g, err := svc.ExecutionGrant(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantActive, g)

	svc.Revoke("acct-1")
	g, _ = svc.ExecutionGrant(ctx, "acct-1")
	assert.Equal(t, domain.GrantRevoked, g)

	limits, err := svc.RiskLimits(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "500", limits.MaxDailyLoss.String(), "revocation keeps limits")

	svc.Grant("acct-2")
	g, _ = svc.ExecutionGrant(ctx, "acct-2")
	assert.Equal(t, domain.GrantActive, g)
}

func TestStatic_UnknownAccountHasNoGrant(t *testing.T) {
	svc := risk.NewStatic(risk.Account{ID: "acct-1"})
	for _, id := range []string{"acct-1", "nobody"} {
		g, err := svc.ExecutionGrant(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.GrantRevoked, g)
	}
}
