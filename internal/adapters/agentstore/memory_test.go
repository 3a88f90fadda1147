package agentstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arena/internal/adapters/agentstore"
	"github.com/alejandrodnm/arena/internal/domain"
)

func TestMemory_FetchReturnsIsolatedCopies(t *testing.T) {
	store := agentstore.NewMemory(domain.AgentHandle{
		ID: "sma", Version: "v1", Runtime: domain.RuntimeBuiltin, Entry: "sma_cross",
		Params: map[string]string{"short": "5"},
	})

	h, err := store.FetchAgent(context.Background(), "sma")
	require.NoError(t, err)
	h.Params["short"] = "99"

	again, err := store.FetchAgent(context.Background(), "sma")
	require.NoError(t, err)
	assert.Equal(t, "5", again.Params["short"])
}

func TestMemory_UnknownAgent(t *testing.T) {
	_, err := agentstore.NewMemory().FetchAgent(context.Background(), "ghost")
	assert.True(t, errors.Is(err, domain.ErrAgentNotFound))
}

func TestMemory_PutValidatesAndReplaces(t *testing.T) {
	store := agentstore.NewMemory()
	assert.Error(t, store.Put(domain.AgentHandle{ID: "x", Entry: "e", Runtime: "wasm"}))
	assert.Error(t, store.Put(domain.AgentHandle{ID: "x", Runtime: domain.RuntimeBuiltin}))

	require.NoError(t, store.Put(domain.AgentHandle{ID: "x", Version: "v1", Entry: "buy_hold", Runtime: domain.RuntimeBuiltin}))
	require.NoError(t, store.Put(domain.AgentHandle{ID: "x", Version: "v2", Entry: "buy_hold", Runtime: domain.RuntimeBuiltin}))

	h, err := store.FetchAgent(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "v2", h.Version)
	assert.Equal(t, []string{"x"}, store.IDs())
}
