package store

import (
	"context"
	"testing"
	"time"

	"github.com/llm-router/keyrouter/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSaveGetKeyRoundTrip(t *testing.T) {
	s := NewMemoryStore(DefaultHistoryCap, nil)
	ctx := context.Background()

	k := &domain.Key{ID: "k1", ProviderID: "openai", State: domain.KeyAvailable, CreatedAt: time.Now()}
	require.NoError(t, s.SaveKey(ctx, k))

	got, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, k.ProviderID, got.ProviderID)
}

func TestMemoryStoreGetKeyNotFound(t *testing.T) {
	s := NewMemoryStore(DefaultHistoryCap, nil)
	_, err := s.GetKey(context.Background(), "missing")
	assert.Error(t, err)
}

func TestMemoryStoreListKeysFiltersByProvider(t *testing.T) {
	s := NewMemoryStore(DefaultHistoryCap, nil)
	ctx := context.Background()
	require.NoError(t, s.SaveKey(ctx, &domain.Key{ID: "k1", ProviderID: "openai"}))
	require.NoError(t, s.SaveKey(ctx, &domain.Key{ID: "k2", ProviderID: "anthropic"}))

	keys, err := s.ListKeys(ctx, "openai")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, "k1", keys[0].ID)
}

func TestMemoryStoreDecisionsCapIsFIFO(t *testing.T) {
	s := NewMemoryStore(2, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveRoutingDecision(ctx, &domain.RoutingDecision{ID: string(rune('a' + i))}))
	}

	results, err := s.QueryState(ctx, Query{EntityType: EntityRoutingDecision})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMemoryStoreKeyCloneIsolation(t *testing.T) {
	s := NewMemoryStore(DefaultHistoryCap, nil)
	ctx := context.Background()
	k := &domain.Key{ID: "k1", ProviderID: "openai"}
	require.NoError(t, s.SaveKey(ctx, k))

	got, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	got.ProviderID = "mutated"

	got2, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "openai", got2.ProviderID)
}

func TestMemoryStoreBudgetCRUD(t *testing.T) {
	s := NewMemoryStore(DefaultHistoryCap, nil)
	ctx := context.Background()
	b := &domain.Budget{ID: "b1", Scope: domain.ScopeGlobal}
	require.NoError(t, s.SaveBudget(ctx, b))

	got, err := s.GetBudget(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)

	require.NoError(t, s.DeleteBudget(ctx, "b1"))
	_, err = s.GetBudget(ctx, "b1")
	assert.Error(t, err)
}
