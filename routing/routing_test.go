package routing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-router/keyrouter/cost"
	"github.com/llm-router/keyrouter/crypto"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/keymanager"
	"github.com/llm-router/keyrouter/providers"
	"github.com/llm-router/keyrouter/providers/mock"
	"github.com/llm-router/keyrouter/quota"
	"github.com/llm-router/keyrouter/store"
)

func testAdapter(t *testing.T) providers.Adapter {
	t.Helper()
	client := mock.NewClient(&providers.ProviderConfig{Model: "mock-model"})
	client.SetResponses("ok")
	return providers.NewClientAdapter("mock", client, providers.Capabilities{Models: []string{"mock-model"}}, nil, nil)
}

func testKeyManager(t *testing.T) (*keymanager.Manager, store.Store) {
	t.Helper()
	envelope, err := crypto.NewEnvelopeService([]byte("01234567890123456789012345678901"))
	require.NoError(t, err)
	st := store.NewMemoryStore(store.DefaultHistoryCap, nil)
	return keymanager.New(st, envelope), st
}

func TestRouteRequestSelectsAKeyAndRecordsDecision(t *testing.T) {
	km, st := testKeyManager(t)
	ctx := context.Background()

	_, err := km.RegisterKey(ctx, "sk-test-material-1234", "mock", nil)
	require.NoError(t, err)
	_, err = km.RegisterKey(ctx, "sk-test-material-5678", "mock", nil)
	require.NoError(t, err)

	engine := New(st, km)
	intent := domain.Intent{Model: "mock-model", ProviderID: "mock", Messages: []domain.Message{{Role: "user", Content: "hi"}}}

	decision, err := engine.RouteRequest(ctx, "req-1", intent, &domain.RoutingObjective{Primary: domain.ObjectiveFairness}, testAdapter(t))
	require.NoError(t, err)
	assert.NotEmpty(t, decision.SelectedKeyID)
	assert.Len(t, decision.EligibleKeys, 2)
}

func TestRouteRequestFailsWhenNoEligibleKeys(t *testing.T) {
	km, st := testKeyManager(t)
	engine := New(st, km)

	_, err := engine.RouteRequest(context.Background(), "req-1", domain.Intent{ProviderID: "mock"}, nil, testAdapter(t))
	assert.Error(t, err)
}

func TestRouteRequestExcludesQuotaExhaustedKeys(t *testing.T) {
	km, st := testKeyManager(t)
	ctx := context.Background()

	k1, err := km.RegisterKey(ctx, "sk-test-material-1234", "mock", nil)
	require.NoError(t, err)
	_, err = km.RegisterKey(ctx, "sk-test-material-5678", "mock", nil)
	require.NoError(t, err)

	q := quota.New(st)
	total := domain.Exact(1000, "configured")
	_, err = q.SetCapacity(ctx, k1.ID, total, domain.Exact(0, "configured"), domain.WindowDaily, time.Now().Add(24*time.Hour))
	require.NoError(t, err)

	engine := New(st, km, WithQuotaEngine(q))
	intent := domain.Intent{Model: "mock-model", ProviderID: "mock"}

	decision, err := engine.RouteRequest(ctx, "req-1", intent, &domain.RoutingObjective{Primary: domain.ObjectiveFairness}, testAdapter(t))
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID, decision.SelectedKeyID)
}

func TestRouteRequestAppliesQuotaMultipliers(t *testing.T) {
	km, st := testKeyManager(t)
	ctx := context.Background()

	abundant, err := km.RegisterKey(ctx, "sk-test-material-1234", "mock", nil)
	require.NoError(t, err)
	critical, err := km.RegisterKey(ctx, "sk-test-material-5678", "mock", nil)
	require.NoError(t, err)

	q := quota.New(st)
	_, err = q.SetCapacity(ctx, abundant.ID, domain.Exact(1000, "configured"), domain.Exact(900, "configured"), domain.WindowDaily, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	_, err = q.SetCapacity(ctx, critical.ID, domain.Exact(1000, "configured"), domain.Exact(300, "configured"), domain.WindowDaily, time.Now().Add(24*time.Hour))
	require.NoError(t, err)

	engine := New(st, km, WithQuotaEngine(q))
	intent := domain.Intent{Model: "mock-model", ProviderID: "mock"}

	decision, err := engine.RouteRequest(ctx, "req-1", intent, &domain.RoutingObjective{Primary: domain.ObjectiveFairness}, testAdapter(t))
	require.NoError(t, err)
	assert.Equal(t, abundant.ID, decision.SelectedKeyID)
	assert.Greater(t, decision.Scores[abundant.ID], decision.Scores[critical.ID])
}

func TestRouteRequestDropsKeyExceedingHardBudget(t *testing.T) {
	km, st := testKeyManager(t)
	ctx := context.Background()

	expensive, err := km.RegisterKey(ctx, "sk-test-material-1234", "mock", nil)
	require.NoError(t, err)
	cheap, err := km.RegisterKey(ctx, "sk-test-material-5678", "mock", nil)
	require.NoError(t, err)

	c := cost.New(st)
	_, err = c.CreateBudget(ctx, domain.ScopePerKey, expensive.ID, decimal.NewFromFloat(0.01), "USD", domain.WindowMonthly, 0, domain.EnforcementHard, 0.8)
	require.NoError(t, err)

	engine := New(st, km, WithCostController(c))
	intent := domain.Intent{Model: "mock-model", ProviderID: "mock", Messages: []domain.Message{{Role: "user", Content: "hi"}}}
	adapter := providers.NewClientAdapter("mock", mock.NewClient(&providers.ProviderConfig{Model: "mock-model"}), providers.Capabilities{Models: []string{"mock-model"}}, providers.PricingTable{
		"mock-model": {InputPer1K: 100, OutputPer1K: 100},
	}, nil)

	decision, err := engine.RouteRequest(ctx, "req-1", intent, &domain.RoutingObjective{Primary: domain.ObjectiveFairness}, adapter)
	require.NoError(t, err)
	assert.Equal(t, cheap.ID, decision.SelectedKeyID)
	assert.NotContains(t, decision.EligibleKeys, expensive.ID)
}

func TestSelectKeyTieBreaksByFailureCountThenID(t *testing.T) {
	keys := []*domain.Key{
		{ID: "b", FailureCount: 2},
		{ID: "a", FailureCount: 1},
		{ID: "c", FailureCount: 1},
	}
	scores := map[string]float64{"a": 0.5, "b": 0.5, "c": 0.5}

	winner, _ := SelectKey(scores, keys)
	assert.Equal(t, "a", winner)
}

func TestCostStrategyPrefersCheaperKey(t *testing.T) {
	keys := []*domain.Key{{ID: "k1"}}
	strategy := CostStrategy{}
	scores := strategy.ScoreKeys(keys, domain.Intent{}, testAdapter(t), nil)
	assert.Equal(t, 1.0, scores["k1"])
}
