package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-router/keyrouter/crypto"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/keymanager"
	"github.com/llm-router/keyrouter/providers"
	"github.com/llm-router/keyrouter/providers/mock"
	"github.com/llm-router/keyrouter/routing"
	"github.com/llm-router/keyrouter/store"
)

func testSetup(t *testing.T) (*routing.Engine, *keymanager.Manager, store.Store) {
	t.Helper()
	envelope, err := crypto.NewEnvelopeService([]byte("01234567890123456789012345678901"))
	require.NoError(t, err)
	st := store.NewMemoryStore(store.DefaultHistoryCap, nil)
	km := keymanager.New(st, envelope)
	routingEngine := routing.New(st, km)
	return routingEngine, km, st
}

func TestRouteSucceedsAndAnnotatesResponse(t *testing.T) {
	routingEngine, km, st := testSetup(t)
	ctx := context.Background()

	_, err := km.RegisterKey(ctx, "sk-test-material-1234", "mock", nil)
	require.NoError(t, err)

	client := mock.NewClient(&providers.ProviderConfig{Model: "mock-model"})
	client.SetResponses("hello")
	adapter := providers.NewClientAdapter("mock", client, providers.Capabilities{Models: []string{"mock-model"}}, nil, nil)

	o := New(routingEngine, km, map[string]providers.Adapter{"mock": adapter})

	intent := domain.Intent{Model: "mock-model", ProviderID: "mock", Messages: []domain.Message{{Role: "user", Content: "hi"}}}
	resp, err := o.Route(ctx, intent, &domain.RoutingObjective{Primary: domain.ObjectiveFairness})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.KeyUsed)

	got, err := km.GetKey(ctx, resp.KeyUsed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
	_ = st
}

func TestRouteFailsOverToAlternativeKeyOnRetryableError(t *testing.T) {
	routingEngine, km, st := testSetup(t)
	ctx := context.Background()

	_, err := km.RegisterKey(ctx, "sk-test-material-1234", "mock", nil)
	require.NoError(t, err)
	_, err = km.RegisterKey(ctx, "sk-test-material-5678", "mock", nil)
	require.NoError(t, err)

	client := mock.NewClient(&providers.ProviderConfig{Model: "mock-model"})
	client.SetError(errors.New("mock API error: rate limit exceeded"))
	adapter := providers.NewClientAdapter("mock", client, providers.Capabilities{Models: []string{"mock-model"}}, nil, nil)

	o := New(routingEngine, km, map[string]providers.Adapter{"mock": adapter})

	intent := domain.Intent{Model: "mock-model", ProviderID: "mock", Messages: []domain.Message{{Role: "user", Content: "hi"}}}
	_, err = o.Route(ctx, intent, &domain.RoutingObjective{Primary: domain.ObjectiveFairness})
	require.Error(t, err)
	_ = st
}

func TestRouteReturnsErrorWhenNoAdapterRegistered(t *testing.T) {
	routingEngine, km, _ := testSetup(t)
	o := New(routingEngine, km, map[string]providers.Adapter{})

	_, err := o.Route(context.Background(), domain.Intent{ProviderID: "openai"}, nil)
	assert.Error(t, err)
}
