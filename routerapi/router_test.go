package routerapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/providers"
	_ "github.com/llm-router/keyrouter/providers/mock"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(WithEncryptionKey([]byte("01234567890123456789012345678901")))
	require.NoError(t, err)
	return r
}

func TestNewRequiresEncryptionKey(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestRegisterProviderAndRegisterKeyThenRoute(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	err := r.RegisterProvider("mock", "mock", &providers.ProviderConfig{Model: "mock-model"}, providers.Capabilities{Models: []string{"mock-model"}}, nil)
	require.NoError(t, err)

	_, err = r.RegisterKey(ctx, "sk-test-material-1234", "mock", nil)
	require.NoError(t, err)

	intent := domain.Intent{Model: "mock-model", ProviderID: "mock", Messages: []domain.Message{{Role: "user", Content: "hi"}}}
	resp, err := r.Route(ctx, intent, &domain.RoutingObjective{Primary: domain.ObjectiveFairness})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.KeyUsed)
}

func TestRouteFailsWhenProviderNotRegistered(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Route(context.Background(), domain.Intent{ProviderID: "unregistered"}, nil)
	assert.Error(t, err)
}

func TestStartAndCloseRecoveryTask(t *testing.T) {
	r := newTestRouter(t)
	r.recoveryInterval = 1
	r.Start(context.Background())
	require.NoError(t, r.Close(context.Background()))
}
