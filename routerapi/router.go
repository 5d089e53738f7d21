// Package routerapi is the router's single public facade: register
// providers and keys, then call Route. It wires the Key Manager, Quota
// Awareness Engine, Cost Controller, Policy Engine, Routing Engine, and
// Orchestrator together over one State Store (spec section 12's
// ApiKeyRouter facade).
package routerapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/cost"
	"github.com/llm-router/keyrouter/crypto"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/keymanager"
	"github.com/llm-router/keyrouter/orchestrator"
	"github.com/llm-router/keyrouter/policy"
	"github.com/llm-router/keyrouter/providers"
	"github.com/llm-router/keyrouter/quota"
	"github.com/llm-router/keyrouter/routing"
	"github.com/llm-router/keyrouter/store"
)

// DefaultRecoveryInterval is how often the background task invokes
// CheckAndRecoverStates when the caller does not override it.
const DefaultRecoveryInterval = 30 * time.Second

// Router is the top-level facade most embedders need. It owns no adapter
// wire protocol itself; RegisterProvider resolves one from the global
// providers.ProviderRegistry by name.
type Router struct {
	store        store.Store
	keys         *keymanager.Manager
	quota        *quota.Engine
	cost         *cost.Controller
	policy       *policy.Engine
	routing      *routing.Engine
	orchestrator *orchestrator.Orchestrator
	logger       core.Logger
	events       core.EventSink

	adaptersMu sync.RWMutex
	adapters   map[string]providers.Adapter

	recoveryInterval time.Duration
	stopRecovery     chan struct{}
	recoveryDone     chan struct{}
}

// Option configures a Router at construction time.
type Option func(*routerConfig)

type routerConfig struct {
	store            store.Store
	encryptionKey    []byte
	logger           core.Logger
	events           core.EventSink
	telemetry        core.Telemetry
	recoveryInterval time.Duration
}

func WithStore(st store.Store) Option {
	return func(c *routerConfig) { c.store = st }
}

// WithEncryptionKey supplies the master key the Key Manager's envelope
// encryption derives per-key data-encryption keys from. Required.
func WithEncryptionKey(key []byte) Option {
	return func(c *routerConfig) { c.encryptionKey = key }
}

func WithLogger(logger core.Logger) Option {
	return func(c *routerConfig) { c.logger = logger }
}

func WithEventSink(sink core.EventSink) Option {
	return func(c *routerConfig) { c.events = sink }
}

// WithTelemetry attaches a Telemetry so the Orchestrator's Route and each
// adapter attempt are wrapped in a span. Omit to route without tracing.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(c *routerConfig) { c.telemetry = telemetry }
}

// WithRecoveryInterval overrides how often the background task runs
// CheckAndRecoverStates. A non-positive value disables the background
// task entirely; call CheckAndRecoverStates manually instead.
func WithRecoveryInterval(d time.Duration) Option {
	return func(c *routerConfig) { c.recoveryInterval = d }
}

// New builds a Router over an in-memory State Store unless WithStore
// overrides it. The background recovery task is not started until Start
// is called.
func New(opts ...Option) (*Router, error) {
	cfg := &routerConfig{
		logger:           &core.NoOpLogger{},
		events:           core.NoOpEventSink{},
		recoveryInterval: DefaultRecoveryInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.encryptionKey) == 0 {
		return nil, core.NewRouterError("Router.New", core.KindConfigurationError, "", "encryption key is required", core.ErrConfiguration)
	}

	st := cfg.store
	if st == nil {
		st = store.NewMemoryStore(store.DefaultHistoryCap, cfg.logger)
	}

	envelope, err := crypto.NewEnvelopeService(cfg.encryptionKey)
	if err != nil {
		return nil, core.NewRouterError("Router.New", core.KindConfigurationError, "", "failed to initialize envelope encryption", err)
	}

	km := keymanager.New(st, envelope, keymanager.WithLogger(cfg.logger), keymanager.WithEventSink(cfg.events))
	quotaEngine := quota.New(st, quota.WithLogger(cfg.logger), quota.WithEventSink(cfg.events), quota.WithKeyManager(km))
	costController := cost.New(st, cost.WithLogger(cfg.logger), cost.WithEventSink(cfg.events))
	policyEngine := policy.New(st, policy.WithLogger(cfg.logger))

	routingEngine := routing.New(st, km,
		routing.WithPolicyEngine(policyEngine),
		routing.WithQuotaEngine(quotaEngine),
		routing.WithCostController(costController),
		routing.WithLogger(cfg.logger),
		routing.WithEventSink(cfg.events),
	)

	adapters := make(map[string]providers.Adapter)

	orch := orchestrator.New(routingEngine, km, adapters,
		orchestrator.WithQuotaEngine(quotaEngine),
		orchestrator.WithCostController(costController),
		orchestrator.WithLogger(cfg.logger),
		orchestrator.WithEventSink(cfg.events),
		orchestrator.WithTelemetry(cfg.telemetry),
	)

	return &Router{
		store:            st,
		keys:             km,
		quota:            quotaEngine,
		cost:             costController,
		policy:           policyEngine,
		routing:          routingEngine,
		orchestrator:     orch,
		logger:           cfg.logger,
		events:           cfg.events,
		adapters:         adapters,
		recoveryInterval: cfg.recoveryInterval,
	}, nil
}

// RegisterProvider resolves providerType from the global provider
// registry, constructs a client with cfg, wraps it into an Adapter, and
// makes it available to Route calls under providerID.
func (r *Router) RegisterProvider(providerID, providerType string, cfg *providers.ProviderConfig, caps providers.Capabilities, pricing providers.PricingTable) error {
	factory, ok := providers.GetProvider(providerType)
	if !ok {
		return core.NewRouterError("Router.RegisterProvider", core.KindValidationError, providerID, fmt.Sprintf("unknown provider type %q", providerType), core.ErrValidation)
	}

	client := factory.Create(cfg)
	adapter := providers.NewClientAdapter(providerID, client, caps, pricing, r.logger)

	r.adaptersMu.Lock()
	r.adapters[providerID] = adapter
	r.adaptersMu.Unlock()

	r.events.Emit(context.Background(), core.AuditEvent{
		Type:      "provider_registered",
		Payload:   map[string]interface{}{"provider_id": providerID, "provider_type": providerType},
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// RegisterKey registers a new key for a provider (spec section 4.1).
func (r *Router) RegisterKey(ctx context.Context, keyMaterial, providerID string, metadata map[string]interface{}) (*domain.Key, error) {
	return r.keys.RegisterKey(ctx, keyMaterial, providerID, metadata)
}

// CreatePolicy registers a policy (spec section 4.4).
func (r *Router) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	return r.policy.CreatePolicy(ctx, p)
}

// Route is the router's single request-handling operation (spec section
// 4.7): route(intent, objective) -> Response.
func (r *Router) Route(ctx context.Context, intent domain.Intent, objective *domain.RoutingObjective) (domain.Response, error) {
	return r.orchestrator.Route(ctx, intent, objective)
}

// Keys exposes the Key Manager for callers that need direct access (key
// rotation, revocation, state inspection) beyond what Route needs.
func (r *Router) Keys() *keymanager.Manager { return r.keys }

// Quota exposes the Quota Awareness Engine.
func (r *Router) Quota() *quota.Engine { return r.quota }

// Cost exposes the Cost Controller, e.g. for CreateBudget.
func (r *Router) Cost() *cost.Controller { return r.cost }

// Policy exposes the Policy Engine.
func (r *Router) Policy() *policy.Engine { return r.policy }

// Store exposes the backing State Store, e.g. for QueryState.
func (r *Router) Store() store.Store { return r.store }

// Start launches the background recovery task (spec section 5's "A
// recovery task runs on a configurable interval and invokes
// check_and_recover_states"). It is at-most-one per Router and stops
// when Close is called or ctx is canceled.
func (r *Router) Start(ctx context.Context) {
	if r.recoveryInterval <= 0 || r.stopRecovery != nil {
		return
	}
	r.stopRecovery = make(chan struct{})
	r.recoveryDone = make(chan struct{})

	go func() {
		defer close(r.recoveryDone)
		ticker := time.NewTicker(r.recoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.keys.CheckAndRecoverStates(ctx); err != nil {
					r.logger.WarnWithContext(ctx, "state recovery pass failed", map[string]interface{}{"error": err.Error()})
				}
			case <-r.stopRecovery:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the background recovery task, if running, and waits for
// it to exit or ctx to expire.
func (r *Router) Close(ctx context.Context) error {
	if r.stopRecovery == nil {
		return nil
	}
	close(r.stopRecovery)
	select {
	case <-r.recoveryDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
