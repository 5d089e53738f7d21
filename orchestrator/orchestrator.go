// Package orchestrator implements the Orchestrator (spec section 4.7):
// the router's public route() entry point, wiring the Routing Engine,
// provider adapters, Key Manager, Quota Engine, and Cost Controller
// together with bounded retry/failover.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/cost"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/keymanager"
	"github.com/llm-router/keyrouter/providers"
	"github.com/llm-router/keyrouter/quota"
	"github.com/llm-router/keyrouter/resilience"
	"github.com/llm-router/keyrouter/routing"
)

// MaxAttempts bounds the Orchestrator's failover loop, including the
// first attempt.
const MaxAttempts = 3

// Orchestrator is the router's public entry point.
type Orchestrator struct {
	routing  *routing.Engine
	keys     *keymanager.Manager
	quota    *quota.Engine
	cost     *cost.Controller
	adapters  map[string]providers.Adapter
	events    core.EventSink
	logger    core.Logger
	telemetry core.Telemetry

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithQuotaEngine(q *quota.Engine) Option {
	return func(o *Orchestrator) { o.quota = q }
}

func WithCostController(c *cost.Controller) Option {
	return func(o *Orchestrator) { o.cost = c }
}

func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithEventSink(sink core.EventSink) Option {
	return func(o *Orchestrator) { o.events = sink }
}

// WithTelemetry attaches a Telemetry so Route and each adapter attempt are
// wrapped in a span. Nil (the default) disables span creation.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = telemetry }
}

// New builds an Orchestrator. adapters maps a provider id to the Adapter
// that serves it.
func New(routingEngine *routing.Engine, keys *keymanager.Manager, adapters map[string]providers.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		routing:  routingEngine,
		keys:     keys,
		adapters: adapters,
		events:   core.NoOpEventSink{},
		logger:   &core.NoOpLogger{},
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Route is the public route(intent, objective) operation. It generates a
// request/correlation id pair, asks the Routing Engine for a decision,
// invokes the resolved adapter with the chosen key, and fails over to an
// alternative eligible key up to MaxAttempts on a retryable error.
func (o *Orchestrator) Route(ctx context.Context, intent domain.Intent, objective *domain.RoutingObjective) (domain.Response, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.Route")
	defer span.End()
	span.SetAttribute("provider_id", intent.ProviderID)

	requestID := uuid.New().String()
	correlationID := uuid.New().String()

	adapter, ok := o.adapters[intent.ProviderID]
	if !ok {
		err := core.NewRouterError("Orchestrator.Route", core.KindValidationError, "", "no adapter registered for provider "+intent.ProviderID, core.ErrValidation)
		span.RecordError(err)
		return domain.Response{}, err
	}

	decision, err := o.routing.RouteRequest(ctx, requestID, intent, objective, adapter)
	if err != nil {
		o.logFailed(ctx, correlationID, err)
		return domain.Response{}, err
	}

	candidates := orderedCandidates(decision)

	var lastErr error

	for attempt := 0; attempt < MaxAttempts && attempt < len(candidates); attempt++ {
		keyID := candidates[attempt]

		key, err := o.keys.GetKey(ctx, keyID)
		if err != nil {
			lastErr = err
			continue
		}

		o.logger.InfoWithContext(ctx, "routing attempt", map[string]interface{}{
			"correlation_id": correlationID,
			"attempt":        attempt + 1,
			"key_id":         keyID,
		})

		breaker := o.breakerFor(intent.ProviderID)
		var response domain.Response
		attemptCtx, attemptSpan := o.startSpan(ctx, "orchestrator.attempt")
		attemptSpan.SetAttribute("key_id", keyID)
		attemptSpan.SetAttribute("attempt", attempt+1)
		execErr := breaker.Execute(attemptCtx, func() error {
			var innerErr error
			response, innerErr = adapter.Execute(attemptCtx, intent, key)
			return innerErr
		})
		if execErr != nil {
			attemptSpan.RecordError(execErr)
		}
		attemptSpan.End()
		if execErr == nil {
			return o.onSuccess(ctx, intent, key, response, requestID, correlationID)
		}

		lastErr = execErr
		if !core.IsRetryable(execErr) {
			o.onFailure(ctx, key, execErr, requestID, correlationID)
			return domain.Response{}, execErr
		}

		o.onFailure(ctx, key, execErr, requestID, correlationID)

		var sysErr *core.SystemError
		if castErr, isSys := execErr.(*core.SystemError); isSys {
			sysErr = castErr
		}
		if sysErr != nil && sysErr.Category == core.CategoryRateLimit {
			cooldown := time.Duration(sysErr.RetryAfter) * time.Second
			if cooldown <= 0 {
				cooldown = 30 * time.Second
			}
			_, _ = o.keys.UpdateKeyState(ctx, keyID, domain.KeyThrottled, "rate_limit", cooldown, nil)
		}
	}

	if lastErr == nil {
		lastErr = core.NewRouterError("Orchestrator.Route", core.KindNoEligibleKeys, "", "no candidates to attempt", core.ErrNoEligibleKeys)
	}
	return domain.Response{}, lastErr
}

func (o *Orchestrator) onSuccess(ctx context.Context, intent domain.Intent, key *domain.Key, response domain.Response, requestID, correlationID string) (domain.Response, error) {
	now := time.Now().UTC()
	key.UsageCount++
	key.LastUsedAt = &now
	if err := o.keys.TouchUsage(ctx, key); err != nil {
		o.logger.WarnWithContext(ctx, "failed to persist key usage", map[string]interface{}{"key_id": key.ID, "error": err.Error()})
	}

	if o.quota != nil {
		tokens := float64(response.Metadata.TokensUsed.Total)
		if _, err := o.quota.UpdateCapacity(ctx, key.ID, 1, tokens); err != nil {
			o.logger.WarnWithContext(ctx, "failed to update quota capacity", map[string]interface{}{"key_id": key.ID, "error": err.Error()})
		}
	}

	if o.cost != nil {
		actual := decimalFromCost(response.Cost)
		estimate := actual
		if estimate.IsZero() {
			if est, err := o.adapters[intent.ProviderID].EstimateCost(intent); err == nil {
				estimate = est.Amount
			}
		}
		if _, err := o.cost.RecordActualCost(ctx, requestID, intent.ProviderID, key.ID, "", estimate, actual); err != nil {
			o.logger.WarnWithContext(ctx, "failed to record actual cost", map[string]interface{}{"key_id": key.ID, "error": err.Error()})
		}
	}

	response.RequestID = requestID
	response.KeyUsed = key.ID
	response.Metadata.RequestID = requestID
	response.Metadata.CorrelationID = correlationID

	o.events.Emit(ctx, core.AuditEvent{
		Type: "request_completed",
		Payload: map[string]interface{}{
			"request_id":     requestID,
			"correlation_id": correlationID,
			"key_id":         key.ID,
			"provider_id":    intent.ProviderID,
		},
		Timestamp: now,
	})

	return response, nil
}

func (o *Orchestrator) onFailure(ctx context.Context, key *domain.Key, err error, requestID, correlationID string) {
	_ = o.keys.RecordFailure(ctx, key.ID)

	o.events.Emit(ctx, core.AuditEvent{
		Type: "request_failed",
		Payload: map[string]interface{}{
			"request_id":     requestID,
			"correlation_id": correlationID,
			"key_id":         key.ID,
			"error":          err.Error(),
		},
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) logFailed(ctx context.Context, correlationID string, err error) {
	o.events.Emit(ctx, core.AuditEvent{
		Type: "request_failed",
		Payload: map[string]interface{}{
			"correlation_id": correlationID,
			"error":          err.Error(),
		},
		Timestamp: time.Now().UTC(),
	})
}

// startSpan starts a span when a Telemetry is configured, or returns a
// no-op span otherwise, so call sites never need a nil check.
func (o *Orchestrator) startSpan(ctx context.Context, name string) (context.Context, core.Span) {
	if o.telemetry == nil {
		return ctx, noOpSpan{}
	}
	return o.telemetry.StartSpan(ctx, name)
}

// noOpSpan implements core.Span with no-op operations, used when no
// Telemetry is configured.
type noOpSpan struct{}

func (noOpSpan) End()                                 {}
func (noOpSpan) SetAttribute(key string, value interface{}) {}
func (noOpSpan) RecordError(err error)                {}

// orderedCandidates returns the decision's selected key followed by its
// alternatives, highest score first, for the Orchestrator's failover loop.
func orderedCandidates(decision *domain.RoutingDecision) []string {
	type scored struct {
		id    string
		score float64
	}
	all := make([]scored, 0, len(decision.EligibleKeys))
	for _, id := range decision.EligibleKeys {
		all = append(all, scored{id: id, score: decision.Scores[id]})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].id == decision.SelectedKeyID {
			return true
		}
		if all[j].id == decision.SelectedKeyID {
			return false
		}
		return all[i].score > all[j].score
	})
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids
}

// breakerFor returns the per-provider circuit breaker, creating it on
// first use. Tripping is scoped per provider: a provider in sustained
// failure stops absorbing attempts across all of its keys, while a single
// key's transient error does not affect sibling providers.
func (o *Orchestrator) breakerFor(providerID string) *resilience.CircuitBreaker {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()

	if cb, ok := o.breakers[providerID]; ok {
		return cb
	}

	cfg := resilience.DefaultConfig()
	cfg.Name = providerID
	cfg.Logger = o.logger
	cb, err := resilience.NewCircuitBreaker(cfg)
	if err != nil {
		cb, _ = resilience.NewCircuitBreaker(resilience.DefaultConfig())
	}
	o.breakers[providerID] = cb
	return cb
}

func decimalFromCost(c *domain.CostEstimate) decimal.Decimal {
	if c == nil {
		return decimal.Zero
	}
	return c.Amount
}
