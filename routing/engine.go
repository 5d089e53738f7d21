package routing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/cost"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/keymanager"
	"github.com/llm-router/keyrouter/policy"
	"github.com/llm-router/keyrouter/providers"
	"github.com/llm-router/keyrouter/quota"
	"github.com/llm-router/keyrouter/store"
)

// Engine is the Routing Engine: it wires Key Manager, Policy Engine,
// Quota Engine, and Cost Controller around a Strategy to produce one
// RoutingDecision per request.
type Engine struct {
	store   store.Store
	keys    *keymanager.Manager
	policy  *policy.Engine
	quota   *quota.Engine
	cost    *cost.Controller
	events  core.EventSink
	logger  core.Logger

	lastSelected map[string]string // providerID -> last selected key id, for fairness rotation
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithPolicyEngine(p *policy.Engine) Option {
	return func(e *Engine) { e.policy = p }
}

func WithQuotaEngine(q *quota.Engine) Option {
	return func(e *Engine) { e.quota = q }
}

func WithCostController(c *cost.Controller) Option {
	return func(e *Engine) { e.cost = c }
}

func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithEventSink(sink core.EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// New builds an Engine. keys and st are required; policy/quota/cost are
// optional, mirroring the original implementation's attachable
// sub-components.
func New(st store.Store, keys *keymanager.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		keys:         keys,
		events:       core.NoOpEventSink{},
		logger:       &core.NoOpLogger{},
		lastSelected: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RouteRequest selects a key for intent according to objective, recording
// the decision as an append-only RoutingDecision.
func (e *Engine) RouteRequest(ctx context.Context, requestID string, intent domain.Intent, objective *domain.RoutingObjective, adapter providers.Adapter) (*domain.RoutingDecision, error) {
	obj := domain.NormalizeObjective(objective)

	eligible, err := e.keys.GetEligibleKeys(ctx, intent.ProviderID, nil)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, core.NewRouterError("RoutingEngine.RouteRequest", core.KindNoEligibleKeys, "", "no keys eligible by state for provider "+intent.ProviderID, core.ErrNoEligibleKeys)
	}

	if e.policy != nil {
		eligible, err = e.applyPolicies(ctx, intent, eligible)
		if err != nil {
			return nil, err
		}
	}

	quotaStates := make(map[string]domain.CapacityState, len(eligible))
	if e.quota != nil {
		filtered, err := e.quota.FilterByQuotaState(ctx, eligible)
		if err != nil {
			return nil, err
		}
		if len(filtered) == 0 {
			return nil, core.NewRouterError("RoutingEngine.RouteRequest", core.KindNoEligibleKeys, "", "all eligible keys are quota-exhausted", core.ErrNoEligibleKeys)
		}
		eligible = filtered
		for _, k := range eligible {
			state, err := e.quota.GetQuotaState(ctx, k.ID)
			if err != nil {
				return nil, err
			}
			quotaStates[k.ID] = state.CapacityState
		}
	}

	strategy := ForObjective(obj, e.lastSelected[intent.ProviderID])
	scores := strategy.ScoreKeys(eligible, intent, adapter, quotaStates)

	if e.quota != nil {
		multipliers, err := e.quota.ApplyQuotaMultipliers(ctx, eligible)
		if err != nil {
			return nil, err
		}
		for id, m := range multipliers {
			scores[id] *= m
		}
	}

	if e.cost != nil && adapter != nil {
		estimate, err := adapter.EstimateCost(intent)
		if err == nil {
			var survivors []*domain.Key
			for _, k := range eligible {
				result, cerr := e.cost.CheckBudget(ctx, intent.ProviderID, k.ID, "", estimate.Amount)
				if cerr != nil {
					return nil, cerr
				}
				if result.HardViolation {
					delete(scores, k.ID)
					continue
				}
				if result.SoftViolation {
					scores[k.ID] *= 0.5
				}
				survivors = append(survivors, k)
			}
			if len(survivors) == 0 {
				return nil, core.NewRouterError("RoutingEngine.RouteRequest", core.KindNoEligibleKeys, "", "all eligible keys would exceed a hard budget", core.ErrNoEligibleKeys)
			}
			eligible = survivors
		}
	}

	selectedID, score := SelectKey(scores, eligible)
	if selectedID == "" {
		return nil, core.NewRouterError("RoutingEngine.RouteRequest", core.KindNoEligibleKeys, "", "scoring produced no eligible candidate", core.ErrNoEligibleKeys)
	}

	e.lastSelected[intent.ProviderID] = selectedID

	decision := &domain.RoutingDecision{
		ID:                 uuid.New().String(),
		RequestID:          requestID,
		SelectedKeyID:      selectedID,
		SelectedProviderID: intent.ProviderID,
		DecisionAt:         time.Now().UTC(),
		Objective:          obj,
		EligibleKeys:       keyIDs(eligible),
		Scores:             scores,
		Explanation:        strategy.GenerateExplanation(selectedID, scores),
		Confidence:         score,
		Alternatives:       alternatives(eligible, scores, selectedID),
	}

	if err := e.store.SaveRoutingDecision(ctx, decision); err != nil {
		return nil, err
	}

	e.events.Emit(ctx, core.AuditEvent{
		Type: "routing_decision_made",
		Payload: map[string]interface{}{
			"key_id":      selectedID,
			"provider_id": intent.ProviderID,
			"objective":   string(obj.Primary),
		},
		Timestamp: decision.DecisionAt,
	})

	return decision, nil
}

func (e *Engine) applyPolicies(ctx context.Context, intent domain.Intent, keys []*domain.Key) ([]*domain.Key, error) {
	var all []*domain.Policy
	for _, typ := range []domain.PolicyType{domain.PolicyRouting, domain.PolicyKeySelection} {
		global, err := e.policy.GetApplicablePolicies(ctx, domain.PolicyScopeGlobal, "", typ)
		if err != nil {
			return nil, err
		}
		perProvider, err := e.policy.GetApplicablePolicies(ctx, domain.PolicyScopePerProvider, intent.ProviderID, typ)
		if err != nil {
			return nil, err
		}
		all = append(all, global...)
		all = append(all, perProvider...)
	}
	if len(all) == 0 {
		return keys, nil
	}

	candidates := make([]domain.CandidateContext, len(keys))
	for i, k := range keys {
		candidates[i] = domain.CandidateContext{
			KeyID:        k.ID,
			ProviderID:   k.ProviderID,
			UsageCount:   k.UsageCount,
			FailureCount: k.FailureCount,
		}
	}

	result := policy.EvaluateAll(all, candidates)
	if !result.Allowed {
		return nil, core.NewRouterError("RoutingEngine.applyPolicies", core.KindNoEligibleKeys, "", result.Reason, core.ErrNoEligibleKeys)
	}

	survivors := make(map[string]bool, len(result.FilteredKeys))
	for _, id := range result.FilteredKeys {
		survivors[id] = true
	}
	var kept []*domain.Key
	for _, k := range keys {
		if survivors[k.ID] {
			kept = append(kept, k)
		}
	}
	return kept, nil
}

func keyIDs(keys []*domain.Key) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}
	return ids
}

func alternatives(keys []*domain.Key, scores map[string]float64, selected string) []domain.Alternative {
	alts := make([]domain.Alternative, 0, len(keys)-1)
	for _, k := range keys {
		if k.ID == selected {
			continue
		}
		alts = append(alts, domain.Alternative{
			KeyID:             k.ID,
			ProviderID:        k.ProviderID,
			Score:             scores[k.ID],
			ReasonNotSelected: "lower score than selected candidate",
		})
	}
	return alts
}
