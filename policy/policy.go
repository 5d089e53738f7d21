// Package policy implements the Policy Engine (spec section 4.4): pure
// evaluation of routing/cost/key-selection rules against a candidate set,
// with no side effects beyond logging.
package policy

import (
	"context"
	"sort"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/store"
)

// Engine is the Policy Engine component.
type Engine struct {
	store  store.Store
	logger core.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New builds an Engine backed by st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreatePolicy persists a new policy.
func (e *Engine) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	if err := e.store.SavePolicy(ctx, p); err != nil {
		return wrapErr("PolicyEngine.CreatePolicy", err)
	}
	return nil
}

// ListPolicies returns every persisted policy regardless of scope or
// enablement.
func (e *Engine) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	all, err := e.store.ListPolicies(ctx)
	if err != nil {
		return nil, wrapErr("PolicyEngine.ListPolicies", err)
	}
	return all, nil
}

// DeletePolicy removes a policy by id.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if err := e.store.DeletePolicy(ctx, id); err != nil {
		return wrapErr("PolicyEngine.DeletePolicy", err)
	}
	return nil
}

// GetApplicablePolicies returns enabled policies matching the given type
// and scope (scopeID only considered when scope != PolicyScopeGlobal),
// sorted by descending priority and then by ascending creation order for
// deterministic tie-breaking.
func (e *Engine) GetApplicablePolicies(ctx context.Context, scope domain.PolicyScope, scopeID string, typ domain.PolicyType) ([]*domain.Policy, error) {
	all, err := e.store.ListPolicies(ctx)
	if err != nil {
		return nil, wrapErr("PolicyEngine.GetApplicablePolicies", err)
	}

	var applicable []*domain.Policy
	for _, p := range all {
		if !p.Enabled || p.Type != typ || p.Scope != scope {
			continue
		}
		if scope != domain.PolicyScopeGlobal && p.ScopeID != scopeID {
			continue
		}
		applicable = append(applicable, p)
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority > applicable[j].Priority
		}
		return applicable[i].CreatedAt.Before(applicable[j].CreatedAt)
	})

	return applicable, nil
}

// Evaluate applies a single policy's rules against the given candidates,
// returning which survive and any constraints the Routing Engine must
// fold into its objective. Evaluation is pure: no store or event side
// effects occur here.
func Evaluate(p *domain.Policy, candidates []domain.CandidateContext) domain.PolicyEvalResult {
	survivors := make([]domain.CandidateContext, 0, len(candidates))
	for _, c := range candidates {
		if !passesRules(p.Rules, c) {
			continue
		}
		survivors = append(survivors, c)
	}

	result := domain.PolicyEvalResult{
		AppliedPolicies: []string{p.ID},
		Constraints:     buildConstraints(p.Rules),
	}

	if len(survivors) == 0 {
		result.Allowed = false
		result.Reason = "policy " + p.Name + " eliminated every candidate"
		return result
	}

	result.Allowed = true
	result.FilteredKeys = make([]string, 0, len(survivors))
	for _, c := range survivors {
		result.FilteredKeys = append(result.FilteredKeys, c.KeyID)
	}
	return result
}

func passesRules(rules domain.PolicyRules, c domain.CandidateContext) bool {
	for _, blocked := range rules.BlockedProviders {
		if blocked == c.ProviderID {
			return false
		}
	}
	for _, blocked := range rules.BlockedRegions {
		if blocked == c.Region {
			return false
		}
	}
	if rules.MinReliability != nil && c.UsageCount > 0 {
		successRate := float64(c.UsageCount-c.FailureCount) / float64(c.UsageCount)
		if successRate < *rules.MinReliability {
			return false
		}
	}
	if rules.MaxCostPerRequest != nil && c.EstimatedCost.GreaterThan(*rules.MaxCostPerRequest) {
		return false
	}
	return true
}

func buildConstraints(rules domain.PolicyRules) map[string]interface{} {
	constraints := make(map[string]interface{})
	if len(rules.PreferredProviders) > 0 {
		constraints["preferred_providers"] = rules.PreferredProviders
	}
	if len(rules.PreferredRegions) > 0 {
		constraints["preferred_regions"] = rules.PreferredRegions
	}
	if rules.MaxCostPerRequest != nil {
		constraints["max_cost_per_request"] = *rules.MaxCostPerRequest
	}
	return constraints
}

// EvaluateAll applies every policy in order, intersecting survivors and
// merging constraints. It returns allowed=false the moment any policy
// eliminates the entire remaining candidate set, matching the Routing
// Engine's "any policy rejects -> NoEligibleKeys" behavior.
func EvaluateAll(policies []*domain.Policy, candidates []domain.CandidateContext) domain.PolicyEvalResult {
	remaining := candidates
	merged := domain.PolicyEvalResult{
		Allowed:     true,
		Constraints: make(map[string]interface{}),
	}

	for _, p := range policies {
		result := Evaluate(p, remaining)
		merged.AppliedPolicies = append(merged.AppliedPolicies, result.AppliedPolicies...)
		for k, v := range result.Constraints {
			merged.Constraints[k] = v
		}

		if !result.Allowed {
			merged.Allowed = false
			merged.Reason = result.Reason
			return merged
		}

		survivingIDs := make(map[string]bool, len(result.FilteredKeys))
		for _, id := range result.FilteredKeys {
			survivingIDs[id] = true
		}
		next := make([]domain.CandidateContext, 0, len(remaining))
		for _, c := range remaining {
			if survivingIDs[c.KeyID] {
				next = append(next, c)
			}
		}
		remaining = next
	}

	merged.FilteredKeys = make([]string, 0, len(remaining))
	for _, c := range remaining {
		merged.FilteredKeys = append(merged.FilteredKeys, c.KeyID)
	}
	return merged
}

func wrapErr(op string, err error) error {
	return core.NewRouterError(op, core.KindStateStoreError, "", "state store operation failed", err)
}
