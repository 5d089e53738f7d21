// Package store implements the State Store abstraction (spec section 4.8):
// a single contract with in-memory, Redis-like, and document-store
// backings.
package store

import (
	"context"
	"time"

	"github.com/llm-router/keyrouter/domain"
)

// EntityType names the family of record a Query filters against.
type EntityType string

const (
	EntityKey              EntityType = "key"
	EntityQuotaState       EntityType = "quota_state"
	EntityRoutingDecision  EntityType = "routing_decision"
	EntityStateTransition  EntityType = "state_transition"
)

// Query filters query_state results by entity type, key id, provider id,
// state, and a timestamp range, honoring each entity's natural timestamp
// field (created_at for keys, updated_at for quota, decision_timestamp /
// transition_timestamp for audits).
type Query struct {
	EntityType EntityType
	KeyID      string
	ProviderID string
	State      string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Store is the abstract contract every backing implements. All operations
// may fail with core.ErrStateStore-wrapped errors.
type Store interface {
	SaveKey(ctx context.Context, key *domain.Key) error
	GetKey(ctx context.Context, id string) (*domain.Key, error)
	ListKeys(ctx context.Context, providerID string) ([]*domain.Key, error)

	SaveQuotaState(ctx context.Context, state *domain.QuotaState) error
	GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error)

	SaveRoutingDecision(ctx context.Context, decision *domain.RoutingDecision) error
	SaveStateTransition(ctx context.Context, transition *domain.StateTransition) error

	QueryState(ctx context.Context, query Query) ([]interface{}, error)

	SaveBudget(ctx context.Context, budget *domain.Budget) error
	GetBudget(ctx context.Context, id string) (*domain.Budget, error)
	ListBudgets(ctx context.Context) ([]*domain.Budget, error)
	DeleteBudget(ctx context.Context, id string) error

	SavePolicy(ctx context.Context, policy *domain.Policy) error
	GetPolicy(ctx context.Context, id string) (*domain.Policy, error)
	ListPolicies(ctx context.Context) ([]*domain.Policy, error)
	DeletePolicy(ctx context.Context, id string) error

	Close(ctx context.Context) error
}

func inTimeRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func applyLimitOffset(items []interface{}, limit, offset int) []interface{} {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
