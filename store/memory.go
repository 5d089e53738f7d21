package store

import (
	"context"
	"sort"
	"sync"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/domain"
)

// DefaultHistoryCap is the default FIFO cap on decisions and transitions
// (0 disables the cap).
const DefaultHistoryCap = 1000

// MemoryStore is the in-memory State Store backing: four containers (keys,
// quota by key id, decisions list, transitions list, plus budgets and
// policies), guarded by a single RWMutex: writes take the write lock, reads
// take the read lock and return clones.
type MemoryStore struct {
	mu sync.RWMutex

	keys        map[string]*domain.Key
	quotaStates map[string]*domain.QuotaState
	decisions   []*domain.RoutingDecision
	transitions []*domain.StateTransition
	budgets     map[string]*domain.Budget
	policies    map[string]*domain.Policy

	decisionsCap   int
	transitionsCap int

	logger core.Logger
}

// NewMemoryStore builds an in-memory State Store. historyCap bounds the
// decisions and transitions lists (0 = unlimited); pass DefaultHistoryCap
// for the spec's default of 1000.
func NewMemoryStore(historyCap int, logger core.Logger) *MemoryStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryStore{
		keys:           make(map[string]*domain.Key),
		quotaStates:    make(map[string]*domain.QuotaState),
		budgets:        make(map[string]*domain.Budget),
		policies:       make(map[string]*domain.Policy),
		decisionsCap:   historyCap,
		transitionsCap: historyCap,
		logger:         logger,
	}
}

func (s *MemoryStore) SaveKey(ctx context.Context, key *domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key.Clone()
	return nil
}

func (s *MemoryStore) GetKey(ctx context.Context, id string) (*domain.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, core.NewRouterError("MemoryStore.GetKey", core.KindKeyNotFound, id, "key not found", core.ErrKeyNotFound)
	}
	return k.Clone(), nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, providerID string) ([]*domain.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Key
	for _, k := range s.keys {
		if providerID == "" || k.ProviderID == providerID {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveQuotaState(ctx context.Context, state *domain.QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *state
	s.quotaStates[state.KeyID] = &clone
	return nil
}

func (s *MemoryStore) GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotaStates[keyID]
	if !ok {
		return nil, nil
	}
	clone := *q
	return &clone, nil
}

func (s *MemoryStore) SaveRoutingDecision(ctx context.Context, decision *domain.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *decision
	s.decisions = append(s.decisions, &clone)
	if s.decisionsCap > 0 && len(s.decisions) > s.decisionsCap {
		s.decisions = s.decisions[len(s.decisions)-s.decisionsCap:]
	}
	return nil
}

func (s *MemoryStore) SaveStateTransition(ctx context.Context, transition *domain.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *transition
	s.transitions = append(s.transitions, &clone)
	if s.transitionsCap > 0 && len(s.transitions) > s.transitionsCap {
		s.transitions = s.transitions[len(s.transitions)-s.transitionsCap:]
	}
	return nil
}

func (s *MemoryStore) QueryState(ctx context.Context, q Query) ([]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []interface{}
	switch q.EntityType {
	case EntityKey, "":
		for _, k := range s.keys {
			if !matchKey(k, q) {
				continue
			}
			out = append(out, k.Clone())
		}
	case EntityQuotaState:
		for _, qs := range s.quotaStates {
			if q.KeyID != "" && qs.KeyID != q.KeyID {
				continue
			}
			if !inTimeRange(qs.LastUpdatedAt, q.From, q.To) {
				continue
			}
			clone := *qs
			out = append(out, &clone)
		}
	case EntityRoutingDecision:
		for _, d := range s.decisions {
			if q.KeyID != "" && d.SelectedKeyID != q.KeyID {
				continue
			}
			if q.ProviderID != "" && d.SelectedProviderID != q.ProviderID {
				continue
			}
			if !inTimeRange(d.DecisionAt, q.From, q.To) {
				continue
			}
			clone := *d
			out = append(out, &clone)
		}
	case EntityStateTransition:
		for _, t := range s.transitions {
			if q.KeyID != "" && t.EntityID != q.KeyID {
				continue
			}
			if q.State != "" && t.ToState != q.State {
				continue
			}
			if !inTimeRange(t.At, q.From, q.To) {
				continue
			}
			clone := *t
			out = append(out, &clone)
		}
	}
	return applyLimitOffset(out, q.Limit, q.Offset), nil
}

func matchKey(k *domain.Key, q Query) bool {
	if q.ProviderID != "" && k.ProviderID != q.ProviderID {
		return false
	}
	if q.State != "" && string(k.State) != q.State {
		return false
	}
	if !inTimeRange(k.CreatedAt, q.From, q.To) {
		return false
	}
	return true
}

func (s *MemoryStore) SaveBudget(ctx context.Context, budget *domain.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *budget
	s.budgets[budget.ID] = &clone
	return nil
}

func (s *MemoryStore) GetBudget(ctx context.Context, id string) (*domain.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, core.NewRouterError("MemoryStore.GetBudget", core.KindKeyNotFound, id, "budget not found", core.ErrKeyNotFound)
	}
	clone := *b
	return &clone, nil
}

func (s *MemoryStore) ListBudgets(ctx context.Context) ([]*domain.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		clone := *b
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteBudget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.budgets, id)
	return nil
}

func (s *MemoryStore) SavePolicy(ctx context.Context, policy *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *policy
	s.policies[policy.ID] = &clone
	return nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, core.NewRouterError("MemoryStore.GetPolicy", core.KindKeyNotFound, id, "policy not found", core.ErrKeyNotFound)
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStore) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }
