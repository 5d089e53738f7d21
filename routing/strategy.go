// Package routing implements the Routing Strategies and Routing Engine
// (spec sections 4.5/4.6): per-objective key scoring, deterministic
// selection, and the orchestration of Key Manager, Policy Engine, Quota
// Engine, and Cost Controller into one routing decision.
package routing

import (
	"sort"

	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/providers"
)

// Strategy is implemented by each routing objective's scorer.
type Strategy interface {
	ScoreKeys(keys []*domain.Key, intent domain.Intent, adapter providers.Adapter, quota map[string]domain.CapacityState) map[string]float64
	GenerateExplanation(keyID string, scores map[string]float64) string
}

// SelectKey applies the scoring output plus the shared tie-breaking rule
// (highest score, then lowest failure count, then oldest/never-used
// last_used_at, then lexicographic key id) to pick exactly one winner.
func SelectKey(scores map[string]float64, keys []*domain.Key) (string, float64) {
	if len(keys) == 0 {
		return "", 0
	}

	byID := make(map[string]*domain.Key, len(keys))
	for _, k := range keys {
		byID[k.ID] = k
	}

	ordered := make([]*domain.Key, len(keys))
	copy(ordered, keys)
	sort.Slice(ordered, func(i, j int) bool {
		si, sj := scores[ordered[i].ID], scores[ordered[j].ID]
		if si != sj {
			return si > sj
		}
		if ordered[i].FailureCount != ordered[j].FailureCount {
			return ordered[i].FailureCount < ordered[j].FailureCount
		}
		li, lj := ordered[i].LastUsedAt, ordered[j].LastUsedAt
		switch {
		case li == nil && lj == nil:
		case li == nil:
			return true
		case lj == nil:
			return false
		case !li.Equal(*lj):
			return li.Before(*lj)
		}
		return ordered[i].ID < ordered[j].ID
	})

	winner := ordered[0]
	return winner.ID, scores[winner.ID]
}

// normalize rescales a raw score map so the best candidate is 1.0 and the
// worst is 0.0, matching every strategy's normalization rule. A single
// candidate, or a set with no spread, is scored 1.0 across the board.
func normalize(raw map[string]float64) map[string]float64 {
	if len(raw) == 0 {
		return raw
	}
	min, max := rawBounds(raw)
	out := make(map[string]float64, len(raw))
	if max == min {
		for id := range raw {
			out[id] = 1.0
		}
		return out
	}
	for id, v := range raw {
		out[id] = (v - min) / (max - min)
	}
	return out
}

func rawBounds(raw map[string]float64) (float64, float64) {
	first := true
	var min, max float64
	for _, v := range raw {
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// --- Cost-optimized ---

// CostStrategy scores candidates inversely to their estimated per-request
// cost: the cheapest key gets 1.0.
type CostStrategy struct{}

func (CostStrategy) ScoreKeys(keys []*domain.Key, intent domain.Intent, adapter providers.Adapter, quota map[string]domain.CapacityState) map[string]float64 {
	raw := make(map[string]float64, len(keys))
	for _, k := range keys {
		cost := 0.001 // uniform default when no estimate is available
		if adapter != nil {
			if estimate, err := adapter.EstimateCost(intent); err == nil {
				amount, _ := estimate.Amount.Float64()
				if amount > 0 {
					cost = amount
				}
			}
		}
		raw[k.ID] = 1.0 / cost
	}
	return normalize(raw)
}

func (CostStrategy) GenerateExplanation(keyID string, scores map[string]float64) string {
	return "selected for lowest estimated cost (score " + formatScore(scores[keyID]) + ")"
}

// --- Reliability-optimized ---

// ReliabilityStrategy combines historical success rate, key-state bonus,
// and quota-state bonus before normalizing.
type ReliabilityStrategy struct{}

func (ReliabilityStrategy) ScoreKeys(keys []*domain.Key, intent domain.Intent, adapter providers.Adapter, quota map[string]domain.CapacityState) map[string]float64 {
	raw := make(map[string]float64, len(keys))
	for _, k := range keys {
		successRate := 0.95
		if k.UsageCount > 0 {
			successRate = float64(k.UsageCount-k.FailureCount) / float64(k.UsageCount)
		}

		stateBonus := 1.0
		switch k.State {
		case domain.KeyRecovering:
			stateBonus = 0.85
		case domain.KeyThrottled:
			stateBonus = 0.7
		}

		quotaBonus := domain.QuotaMultiplier(quota[k.ID])

		raw[k.ID] = successRate + stateBonus + quotaBonus
	}
	return normalize(raw)
}

func (ReliabilityStrategy) GenerateExplanation(keyID string, scores map[string]float64) string {
	return "selected for reliability (score " + formatScore(scores[keyID]) + ")"
}

// --- Fairness (round-robin) ---

// FairnessStrategy scores candidates inversely to their share of total
// pool usage, so lightly used keys rank higher.
type FairnessStrategy struct {
	LastSelected string
}

func (f FairnessStrategy) ScoreKeys(keys []*domain.Key, intent domain.Intent, adapter providers.Adapter, quota map[string]domain.CapacityState) map[string]float64 {
	var total int64
	for _, k := range keys {
		total += k.UsageCount
	}

	raw := make(map[string]float64, len(keys))
	for _, k := range keys {
		if total == 0 {
			raw[k.ID] = 1.0
			continue
		}
		share := float64(k.UsageCount) / float64(total)
		raw[k.ID] = 1.0 - share
	}
	return normalize(raw)
}

func (f FairnessStrategy) GenerateExplanation(keyID string, scores map[string]float64) string {
	return "selected by round-robin fairness (score " + formatScore(scores[keyID]) + ")"
}

// --- Multi-objective (weighted) ---

// MultiObjectiveStrategy combines sub-scorers per the caller's objective
// weights; missing weights default to an equal split across
// primary+secondary objectives.
type MultiObjectiveStrategy struct {
	Objective    domain.RoutingObjective
	LastSelected string
}

func (m MultiObjectiveStrategy) subScorer(obj domain.Objective) Strategy {
	switch obj {
	case domain.ObjectiveCost:
		return CostStrategy{}
	case domain.ObjectiveReliability:
		return ReliabilityStrategy{}
	case domain.ObjectiveFairness:
		return FairnessStrategy{LastSelected: m.LastSelected}
	default:
		return FairnessStrategy{LastSelected: m.LastSelected}
	}
}

func (m MultiObjectiveStrategy) ScoreKeys(keys []*domain.Key, intent domain.Intent, adapter providers.Adapter, quota map[string]domain.CapacityState) map[string]float64 {
	combined := make(map[string]float64, len(keys))
	for _, obj := range m.Objective.AllObjectives() {
		weight := m.Objective.WeightFor(obj)
		sub := m.subScorer(obj).ScoreKeys(keys, intent, adapter, quota)
		for id, score := range sub {
			combined[id] += weight * score
		}
	}
	return normalize(combined)
}

func (m MultiObjectiveStrategy) GenerateExplanation(keyID string, scores map[string]float64) string {
	return "selected by weighted multi-objective scoring (score " + formatScore(scores[keyID]) + ")"
}

func formatScore(s float64) string {
	return domain.DecimalFromFloat(s).Round(3).String()
}

// ForObjective returns the strategy matching obj.Primary, wrapping it in
// MultiObjectiveStrategy whenever secondary objectives or explicit
// weights are present.
func ForObjective(objective domain.RoutingObjective, lastSelected string) Strategy {
	if len(objective.Secondary) > 0 || len(objective.Weights) > 0 {
		return MultiObjectiveStrategy{Objective: objective, LastSelected: lastSelected}
	}
	switch objective.Primary {
	case domain.ObjectiveCost:
		return CostStrategy{}
	case domain.ObjectiveReliability:
		return ReliabilityStrategy{}
	default:
		return FairnessStrategy{LastSelected: lastSelected}
	}
}
