package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PolicyType distinguishes the concern a Policy governs.
type PolicyType string

const (
	PolicyRouting     PolicyType = "routing"
	PolicyCostControl PolicyType = "cost_control"
	PolicyKeySelection PolicyType = "key_selection"
)

// PolicyScope is the breadth a Policy applies to, mirroring BudgetScope's
// shape but kept distinct since a policy can also target PerTeam without a
// corresponding PerTeam budget existing.
type PolicyScope string

const (
	PolicyScopeGlobal      PolicyScope = "global"
	PolicyScopePerProvider PolicyScope = "per_provider"
	PolicyScopePerTeam     PolicyScope = "per_team"
	PolicyScopePerKey      PolicyScope = "per_key"
)

// PolicyRules is the bounded structured map of recognized rule keys (spec
// section 3). Only the fields below carry defined semantics; arbitrary
// extra keys are preserved but ignored by evaluation.
type PolicyRules struct {
	MinReliability      *float64
	BlockedProviders     []string
	BlockedRegions       []string
	PreferredProviders   []string
	PreferredRegions     []string
	MaxCostPerRequest    *decimal.Decimal
	MinSuccessRate       *float64
}

// Policy is owned by the Policy Engine.
type Policy struct {
	ID        string
	Name      string
	Type      PolicyType
	Scope     PolicyScope
	ScopeID   string
	Priority  int
	Rules     PolicyRules
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CandidateContext is the per-key information the Policy Engine needs to
// evaluate rules against one candidate (spec 4.4's evaluate_policy context).
type CandidateContext struct {
	KeyID         string
	ProviderID    string
	Region        string
	Metadata      map[string]interface{}
	UsageCount    int64
	FailureCount  int64
	EstimatedCost decimal.Decimal
}

// PolicyEvalResult is the output of Evaluate policy.
type PolicyEvalResult struct {
	Allowed         bool
	Reason          string
	AppliedPolicies []string
	Constraints     map[string]interface{}
	FilteredKeys    []string // keys that survived, when the policy filters
}
