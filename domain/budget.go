package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetScope is the breadth at which a Budget's spend is tracked.
type BudgetScope string

const (
	ScopeGlobal      BudgetScope = "global"
	ScopePerProvider BudgetScope = "per_provider"
	ScopePerKey      BudgetScope = "per_key"
	ScopePerTeam     BudgetScope = "per_team"
)

// EnforcementMode controls what Check budget / Enforce budget do when a
// budget would be exceeded.
type EnforcementMode string

const (
	EnforcementHard     EnforcementMode = "hard"
	EnforcementSoft     EnforcementMode = "soft"
	EnforcementAdvisory EnforcementMode = "advisory"
)

// Budget is owned by the Cost Controller.
type Budget struct {
	ID               string
	Scope            BudgetScope
	ScopeID          string // required when Scope != ScopeGlobal
	Limit            decimal.Decimal
	Currency         string
	Period           TimeWindow
	CustomPeriod     time.Duration
	CurrentSpend     decimal.Decimal
	PeriodStart      time.Time
	Enforcement      EnforcementMode
	AlertThreshold   float64 // fraction in (0,1)
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Matches reports whether the budget's scope applies to the given
// provider/key/team identifiers (spec 4.3's "all budgets whose scope
// matches").
func (b *Budget) Matches(providerID, keyID, teamID string) bool {
	switch b.Scope {
	case ScopeGlobal:
		return true
	case ScopePerProvider:
		return b.ScopeID == providerID
	case ScopePerKey:
		return b.ScopeID == keyID
	case ScopePerTeam:
		return b.ScopeID == teamID
	default:
		return false
	}
}

// Projected returns current_spend + amount without mutating the budget.
func (b *Budget) Projected(amount decimal.Decimal) decimal.Decimal {
	return b.CurrentSpend.Add(amount)
}

// WouldExceed reports whether projecting amount against this budget would
// exceed its limit.
func (b *Budget) WouldExceed(amount decimal.Decimal) bool {
	return b.Projected(amount).GreaterThan(b.Limit)
}

// Remaining returns the budget's headroom, floored at zero.
func (b *Budget) Remaining() decimal.Decimal {
	r := b.Limit.Sub(b.CurrentSpend)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// NeedsRollover reports whether the current period has elapsed as of now.
func (b *Budget) NeedsRollover(now time.Time) bool {
	return !now.Before(b.Window())
}

// Window returns the instant this budget's current period ends.
func (b *Budget) Window() time.Time {
	return b.Period.NextReset(b.PeriodStart, b.CustomPeriod)
}

// CrossesAlertThreshold reports whether adding amount to current spend
// pushes the budget from below the alert threshold to at or above it.
func (b *Budget) CrossesAlertThreshold(amount decimal.Decimal) bool {
	if b.Limit.IsZero() {
		return false
	}
	threshold := b.Limit.Mul(decimal.NewFromFloat(b.AlertThreshold))
	before := b.CurrentSpend
	after := b.CurrentSpend.Add(amount)
	return before.LessThan(threshold) && !after.LessThan(threshold)
}

// CostEstimate is the Cost Controller's estimate for one request.
type CostEstimate struct {
	Amount            decimal.Decimal
	Currency          string
	Confidence        float64
	EstimationMethod  string
	EstimatedInput    int
	EstimatedOutput   int
	Breakdown         map[string]decimal.Decimal
}

// ReconciliationRecord captures estimate vs actual cost for one request, a
// feature present in the original Python implementation's Record actual
// cost but dropped from the distilled specification (see SPEC_FULL.md).
type ReconciliationRecord struct {
	RequestID    string
	Estimate     decimal.Decimal
	Actual       decimal.Decimal
	Delta        decimal.Decimal
	DeltaPercent float64
	RecordedAt   time.Time
}

// NewReconciliationRecord computes the delta and delta-percent fields.
func NewReconciliationRecord(requestID string, estimate, actual decimal.Decimal, at time.Time) ReconciliationRecord {
	delta := actual.Sub(estimate)
	var deltaPercent float64
	if !estimate.IsZero() {
		deltaPercent, _ = delta.Div(estimate).Mul(decimal.NewFromInt(100)).Float64()
	}
	return ReconciliationRecord{
		RequestID:    requestID,
		Estimate:     estimate,
		Actual:       actual,
		Delta:        delta,
		DeltaPercent: deltaPercent,
		RecordedAt:   at,
	}
}

// BudgetCheckResult is the output of Check budget.
type BudgetCheckResult struct {
	Allowed         bool
	WouldExceed     bool
	HardViolation   bool
	SoftViolation   bool
	RemainingByID   map[string]decimal.Decimal
	ViolatedBudgets []string
	Reason          string
}
