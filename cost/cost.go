// Package cost implements the Cost Controller (spec section 4.3): cost
// estimation, budget CRUD, and budget enforcement in hard/soft/advisory
// modes.
package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/providers"
	"github.com/llm-router/keyrouter/store"
)

// BudgetExceededError is raised when a hard-enforcement budget would be
// exceeded by a request. Unlike soft/advisory violations, this stops the
// request rather than merely flagging it.
type BudgetExceededError struct {
	Message         string
	RemainingBudget decimal.Decimal
	ViolatedBudgets []string
	CostEstimate    decimal.Decimal
	BudgetLimit     decimal.Decimal
}

func (e *BudgetExceededError) Error() string { return e.Message }

func (e *BudgetExceededError) Unwrap() error { return core.ErrBudgetExceeded }

// Controller is the Cost Controller component.
type Controller struct {
	store  store.Store
	events core.EventSink
	logger core.Logger
}

// Option configures a Controller at construction time.
type Option func(*Controller)

func WithLogger(logger core.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithEventSink(sink core.EventSink) Option {
	return func(c *Controller) { c.events = sink }
}

// New builds a Controller backed by st.
func New(st store.Store, opts ...Option) *Controller {
	c := &Controller{
		store:  st,
		events: core.NoOpEventSink{},
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateCost delegates to the provider adapter's pricing table, falling
// back to the adapter's token heuristic when no pricing entry matches.
func (c *Controller) EstimateCost(ctx context.Context, adapter providers.Adapter, intent domain.Intent) (domain.CostEstimate, error) {
	estimate, err := adapter.EstimateCost(intent)
	if err != nil {
		return domain.CostEstimate{}, core.NewRouterError("CostController.EstimateCost", core.KindSystemError, "", "cost estimation failed", err)
	}
	return estimate, nil
}

// CreateBudget persists a new Budget, assigning it an id and its initial
// period start.
func (c *Controller) CreateBudget(ctx context.Context, scope domain.BudgetScope, scopeID string, limit decimal.Decimal, currency string, period domain.TimeWindow, customPeriod time.Duration, enforcement domain.EnforcementMode, alertThreshold float64) (*domain.Budget, error) {
	if scope != domain.ScopeGlobal && scopeID == "" {
		return nil, core.NewRouterError("CostController.CreateBudget", core.KindValidationError, "", "scope_id is required for non-global scope", nil)
	}
	now := time.Now().UTC()
	budget := &domain.Budget{
		ID:             uuid.New().String(),
		Scope:          scope,
		ScopeID:        scopeID,
		Limit:          limit,
		Currency:       currency,
		Period:         period,
		CustomPeriod:   customPeriod,
		CurrentSpend:   decimal.Zero,
		PeriodStart:    now,
		Enforcement:    enforcement,
		AlertThreshold: alertThreshold,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.SaveBudget(ctx, budget); err != nil {
		return nil, wrapErr("CostController.CreateBudget", err)
	}
	return budget, nil
}

// GetBudget returns a budget by id.
func (c *Controller) GetBudget(ctx context.Context, id string) (*domain.Budget, error) {
	budget, err := c.store.GetBudget(ctx, id)
	if err != nil {
		return nil, wrapErr("CostController.GetBudget", err)
	}
	return budget, nil
}

// UpdateSpending adds amount to a budget's current spend, rolling the
// budget's period over first if it has elapsed.
func (c *Controller) UpdateSpending(ctx context.Context, budgetID string, amount decimal.Decimal) error {
	budget, err := c.store.GetBudget(ctx, budgetID)
	if err != nil {
		return wrapErr("CostController.UpdateSpending", err)
	}
	if budget == nil {
		return core.NewRouterError("CostController.UpdateSpending", core.KindValidationError, budgetID, "budget not found", nil)
	}

	c.rolloverIfNeeded(budget)

	crossed := budget.CrossesAlertThreshold(amount)
	budget.CurrentSpend = budget.CurrentSpend.Add(amount)
	budget.UpdatedAt = time.Now().UTC()

	if err := c.store.SaveBudget(ctx, budget); err != nil {
		return wrapErr("CostController.UpdateSpending", err)
	}

	if crossed {
		c.events.Emit(ctx, core.AuditEvent{
			Type: "budget_threshold_crossed",
			Payload: map[string]interface{}{
				"budget_id": budget.ID,
				"scope":     string(budget.Scope),
				"threshold": budget.AlertThreshold,
			},
			Timestamp: budget.UpdatedAt,
		})
	}

	return nil
}

func (c *Controller) rolloverIfNeeded(budget *domain.Budget) {
	now := time.Now().UTC()
	if !budget.NeedsRollover(now) {
		return
	}
	budget.CurrentSpend = decimal.Zero
	budget.PeriodStart = now
	budget.UpdatedAt = now
}

// matchingBudgets returns every persisted budget whose scope applies to
// the given provider/key/team identifiers, rolling each over in place if
// its period has elapsed.
func (c *Controller) matchingBudgets(ctx context.Context, providerID, keyID, teamID string) ([]*domain.Budget, error) {
	all, err := c.store.ListBudgets(ctx)
	if err != nil {
		return nil, wrapErr("CostController.matchingBudgets", err)
	}

	var matched []*domain.Budget
	for _, b := range all {
		if !b.Matches(providerID, keyID, teamID) {
			continue
		}
		before := b.PeriodStart
		c.rolloverIfNeeded(b)
		if !b.PeriodStart.Equal(before) {
			if err := c.store.SaveBudget(ctx, b); err != nil {
				return nil, wrapErr("CostController.matchingBudgets", err)
			}
		}
		matched = append(matched, b)
	}
	return matched, nil
}

// CheckBudget evaluates every budget whose scope matches the given
// identifiers against a prospective cost, without enforcing hard
// rejection. A hard-enforcement budget that would be exceeded is still
// reported in violated_budgets and allowed is false; callers wanting the
// raising behavior should use EnforceBudget.
func (c *Controller) CheckBudget(ctx context.Context, providerID, keyID, teamID string, amount decimal.Decimal) (domain.BudgetCheckResult, error) {
	budgets, err := c.matchingBudgets(ctx, providerID, keyID, teamID)
	if err != nil {
		return domain.BudgetCheckResult{}, err
	}

	result := domain.BudgetCheckResult{
		Allowed:       true,
		RemainingByID: make(map[string]decimal.Decimal, len(budgets)),
	}

	for _, b := range budgets {
		result.RemainingByID[b.ID] = b.Remaining()
		if b.WouldExceed(amount) {
			result.WouldExceed = true
			result.Allowed = false
			result.ViolatedBudgets = append(result.ViolatedBudgets, b.ID)
			switch b.Enforcement {
			case domain.EnforcementHard:
				result.HardViolation = true
			case domain.EnforcementSoft:
				result.SoftViolation = true
			}
		}
	}

	return result, nil
}

// EnforceBudget evaluates all matching budgets against the given cost
// estimate. A hard-enforcement budget that would be exceeded raises a
// BudgetExceededError and emits a budget_violation audit event; a
// soft/advisory violation is reported via the returned result without
// raising.
func (c *Controller) EnforceBudget(ctx context.Context, providerID, keyID, teamID string, estimate domain.CostEstimate) (domain.BudgetCheckResult, error) {
	budgets, err := c.matchingBudgets(ctx, providerID, keyID, teamID)
	if err != nil {
		return domain.BudgetCheckResult{}, err
	}

	result := domain.BudgetCheckResult{
		Allowed:       true,
		RemainingByID: make(map[string]decimal.Decimal, len(budgets)),
	}

	var hardViolation *domain.Budget
	for _, b := range budgets {
		result.RemainingByID[b.ID] = b.Remaining()
		if !b.WouldExceed(estimate.Amount) {
			continue
		}
		result.WouldExceed = true
		result.ViolatedBudgets = append(result.ViolatedBudgets, b.ID)
		if b.Enforcement == domain.EnforcementHard && hardViolation == nil {
			hardViolation = b
		}
	}

	if hardViolation == nil {
		result.Allowed = !result.WouldExceed
		return result, nil
	}

	message := fmt.Sprintf(
		"budget %s: spending $%s plus estimated $%s would exceed limit of $%s",
		hardViolation.ID,
		hardViolation.CurrentSpend.StringFixed(2),
		estimate.Amount.StringFixed(2),
		hardViolation.Limit.StringFixed(2),
	)

	c.logger.ErrorWithContext(ctx, "Budget violation", map[string]interface{}{
		"budget_id":        hardViolation.ID,
		"enforcement_mode": string(hardViolation.Enforcement),
		"cost_estimate":    estimate.Amount.InexactFloat64(),
	})

	c.events.Emit(ctx, core.AuditEvent{
		Type: "budget_violation",
		Payload: map[string]interface{}{
			"enforcement_mode": string(hardViolation.Enforcement),
			"cost_estimate":    estimate.Amount.InexactFloat64(),
			"violated_budgets": result.ViolatedBudgets,
		},
		Timestamp: time.Now().UTC(),
	})

	return result, &BudgetExceededError{
		Message:         message,
		RemainingBudget: hardViolation.Remaining(),
		ViolatedBudgets: result.ViolatedBudgets,
		CostEstimate:    estimate.Amount,
		BudgetLimit:     hardViolation.Limit,
	}
}

// RecordActual reconciles an estimated cost against the actual cost of a
// completed request, returning the delta for downstream accuracy
// tracking. It does not itself update any budget's spend; callers apply
// the actual amount via UpdateSpending.
func (c *Controller) RecordActual(requestID string, estimate, actual decimal.Decimal) domain.ReconciliationRecord {
	return domain.NewReconciliationRecord(requestID, estimate, actual, time.Now().UTC())
}

// RecordActualCost is spec 4.3's "Record actual cost" operation: it builds
// the reconciliation record, emits it on the audit path (the Cost
// Controller has no separate reconciliation store, so this is the
// persisted trail), and atomically increments every budget whose scope
// matches providerID/keyID/teamID by the actual amount.
func (c *Controller) RecordActualCost(ctx context.Context, requestID, providerID, keyID, teamID string, estimate, actual decimal.Decimal) (domain.ReconciliationRecord, error) {
	record := c.RecordActual(requestID, estimate, actual)

	c.events.Emit(ctx, core.AuditEvent{
		Type: "cost_reconciled",
		Payload: map[string]interface{}{
			"request_id":    record.RequestID,
			"estimate":      record.Estimate.InexactFloat64(),
			"actual":        record.Actual.InexactFloat64(),
			"delta":         record.Delta.InexactFloat64(),
			"delta_percent": record.DeltaPercent,
			"provider_id":   providerID,
			"key_id":        keyID,
		},
		Timestamp: record.RecordedAt,
	})

	budgets, err := c.matchingBudgets(ctx, providerID, keyID, teamID)
	if err != nil {
		return record, err
	}
	for _, b := range budgets {
		if err := c.UpdateSpending(ctx, b.ID, actual); err != nil {
			return record, err
		}
	}
	return record, nil
}

func wrapErr(op string, err error) error {
	return core.NewRouterError(op, core.KindStateStoreError, "", "state store operation failed", err)
}
