// Package quota implements the Quota Awareness Engine (spec section 4.2):
// lazy per-key QuotaState creation, reset-on-read, atomic capacity
// updates, quota-based key filtering and scoring, and exhaustion
// prediction.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/keymanager"
	"github.com/llm-router/keyrouter/store"
)

// Engine is the Quota Awareness Engine. UpdateCapacity and SetCapacity both
// write a key's QuotaState, and GetQuotaState writes it back when a reset is
// due; every write holds a per-key mutex, so concurrent consumers are
// serialized to a single final used/remaining value, matching a serial
// execution order.
type Engine struct {
	store  store.Store
	events core.EventSink
	logger core.Logger
	keys   *keymanager.Manager

	keyLocks sync.Map // map[string]*sync.Mutex
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithEventSink(sink core.EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// WithKeyManager attaches the Key Manager so a key crossing into Exhausted
// capacity state also transitions the key itself to Exhausted, disqualifying
// it from routing (spec 4.2). Without it, crossing to Exhausted still filters
// the key out of this request's candidates via FilterByQuotaState, but does
// not disqualify it from subsequent requests that bypass quota filtering.
func WithKeyManager(km *keymanager.Manager) Option {
	return func(e *Engine) { e.keys = km }
}

// New builds an Engine backed by st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		events: core.NoOpEventSink{},
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) lockFor(keyID string) *sync.Mutex {
	lock, _ := e.keyLocks.LoadOrStore(keyID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// GetQuotaState returns a key's QuotaState, lazily creating one in the
// Abundant state with unknown bounds if none exists yet, and resetting it
// in place if its reset time has already passed.
func (e *Engine) GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error) {
	lock := e.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	return e.getOrCreateLocked(ctx, keyID)
}

func (e *Engine) getOrCreateLocked(ctx context.Context, keyID string) (*domain.QuotaState, error) {
	state, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if state == nil {
		state = &domain.QuotaState{
			ID:            uuid.New().String(),
			KeyID:         keyID,
			CapacityState: domain.CapacityAbundant,
			Unit:          domain.UnitRequests,
			Remaining:     domain.Unknown(),
			Window:        domain.WindowDaily,
			NextResetAt:   domain.WindowDaily.NextReset(now, 0),
			LastUpdatedAt: now,
		}
		if err := e.store.SaveQuotaState(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}

	if !state.NextResetAt.IsZero() && now.After(state.NextResetAt) {
		e.resetLocked(state, now)
		if err := e.store.SaveQuotaState(ctx, state); err != nil {
			return nil, err
		}
	}

	return state, nil
}

func (e *Engine) resetLocked(state *domain.QuotaState, now time.Time) {
	total := state.Total
	state.Used = 0
	state.TokenUsed = 0
	if total != nil {
		state.Remaining = *total
	} else {
		state.Remaining = domain.Unknown()
	}
	if state.TokenTotal != nil {
		state.TokenRemaining = state.TokenTotal
	}
	state.CapacityState = domain.DeriveCapacityState(&state.Remaining, total)
	var customWindow time.Duration
	if state.Window == domain.WindowCustom {
		customWindow = state.CustomWindow
	}
	state.NextResetAt = state.Window.NextReset(now, customWindow)
	state.LastUpdatedAt = now
}

// UpdateCapacity records consumed usage against a key's quota; SetCapacity
// is the other writer of a QuotaState. It checks for an elapsed reset before
// applying the delta, so a stale exhausted state never outlives its reset_at.
func (e *Engine) UpdateCapacity(ctx context.Context, keyID string, consumed float64, consumedTokens float64) (*domain.QuotaState, error) {
	lock := e.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.getOrCreateLocked(ctx, keyID)
	if err != nil {
		return nil, err
	}

	state.Used += consumed
	state.TokenUsed += consumedTokens

	if state.Total != nil {
		remainingValue := state.Total.Value - state.Used
		if remainingValue < 0 {
			remainingValue = 0
		}
		state.Remaining = domain.Exact(remainingValue, state.Remaining.Method)
	}
	if state.TokenTotal != nil {
		remainingTokens := state.TokenTotal.Value - state.TokenUsed
		if remainingTokens < 0 {
			remainingTokens = 0
		}
		tr := domain.Exact(remainingTokens, "")
		state.TokenRemaining = &tr
	}

	previous := state.CapacityState
	state.CapacityState = domain.DeriveCapacityState(&state.Remaining, state.Total)
	state.LastUpdatedAt = time.Now().UTC()

	if err := e.store.SaveQuotaState(ctx, state); err != nil {
		return nil, err
	}

	if previous != state.CapacityState {
		e.events.Emit(ctx, core.AuditEvent{
			Type: "quota_state_changed",
			Payload: map[string]interface{}{
				"key_id":         keyID,
				"previous_state": string(previous),
				"new_state":      string(state.CapacityState),
			},
			Timestamp: state.LastUpdatedAt,
		})

		if state.CapacityState == domain.CapacityExhausted && e.keys != nil {
			if _, err := e.keys.UpdateKeyState(ctx, keyID, domain.KeyExhausted, "quota_exhausted", 0, nil); err != nil {
				e.logger.WarnWithContext(ctx, "failed to transition key to exhausted after quota crossing", map[string]interface{}{"key_id": keyID, "error": err.Error()})
			}
		}
	}

	return state, nil
}

// SetCapacity records a provider-reported total/remaining capacity for a
// key, used when an adapter's response carries authoritative quota
// headers rather than the heuristic consumed-based path.
func (e *Engine) SetCapacity(ctx context.Context, keyID string, total, remaining domain.CapacityEstimate, window domain.TimeWindow, resetAt time.Time) (*domain.QuotaState, error) {
	lock := e.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.getOrCreateLocked(ctx, keyID)
	if err != nil {
		return nil, err
	}

	state.Total = &total
	state.Remaining = remaining
	state.Used = total.Value - remaining.Value
	state.Window = window
	state.NextResetAt = resetAt
	state.CapacityState = domain.DeriveCapacityState(&state.Remaining, state.Total)
	state.LastUpdatedAt = time.Now().UTC()

	if err := e.store.SaveQuotaState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// FilterByQuotaState drops keys whose QuotaState is Exhausted, leaving
// every other capacity state eligible (Critical/Constrained are scored
// down, not excluded, via ApplyQuotaMultipliers).
func (e *Engine) FilterByQuotaState(ctx context.Context, keys []*domain.Key) ([]*domain.Key, error) {
	var eligible []*domain.Key
	for _, k := range keys {
		state, err := e.GetQuotaState(ctx, k.ID)
		if err != nil {
			return nil, err
		}
		if state.CapacityState == domain.CapacityExhausted {
			continue
		}
		eligible = append(eligible, k)
	}
	return eligible, nil
}

// ApplyQuotaMultipliers returns a score multiplier per key id, derived from
// each key's current capacity state (spec 4.2).
func (e *Engine) ApplyQuotaMultipliers(ctx context.Context, keys []*domain.Key) (map[string]float64, error) {
	multipliers := make(map[string]float64, len(keys))
	for _, k := range keys {
		state, err := e.GetQuotaState(ctx, k.ID)
		if err != nil {
			return nil, err
		}
		multipliers[k.ID] = domain.QuotaMultiplier(state.CapacityState)
	}
	return multipliers, nil
}

// PredictExhaustion projects when a key will exhaust its remaining
// capacity at the given usage rate, using simple linear extrapolation.
func (e *Engine) PredictExhaustion(ctx context.Context, keyID string, rate domain.UsageRate) (domain.ExhaustionPrediction, error) {
	state, err := e.GetQuotaState(ctx, keyID)
	if err != nil {
		return domain.ExhaustionPrediction{}, err
	}

	if rate.RequestsPerHour <= 0 || state.Remaining.Kind == "unknown" {
		return domain.ExhaustionPrediction{
			KeyID:             keyID,
			Confidence:        domain.ConfidenceUnknown,
			CalculationMethod: "insufficient_data",
		}, nil
	}

	hoursRemaining := state.Remaining.Value / rate.RequestsPerHour
	predictedAt := time.Now().UTC().Add(time.Duration(hoursRemaining * float64(time.Hour)))

	confidence := domain.ConfidenceMedium
	if rate.WindowHours < 1 {
		confidence = domain.ConfidenceLow
	}
	if state.Remaining.Kind == "exact" {
		confidence = domain.ConfidenceHigh
	}

	return domain.ExhaustionPrediction{
		KeyID:             keyID,
		PredictedAt:       &predictedAt,
		Confidence:        confidence,
		CalculationMethod: "usage_rate_division",
	}, nil
}
