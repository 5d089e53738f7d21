package domain

import "time"

// CapacityState is the derived fullness bucket for a QuotaState.
type CapacityState string

const (
	CapacityAbundant    CapacityState = "abundant"
	CapacityConstrained CapacityState = "constrained"
	CapacityCritical    CapacityState = "critical"
	CapacityExhausted   CapacityState = "exhausted"
	CapacityRecovering  CapacityState = "recovering"
)

// CapacityUnit is the dimension a QuotaState measures.
type CapacityUnit string

const (
	UnitRequests CapacityUnit = "requests"
	UnitTokens   CapacityUnit = "tokens"
	UnitMixed    CapacityUnit = "mixed"
)

// TimeWindow is the reset cadence for a QuotaState or Budget period.
type TimeWindow string

const (
	WindowHourly  TimeWindow = "hourly"
	WindowDaily   TimeWindow = "daily"
	WindowMonthly TimeWindow = "monthly"
	WindowCustom  TimeWindow = "custom"
)

// NextReset computes the next reset instant for a window starting at from.
// For WindowCustom the custom duration is used, or 24h when it is not
// positive.
func (w TimeWindow) NextReset(from time.Time, custom time.Duration) time.Time {
	switch w {
	case WindowHourly:
		return from.Add(time.Hour)
	case WindowDaily:
		return from.Add(24 * time.Hour)
	case WindowMonthly:
		return from.AddDate(0, 1, 0)
	case WindowCustom:
		if custom <= 0 {
			custom = 24 * time.Hour
		}
		return from.Add(custom)
	default:
		return from.Add(time.Hour)
	}
}

// ConfidenceLevel buckets an exhaustion prediction's trustworthiness.
type ConfidenceLevel string

const (
	ConfidenceUnknown ConfidenceLevel = "unknown"
	ConfidenceLow     ConfidenceLevel = "low"
	ConfidenceMedium  ConfidenceLevel = "medium"
	ConfidenceHigh    ConfidenceLevel = "high"
)

// atLeast reports whether the receiver meets or exceeds the threshold on
// the Unknown < Low < Medium < High ordering.
func (c ConfidenceLevel) atLeast(threshold ConfidenceLevel) bool {
	rank := map[ConfidenceLevel]int{ConfidenceUnknown: 0, ConfidenceLow: 1, ConfidenceMedium: 2, ConfidenceHigh: 3}
	return rank[c] >= rank[threshold]
}

// CapacityEstimate is a provider's report of remaining/total/used capacity,
// which may be exact, bounded, one-sided, or entirely unknown.
type CapacityEstimate struct {
	Kind           string // "exact", "bounded", "one_sided", "unknown"
	Value          float64
	Min            float64
	Max            float64
	Confidence     float64 // [0,1]
	Method         string
	LastVerifiedAt *time.Time
}

// Exact builds a CapacityEstimate representing a known, precise value.
func Exact(value float64, method string) CapacityEstimate {
	return CapacityEstimate{Kind: "exact", Value: value, Confidence: 1.0, Method: method}
}

// Unknown builds a CapacityEstimate representing the absence of any signal.
func Unknown() CapacityEstimate {
	return CapacityEstimate{Kind: "unknown", Confidence: 0}
}

// QuotaState is the Quota Awareness Engine's per-key capacity record.
type QuotaState struct {
	ID               string
	KeyID            string
	CapacityState    CapacityState
	Unit             CapacityUnit
	Remaining        CapacityEstimate
	Total            *CapacityEstimate
	Used             float64
	TokenRemaining   *CapacityEstimate
	TokenTotal       *CapacityEstimate
	TokenUsed        float64
	Window           TimeWindow
	CustomWindow     time.Duration
	NextResetAt      time.Time
	LastUpdatedAt    time.Time
}

// DeriveCapacityState computes the fullness bucket from remaining/total
// per spec 3: >=80% Abundant, >=50% Constrained, >=20% Critical, else
// Exhausted. A nil or zero total means capacity is unbounded: Abundant.
func DeriveCapacityState(remaining, total *CapacityEstimate) CapacityState {
	if total == nil || total.Value <= 0 {
		return CapacityAbundant
	}
	ratio := remaining.Value / total.Value
	switch {
	case ratio >= 0.80:
		return CapacityAbundant
	case ratio >= 0.50:
		return CapacityConstrained
	case ratio >= 0.20:
		return CapacityCritical
	default:
		return CapacityExhausted
	}
}

// QuotaMultiplier returns the additive/multiplicative bonus the Quota
// Awareness Engine applies to a routing score for a given capacity state
// (spec 4.2's apply_quota_multipliers).
func QuotaMultiplier(state CapacityState) float64 {
	switch state {
	case CapacityAbundant:
		return 1.20
	case CapacityConstrained:
		return 0.85
	case CapacityCritical:
		return 0.70
	case CapacityRecovering:
		return 0.50
	default:
		return 0
	}
}

// UsageRate is the Quota Engine's estimate of consumption speed, used by
// Predict exhaustion.
type UsageRate struct {
	KeyID           string
	RequestsPerHour float64
	TokensPerHour   float64
	WindowHours     float64
}

// ExhaustionPrediction is the output of Predict exhaustion(key id).
type ExhaustionPrediction struct {
	KeyID             string
	PredictedAt       *time.Time
	Confidence        ConfidenceLevel
	CalculationMethod string
}

// RaisesToCritical reports whether this prediction should force the
// capacity state to Critical even when raw thresholds say Constrained,
// per spec 4.2: predicted exhaustion before reset with confidence >= Medium.
func (p ExhaustionPrediction) RaisesToCritical(resetAt time.Time) bool {
	if p.PredictedAt == nil {
		return false
	}
	return p.PredictedAt.Before(resetAt) && p.Confidence.atLeast(ConfidenceMedium)
}
