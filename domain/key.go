package domain

import "time"

// KeyState is a position in the Key Manager's state machine (spec section 4.1).
type KeyState string

const (
	KeyAvailable  KeyState = "available"
	KeyThrottled  KeyState = "throttled"
	KeyExhausted  KeyState = "exhausted"
	KeyRecovering KeyState = "recovering"
	KeyDisabled   KeyState = "disabled"
	KeyInvalid    KeyState = "invalid"
)

// validTransitions mirrors the state-machine table verbatim: transitions
// not present here fail with core.ErrInvalidTransition. A state always
// transitions to itself (no-op, handled separately by callers).
var validTransitions = map[KeyState]map[KeyState]bool{
	KeyAvailable:  {KeyThrottled: true, KeyExhausted: true, KeyDisabled: true, KeyInvalid: true},
	KeyThrottled:  {KeyAvailable: true, KeyDisabled: true, KeyInvalid: true},
	KeyExhausted:  {KeyRecovering: true, KeyDisabled: true, KeyInvalid: true},
	KeyRecovering: {KeyAvailable: true, KeyExhausted: true, KeyDisabled: true, KeyInvalid: true},
	KeyDisabled:   {KeyAvailable: true, KeyInvalid: true},
	KeyInvalid:    {KeyDisabled: true},
}

// IsValidTransition reports whether from->to is allowed by the state
// machine. from==to is always valid (treated as a no-op by the caller).
func IsValidTransition(from, to KeyState) bool {
	if from == to {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Key represents one credential for one provider.
type Key struct {
	ID                string
	EncryptedMaterial []byte
	ProviderID        string
	State             KeyState
	StateUpdatedAt    time.Time
	CreatedAt         time.Time
	LastUsedAt        *time.Time
	UsageCount        int64
	FailureCount      int64
	CooldownUntil     *time.Time
	Metadata          map[string]interface{}
}

// Clone returns a deep-enough copy for safe handing to callers that must
// not be able to mutate state-store-owned memory through the returned
// value (the in-memory backing relies on this).
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	clone := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		clone.LastUsedAt = &t
	}
	if k.CooldownUntil != nil {
		t := *k.CooldownUntil
		clone.CooldownUntil = &t
	}
	if k.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(k.Metadata))
		for key, v := range k.Metadata {
			clone.Metadata[key] = v
		}
	}
	if k.EncryptedMaterial != nil {
		clone.EncryptedMaterial = append([]byte(nil), k.EncryptedMaterial...)
	}
	return &clone
}

// IsEligibleByState reports whether the key's current state alone permits
// it to be routed to, per Key Manager's get_eligible_keys rule (spec 4.1).
// Throttled keys are eligible only once their cooldown has elapsed.
func (k *Key) IsEligibleByState(now time.Time) bool {
	switch k.State {
	case KeyAvailable, KeyRecovering:
		return true
	case KeyThrottled:
		return k.CooldownUntil == nil || !now.Before(*k.CooldownUntil)
	default:
		return false
	}
}

// SuccessRate returns (usage-failure)/usage, or a neutral 0.95 for an
// unused key (spec 4.5's reliability scorer convention).
func (k *Key) SuccessRate() float64 {
	if k.UsageCount == 0 {
		return 0.95
	}
	successes := k.UsageCount - k.FailureCount
	if successes < 0 {
		successes = 0
	}
	return float64(successes) / float64(k.UsageCount)
}
