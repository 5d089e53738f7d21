package obs

import (
	"sync"
	"sync/atomic"
	"time"
)

// TelemetryCircuitBreaker protects the telemetry backend from overload when
// the OTel collector is slow or unreachable; it is distinct from
// resilience.CircuitBreaker, which protects provider calls.
type TelemetryCircuitBreaker struct {
	config CircuitConfig

	state           atomic.Value // string: "closed", "open", "half-open"
	failures        atomic.Int64
	successes       atomic.Int64
	lastFailureTime atomic.Value // time.Time

	mu sync.Mutex
}

// CircuitConfig configures the telemetry circuit breaker.
type CircuitConfig struct {
	Enabled      bool
	MaxFailures  int
	RecoveryTime time.Duration
	HalfOpenMax  int
}

// NewTelemetryCircuitBreaker creates a new circuit breaker. Returns nil if
// disabled, and every method on a nil *TelemetryCircuitBreaker is a safe
// no-op: Allow always returns true and State returns "disabled".
func NewTelemetryCircuitBreaker(config CircuitConfig) *TelemetryCircuitBreaker {
	if !config.Enabled {
		return nil
	}

	if config.MaxFailures == 0 {
		config.MaxFailures = 10
	}
	if config.RecoveryTime == 0 {
		config.RecoveryTime = 30 * time.Second
	}
	if config.HalfOpenMax == 0 {
		config.HalfOpenMax = 5
	}

	cb := &TelemetryCircuitBreaker{config: config}
	cb.state.Store("closed")
	cb.lastFailureTime.Store(time.Time{})

	return cb
}

// Allow checks if a telemetry emission should be allowed.
func (cb *TelemetryCircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}

	switch cb.State() {
	case "open":
		lastFailureVal := cb.lastFailureTime.Load()
		if lastFailure, ok := lastFailureVal.(time.Time); ok && !lastFailure.IsZero() {
			if time.Since(lastFailure) > cb.config.RecoveryTime {
				cb.mu.Lock()
				if cb.state.Load().(string) == "open" {
					cb.state.Store("half-open")
					cb.successes.Store(0)
					GetLogger().Info("telemetry circuit breaker entering half-open state", map[string]interface{}{
						"recovery_wait":     cb.config.RecoveryTime.String(),
						"max_test_requests": cb.config.HalfOpenMax,
					})
				}
				cb.mu.Unlock()
				return true
			}
		}
		return false

	case "half-open":
		return cb.successes.Load() < int64(cb.config.HalfOpenMax)

	default:
		return true
	}
}

// RecordSuccess records a successful telemetry emission.
func (cb *TelemetryCircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	cb.successes.Add(1)
	state := cb.State()

	if state == "half-open" {
		successes := cb.successes.Load()
		if successes >= int64(cb.config.HalfOpenMax) {
			cb.mu.Lock()
			if cb.state.Load().(string) == "half-open" {
				cb.state.Store("closed")
				cb.failures.Store(0)
				GetLogger().Info("telemetry circuit breaker closed, backend recovered", map[string]interface{}{
					"recovery_tests": successes,
				})
			}
			cb.mu.Unlock()
		}
	} else if state == "closed" {
		cb.failures.Store(0)
	}
}

// RecordFailure records a failed telemetry emission.
func (cb *TelemetryCircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now())

	if failures >= int64(cb.config.MaxFailures) {
		cb.mu.Lock()
		if cb.state.Load().(string) != "open" {
			previousState := cb.state.Load().(string)
			cb.state.Store("open")
			cb.successes.Store(0)
			GetLogger().Warn("telemetry circuit breaker opened, metrics will be dropped", map[string]interface{}{
				"previous_state": previousState,
				"failure_count":  failures,
				"max_failures":   cb.config.MaxFailures,
				"recovery_time":  cb.config.RecoveryTime.String(),
			})
		}
		cb.mu.Unlock()
	}
}

// State returns the current circuit breaker state.
func (cb *TelemetryCircuitBreaker) State() string {
	if cb == nil {
		return "disabled"
	}
	return cb.state.Load().(string)
}

// Reset resets the circuit breaker to closed.
func (cb *TelemetryCircuitBreaker) Reset() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state.Load().(string)
	previousFailures := cb.failures.Load()

	cb.state.Store("closed")
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastFailureTime.Store(time.Time{})

	if previousState != "closed" || previousFailures > 0 {
		GetLogger().Info("telemetry circuit breaker manually reset", map[string]interface{}{
			"previous_state":    previousState,
			"previous_failures": previousFailures,
		})
	}
}
