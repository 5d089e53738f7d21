package resilience

import (
	"context"

	"github.com/llm-router/keyrouter/core"
)

// ResilienceDependencies holds optional dependencies injected into a
// circuit breaker at construction, following the same explicit-injection
// discipline as the router's other components (no process-wide
// singletons).
type ResilienceDependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

// CreateCircuitBreaker creates a circuit breaker with proper dependency injection
func CreateCircuitBreaker(name string, deps ResilienceDependencies) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.Name = name

	if deps.Logger != nil {
		config.Logger = deps.Logger
	} else {
		config.Logger = &core.NoOpLogger{}
	}

	if deps.Telemetry != nil {
		config.Metrics = NewOTelMetricsCollector(context.Background())
		config.Logger.Info("Telemetry integration enabled for circuit breaker", map[string]interface{}{
			"operation": "telemetry_integration",
			"name":      name,
			"component": "circuit_breaker",
		})
	}

	config.Logger.Info("Creating circuit breaker", map[string]interface{}{
		"operation":        "circuit_breaker_creation",
		"name":             name,
		"error_threshold":  config.ErrorThreshold,
		"volume_threshold": config.VolumeThreshold,
	})

	return NewCircuitBreaker(config)
}

// WithLogger creates dependency injection option
func WithLogger(logger core.Logger) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Logger = logger
	}
}

// WithTelemetry creates dependency injection option
func WithTelemetry(telemetry core.Telemetry) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Telemetry = telemetry
	}
}
