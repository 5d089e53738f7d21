package obs

import (
	"context"

	"github.com/llm-router/keyrouter/core"
)

// RouterMetricsRegistry implements core.MetricsRegistry, letting core-layer
// components (quota, cost, policy, routing, providers) emit metrics without
// importing obs directly.
type RouterMetricsRegistry struct {
	logger *TelemetryLogger
}

// NewRouterMetricsRegistry creates a registry that delegates to the package's
// global Emit functions.
func NewRouterMetricsRegistry(logger *TelemetryLogger) *RouterMetricsRegistry {
	return &RouterMetricsRegistry{logger: logger}
}

// Counter implements core.MetricsRegistry.
func (m *RouterMetricsRegistry) Counter(name string, labels ...string) {
	if m.logger != nil && m.logger.debug {
		m.logger.Debug("metrics registry counter", map[string]interface{}{
			"metric": name,
		})
	}
	Emit(name, 1.0, labels...)
}

// Gauge implements core.MetricsRegistry.
func (m *RouterMetricsRegistry) Gauge(name string, value float64, labels ...string) {
	if m.logger != nil && m.logger.debug {
		m.logger.Debug("metrics registry gauge", map[string]interface{}{
			"metric": name,
			"value":  value,
		})
	}
	Emit(name, value, labels...)
}

// Histogram implements core.MetricsRegistry.
func (m *RouterMetricsRegistry) Histogram(name string, value float64, labels ...string) {
	if m.logger != nil && m.logger.debug {
		m.logger.Debug("metrics registry histogram", map[string]interface{}{
			"metric": name,
			"value":  value,
		})
	}
	Emit(name, value, labels...)
}

// EmitWithContext implements core.MetricsRegistry.
func (m *RouterMetricsRegistry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	EmitWithContext(ctx, name, value, labels...)
}

// GetBaggage implements core.MetricsRegistry.
func (m *RouterMetricsRegistry) GetBaggage(ctx context.Context) map[string]string {
	return GetBaggage(ctx)
}

// EnableMetricsRegistry registers this package's metrics registry with core
// so that quota, cost, policy, routing, and provider packages can emit
// metrics through core.GetGlobalMetricsRegistry() without importing obs.
func EnableMetricsRegistry(logger *TelemetryLogger) {
	registry := NewRouterMetricsRegistry(logger)
	core.SetMetricsRegistry(registry)

	if logger != nil {
		logger.Info("metrics registry enabled", map[string]interface{}{
			"integration": "core.MetricsRegistry",
		})
	}
}
