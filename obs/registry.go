package obs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llm-router/keyrouter/core"
)

var (
	// globalRegistry holds the singleton Registry instance. atomic.Value gives
	// lock-free reads on the metric-emission hot path; it is written once, in
	// Initialize().
	globalRegistry atomic.Value // *Registry

	// initOnce ensures Initialize() only takes effect once.
	initOnce sync.Once

	// declaredMetrics holds metric declarations registered via DeclareMetrics
	// before Initialize() runs, solving the init()-ordering problem.
	declaredMetrics sync.Map // map[string]ModuleConfig

	telemetryErrors  atomic.Int64
	telemetryDropped atomic.Int64
)

// ModuleConfig declares the metrics a component will emit.
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition describes one metric's metadata.
type MetricDefinition struct {
	Name    string
	Type    string // counter, histogram, gauge, updowncounter
	Help    string
	Labels  []string
	Unit    string
	Buckets []float64
}

// Registry coordinates the metrics provider, circuit breaker, and
// cardinality limiter behind the package-level Emit functions.
type Registry struct {
	config   Config
	provider *OTelProvider
	limiter  *CardinalityLimiter
	circuit  *TelemetryCircuitBreaker
	metrics  *MetricInstruments
	logger   *TelemetryLogger

	emitted   atomic.Int64
	startTime time.Time
	lastError atomic.Value // string

	errorLimiter *RateLimiter
}

// DeclareMetrics registers metric definitions for a component. Safe to call
// from init() functions before Initialize runs.
func DeclareMetrics(module string, config ModuleConfig) {
	declaredMetrics.Store(module, config)
}

// Initialize activates the telemetry system. Must be called once from
// main() before any metrics are emitted; subsequent calls are no-ops.
// Even if initialization fails, Emit stays a safe no-op rather than
// panicking the caller.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		logger := NewTelemetryLogger(config.ServiceName)

		logger.Info("telemetry initialization starting", map[string]interface{}{
			"service_name":      config.ServiceName,
			"endpoint":          config.Endpoint,
			"cardinality_limit": config.CardinalityLimit,
			"provider":          config.Provider,
			"circuit_enabled":   config.CircuitBreaker.Enabled,
		})

		registry, err := newRegistry(config)
		if err != nil {
			initErr = err
			logger.Error("telemetry initialization failed", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": config.Endpoint,
			})
			return
		}

		registry.logger = logger

		declaredCount := 0
		declaredMetrics.Range(func(key, value interface{}) bool {
			module := key.(string)
			moduleConfig := value.(ModuleConfig)
			registry.registerModule(module, moduleConfig)
			declaredCount++
			return true
		})

		globalRegistry.Store(registry)
		logger.EnableMetrics()

		EnableMetricsRegistry(logger)

		logger.Info("telemetry system initialized", map[string]interface{}{
			"declared_modules":  declaredCount,
			"circuit_enabled":   registry.circuit != nil,
			"limiter_enabled":   registry.limiter != nil,
			"initialization_ms": time.Since(registry.startTime).Milliseconds(),
		})
	})
	return initErr
}

func newRegistry(config Config) (*Registry, error) {
	startTime := time.Now()

	if config.Endpoint == "" {
		config.Endpoint = "localhost:4318"
	}
	if config.ServiceName == "" {
		config.ServiceName = "keyrouter"
	}
	if config.CardinalityLimit == 0 {
		config.CardinalityLimit = 10000
	}

	provider, err := NewOTelProvider(config.ServiceName, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create otel provider: %w", err)
	}

	limits := config.CardinalityLimits
	if limits == nil {
		limits = map[string]int{
			"provider_id": 100,
			"model":       100,
			"error_type":  50,
			"key_id":      200,
		}
	}

	r := &Registry{
		config:       config,
		provider:     provider,
		limiter:      NewCardinalityLimiter(limits),
		circuit:      NewTelemetryCircuitBreaker(config.CircuitBreaker),
		metrics:      provider.metrics,
		startTime:    startTime,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
	r.lastError.Store("")

	return r, nil
}

func (r *Registry) registerModule(_ string, config ModuleConfig) {
	ctx := context.Background()
	for _, metric := range config.Metrics {
		switch metric.Type {
		case "counter":
			_ = r.metrics.RecordCounter(ctx, metric.Name, 0)
		case "histogram":
			_ = r.metrics.RecordHistogram(ctx, metric.Name, 0)
		}
	}
}

func (r *Registry) emit(name string, value float64, labels map[string]string) error {
	if r.circuit != nil && !r.circuit.Allow() {
		telemetryDropped.Add(1)
		return fmt.Errorf("telemetry circuit breaker open")
	}

	if r.limiter != nil {
		for key, val := range labels {
			limited := r.limiter.CheckAndLimit(name, key, val)
			if limited != val {
				labels[key] = limited
			}
		}
	}

	if r.provider != nil {
		r.provider.RecordMetric(name, value, labels)
		r.emitted.Add(1)
		if r.circuit != nil {
			r.circuit.RecordSuccess()
		}
	}

	return nil
}

// Emit records a metric against the global registry. A no-op before
// Initialize has run.
func Emit(name string, value float64, labels ...string) {
	registry := globalRegistry.Load()
	if registry == nil {
		return
	}

	r := registry.(*Registry)
	if err := r.emit(name, value, parseLabels(labels...)); err != nil {
		telemetryErrors.Add(1)
		r.lastError.Store(err.Error())

		if r.logger != nil && r.errorLimiter != nil && r.errorLimiter.Allow() {
			r.logger.Error("failed to emit metric", map[string]interface{}{
				"metric": name,
				"value":  value,
				"error":  err.Error(),
			})
		}

		if r.circuit != nil {
			r.circuit.RecordFailure()
		}
	}
}

// EmitWithContext emits a metric, automatically including any baggage
// attached to ctx (e.g. a request's correlation id) as labels.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	allLabels := appendBaggageToLabels(ctx, labels)
	defer returnLabelSlice(allLabels)

	if provider := FromContext(ctx); provider != nil {
		provider.RecordMetric(name, value, parseLabels(allLabels...))
		return
	}
	Emit(name, value, allLabels...)
}

// FromContext retrieves a request-scoped telemetry provider from ctx, if
// one was attached. Currently always returns nil; reserved for future
// per-request provider overrides.
func FromContext(ctx context.Context) *OTelProvider {
	return nil
}

// parseLabels converts "key1", "val1", "key2", "val2" pairs to a map.
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string)
	for i := 0; i < len(labels)-1; i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// Shutdown gracefully shuts down the telemetry system and clears the
// global registry so Emit becomes a no-op again.
func Shutdown(ctx context.Context) error {
	registry := globalRegistry.Load()
	if registry == nil {
		return nil
	}

	r := registry.(*Registry)

	if r.logger != nil {
		r.logger.Info("shutting down telemetry system", map[string]interface{}{
			"total_emitted": r.emitted.Load(),
			"uptime_ms":     time.Since(r.startTime).Milliseconds(),
		})
	}

	if r.limiter != nil {
		r.limiter.Stop()
	}

	if r.provider != nil {
		if err := r.provider.Shutdown(ctx); err != nil {
			if r.logger != nil {
				r.logger.Error("error during provider shutdown", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return err
		}
	}

	core.SetMetricsRegistry(nil)
	globalRegistry.Store(nil)

	return nil
}

// GetRegistry returns the current registry, or nil before Initialize runs.
// Intended for tests and health checks.
func GetRegistry() *Registry {
	r := globalRegistry.Load()
	if r == nil {
		return nil
	}
	return r.(*Registry)
}

// GetTelemetryProvider returns the OTelProvider as a core.Telemetry, for
// injection into components that start spans (e.g. the orchestrator).
// Returns nil before Initialize has run.
func GetTelemetryProvider() core.Telemetry {
	r := globalRegistry.Load()
	if r == nil {
		return nil
	}
	registry := r.(*Registry)
	if registry.provider == nil {
		return nil
	}
	return registry.provider
}
