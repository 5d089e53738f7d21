package core

import (
	"context"
	"sync"
	"time"
)

// Logger is the minimal structured logging interface used throughout the
// router. Every package takes one at construction time; nil is replaced
// with NoOpLogger so call sites never need a nil check.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with a component tag that appears on
// every structured log line, enabling filters such as:
//
//	... | jq 'select(.component == "router/keymanager")'
//
// Component naming convention:
//   - "router/keymanager"     - Key Manager
//   - "router/quota"          - Quota Awareness Engine
//   - "router/cost"           - Cost Controller
//   - "router/policy"         - Policy Engine
//   - "router/routing"        - Routing Engine and strategies
//   - "router/orchestrator"   - Orchestrator
//   - "router/store"          - State Store backings
//   - "router/providers/<id>" - a specific provider adapter
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// AuditEvent is one entry in the router's audit trail (spec section 6):
// key_registered, key_rotated, key_revoked, key_access, state_transition,
// quota_state_changed, budget_violation, budget_threshold_crossed,
// routing_decision_made, request_completed, request_failed,
// configuration_loaded, configuration_rollback, policy_updated,
// key_config_updated, provider_registered.
type AuditEvent struct {
	Type      string
	Payload   map[string]interface{}
	Metadata  map[string]interface{}
	Timestamp time.Time
}

// EventSink receives audit events emitted by Key Manager, Quota Engine,
// Cost Controller, Routing Engine, and Orchestrator. A failure to emit
// never fails the operation that triggered it; callers log and continue.
type EventSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpEventSink discards every event; used when no sink is configured.
type NoOpEventSink struct{}

func (NoOpEventSink) Emit(ctx context.Context, event AuditEvent) {}

// Telemetry is the optional tracing/metrics facade passed to components
// that want to emit spans without importing the concrete OTel wiring.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents one telemetry span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// AIOptions configures a single generation request against a provider
// client's GenerateResponse/StreamResponse method.
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	TopP         float32
	Stop         []string
	SystemPrompt string
	Extra        map[string]interface{}
}

// TokenUsage reports the token accounting for one generation call, used by
// the Cost Controller to compute actual spend against an estimate.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIResponse is the raw result of a provider client's GenerateResponse.
type AIResponse struct {
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
	Raw          interface{}
}

// StreamCallback receives incremental chunks from StreamResponse.
type StreamCallback func(chunk string) error

// AIClient is the low-level, provider-specific generation contract that a
// concrete client (openai.Client, anthropic.Client, ...) implements. It
// intentionally says nothing about cost, capabilities, or error
// normalization: those live one layer up, in the providers.Adapter that
// wraps an AIClient for use by the Routing Engine and Orchestrator.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
	StreamResponse(ctx context.Context, prompt string, options *AIOptions, callback StreamCallback) (*AIResponse, error)
}

// Memory is a narrow get/set/delete/exists key-value interface used by
// components that need a short-lived cache (e.g. cost-reconciliation
// lookups, idempotency keys) without depending on the full State Store
// contract.
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ---------------------------------------------------------------------
// No-op defaults
// ---------------------------------------------------------------------

// NoOpLogger discards everything. Used as the zero-value default so
// components never need a nil check before logging.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpTelemetry discards spans and metrics.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan discards attributes and errors.
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// ---------------------------------------------------------------------
// Global metrics-registry indirection
// ---------------------------------------------------------------------

// MetricsRegistry lets the obs package register itself with core without
// creating a circular import: core is a leaf package that keymanager,
// quota, cost, policy, routing, and providers all depend on, while obs
// depends on core for the Logger/Telemetry interfaces it implements.
type MetricsRegistry interface {
	// Counter increments a counter metric by 1.
	Counter(name string, labels ...string)

	// Gauge sets a gauge metric to a specific value.
	Gauge(name string, value float64, labels ...string)

	// Histogram records a value in a histogram distribution.
	Histogram(name string, value float64, labels ...string)

	// EmitWithContext emits a metric with context for trace correlation.
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)

	// GetBaggage returns baggage from context for correlation.
	GetBaggage(ctx context.Context) map[string]string
}

var globalMetricsRegistry MetricsRegistry
var metricsMu sync.RWMutex

// SetMetricsRegistry allows the obs package to register itself once it has
// initialized its OTel meter provider.
func SetMetricsRegistry(registry MetricsRegistry) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetricsRegistry = registry
}

// GetGlobalMetricsRegistry returns the registered MetricsRegistry, or nil
// if obs has not initialized one yet. Callers must treat nil as "metrics
// disabled" rather than panicking.
func GetGlobalMetricsRegistry() MetricsRegistry {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetricsRegistry
}
