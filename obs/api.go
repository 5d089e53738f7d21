package obs

import (
	"context"
	"time"
)

// Counter increments a counter metric by 1. Use for counting events:
// requests, errors, key rotations, etc.
// Example: Counter("requests.total", "provider", "openai", "status", "200")
func Counter(name string, labels ...string) {
	Emit(name, 1, labels...)
}

// Histogram records a value in a distribution. Use for latencies, token
// counts, queue lengths; the backend computes percentiles.
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge records a reading of a quantity that rises and falls (active keys,
// budget remaining, queue depth). The value goes to the histogram
// instrument of that name and then through Emit; no gauge instrument is
// involved (observable gauges are registered via MetricInstruments.RegisterGauge).
func Gauge(name string, value float64, labels ...string) {
	registry := globalRegistry.Load()
	if registry != nil {
		r := registry.(*Registry)
		_ = r.metrics.RecordHistogram(context.Background(), name, value)
	}
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
// Example: defer Duration("route.duration_ms", start, "provider", id)
func Duration(name string, startTime time.Time, labels ...string) {
	ms := float64(time.Since(startTime).Milliseconds())
	Emit(name, ms, labels...)
}

// RecordError records an error occurrence with type classification.
func RecordError(name string, errorType string, labels ...string) {
	allLabels := append(labels, "error_type", errorType)
	Counter(name, allLabels...)
}

// RecordSuccess records a successful operation.
func RecordSuccess(name string, labels ...string) {
	allLabels := append(labels, "status", "success")
	Counter(name, allLabels...)
}

// RecordLatency records operation latency with an automatic bucket label
// for cheap aggregation without a full histogram query.
func RecordLatency(name string, milliseconds float64, labels ...string) {
	bucket := getLatencyBucket(milliseconds)
	allLabels := append(labels, "latency_bucket", bucket)
	Histogram(name, milliseconds, allLabels...)
}

// RecordBytes records a byte count (payload size, response size).
func RecordBytes(name string, bytes int64, labels ...string) {
	Emit(name, float64(bytes), labels...)
}

// EmitOption configures advanced emission via EmitWithOptions.
type EmitOption func(*emitConfig)

type emitConfig struct {
	timestamp   time.Time
	labels      map[string]string
	unit        Unit
	sampleRate  float64
	skipCircuit bool
}

// Unit names a metric's unit of measure.
type Unit string

const (
	UnitMilliseconds Unit = "ms"
	UnitBytes        Unit = "bytes"
	UnitPercent      Unit = "percent"
	UnitCount        Unit = "count"
)

// EmitWithOptions emits a metric with labels, sampling and context-carried
// baggage set through options. The timestamp, unit and circuit-breaker
// options are stored on the emit config but not read here: the metric is
// recorded at call time, without a unit, through the normal breaker path.
func EmitWithOptions(ctx context.Context, name string, value float64, opts ...EmitOption) {
	cfg := &emitConfig{
		timestamp:  time.Now(),
		labels:     make(map[string]string),
		sampleRate: 1.0,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.sampleRate < 1.0 && !shouldSample(cfg.sampleRate) {
		return
	}

	var labelPairs []string
	for k, v := range cfg.labels {
		labelPairs = append(labelPairs, k, v)
	}

	EmitWithContext(ctx, name, value, labelPairs...)
}

// WithTimestamp sets the timestamp on the emit config; EmitWithOptions does
// not pass it on.
func WithTimestamp(t time.Time) EmitOption {
	return func(c *emitConfig) { c.timestamp = t }
}

// WithUnit sets the unit on the emit config; EmitWithOptions does not pass
// it on.
func WithUnit(u Unit) EmitOption {
	return func(c *emitConfig) { c.unit = u }
}

// WithLabels adds multiple labels at once.
func WithLabels(labels map[string]string) EmitOption {
	return func(c *emitConfig) {
		for k, v := range labels {
			c.labels[k] = v
		}
	}
}

// WithLabel adds a single label.
func WithLabel(key, value string) EmitOption {
	return func(c *emitConfig) {
		c.labels[key] = value
	}
}

// WithSampleRate sets a custom sample rate in [0.0, 1.0].
func WithSampleRate(rate float64) EmitOption {
	return func(c *emitConfig) { c.sampleRate = rate }
}

// WithoutCircuitBreaker marks the emit config to skip the telemetry circuit
// breaker; EmitWithOptions does not read the mark, so the breaker still
// applies.
func WithoutCircuitBreaker() EmitOption {
	return func(c *emitConfig) { c.skipCircuit = true }
}

func getLatencyBucket(ms float64) string {
	switch {
	case ms < 1:
		return "<1ms"
	case ms < 10:
		return "1-10ms"
	case ms < 100:
		return "10-100ms"
	case ms < 1000:
		return "100ms-1s"
	case ms < 10000:
		return "1-10s"
	default:
		return ">10s"
	}
}

func shouldSample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	return time.Now().UnixNano()%100 < int64(rate*100)
}

// TimeOperation starts a timer and returns a function that records the
// elapsed duration when called; intended for defer.
// Example: defer TimeOperation("route.duration_ms", "provider", id)()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}

// TrackGoroutines records a delta against an up-down counter, for tracking
// the number of active goroutines in a worker pool.
func TrackGoroutines(name string, delta int, labels ...string) {
	registry := globalRegistry.Load()
	if registry != nil {
		r := registry.(*Registry)
		ctx := context.Background()
		_ = r.metrics.RecordUpDownCounter(ctx, name, int64(delta))
	}
}

// BatchEmit emits multiple metrics in one call, useful when a batch
// operation (e.g. a quota reconciliation sweep) produces several readings
// at once.
func BatchEmit(metrics []struct {
	Name   string
	Value  float64
	Labels []string
}) {
	for _, m := range metrics {
		Emit(m.Name, m.Value, m.Labels...)
	}
}
