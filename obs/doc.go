/*
Package obs provides production-grade observability for the key router:
structured logging, OpenTelemetry-backed metrics and tracing, and the
safety nets (circuit breaking, cardinality limiting, rate-limited error
logs) needed to run telemetry in a service that must keep routing requests
even when the metrics backend is unavailable.

Architecture Overview:

The package has three layers:

 1. Simple API Layer - developer-facing functions (Emit, Counter, Histogram, Gauge)
 2. Registry Layer - thread-safe global registry with lifecycle management
 3. Provider Layer - OpenTelemetry integration for actual metric/span export

Thread Safety:

All exported functions are safe for concurrent use:
  - atomic.Value for lock-free reads of the global registry
  - sync.Once for one-time initialization
  - sync.Map for concurrent metric declaration
  - sync.Pool for label-slice reuse on the emission hot path

Performance Considerations:

  - Lock-free fast path for metric emission
  - Bounded cardinality to prevent memory growth from unbounded label values
    (e.g. provider keys, model names)
  - Circuit breaker to protect the router from a slow or unreachable
    collector
  - Baggage propagation with size limits, for correlating metrics to a
    single routed request without unbounded growth

Usage:

Initialize once in main:

	obs.Initialize(obs.UseProfile(obs.ProfileProduction))
	defer obs.Shutdown(context.Background())

Then emit metrics from anywhere:

	obs.Counter("route.requests.total", "provider", "openai", "status", "success")
	obs.Histogram("route.latency_ms", 123.5, "provider", "openai")

For correlating metrics to a single routed request:

	ctx = obs.WithBaggage(ctx, "request_id", "abc123")
	obs.EmitWithContext(ctx, "route.cost_usd", 0.0042)

Safety Features:

  - Cardinality limiting: bounds unique label combinations per metric
  - Circuit breaker: stops sending metrics when the backend is down,
    instead of blocking the request path
  - Rate-limited error logging: a failing collector doesn't flood stdout
  - Graceful degradation: every emission function is a safe no-op before
    Initialize runs or after Shutdown

Configuration Profiles:

Three pre-configured profiles are provided. They differ in collector
endpoint, circuit breaker and cardinality settings:
  - ProfileDevelopment: local collector, circuit breaker off
  - ProfileStaging: staging collector, circuit breaker on
  - ProfileProduction: production collector, circuit breaker on, its own
    per-label cardinality limits

A profile without per-label limits gets the registry's default limits.
Each profile also carries a SamplingRate (1.0, 0.1, 0.001); the emission
functions do not read it.
*/
package obs
