package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/domain"
)

// Capabilities describes what a provider adapter supports, consumed by the
// Routing Engine and Policy Engine when filtering eligible keys.
type Capabilities struct {
	Models          []string
	SupportsStream  bool
	MaxContextTokens int
	SupportsVision  bool
}

// HealthState is the adapter's self-reported reachability, consumed by the
// Key Manager's health checks.
type HealthState struct {
	Healthy bool
	Message string
	CheckedAt time.Time
}

// Adapter is the provider adapter contract (spec section 6): the core
// consumes only these six operations and never the wire protocol or
// credential format underneath. Each provider package's client implements
// core.AIClient; Adapter wraps a core.AIClient into this contract.
type Adapter interface {
	Execute(ctx context.Context, intent domain.Intent, key *domain.Key) (domain.Response, error)
	NormalizeResponse(raw *core.AIResponse, intent domain.Intent, key *domain.Key, elapsed time.Duration) domain.Response
	MapError(err error) *core.SystemError
	Capabilities() Capabilities
	EstimateCost(intent domain.Intent) (domain.CostEstimate, error)
	Health(ctx context.Context) HealthState
}

// PricingTable gives a per-model $/1K-token rate for EstimateCost. Adapters
// without pricing data fall back to domain.EstimateTokens with a zero rate.
type PricingTable map[string]ModelPricing

// ModelPricing is the per-1K-token input/output rate for one model.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// ClientAdapter wraps a core.AIClient (the teacher's concrete provider
// clients: openai, anthropic, bedrock, gemini, mock) to satisfy Adapter.
// It owns nothing about the wire protocol; it only translates between the
// domain-level Intent/Response and the client's AIOptions/AIResponse.
type ClientAdapter struct {
	ProviderName string
	Client       core.AIClient
	Caps         Capabilities
	Pricing      PricingTable
	Logger       core.Logger
}

// NewClientAdapter builds an Adapter around an already-constructed
// core.AIClient, as produced by a provider factory (see registry.go).
func NewClientAdapter(providerName string, client core.AIClient, caps Capabilities, pricing PricingTable, logger core.Logger) *ClientAdapter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ClientAdapter{
		ProviderName: providerName,
		Client:       client,
		Caps:         caps,
		Pricing:      pricing,
		Logger:       logger,
	}
}

func (a *ClientAdapter) Execute(ctx context.Context, intent domain.Intent, key *domain.Key) (domain.Response, error) {
	start := time.Now()
	opts := toAIOptions(intent)

	raw, err := a.Client.GenerateResponse(ctx, lastUserMessage(intent), opts)
	if err != nil {
		return domain.Response{}, a.MapError(err)
	}

	return a.NormalizeResponse(raw, intent, key, time.Since(start)), nil
}

func (a *ClientAdapter) NormalizeResponse(raw *core.AIResponse, intent domain.Intent, key *domain.Key, elapsed time.Duration) domain.Response {
	keyID := ""
	if key != nil {
		keyID = key.ID
	}
	return domain.Response{
		Content: raw.Content,
		Metadata: domain.ResponseMetadata{
			ModelUsed:      raw.Model,
			ResponseTimeMs: elapsed.Milliseconds(),
			ProviderID:     a.ProviderName,
			FinishReason:   raw.FinishReason,
			TokensUsed: domain.TokenUsage{
				Input:  raw.Usage.PromptTokens,
				Output: raw.Usage.CompletionTokens,
				Total:  raw.Usage.TotalTokens,
			},
		},
		KeyUsed: keyID,
	}
}

// MapError classifies an underlying client error into the categories the
// core recognizes (spec section 6), matching the substrings BaseClient's
// HandleError produces for HTTP status codes, plus context deadline/cancel.
func (a *ClientAdapter) MapError(err error) *core.SystemError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewSystemError(a.ProviderName, core.CategoryTimeout, "request deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return core.NewSystemError(a.ProviderName, core.CategoryNetwork, "request canceled", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid or missing api key"):
		return core.NewSystemError(a.ProviderName, core.CategoryAuthentication, "authentication failed", err)
	case strings.Contains(msg, "rate limit"):
		return core.NewSystemError(a.ProviderName, core.CategoryRateLimit, "rate limited", err)
	case strings.Contains(msg, "invalid request"):
		return core.NewSystemError(a.ProviderName, core.CategoryValidation, "invalid request", err)
	case strings.Contains(msg, "temporarily unavailable"):
		return core.NewSystemError(a.ProviderName, core.CategoryProvider, "provider unavailable", err)
	case strings.Contains(msg, "timeout"):
		return core.NewSystemError(a.ProviderName, core.CategoryTimeout, "request timed out", err)
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return core.NewSystemError(a.ProviderName, core.CategoryNetwork, "network failure", err)
	default:
		return core.NewSystemError(a.ProviderName, core.CategoryUnknown, "unclassified provider error", err)
	}
}

func (a *ClientAdapter) Capabilities() Capabilities {
	return a.Caps
}

// EstimateCost uses the adapter's pricing table when the model is known,
// falling back to domain.EstimateTokens with a zero rate (still useful for
// token projections even without pricing data).
func (a *ClientAdapter) EstimateCost(intent domain.Intent) (domain.CostEstimate, error) {
	input, output := domain.EstimateTokens(intent)

	pricing, ok := a.Pricing[intent.Model]
	if !ok {
		return domain.CostEstimate{
			Amount:           domain.DecimalFromFloat(0),
			Currency:         "USD",
			Confidence:       0.3,
			EstimationMethod: "token_heuristic_no_pricing",
			EstimatedInput:   input,
			EstimatedOutput:  output,
		}, nil
	}

	inputCost := pricing.InputPer1K * float64(input) / 1000
	outputCost := pricing.OutputPer1K * float64(output) / 1000
	total := inputCost + outputCost

	return domain.CostEstimate{
		Amount:           domain.DecimalFromFloat(total),
		Currency:         "USD",
		Confidence:       0.8,
		EstimationMethod: "pricing_table",
		EstimatedInput:   input,
		EstimatedOutput:  output,
		Breakdown: map[string]decimal.Decimal{
			"input":  domain.DecimalFromFloat(inputCost),
			"output": domain.DecimalFromFloat(outputCost),
		},
	}, nil
}

func (a *ClientAdapter) Health(ctx context.Context) HealthState {
	model := ""
	if len(a.Caps.Models) > 0 {
		model = a.Caps.Models[0]
	}
	probe := domain.Intent{
		Model:      model,
		Messages:   []domain.Message{{Role: "user", Content: "ping"}},
		Parameters: domain.Parameters{MaxTokens: 1},
	}

	opts := toAIOptions(probe)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.Client.GenerateResponse(ctx, "ping", opts)
	if err != nil {
		return HealthState{Healthy: false, Message: err.Error(), CheckedAt: time.Now()}
	}
	return HealthState{Healthy: true, Message: "ok", CheckedAt: time.Now()}
}

func toAIOptions(intent domain.Intent) *core.AIOptions {
	return &core.AIOptions{
		Model:       intent.Model,
		Temperature: float32(intent.Parameters.Temperature),
		MaxTokens:   intent.Parameters.MaxTokens,
		TopP:        float32(intent.Parameters.TopP),
		Extra:       intent.Parameters.Extra,
	}
}

// lastUserMessage collapses an Intent's message list into the single prompt
// string core.AIClient.GenerateResponse expects: every message, in order,
// becomes one "role: content" line. The messages are not passed separately.
func lastUserMessage(intent domain.Intent) string {
	var b strings.Builder
	for i, m := range intent.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
