package domain

import (
	"github.com/shopspring/decimal"
)

// Message is one entry in an Intent's conversation.
type Message struct {
	Role    string
	Content string
}

// Parameters are generation-time knobs passed through to the adapter
// without interpretation by the core.
type Parameters struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Extra       map[string]interface{}
}

// Intent is the provider-agnostic request an application submits to the
// Orchestrator (spec section 6's "Request intent").
type Intent struct {
	Model      string
	Messages   []Message
	Parameters Parameters
	ProviderID string
}

// TokenUsage reports input/output/total tokens consumed by one call.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

// ResponseMetadata carries everything about a Response beyond its content.
type ResponseMetadata struct {
	ModelUsed          string
	TokensUsed         TokenUsage
	ResponseTimeMs     int64
	ProviderID         string
	RequestID          string
	CorrelationID      string
	FinishReason       string
	AdditionalMetadata map[string]interface{}
}

// Response is what the Orchestrator returns to the caller.
type Response struct {
	Content  string
	Metadata ResponseMetadata
	Cost     *CostEstimate
	KeyUsed  string
	RequestID string
}

// EstimateTokens provides the token-count heuristic the Cost Controller
// falls back to when no adapter estimate is available (spec 4.3): a rough
// 4-characters-per-token approximation over the intent's message text,
// plus the requested max_tokens as the output estimate.
func EstimateTokens(intent Intent) (input, output int) {
	chars := 0
	for _, m := range intent.Messages {
		chars += len(m.Content)
	}
	input = chars / 4
	if input == 0 && chars > 0 {
		input = 1
	}
	output = intent.Parameters.MaxTokens
	if output == 0 {
		output = 256
	}
	return input, output
}

// DecimalFromFloat is a small helper in domain so callers never
// need to import shopspring/decimal just to build a CostEstimate.
func DecimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
