package processor

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// pricingTable maps model-name prefixes to prices. Longest matching prefix
// wins; unknown models use defaultPricing so cost tracking never silently
// reports zero.
//
//nolint:gochecknoglobals // Static price table
var pricingTable = map[string]Pricing{
	"claude-opus":   {InputPerM: 15, OutputPerM: 75},
	"claude-sonnet": {InputPerM: 3, OutputPerM: 15},
	"claude-haiku":  {InputPerM: 0.80, OutputPerM: 4},
	"gpt-5":         {InputPerM: 1.25, OutputPerM: 10},
	"gpt-4o":        {InputPerM: 2.50, OutputPerM: 10},
	"o3":            {InputPerM: 2, OutputPerM: 8},
}

//nolint:gochecknoglobals // Static fallback price
var defaultPricing = Pricing{InputPerM: 3, OutputPerM: 15}

// PricingFor returns the price entry for a model.
func PricingFor(model string) Pricing {
	best := ""
	for prefix := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPricing
	}
	return pricingTable[best]
}

// CostUSD converts a token usage pair into dollars for the model.
func CostUSD(model string, inputTokens, outputTokens int64) float64 {
	p := PricingFor(model)
	return float64(inputTokens)*p.InputPerM/1e6 + float64(outputTokens)*p.OutputPerM/1e6
}

// TokenCounter estimates token counts before a call, for budget preflight.
// All supported models approximate well enough with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter. Errors degrade to the 4-chars-a-token
// estimate rather than failing the engagement.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimateCostUSD predicts the cost of sending prompt to model, assuming
// the completion uses maxTokens.
func (tc *TokenCounter) EstimateCostUSD(model, prompt string, maxTokens int) float64 {
	return CostUSD(model, int64(tc.Count(prompt)), int64(maxTokens))
}
