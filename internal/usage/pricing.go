// internal/usage/pricing.go
package usage

import "strings"

// ModelPrice is the per-million-token price of a model, in USD.
type ModelPrice struct {
	InputPerM  float64
	OutputPerM float64
}

// defaultPricing covers the models the gateway ships with. Unknown models fall
// back to defaultPrice so cost totals stay populated rather than silently zero.
var defaultPricing = map[string]ModelPrice{
	"gpt-4o":        {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":   {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4.1":       {InputPerM: 2.00, OutputPerM: 8.00},
	"gpt-4.1-mini":  {InputPerM: 0.40, OutputPerM: 1.60},
	"gpt-4.1-nano":  {InputPerM: 0.10, OutputPerM: 0.40},
	"o3":            {InputPerM: 2.00, OutputPerM: 8.00},
	"o4-mini":       {InputPerM: 1.10, OutputPerM: 4.40},
	"gpt-3.5-turbo": {InputPerM: 0.50, OutputPerM: 1.50},
}

var defaultPrice = ModelPrice{InputPerM: 1.00, OutputPerM: 4.00}

// priceFor resolves the pricing for a model name, matching the longest known
// prefix so dated variants ("gpt-4o-2024-08-06") price like their base model.
func priceFor(model string) ModelPrice {
	if p, ok := defaultPricing[model]; ok {
		return p
	}
	best := ""
	for name := range defaultPricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return defaultPricing[best]
	}
	return defaultPrice
}

// cost returns the USD cost of a token pair under the given price.
func (p ModelPrice) cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*p.InputPerM/1e6 + float64(outputTokens)*p.OutputPerM/1e6
}
