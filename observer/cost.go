package observer

import (
	"strings"

	"github.com/CopeeeTang/tabula"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// DefaultPricing covers the models the bundled providers are commonly run
// with. Override or extend it via [observer.pricing] in tabula.toml.
var DefaultPricing = map[string]ModelPricing{
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.0-flash-lite": {0.075, 0.30},
	"gemini-2.5-flash":      {0.15, 0.60},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},

	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},

	"deepseek-chat":     {0.27, 1.10},
	"deepseek-reasoner": {0.55, 2.19},

	"llama-3.3-70b-versatile": {0.59, 0.79},
}

// CostCalculator computes USD cost from token usage.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with default pricing, optionally merged with overrides.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Lookup finds the pricing for model. Dated or suffixed names
// ("gpt-4o-2024-08-06", "models/gemini-2.5-flash") fall back to the longest
// known prefix.
func (c *CostCalculator) Lookup(model string) (ModelPricing, bool) {
	model = strings.TrimPrefix(model, "models/")
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	best := ""
	for name := range c.pricing {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return c.pricing[best], true
}

// Calculate returns the cost in USD for usage on model. Unknown models cost 0.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.Lookup(model)
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// UsageCost is Calculate over a tabula.Usage.
func (c *CostCalculator) UsageCost(model string, u tabula.Usage) float64 {
	return c.Calculate(model, u.InputTokens, u.OutputTokens)
}
