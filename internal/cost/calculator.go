package cost

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
)

var million = decimal.NewFromInt(1_000_000)

// Rates holds per-tier request pricing and per-model token pricing.
type Rates struct {
	Tiers     map[string]decimal.Decimal
	Anthropic map[string]ModelRate
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// Calculator computes costs for fetch tiers and model calls.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tier returns the flat per-request cost of a fetch tier. Unknown tiers cost
// nothing.
func (c *Calculator) Tier(t model.Tier) decimal.Decimal {
	if v, ok := c.rates.Tiers[strings.ToLower(string(t))]; ok {
		return v
	}
	return decimal.Zero
}

// TierCosts returns the per-request cost of every known tier.
func (c *Calculator) TierCosts() map[model.Tier]decimal.Decimal {
	out := make(map[model.Tier]decimal.Decimal, len(model.AllTiers()))
	for _, t := range model.AllTiers() {
		out[t] = c.Tier(t)
	}
	return out
}

// Claude computes the cost of one Claude call from its token usage.
func (c *Calculator) Claude(modelName string, input, output int64) decimal.Decimal {
	rate, ok := c.rates.Anthropic[strings.ToLower(modelName)]
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(input).Div(million).Mul(rate.Input)
	out := decimal.NewFromInt(output).Div(million).Mul(rate.Output)
	return in.Add(out)
}

// FromConfig converts the pricing section into Rates.
func FromConfig(cfg config.PricingConfig) Rates {
	r := Rates{
		Tiers:     make(map[string]decimal.Decimal, len(cfg.Tiers)),
		Anthropic: make(map[string]ModelRate, len(cfg.Anthropic)),
	}
	for k, v := range cfg.Tiers {
		r.Tiers[strings.ToLower(k)] = decimal.NewFromFloat(v)
	}
	for k, v := range cfg.Anthropic {
		r.Anthropic[strings.ToLower(k)] = ModelRate{
			Input:  decimal.NewFromFloat(v.Input),
			Output: decimal.NewFromFloat(v.Output),
		}
	}
	return r
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Tiers: map[string]decimal.Decimal{
			"direct":         decimal.Zero,
			"freerotating":   decimal.Zero,
			"cheappaid":      decimal.RequireFromString("0.0005"),
			"premiumpaid":    decimal.RequireFromString("0.005"),
			"visionfallback": decimal.RequireFromString("0.002"),
		},
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: decimal.NewFromFloat(1.00), Output: decimal.NewFromFloat(5.00),
			},
			"claude-sonnet-4-5-20250929": {
				Input: decimal.NewFromFloat(3.00), Output: decimal.NewFromFloat(15.00),
			},
		},
	}
}
