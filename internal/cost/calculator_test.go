package cost

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTier(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultRates())

	assert.True(t, calc.Tier(model.TierDirect).IsZero())
	assert.True(t, calc.Tier(model.TierFreeRotating).IsZero())
	assert.True(t, d("0.005").Equal(calc.Tier(model.TierPremiumPaid)))
	assert.True(t, calc.Tier("unknown").IsZero())
}

func TestTierCostsAscend(t *testing.T) {
	t.Parallel()
	costs := NewCalculator(DefaultRates()).TierCosts()

	assert.Len(t, costs, 5)
	assert.True(t, costs[model.TierCheapPaid].LessThan(costs[model.TierPremiumPaid]))
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(Rates{
		Anthropic: map[string]ModelRate{
			"haiku": {Input: d("0.80"), Output: d("4.00")},
		},
	})

	tests := []struct {
		name   string
		model  string
		input  int64
		output int64
		want   string
	}{
		{"one million in", "haiku", 1_000_000, 0, "0.8"},
		{"mixed", "haiku", 1_000_000, 100_000, "1.2"},
		{"case insensitive", "HAIKU", 500_000, 50_000, "0.6"},
		{"unknown model", "gpt", 1_000_000, 1_000_000, "0"},
		{"no tokens", "haiku", 0, 0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Claude(tt.model, tt.input, tt.output)
			assert.True(t, d(tt.want).Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	rates := FromConfig(config.PricingConfig{
		Tiers: map[string]float64{"premiumPaid": 0.01, "cheappaid": 0.001},
		Anthropic: map[string]config.ModelPricing{
			"claude-haiku-4-5-20251001": {Input: 1, Output: 5},
		},
	})
	calc := NewCalculator(rates)

	assert.True(t, d("0.01").Equal(calc.Tier(model.TierPremiumPaid)))
	assert.True(t, d("0.001").Equal(calc.Tier(model.TierCheapPaid)))
	assert.True(t, d("5").Equal(calc.Claude("claude-haiku-4-5-20251001", 0, 1_000_000)))
}
