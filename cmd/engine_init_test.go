package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/scrape"
)

func fetcherTiers(fs []scrape.Fetcher) []model.Tier {
	out := make([]model.Tier, len(fs))
	for i, f := range fs {
		out[i] = f.Tier()
	}
	return out
}

func TestBuildFetchers_EnabledOrder(t *testing.T) {
	c := &config.Config{}
	c.Tiers.Enabled = []string{"direct", "freeRotating", "cheapPaid", "premiumPaid", "visionFallback"}
	c.Proxy.FreeRotating = []string{"10.0.0.1:8080"}

	fs, err := buildFetchers(c)
	require.NoError(t, err)
	assert.Equal(t, []model.Tier{
		model.TierDirect, model.TierFreeRotating, model.TierCheapPaid, model.TierPremiumPaid,
	}, fetcherTiers(fs))
	assert.IsType(t, &scrape.HTTPFetcher{}, fs[2])
	assert.IsType(t, &scrape.FirecrawlFetcher{}, fs[3])
}

func TestBuildFetchers_JinaProvider(t *testing.T) {
	c := &config.Config{}
	c.Tiers.Enabled = []string{"cheapPaid"}
	c.Tiers.CheapProvider = "jina"
	c.Jina.Key = "jina-key"

	fs, err := buildFetchers(c)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.IsType(t, &scrape.JinaFetcher{}, fs[0])
}

func TestBuildFetchers_Errors(t *testing.T) {
	c := &config.Config{}
	c.Tiers.Enabled = []string{"direct", "carrierPigeon"}
	_, err := buildFetchers(c)
	assert.ErrorContains(t, err, "unknown tier")

	c.Tiers.Enabled = []string{"freeRotating"}
	c.Proxy.FreeRotating = []string{"http://"}
	_, err = buildFetchers(c)
	assert.ErrorContains(t, err, "invalid proxy url")
}

func TestTierEnabled(t *testing.T) {
	tc := config.TiersConfig{Enabled: []string{"direct", "visionFallback"}}
	assert.True(t, tierEnabled(tc, model.TierVision))
	assert.False(t, tierEnabled(tc, model.TierPremiumPaid))
}

func TestSelectorsConfig(t *testing.T) {
	got := selectorsConfig(config.SelectorsConfig{TopK: 3, MinRate: 0.4, PruneRate: 0.1, RetentionDays: 7})
	assert.Equal(t, 3, got.TopK)
	assert.InDelta(t, 0.4, got.MinRate, 1e-9)
	assert.InDelta(t, 0.1, got.PruneRate, 1e-9)
	assert.Equal(t, 7*24*time.Hour, got.Retention)
}

func TestTierNames(t *testing.T) {
	assert.Equal(t, []string{"direct", "visionFallback"}, tierNames([]model.Tier{model.TierDirect, model.TierVision}))
}
