package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, int64(2000), cfg.Throttle.InitialDelayMs)
	assert.Equal(t, int64(500), cfg.Throttle.MinDelayMs)
	assert.Equal(t, int64(30000), cfg.Throttle.MaxDelayMs)
	assert.Equal(t, 20, cfg.Throttle.Window)
	assert.InDelta(t, 2.0, cfg.Throttle.RateLimitMultiplier, 1e-9)
	assert.InDelta(t, 1.5, cfg.Throttle.RateLimitPenalty, 1e-9)
	assert.InDelta(t, 0.95, cfg.Throttle.RecoveryMultiplier, 1e-9)

	assert.Equal(t, int64(10), cfg.Tiers.MinObservations)
	assert.InDelta(t, 0.5, cfg.Tiers.MinSuccessRate, 1e-9)
	assert.Equal(t, "proxy", cfg.Tiers.CheapProvider)
	assert.Len(t, cfg.Tiers.Enabled, 5)

	assert.Equal(t, 5, cfg.Selectors.TopK)
	assert.Equal(t, 30, cfg.Selectors.RetentionDays)
	assert.NotEmpty(t, cfg.Selectors.Seed.Price)
	assert.Equal(t, 24, cfg.Cache.TTLHours)

	assert.Equal(t, 5, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)

	assert.InDelta(t, 0.005, cfg.Pricing.Tiers["premiumpaid"], 1e-9)
	assert.InDelta(t, 1.0, cfg.Pricing.Anthropic["claude-haiku-4-5-20251001"].Input, 1e-9)
	assert.Equal(t, "https://api.firecrawl.dev/v2", cfg.Firecrawl.BaseURL)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/prices
log:
  level: debug
  format: console
queue:
  workers: 12
throttle:
  rate_limit_penalty: 2.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 12, cfg.Queue.Workers)
	assert.InDelta(t, 2.0, cfg.Throttle.RateLimitPenalty, 1e-9)
	// Defaults still apply for unset values
	assert.Equal(t, int64(30000), cfg.Throttle.MaxDelayMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PRICESCOUT_LOG_LEVEL", "warn")
	t.Setenv("PRICESCOUT_SERVER_PORT", "3000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
queue:
  workers: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.workers")
}

func TestLoadExplicitPath(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config: read file")
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "memory"
	cfg.Throttle.MinDelayMs = 500
	cfg.Throttle.MaxDelayMs = 30000
	cfg.Throttle.Window = 20
	cfg.Queue.Workers = 5
	cfg.Queue.MaxRetries = 3
	cfg.Selectors.TopK = 5
	cfg.Selectors.RetentionDays = 30
	cfg.Tiers.CheapProvider = "proxy"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"min above max", func(c *Config) { c.Throttle.MinDelayMs = 40000 }, "throttle delay bounds"},
		{"zero min", func(c *Config) { c.Throttle.MinDelayMs = 0 }, "throttle delay bounds"},
		{"empty window", func(c *Config) { c.Throttle.Window = 0 }, "throttle.window"},
		{"no workers", func(c *Config) { c.Queue.Workers = 0 }, "queue.workers"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "queue.max_retries"},
		{"top k", func(c *Config) { c.Selectors.TopK = 0 }, "selectors.top_k"},
		{"retention", func(c *Config) { c.Selectors.RetentionDays = 0 }, "selectors.retention_days"},
		{"driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"cheap provider", func(c *Config) { c.Tiers.CheapProvider = "brightdata" }, "cheap_provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
