package config

import (
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the top-level application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Throttle   ThrottleConfig   `yaml:"throttle" mapstructure:"throttle"`
	Tiers      TiersConfig      `yaml:"tiers" mapstructure:"tiers"`
	Proxy      ProxyConfig      `yaml:"proxy" mapstructure:"proxy"`
	Selectors  SelectorsConfig  `yaml:"selectors" mapstructure:"selectors"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Vision     VisionConfig     `yaml:"vision" mapstructure:"vision"`
	Browser    BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects the durable state backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite, postgres or memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// RedisConfig configures the price-change stream. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Stream   string `yaml:"stream" mapstructure:"stream"`
	MaxLen   int64  `yaml:"max_len" mapstructure:"max_len"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ThrottleConfig tunes the per-domain adaptive delay.
type ThrottleConfig struct {
	InitialDelayMs      int64   `yaml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MinDelayMs          int64   `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	MaxDelayMs          int64   `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Window              int     `yaml:"window" mapstructure:"window"`
	RateLimitMultiplier float64 `yaml:"rate_limit_multiplier" mapstructure:"rate_limit_multiplier"`
	RateLimitPenalty    float64 `yaml:"rate_limit_penalty" mapstructure:"rate_limit_penalty"`
	ErrorMultiplier     float64 `yaml:"error_multiplier" mapstructure:"error_multiplier"`
	TimeoutMultiplier   float64 `yaml:"timeout_multiplier" mapstructure:"timeout_multiplier"`
	RecoveryMultiplier  float64 `yaml:"recovery_multiplier" mapstructure:"recovery_multiplier"`
	HighErrorRate       float64 `yaml:"high_error_rate" mapstructure:"high_error_rate"`
	LowErrorRate        float64 `yaml:"low_error_rate" mapstructure:"low_error_rate"`
	FastResponseMs      int64   `yaml:"fast_response_ms" mapstructure:"fast_response_ms"`
}

// TiersConfig controls tier eligibility and provider choice.
type TiersConfig struct {
	Enabled         []string `yaml:"enabled" mapstructure:"enabled"`
	MinObservations int64    `yaml:"min_observations" mapstructure:"min_observations"`
	MinSuccessRate  float64  `yaml:"min_success_rate" mapstructure:"min_success_rate"`
	CheapProvider   string   `yaml:"cheap_provider" mapstructure:"cheap_provider"` // proxy or jina
	FetchTimeoutSec int      `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	UserAgent       string   `yaml:"user_agent" mapstructure:"user_agent"`
	ExcludePaths    []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
}

// ProxyConfig lists proxy endpoints per tier.
type ProxyConfig struct {
	FreeRotating    []string `yaml:"free_rotating" mapstructure:"free_rotating"`
	CheapPaid       []string `yaml:"cheap_paid" mapstructure:"cheap_paid"`
	FailureLimit    int      `yaml:"failure_limit" mapstructure:"failure_limit"`
	CooldownSeconds int      `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// SelectorsConfig tunes the selector store.
type SelectorsConfig struct {
	TopK          int        `yaml:"top_k" mapstructure:"top_k"`
	MinRate       float64    `yaml:"min_rate" mapstructure:"min_rate"`
	PruneRate     float64    `yaml:"prune_rate" mapstructure:"prune_rate"`
	RetentionDays int        `yaml:"retention_days" mapstructure:"retention_days"`
	CleanupHours  int        `yaml:"cleanup_hours" mapstructure:"cleanup_hours"`
	Seed          SeedConfig `yaml:"seed" mapstructure:"seed"`
}

// SeedConfig lists generic selectors tried after the learned ones.
type SeedConfig struct {
	Price []string `yaml:"price" mapstructure:"price"`
	Title []string `yaml:"title" mapstructure:"title"`
}

// CacheConfig tunes the conditional cache.
type CacheConfig struct {
	TTLHours  int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	L1Entries int `yaml:"l1_entries" mapstructure:"l1_entries"`
}

// VisionConfig controls the terminal vision tier.
type VisionConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CallsPerMinute float64 `yaml:"calls_per_minute" mapstructure:"calls_per_minute"`
	MinConfidence  float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// BrowserConfig configures the headless renderer.
type BrowserConfig struct {
	Headless       bool   `yaml:"headless" mapstructure:"headless"`
	ViewportWidth  int    `yaml:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height" mapstructure:"viewport_height"`
	Locale         string `yaml:"locale" mapstructure:"locale"`
	SettleMs       int    `yaml:"settle_ms" mapstructure:"settle_ms"`
}

// AnthropicConfig holds Claude credentials.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirecrawlConfig holds premium tier credentials.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds Jina Reader credentials.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// QueueConfig tunes the job queue.
type QueueConfig struct {
	Workers        int `yaml:"workers" mapstructure:"workers"`
	MaxRetries     int `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs    int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	PriceCacheSize int `yaml:"price_cache_size" mapstructure:"price_cache_size"`
	ChangeBuffer   int `yaml:"change_buffer" mapstructure:"change_buffer"`
}

// PricingConfig sets per-request tier costs and model token prices. Viper
// lowercases map keys, so tier names are matched case-insensitively.
type PricingConfig struct {
	Tiers     map[string]float64      `yaml:"tiers" mapstructure:"tiers"`
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// MonitoringConfig configures fleet health alerting.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD       float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	TierSuccessRateFloor   float64 `yaml:"tier_success_rate_floor" mapstructure:"tier_success_rate_floor"`
	StatsFlushIntervalSecs int     `yaml:"stats_flush_interval_secs" mapstructure:"stats_flush_interval_secs"`
}

// Load reads configuration from path, or from ./config.yaml when path is
// empty, then applies PRICESCOUT_* environment overrides. A missing default
// file is fine; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PRICESCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "pricescout.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("redis.stream", "pricescout:price-changes")
	v.SetDefault("redis.max_len", 100000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("throttle.initial_delay_ms", 2000)
	v.SetDefault("throttle.min_delay_ms", 500)
	v.SetDefault("throttle.max_delay_ms", 30000)
	v.SetDefault("throttle.window", 20)
	v.SetDefault("throttle.rate_limit_multiplier", 2.0)
	v.SetDefault("throttle.rate_limit_penalty", 1.5)
	v.SetDefault("throttle.error_multiplier", 2.0)
	v.SetDefault("throttle.timeout_multiplier", 1.5)
	v.SetDefault("throttle.recovery_multiplier", 0.95)
	v.SetDefault("throttle.high_error_rate", 0.15)
	v.SetDefault("throttle.low_error_rate", 0.05)
	v.SetDefault("throttle.fast_response_ms", 1000)

	v.SetDefault("tiers.enabled", []string{"direct", "freeRotating", "cheapPaid", "premiumPaid", "visionFallback"})
	v.SetDefault("tiers.min_observations", 10)
	v.SetDefault("tiers.min_success_rate", 0.5)
	v.SetDefault("tiers.cheap_provider", "proxy")
	v.SetDefault("tiers.fetch_timeout_secs", 30)
	v.SetDefault("tiers.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("tiers.exclude_paths", []string{"/cart/*", "/checkout/*", "/account/*", "/*.pdf"})

	v.SetDefault("proxy.failure_limit", 3)
	v.SetDefault("proxy.cooldown_secs", 300)

	v.SetDefault("selectors.top_k", 5)
	v.SetDefault("selectors.min_rate", 0.5)
	v.SetDefault("selectors.prune_rate", 0.2)
	v.SetDefault("selectors.retention_days", 30)
	v.SetDefault("selectors.cleanup_hours", 24)
	v.SetDefault("selectors.seed.price", []string{
		`meta[itemprop="price"]`,
		`[itemprop="price"]`,
		`meta[property="product:price:amount"]`,
		`[data-price]`,
		`.price`,
	})
	v.SetDefault("selectors.seed.title", []string{
		`[itemprop="name"]`,
		`meta[property="og:title"]`,
		`h1`,
	})

	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.l1_entries", 10000)

	v.SetDefault("vision.enabled", true)
	v.SetDefault("vision.model", "claude-haiku-4-5-20251001")
	v.SetDefault("vision.max_tokens", 512)
	v.SetDefault("vision.timeout_secs", 90)
	v.SetDefault("vision.calls_per_minute", 30)
	v.SetDefault("vision.min_confidence", 0.0)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 1800)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.settle_ms", 1500)

	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("jina.base_url", "https://r.jina.ai")

	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.base_delay_ms", 5000)
	v.SetDefault("queue.price_cache_size", 50000)
	v.SetDefault("queue.change_buffer", 256)

	v.SetDefault("pricing.tiers", map[string]any{
		"direct":         0,
		"freeRotating":   0,
		"cheapPaid":      0.0005,
		"premiumPaid":    0.005,
		"visionFallback": 0.002,
	})
	v.SetDefault("pricing.anthropic", map[string]any{
		"claude-haiku-4-5-20251001":  map[string]any{"input": 1.0, "output": 5.0},
		"claude-sonnet-4-5-20250929": map[string]any{"input": 3.0, "output": 15.0},
	})

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.tier_success_rate_floor", 0.5)
	v.SetDefault("monitoring.stats_flush_interval_secs", 60)
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	t := c.Throttle
	if t.MinDelayMs <= 0 || t.MaxDelayMs < t.MinDelayMs {
		return eris.Errorf("config: throttle delay bounds invalid (min=%d max=%d)", t.MinDelayMs, t.MaxDelayMs)
	}
	if t.Window < 1 {
		return eris.Errorf("config: throttle.window must be >= 1, got %d", t.Window)
	}
	if c.Queue.Workers < 1 {
		return eris.Errorf("config: queue.workers must be >= 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxRetries < 0 {
		return eris.Errorf("config: queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries)
	}
	if c.Selectors.TopK < 1 {
		return eris.Errorf("config: selectors.top_k must be >= 1, got %d", c.Selectors.TopK)
	}
	if c.Selectors.RetentionDays < 1 {
		return eris.Errorf("config: selectors.retention_days must be >= 1, got %d", c.Selectors.RetentionDays)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Tiers.CheapProvider {
	case "proxy", "jina":
	default:
		return eris.Errorf("config: unknown tiers.cheap_provider %q", c.Tiers.CheapProvider)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
