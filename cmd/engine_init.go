package main

import (
	"context"
	"slices"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/cost"
	"github.com/sells-group/pricescout/internal/httpcache"
	"github.com/sells-group/pricescout/internal/metrics"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/orchestrator"
	"github.com/sells-group/pricescout/internal/queue"
	"github.com/sells-group/pricescout/internal/resilience"
	"github.com/sells-group/pricescout/internal/scrape"
	"github.com/sells-group/pricescout/internal/selectors"
	"github.com/sells-group/pricescout/internal/sink"
	"github.com/sells-group/pricescout/internal/store"
	"github.com/sells-group/pricescout/internal/throttle"
	"github.com/sells-group/pricescout/internal/tiers"
	"github.com/sells-group/pricescout/internal/vision"
	anthropicpkg "github.com/sells-group/pricescout/pkg/anthropic"
	"github.com/sells-group/pricescout/pkg/firecrawl"
	"github.com/sells-group/pricescout/pkg/jina"
)

// engineEnv holds every service the serve/scan/prune commands share.
type engineEnv struct {
	Store        store.Store
	Metrics      *metrics.Metrics
	Throttle     *throttle.Controller
	Tiers        *tiers.Tracker
	Selectors    *selectors.Store
	Cache        *httpcache.Cache
	Vision       *vision.Fallback
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Queue

	redis *redis.Client
}

// Close flushes tier counters and releases the browser, redis and store.
func (e *engineEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.Tiers != nil {
		if err := e.Tiers.Flush(ctx); err != nil {
			zap.L().Warn("flush tier stats on close", zap.Error(err))
		}
	}
	if e.Vision != nil {
		_ = e.Vision.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initEngine builds the full scraping engine. Callers should defer
// env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st, Metrics: metrics.New()}

	calc := cost.NewCalculator(cost.FromConfig(cfg.Pricing))

	env.Throttle = throttle.New(throttle.FromConfig(cfg.Throttle))
	env.Tiers = tiers.New(tiers.Config{
		MinObservations: cfg.Tiers.MinObservations,
		MinSuccessRate:  cfg.Tiers.MinSuccessRate,
		Costs:           calc.TierCosts(),
	}, st)
	if err := env.Tiers.Load(ctx); err != nil {
		zap.L().Warn("load tier stats, starting from zero", zap.Error(err))
	}
	env.Selectors = selectors.New(selectorsConfig(cfg.Selectors), st)
	env.Cache = httpcache.New(httpcache.Config{
		TTL:       time.Duration(cfg.Cache.TTLHours) * time.Hour,
		L1Entries: cfg.Cache.L1Entries,
	}, st)

	fetchers, err := buildFetchers(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	if tierEnabled(cfg.Tiers, model.TierVision) && cfg.Vision.Enabled {
		env.Vision = buildVision(cfg, calc)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		TopK:         cfg.Selectors.TopK,
		FetchTimeout: time.Duration(cfg.Tiers.FetchTimeoutSec) * time.Second,
		SeedPrice:    cfg.Selectors.Seed.Price,
		SeedTitle:    cfg.Selectors.Seed.Title,
		Exclude:      scrape.NewPathMatcher(cfg.Tiers.ExcludePaths),
	}, orchestrator.Deps{
		Fetchers:  fetchers,
		Throttle:  env.Throttle,
		Tiers:     env.Tiers,
		Selectors: env.Selectors,
		Cache:     env.Cache,
		Vision:    env.Vision,
	}, orchestrator.WithMetrics(env.Metrics))
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build orchestrator")
	}
	env.Orchestrator = orch

	notifier := sink.Notifier(sink.LogNotifier{})
	if cfg.Redis.Addr != "" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		notifier = sink.NewRedisNotifier(env.redis, cfg.Redis.Stream, cfg.Redis.MaxLen)
		zap.L().Info("price changes published to redis stream", zap.String("stream", cfg.Redis.Stream))
	}

	results := sink.Multi{sink.LogSink{}, sink.NewStoreSink(st)}
	q, err := queue.New(queue.FromConfig(cfg.Queue), orch, results,
		queue.WithNotifier(notifier),
		queue.WithMetrics(env.Metrics),
	)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build queue")
	}
	env.Queue = q

	zap.L().Info("engine ready",
		zap.Strings("tiers", tierNames(orch.Tiers())),
		zap.Bool("vision", env.Vision != nil),
		zap.String("store", cfg.Store.Driver),
	)
	return env, nil
}

func selectorsConfig(c config.SelectorsConfig) selectors.Config {
	return selectors.Config{
		TopK:      c.TopK,
		MinRate:   c.MinRate,
		PruneRate: c.PruneRate,
		Retention: time.Duration(c.RetentionDays) * 24 * time.Hour,
	}
}

func tierEnabled(c config.TiersConfig, t model.Tier) bool {
	return slices.Contains(c.Enabled, string(t))
}

// buildFetchers creates one fetcher per enabled structural tier. Tiers whose
// credentials are missing are still built; their fetches fail with a
// ConfigurationError and the tracker disables them on first use.
func buildFetchers(c *config.Config) ([]scrape.Fetcher, error) {
	httpOpts := []scrape.HTTPOption{
		scrape.WithUserAgent(c.Tiers.UserAgent),
		scrape.WithTimeout(time.Duration(c.Tiers.FetchTimeoutSec) * time.Second),
	}
	breaker := resilience.CircuitBreakerConfig{
		FailureThreshold: c.Proxy.FailureLimit,
		Cooldown:         time.Duration(c.Proxy.CooldownSeconds) * time.Second,
	}

	var out []scrape.Fetcher
	for _, name := range c.Tiers.Enabled {
		tier, ok := model.ParseTier(name)
		if !ok {
			return nil, eris.Errorf("unknown tier %q in tiers.enabled", name)
		}
		switch tier {
		case model.TierDirect:
			out = append(out, scrape.NewHTTPFetcher(tier, nil, httpOpts...))
		case model.TierFreeRotating:
			pool, err := scrape.NewProxyPool(c.Proxy.FreeRotating, breaker)
			if err != nil {
				return nil, err
			}
			out = append(out, scrape.NewHTTPFetcher(tier, pool, httpOpts...))
		case model.TierCheapPaid:
			if c.Tiers.CheapProvider == "jina" {
				var client jina.Client
				if c.Jina.Key != "" {
					client = jina.NewClient(c.Jina.Key, jina.WithBaseURL(c.Jina.BaseURL))
				}
				out = append(out, scrape.NewJinaFetcher(client))
				continue
			}
			pool, err := scrape.NewProxyPool(c.Proxy.CheapPaid, breaker)
			if err != nil {
				return nil, err
			}
			out = append(out, scrape.NewHTTPFetcher(tier, pool, httpOpts...))
		case model.TierPremiumPaid:
			var client firecrawl.Client
			if c.Firecrawl.Key != "" {
				client = firecrawl.NewClient(c.Firecrawl.Key, firecrawl.WithBaseURL(c.Firecrawl.BaseURL))
			}
			out = append(out, scrape.NewFirecrawlFetcher(client))
		case model.TierVision:
			// Built separately.
		}
	}
	return out, nil
}

func buildVision(c *config.Config, calc *cost.Calculator) *vision.Fallback {
	if c.Anthropic.Key == "" {
		zap.L().Warn("PRICESCOUT_ANTHROPIC_KEY not set, vision fallback disabled")
		return nil
	}
	var opts []option.RequestOption
	if c.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.Anthropic.BaseURL))
	}
	extractor := vision.NewClaudeExtractor(anthropicpkg.NewClient(c.Anthropic.Key, opts...), calc, vision.ClaudeConfig{
		Model:          c.Vision.Model,
		MaxTokens:      c.Vision.MaxTokens,
		CallsPerMinute: c.Vision.CallsPerMinute,
		MinConfidence:  c.Vision.MinConfidence,
	})
	renderer := vision.NewPlaywrightRenderer(vision.BrowserConfig{
		Headless:       c.Browser.Headless,
		ViewportWidth:  c.Browser.ViewportWidth,
		ViewportHeight: c.Browser.ViewportHeight,
		Locale:         c.Browser.Locale,
		UserAgent:      c.Tiers.UserAgent,
		Settle:         time.Duration(c.Browser.SettleMs) * time.Millisecond,
	})
	return vision.NewFallback(renderer, extractor, time.Duration(c.Vision.TimeoutSecs)*time.Second)
}

func tierNames(ts []model.Tier) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
