// Package orchestrator turns one ScrapeTask into one canonical outcome by
// walking the fetch tiers in cost order until one yields a valid price.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/httpcache"
	"github.com/sells-group/pricescout/internal/metrics"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/scrape"
	"github.com/sells-group/pricescout/internal/selectors"
	"github.com/sells-group/pricescout/internal/throttle"
	"github.com/sells-group/pricescout/internal/tiers"
	"github.com/sells-group/pricescout/internal/vision"
)

// Config tunes extraction and per-attempt limits.
type Config struct {
	// TopK learned selectors are tried per field before the seeds.
	TopK int
	// FetchTimeout bounds a single structural fetch.
	FetchTimeout time.Duration
	SeedPrice    []string
	SeedTitle    []string
	// Exclude skips tasks whose URL path matches. Nil excludes nothing.
	Exclude *scrape.PathMatcher
}

// Deps are the shared services the orchestrator drives. Vision may be nil,
// in which case the structural tiers are the last resort.
type Deps struct {
	Fetchers  []scrape.Fetcher
	Throttle  *throttle.Controller
	Tiers     *tiers.Tracker
	Selectors *selectors.Store
	Cache     *httpcache.Cache
	Vision    *vision.Fallback
}

// Attempt records one tier's failure.
type Attempt struct {
	Tier model.Tier
	Kind scrape.ErrorKind
	Err  error
}

// ScrapeError is the definitive failure of a task: every eligible tier was
// tried. Cause is the last tier's proximate error.
type ScrapeError struct {
	URL      string
	LastTier model.Tier
	Cause    error
	Attempts []Attempt
}

func (e *ScrapeError) Error() string {
	if e.LastTier == "" {
		return fmt.Sprintf("orchestrator: no tier attempted for %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("orchestrator: %d tier(s) failed for %s, last %s: %v", len(e.Attempts), e.URL, e.LastTier, e.Cause)
}

func (e *ScrapeError) Unwrap() error { return e.Cause }

// ErrNoEligibleTier is the cause when the health tracker vetoed every tier.
var ErrNoEligibleTier = errors.New("no eligible tier")

// Orchestrator is safe for concurrent use by every queue worker.
type Orchestrator struct {
	cfg       Config
	fetchers  []scrape.Fetcher
	throttle  *throttle.Controller
	tiers     *tiers.Tracker
	selectors *selectors.Store
	cache     *httpcache.Cache
	vision    *vision.Fallback
	metrics   *metrics.Metrics
	nowFunc   func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics publishes attempt and outcome metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces the time source used for timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.nowFunc = now
		}
	}
}

// New validates deps and creates an Orchestrator. Fetchers are ordered by
// tier rank regardless of the order given; vision fetchers are rejected.
func New(cfg Config, d Deps, opts ...Option) (*Orchestrator, error) {
	if d.Throttle == nil || d.Tiers == nil || d.Selectors == nil || d.Cache == nil {
		return nil, eris.New("orchestrator: throttle, tiers, selectors and cache are required")
	}
	if len(d.Fetchers) == 0 && d.Vision == nil {
		return nil, eris.New("orchestrator: no tiers configured")
	}

	fetchers := make([]scrape.Fetcher, 0, len(d.Fetchers))
	seen := make(map[model.Tier]bool)
	for _, f := range d.Fetchers {
		t := f.Tier()
		if !t.Valid() || t == model.TierVision {
			return nil, eris.Errorf("orchestrator: %q is not a structural tier", t)
		}
		if seen[t] {
			return nil, eris.Errorf("orchestrator: duplicate fetcher for tier %s", t)
		}
		seen[t] = true
		fetchers = append(fetchers, f)
	}
	sort.SliceStable(fetchers, func(i, j int) bool {
		return fetchers[i].Tier().Rank() < fetchers[j].Tier().Rank()
	})

	if cfg.TopK <= 0 {
		cfg.TopK = selectors.DefaultConfig().TopK
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	o := &Orchestrator{
		cfg:       cfg,
		fetchers:  fetchers,
		throttle:  d.Throttle,
		tiers:     d.Tiers,
		selectors: d.Selectors,
		cache:     d.Cache,
		vision:    d.Vision,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Tiers returns the configured tiers in the order they are tried.
func (o *Orchestrator) Tiers() []model.Tier {
	out := make([]model.Tier, 0, len(o.fetchers)+1)
	for _, f := range o.fetchers {
		out = append(out, f.Tier())
	}
	if o.vision != nil {
		out = append(out, model.TierVision)
	}
	return out
}

// Scrape walks the tiers for task and returns exactly one outcome. Tier
// failures are absorbed into escalation; only exhaustion of every tier, or
// cancellation of ctx, yields a failed outcome.
func (o *Orchestrator) Scrape(ctx context.Context, task model.ScrapeTask) model.Outcome {
	norm, err := task.Normalize()
	if err != nil {
		return o.finish(task, model.Skipped("invalid task: "+err.Error()))
	}
	task = norm
	if o.cfg.Exclude != nil && o.cfg.Exclude.IsExcluded(task.URL) {
		return o.finish(task, model.Skipped("excluded path"))
	}

	log := zap.L().With(zap.String("domain", task.Domain), zap.String("url", task.URL))
	fail := &ScrapeError{URL: task.URL}

	for _, f := range o.fetchers {
		tier := f.Tier()
		if !o.tiers.ShouldTry(tier) {
			log.Debug("orchestrator: tier ineligible", zap.String("tier", string(tier)))
			continue
		}

		result, err := o.tryStructural(ctx, task, f)
		if err == nil {
			return o.finish(task, model.Succeeded(result))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			fail.LastTier, fail.Cause = tier, ctxErr
			return o.finish(task, model.Failed(fail))
		}
		fail.add(tier, err)
		log.Debug("orchestrator: tier failed, escalating",
			zap.String("tier", string(tier)),
			zap.String("kind", string(scrape.Classify(err))),
			zap.Error(err),
		)
	}

	if o.vision != nil && o.tiers.ShouldTry(model.TierVision) {
		log.Info("orchestrator: structural tiers exhausted, using vision", zap.Int("attempts", len(fail.Attempts)))
		result, err := o.tryVision(ctx, task)
		if err == nil {
			return o.finish(task, model.Succeeded(result))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			fail.LastTier, fail.Cause = model.TierVision, ctxErr
			return o.finish(task, model.Failed(fail))
		}
		fail.add(model.TierVision, err)
	}

	if fail.Cause == nil {
		fail.Cause = ErrNoEligibleTier
	}
	return o.finish(task, model.Failed(fail))
}

func (e *ScrapeError) add(tier model.Tier, err error) {
	e.Attempts = append(e.Attempts, Attempt{Tier: tier, Kind: scrape.Classify(err), Err: err})
	e.LastTier = tier
	e.Cause = err
}

func (o *Orchestrator) finish(task model.ScrapeTask, out model.Outcome) model.Outcome {
	o.metrics.IncScrape(out.Status)
	log := zap.L().With(zap.String("task", task.ID), zap.String("url", task.URL))
	switch out.Status {
	case model.OutcomeSuccess:
		log.Info("orchestrator: scraped",
			zap.String("tier", string(out.Result.TierUsed)),
			zap.String("price", out.Result.Price.String()),
			zap.String("cost_usd", out.Result.Cost.String()),
			zap.Bool("cache_hit", out.Result.CacheHit),
		)
	case model.OutcomeSkipped:
		log.Info("orchestrator: skipped", zap.String("reason", out.Reason))
	default:
		log.Warn("orchestrator: failed", zap.Error(out.Err))
	}
	return out
}

// tryStructural runs one structural tier: throttle gate, conditional fetch,
// extraction, then bookkeeping into every shared service.
func (o *Orchestrator) tryStructural(ctx context.Context, task model.ScrapeTask, f scrape.Fetcher) (*model.ScrapeResult, error) {
	tier := f.Tier()
	if err := o.throttle.BeforeRequest(ctx, task.Domain, tier); err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	start := o.nowFunc()
	check, err := o.cache.CheckIfModified(fctx, task.URL, f)
	elapsed := o.nowFunc().Sub(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var page *scrape.Page
	if check != nil {
		page = check.Page
	}
	o.observeThrottle(task.Domain, tier, page, err, elapsed)

	spend := o.tiers.CostPerRequest(tier)
	if err != nil {
		o.recordTier(tier, false, spend, err, elapsed)
		return nil, err
	}

	if check.NotModified {
		if !check.Entry.Result.Valid() {
			o.recordTier(tier, false, decimal.Zero, nil, elapsed)
			if ierr := o.cache.Invalidate(ctx, task.URL); ierr != nil {
				zap.L().Warn("orchestrator: invalidate cache entry", zap.String("url", task.URL), zap.Error(ierr))
			}
			return nil, &scrape.ExtractionMiss{Tier: tier, URL: task.URL, Field: model.FieldPrice,
				Err: eris.New("cached result has no valid price")}
		}
		o.recordTier(tier, true, decimal.Zero, nil, elapsed)
		result := check.Entry.Result
		result.TierUsed = tier
		result.Cost = decimal.Zero
		result.CacheHit = true
		result.ExtractedAt = o.nowFunc()
		return &result, nil
	}

	result, err := o.extract(ctx, task, tier, page)
	if err != nil {
		o.recordTier(tier, false, spend, err, elapsed)
		return nil, err
	}
	o.recordTier(tier, true, spend, nil, elapsed)
	result.Cost = spend

	if serr := o.cache.Store(ctx, task.URL, page.Header, *result); serr != nil {
		zap.L().Warn("orchestrator: cache store failed", zap.String("url", task.URL), zap.Error(serr))
	}
	return result, nil
}

// observeThrottle feeds one finished request into the throttle. Any block,
// not just a 429, counts as a rate-limit signal.
func (o *Orchestrator) observeThrottle(domain string, tier model.Tier, page *scrape.Page, err error, elapsed time.Duration) {
	out := throttle.Outcome{OK: err == nil, ResponseTime: elapsed}
	if page != nil {
		out.StatusCode = page.StatusCode
	}

	var (
		blocked *scrape.BlockedError
		netErr  *scrape.NetworkError
	)
	switch {
	case errors.As(err, &blocked):
		out.RateLimited = true
		out.StatusCode = blocked.StatusCode
	case errors.As(err, &netErr):
		out.Timeout = netErr.Timeout
		out.StatusCode = netErr.StatusCode
	case errors.Is(err, context.DeadlineExceeded):
		out.Timeout = true
	}

	o.throttle.AfterRequest(domain, tier, out)
	o.metrics.SetThrottleDelay(domain, tier, o.throttle.Delay(domain, tier))
}

func (o *Orchestrator) recordTier(tier model.Tier, success bool, spend decimal.Decimal, err error, elapsed time.Duration) {
	o.tiers.Record(tier, success, spend)

	outcome := "success"
	if !success {
		outcome = string(scrape.Classify(err))
		if err == nil {
			outcome = string(scrape.KindExtraction)
		}
	}
	o.metrics.ObserveAttempt(tier, outcome, spend, elapsed)

	var cfgErr *scrape.ConfigurationError
	if errors.As(err, &cfgErr) {
		o.tiers.Disable(tier, cfgErr.Reason)
	}
}

// tryVision is the terminal tier. Its spend is the tier's flat cost plus the
// model tokens of the call, charged whether or not the answer is usable.
func (o *Orchestrator) tryVision(ctx context.Context, task model.ScrapeTask) (*model.ScrapeResult, error) {
	tier := model.TierVision
	if err := o.throttle.BeforeRequest(ctx, task.Domain, tier); err != nil {
		return nil, err
	}

	start := o.nowFunc()
	rendering, answer, err := o.vision.Run(ctx, task.URL)
	elapsed := o.nowFunc().Sub(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var page *scrape.Page
	if rendering != nil {
		page = &scrape.Page{URL: rendering.URL, StatusCode: rendering.StatusCode}
	}
	o.observeThrottle(task.Domain, tier, page, err, elapsed)

	spend := o.tiers.CostPerRequest(tier)
	if answer != nil {
		spend = spend.Add(answer.Cost)
	}

	if err == nil && !answer.Price.IsPositive() {
		err = &scrape.VisionExtractionError{URL: task.URL, Reason: "price is not positive"}
	}
	if err != nil {
		o.recordTier(tier, false, spend, err, elapsed)
		o.metrics.IncVision(string(scrape.Classify(err)))
		return nil, err
	}
	o.recordTier(tier, true, spend, nil, elapsed)
	o.metrics.IncVision("success")

	result := &model.ScrapeResult{
		Price:       answer.Price,
		Title:       answer.Title,
		InStock:     answer.InStock,
		Currency:    answer.Currency,
		TierUsed:    tier,
		Cost:        spend,
		ExtractedAt: o.nowFunc(),
	}

	if rendering != nil && rendering.HTML != "" {
		raw := answer.RawPrice
		if raw == "" {
			raw = answer.Price.StringFixed(2)
		}
		values := map[model.Field]string{model.FieldPrice: raw, model.FieldTitle: answer.Title}
		if _, derr := o.selectors.DiscoverFromVision(ctx, task.Domain, rendering.HTML, values); derr != nil {
			zap.L().Warn("orchestrator: selector discovery failed", zap.String("domain", task.Domain), zap.Error(derr))
		}
	}
	return result, nil
}
