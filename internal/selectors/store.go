// Package selectors keeps ranked CSS selector candidates per (domain, field)
// and learns new ones from every extraction attempt.
package selectors

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/extract"
	"github.com/sells-group/pricescout/internal/model"
)

// Repository is the durable home of selector records.
type Repository interface {
	LoadSelectors(ctx context.Context, domain string, field model.Field) ([]model.SelectorRecord, error)
	UpsertSelector(ctx context.Context, rec model.SelectorRecord) error
	DeleteStaleSelectors(ctx context.Context, belowRate float64, lastSuccessBefore time.Time) (int64, error)
}

// Config tunes ranking and pruning.
type Config struct {
	// TopK is the default number of candidates returned by Get.
	TopK int
	// MinRate is the lowest success rate Get returns.
	MinRate float64
	// PruneRate and Retention define a stale record for Cleanup.
	PruneRate float64
	Retention time.Duration
}

// DefaultConfig returns top 5, rate >= 0.5, prune below 0.2 after 30 days.
func DefaultConfig() Config {
	return Config{TopK: 5, MinRate: 0.5, PruneRate: 0.2, Retention: 30 * 24 * time.Hour}
}

type bucketKey struct {
	domain string
	field  model.Field
}

// bucket holds every record for one (domain, field). Its mutex is the only
// lock taken on the extraction hot path.
type bucket struct {
	mu      sync.Mutex
	loaded  bool
	records map[string]*model.SelectorRecord
}

// Store caches selector records in memory and writes through to the
// repository.
type Store struct {
	cfg  Config
	repo Repository

	mu      sync.RWMutex
	buckets map[bucketKey]*bucket

	nowFunc func() time.Time
}

// New creates a Store. repo may be nil for a purely in-memory store.
func New(cfg Config, repo Repository) *Store {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = def.MinRate
	}
	if cfg.PruneRate <= 0 {
		cfg.PruneRate = def.PruneRate
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Store{
		cfg:     cfg,
		repo:    repo,
		buckets: make(map[bucketKey]*bucket),
		nowFunc: time.Now,
	}
}

func (s *Store) bucket(domain string, field model.Field) *bucket {
	key := bucketKey{domain: domain, field: field}
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{records: make(map[string]*model.SelectorRecord)}
	s.buckets[key] = b
	return b
}

// ensureLoaded must be called with b.mu held.
func (s *Store) ensureLoaded(ctx context.Context, b *bucket, domain string, field model.Field) error {
	if b.loaded || s.repo == nil {
		b.loaded = true
		return nil
	}
	recs, err := s.repo.LoadSelectors(ctx, domain, field)
	if err != nil {
		return eris.Wrapf(err, "selectors: load %s/%s", domain, field)
	}
	for i := range recs {
		rec := recs[i]
		if _, ok := b.records[rec.Selector]; !ok {
			b.records[rec.Selector] = &rec
		}
	}
	b.loaded = true
	return nil
}

// Get returns up to k records for (domain, field) with a success rate of at
// least MinRate, best first. k <= 0 uses the configured TopK.
func (s *Store) Get(ctx context.Context, domain string, field model.Field, k int) ([]model.SelectorRecord, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}
	b := s.bucket(domain, field)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := s.ensureLoaded(ctx, b, domain, field); err != nil {
		return nil, err
	}

	out := make([]model.SelectorRecord, 0, len(b.records))
	for _, rec := range b.records {
		if rec.SuccessRate >= s.cfg.MinRate {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.SuccessRate != c.SuccessRate {
			return a.SuccessRate > c.SuccessRate
		}
		if a.SuccessCount != c.SuccessCount {
			return a.SuccessCount > c.SuccessCount
		}
		if !a.LastSuccess.Equal(c.LastSuccess) {
			return a.LastSuccess.After(c.LastSuccess)
		}
		return a.Selector < c.Selector
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// RecordSuccess upserts the exact (domain, field, selector) triple. A new
// record starts at one success and a 100% rate. An existing record keeps its
// original provenance.
func (s *Store) RecordSuccess(ctx context.Context, domain string, field model.Field, selector, example string, from model.LearnedFrom) error {
	b := s.bucket(domain, field)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := s.ensureLoaded(ctx, b, domain, field); err != nil {
		return err
	}

	rec, ok := b.records[selector]
	if !ok {
		rec = &model.SelectorRecord{
			Domain:      domain,
			Field:       field,
			Selector:    selector,
			LearnedFrom: from,
		}
		b.records[selector] = rec
	}
	rec.SuccessCount++
	rec.LastSuccess = s.nowFunc()
	rec.ExampleValue = example
	rec.Recompute()

	return s.persist(ctx, *rec)
}

// RecordFailure counts a miss against an existing record. Unknown selectors
// are ignored: a failure never creates a row.
func (s *Store) RecordFailure(ctx context.Context, domain string, field model.Field, selector string) error {
	b := s.bucket(domain, field)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := s.ensureLoaded(ctx, b, domain, field); err != nil {
		return err
	}

	rec, ok := b.records[selector]
	if !ok {
		return nil
	}
	rec.FailureCount++
	rec.Recompute()

	return s.persist(ctx, *rec)
}

func (s *Store) persist(ctx context.Context, rec model.SelectorRecord) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.UpsertSelector(ctx, rec); err != nil {
		return eris.Wrapf(err, "selectors: upsert %s/%s %q", rec.Domain, rec.Field, rec.Selector)
	}
	return nil
}

// DiscoverFromVision searches the rendered DOM for the elements holding the
// values a vision model reported, and records a selector for each one it can
// localize. Zero discoveries is a normal result.
func (s *Store) DiscoverFromVision(ctx context.Context, domain, renderedHTML string, values map[model.Field]string) ([]model.SelectorRecord, error) {
	doc, err := extract.Parse(renderedHTML)
	if err != nil {
		return nil, eris.Wrap(err, "selectors: parse rendered dom")
	}

	var found []model.SelectorRecord
	for _, field := range []model.Field{model.FieldPrice, model.FieldTitle} {
		want := values[field]
		if want == "" {
			continue
		}

		match := extract.TextMatcher(want)
		if field == model.FieldPrice {
			match = extract.PriceMatcher(want)
		}
		selector, ok := doc.Localize(match)
		if !ok {
			zap.L().Debug("selectors: vision value not found in dom",
				zap.String("domain", domain),
				zap.String("field", string(field)),
			)
			continue
		}

		example, _ := doc.Value(selector)
		if err := s.RecordSuccess(ctx, domain, field, selector, example, model.LearnedVision); err != nil {
			return found, err
		}
		zap.L().Info("selectors: learned selector from vision",
			zap.String("domain", domain),
			zap.String("field", string(field)),
			zap.String("selector", selector),
		)
		found = append(found, model.SelectorRecord{
			Domain:       domain,
			Field:        field,
			Selector:     selector,
			LearnedFrom:  model.LearnedVision,
			ExampleValue: example,
		})
	}
	return found, nil
}

// Cleanup deletes records whose success rate is below PruneRate and whose
// last success is older than Retention, both in memory and durably. With a
// repository the durable row count is returned.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.nowFunc().Add(-s.cfg.Retention)

	s.mu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	var removed int64
	for _, b := range buckets {
		b.mu.Lock()
		for sel, rec := range b.records {
			if s.stale(rec, cutoff) {
				delete(b.records, sel)
				removed++
			}
		}
		b.mu.Unlock()
	}

	if s.repo == nil {
		return removed, nil
	}
	n, err := s.repo.DeleteStaleSelectors(ctx, s.cfg.PruneRate, cutoff)
	if err != nil {
		return removed, eris.Wrap(err, "selectors: delete stale")
	}
	return n, nil
}

func (s *Store) stale(rec *model.SelectorRecord, cutoff time.Time) bool {
	return rec.SuccessRate < s.cfg.PruneRate && rec.LastSuccess.Before(cutoff)
}
