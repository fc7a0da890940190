package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sells-group/pricescout/internal/model"
)

// MemoryStore keeps everything in process. It backs tests and one-shot scans
// where nothing should outlive the run.
type MemoryStore struct {
	mu        sync.Mutex
	selectors map[selectorKey]model.SelectorRecord
	cache     map[string]model.CacheEntry
	tiers     map[model.Tier]model.TierStats
	results   []StoredResult
	failures  []StoredFailure
}

type selectorKey struct {
	domain   string
	field    model.Field
	selector string
}

// StoredResult is one row of the in-memory result log.
type StoredResult struct {
	Task   model.ScrapeTask
	Result model.ScrapeResult
}

// StoredFailure is one row of the in-memory failure log.
type StoredFailure struct {
	Task   model.ScrapeTask
	Reason string
	At     time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		selectors: make(map[selectorKey]model.SelectorRecord),
		cache:     make(map[string]model.CacheEntry),
		tiers:     make(map[model.Tier]model.TierStats),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) LoadSelectors(_ context.Context, domain string, field model.Field) ([]model.SelectorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SelectorRecord
	for k, rec := range m.selectors {
		if k.domain == domain && k.field == field {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b model.SelectorRecord) int {
		return cmp.Compare(a.Selector, b.Selector)
	})
	return out, nil
}

func (m *MemoryStore) UpsertSelector(_ context.Context, rec model.SelectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectors[selectorKey{rec.Domain, rec.Field, rec.Selector}] = rec
	return nil
}

func (m *MemoryStore) DeleteStaleSelectors(_ context.Context, belowRate float64, lastSuccessBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.selectors {
		if rec.SuccessRate < belowRate && rec.LastSuccess.Before(lastSuccessBefore) {
			delete(m.selectors, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetCacheEntry(_ context.Context, url string) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[url]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) PutCacheEntry(_ context.Context, e model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[e.URL] = e
	return nil
}

func (m *MemoryStore) DeleteCacheEntry(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, url)
	return nil
}

func (m *MemoryStore) DeleteExpiredCache(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for url, e := range m.cache {
		if e.Expired(now) {
			delete(m.cache, url)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LoadTierStats(context.Context) ([]model.TierStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TierStats, 0, len(m.tiers))
	for _, tier := range model.AllTiers() {
		if st, ok := m.tiers[tier]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveTierStats(_ context.Context, stats []model.TierStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range stats {
		m.tiers[st.Tier] = st
	}
	return nil
}

func (m *MemoryStore) SaveScrapeResult(_ context.Context, task model.ScrapeTask, r model.ScrapeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, StoredResult{Task: task, Result: r})
	return nil
}

func (m *MemoryStore) SaveScrapeFailure(_ context.Context, task model.ScrapeTask, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, StoredFailure{Task: task, Reason: reason, At: time.Now()})
	return nil
}

// Results returns a copy of the result log.
func (m *MemoryStore) Results() []StoredResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.results)
}

// Failures returns a copy of the failure log.
func (m *MemoryStore) Failures() []StoredFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.failures)
}
