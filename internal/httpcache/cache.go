// Package httpcache remembers validators and the last good result per URL so
// an unchanged page can be answered with a conditional request instead of a
// full extraction.
package httpcache

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/scrape"
)

// Repository is the durable cache tier. GetCacheEntry returns nil, nil for a
// missing URL.
type Repository interface {
	GetCacheEntry(ctx context.Context, url string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, url string) error
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// Config tunes the cache.
type Config struct {
	TTL       time.Duration
	L1Entries int
}

// Check is the answer to a conditional check. When NotModified is set Entry
// holds the cached result; otherwise Page holds the freshly fetched page.
type Check struct {
	NotModified bool
	Entry       *model.CacheEntry
	Page        *scrape.Page
}

// Cache is a two-level cache: an in-process LRU in front of the repository.
type Cache struct {
	ttl     time.Duration
	l1      *expirable.LRU[string, model.CacheEntry]
	repo    Repository
	nowFunc func() time.Time
}

// New creates a Cache. repo may be nil for an in-process cache only.
func New(cfg Config, repo Repository) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.L1Entries <= 0 {
		cfg.L1Entries = 10000
	}
	return &Cache{
		ttl:     cfg.TTL,
		l1:      expirable.NewLRU[string, model.CacheEntry](cfg.L1Entries, nil, cfg.TTL),
		repo:    repo,
		nowFunc: time.Now,
	}
}

// Get returns the live entry for url, or nil. Reading an entry never extends
// its lifetime.
func (c *Cache) Get(ctx context.Context, url string) (*model.CacheEntry, error) {
	now := c.nowFunc()
	if e, ok := c.l1.Get(url); ok {
		if e.Expired(now) {
			c.l1.Remove(url)
			return nil, nil
		}
		return &e, nil
	}
	if c.repo == nil {
		return nil, nil
	}

	e, err := c.repo.GetCacheEntry(ctx, url)
	if err != nil {
		return nil, eris.Wrapf(err, "httpcache: get %s", url)
	}
	if e == nil || e.Expired(now) {
		return nil, nil
	}
	c.l1.Add(url, *e)
	return e, nil
}

// CheckIfModified fetches url through f, sending the stored validators when
// there is a live entry and f supports them. A 304 answer returns the cached
// entry; anything else returns the page. With no entry the fetch is a plain
// full fetch.
func (c *Cache) CheckIfModified(ctx context.Context, url string, f scrape.Fetcher) (*Check, error) {
	req := scrape.FetchRequest{URL: url}

	var entry *model.CacheEntry
	if f.SupportsConditional() {
		e, err := c.Get(ctx, url)
		if err != nil {
			zap.L().Warn("httpcache: lookup failed, fetching in full", zap.String("url", url), zap.Error(err))
		}
		if e != nil && e.HasValidators() {
			entry = e
			req.ETag = e.ETag
			req.LastModified = e.LastModified
		}
	}

	page, err := f.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if page.NotModified {
		if entry == nil {
			return nil, &scrape.NetworkError{Tier: f.Tier(), URL: url, StatusCode: http.StatusNotModified,
				Err: eris.New("httpcache: 304 for an unconditional request")}
		}
		return &Check{NotModified: true, Entry: entry, Page: page}, nil
	}
	return &Check{Page: page}, nil
}

// Store records the validators from header together with result. The entry
// lives for the configured TTL from now.
func (c *Cache) Store(ctx context.Context, url string, header http.Header, result model.ScrapeResult) error {
	e := model.CacheEntry{
		URL:      url,
		Result:   result,
		CachedAt: c.nowFunc(),
		TTL:      c.ttl,
	}
	if header != nil {
		e.ETag = header.Get("ETag")
		e.LastModified = header.Get("Last-Modified")
	}

	c.l1.Add(url, e)
	if c.repo == nil {
		return nil
	}
	if err := c.repo.PutCacheEntry(ctx, e); err != nil {
		return eris.Wrapf(err, "httpcache: put %s", url)
	}
	return nil
}

// Invalidate drops url from both levels.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	c.l1.Remove(url)
	if c.repo == nil {
		return nil
	}
	if err := c.repo.DeleteCacheEntry(ctx, url); err != nil {
		return eris.Wrapf(err, "httpcache: delete %s", url)
	}
	return nil
}

// Sweep deletes expired entries from the repository. The L1 expires on its
// own.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	if c.repo == nil {
		return 0, nil
	}
	n, err := c.repo.DeleteExpiredCache(ctx, c.nowFunc())
	if err != nil {
		return 0, eris.Wrap(err, "httpcache: sweep expired")
	}
	return n, nil
}

// Len is the number of entries held in process.
func (c *Cache) Len() int {
	return c.l1.Len()
}
