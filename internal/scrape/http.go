package scrape

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBody      = 2 << 20
	defaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

type proxyKey struct{}

// proxyFromContext lets one shared Transport route each request through the
// proxy chosen for it.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	p, _ := req.Context().Value(proxyKey{}).(*url.URL)
	return p, nil
}

// HTTPFetcher fetches pages with net/http, either directly or through a
// ProxyPool. It serves the direct, freeRotating and proxy-backed cheapPaid
// tiers.
type HTTPFetcher struct {
	tier      model.Tier
	pool      *ProxyPool
	client    *http.Client
	userAgent string
	maxBody   int64
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithClient replaces the HTTP client. Proxy routing is lost unless the
// client's Transport uses proxyFromContext.
func WithClient(hc *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = hc
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithMaxBody caps how many body bytes are read.
func WithMaxBody(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// NewHTTPFetcher creates a fetcher for tier. A nil pool fetches directly.
func NewHTTPFetcher(tier model.Tier, pool *ProxyPool, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		tier: tier,
		pool: pool,
		client: &http.Client{
			Timeout: defaultFetchTimeout,
			Transport: &http.Transport{
				Proxy:               proxyFromContext,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: defaultUserAgent,
		maxBody:   defaultMaxBody,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Tier implements Fetcher.
func (f *HTTPFetcher) Tier() model.Tier { return f.tier }

// SupportsConditional implements Fetcher.
func (f *HTTPFetcher) SupportsConditional() bool { return true }

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, fr FetchRequest) (*Page, error) {
	var proxy *url.URL
	if f.pool != nil {
		p, err := f.pool.Next()
		switch {
		case errors.Is(err, ErrNoProxies):
			return nil, &ConfigurationError{Tier: f.tier, Reason: "no proxies configured", Err: err}
		case err != nil:
			return nil, &NetworkError{Tier: f.tier, URL: fr.URL, Err: err}
		}
		proxy = p
		ctx = context.WithValue(ctx, proxyKey{}, proxy)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fr.URL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", f.tier)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if fr.ETag != "" {
		req.Header.Set("If-None-Match", fr.ETag)
	}
	if fr.LastModified != "" {
		req.Header.Set("If-Modified-Since", fr.LastModified)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.pool.Record(proxy, false)
		return nil, transportError(ctx, f.tier, fr.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	elapsed := time.Since(start)
	if err != nil {
		f.pool.Record(proxy, false)
		return nil, transportError(ctx, f.tier, fr.URL, err)
	}
	f.pool.Record(proxy, resp.StatusCode != http.StatusProxyAuthRequired && resp.StatusCode != http.StatusBadGateway)

	page := &Page{
		URL:          fr.URL,
		StatusCode:   resp.StatusCode,
		HTML:         string(body),
		Header:       resp.Header,
		ResponseTime: elapsed,
		NotModified:  resp.StatusCode == http.StatusNotModified,
	}
	if page.NotModified {
		return page, nil
	}

	if blocked, bt := DetectBlock(resp, body); blocked {
		zap.L().Debug("scrape: block detected",
			zap.String("tier", string(f.tier)),
			zap.String("url", fr.URL),
			zap.Int("status", resp.StatusCode),
			zap.String("block_type", string(bt)),
		)
		return nil, &BlockedError{
			Tier:        f.tier,
			URL:         fr.URL,
			StatusCode:  resp.StatusCode,
			Block:       bt,
			RateLimited: bt == BlockRateLimit,
		}
	}
	if err := statusError(f.tier, fr.URL, resp.StatusCode); err != nil {
		return nil, err
	}
	return page, nil
}
