// Package scrape fetches product pages through the structural tiers and
// classifies what went wrong when a fetch fails.
package scrape

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
)

// Fetcher retrieves one page over a tier's network path.
type Fetcher interface {
	Tier() model.Tier
	// Fetch returns the page or a taxonomy error. A nil error with
	// Page.NotModified set means the origin answered 304.
	Fetch(ctx context.Context, req FetchRequest) (*Page, error)
	// SupportsConditional reports whether Fetch honors ETag/LastModified.
	SupportsConditional() bool
}

// FetchRequest describes one fetch. ETag and LastModified are sent as
// validators when the fetcher supports conditional requests.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// Conditional reports whether the request carries any validator.
func (r FetchRequest) Conditional() bool {
	return r.ETag != "" || r.LastModified != ""
}

// Page is a fetched document.
type Page struct {
	URL          string
	StatusCode   int
	HTML         string
	Header       http.Header
	ResponseTime time.Duration
	NotModified  bool
}

// ETag returns the response's entity tag, if any.
func (p *Page) ETag() string {
	if p == nil || p.Header == nil {
		return ""
	}
	return p.Header.Get("ETag")
}

// LastModified returns the response's Last-Modified header, if any.
func (p *Page) LastModified() string {
	if p == nil || p.Header == nil {
		return ""
	}
	return p.Header.Get("Last-Modified")
}

// transportError converts a client.Do failure into the taxonomy. Context
// cancellation passes through untouched so callers can stop.
func transportError(ctx context.Context, tier model.Tier, url string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &NetworkError{Tier: tier, URL: url, Timeout: true, Err: err}
	}
	return &NetworkError{Tier: tier, URL: url, Timeout: resilience.IsTimeout(err), Err: err}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// statusError maps an origin status code to the taxonomy. It returns nil for
// 2xx and 304.
func statusError(tier model.Tier, url string, status int) error {
	switch {
	case status == http.StatusNotModified, status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &BlockedError{Tier: tier, URL: url, StatusCode: status, Block: BlockRateLimit, RateLimited: true}
	default:
		return &NetworkError{Tier: tier, URL: url, StatusCode: status}
	}
}
