package scrape

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/pkg/jina"
)

// minProviderBody is the smallest markup a provider can return for a real
// product page.
const minProviderBody = 100

// JinaFetcher fetches through Jina Reader. It is the alternative cheapPaid
// provider when no paid proxies are configured.
type JinaFetcher struct {
	client jina.Client
}

// NewJinaFetcher wraps a Jina client. A nil client makes every fetch fail
// with a ConfigurationError.
func NewJinaFetcher(client jina.Client) *JinaFetcher {
	return &JinaFetcher{client: client}
}

// Tier implements Fetcher.
func (j *JinaFetcher) Tier() model.Tier { return model.TierCheapPaid }

// SupportsConditional implements Fetcher.
func (j *JinaFetcher) SupportsConditional() bool { return false }

// Fetch implements Fetcher.
func (j *JinaFetcher) Fetch(ctx context.Context, fr FetchRequest) (*Page, error) {
	tier := j.Tier()
	if j.client == nil {
		return nil, &ConfigurationError{Tier: tier, Reason: "jina api key missing"}
	}

	start := time.Now()
	resp, err := j.client.Read(ctx, fr.URL, jina.ReadOptions{})
	if err != nil {
		var se *jina.StatusError
		if errors.As(err, &se) {
			return nil, providerStatusError(tier, fr.URL, se.StatusCode, err)
		}
		return nil, transportError(ctx, tier, fr.URL, err)
	}

	html := resp.HTML
	if err := providerBodyError(tier, fr.URL, html); err != nil {
		return nil, err
	}
	return &Page{
		URL:          fr.URL,
		StatusCode:   http.StatusOK,
		HTML:         html,
		ResponseTime: time.Since(start),
	}, nil
}

// providerStatusError maps a provider API status. Authentication and billing
// refusals disable the tier; 429 is the provider rate limiting us.
func providerStatusError(tier model.Tier, url string, status int, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden:
		return &ConfigurationError{Tier: tier, Reason: http.StatusText(status), Err: err}
	case http.StatusTooManyRequests:
		return &BlockedError{Tier: tier, URL: url, StatusCode: status, Block: BlockRateLimit, RateLimited: true, Err: err}
	default:
		return &NetworkError{Tier: tier, URL: url, StatusCode: status, Err: err}
	}
}

func providerBodyError(tier model.Tier, url, html string) error {
	if len(strings.TrimSpace(html)) < minProviderBody {
		return &BlockedError{Tier: tier, URL: url, Block: BlockEmpty}
	}
	if blocked, bt := DetectBlockBody([]byte(html)); blocked {
		return &BlockedError{Tier: tier, URL: url, Block: bt}
	}
	return nil
}
