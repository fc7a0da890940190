package scrape

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/pkg/firecrawl"
)

// FirecrawlFetcher serves the premiumPaid tier through Firecrawl's stealth
// proxies.
type FirecrawlFetcher struct {
	client firecrawl.Client
}

// NewFirecrawlFetcher wraps a Firecrawl client. A nil client makes every
// fetch fail with a ConfigurationError.
func NewFirecrawlFetcher(client firecrawl.Client) *FirecrawlFetcher {
	return &FirecrawlFetcher{client: client}
}

// Tier implements Fetcher.
func (f *FirecrawlFetcher) Tier() model.Tier { return model.TierPremiumPaid }

// SupportsConditional implements Fetcher.
func (f *FirecrawlFetcher) SupportsConditional() bool { return false }

// Fetch implements Fetcher.
func (f *FirecrawlFetcher) Fetch(ctx context.Context, fr FetchRequest) (*Page, error) {
	tier := f.Tier()
	if f.client == nil {
		return nil, &ConfigurationError{Tier: tier, Reason: "firecrawl api key missing"}
	}

	start := time.Now()
	resp, err := f.client.Scrape(ctx, fr.URL, firecrawl.ScrapeOptions{Stealth: true})
	if err != nil {
		var apiErr *firecrawl.APIError
		if errors.As(err, &apiErr) {
			return nil, providerStatusError(tier, fr.URL, apiErr.StatusCode, err)
		}
		return nil, transportError(ctx, tier, fr.URL, err)
	}

	status := resp.OriginStatus
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusForbidden {
		return nil, &BlockedError{Tier: tier, URL: fr.URL, StatusCode: status, Block: BlockAccessDenied}
	}
	if err := statusError(tier, fr.URL, status); err != nil {
		return nil, err
	}

	html := resp.HTML
	if err := providerBodyError(tier, fr.URL, html); err != nil {
		return nil, err
	}
	return &Page{
		URL:          fr.URL,
		StatusCode:   status,
		HTML:         html,
		ResponseTime: time.Since(start),
	}, nil
}
