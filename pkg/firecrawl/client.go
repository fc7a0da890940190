// Package firecrawl scrapes pages through Firecrawl's hosted browsers.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://api.firecrawl.dev/v2"
	maxBody        = 32 << 20
)

// Client scrapes one URL.
type Client interface {
	Scrape(ctx context.Context, target string, opts ScrapeOptions) (*Page, error)
}

// ScrapeOptions tune how Firecrawl loads the page.
type ScrapeOptions struct {
	// Stealth routes through residential proxies at a higher credit cost.
	Stealth bool
	// WaitFor is an extra delay after load for client-rendered prices.
	WaitFor time.Duration
	// Country is an ISO 3166 code for geo-priced storefronts.
	Country string
}

// Page is the raw HTML Firecrawl saw and the origin's status code.
type Page struct {
	HTML         string
	Title        string
	OriginStatus int
	Credits      int
}

// APIError is a non-2xx answer from Firecrawl itself.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firecrawl: HTTP %d: %s", e.StatusCode, e.Body)
}

type scrapeBody struct {
	URL             string    `json:"url"`
	Formats         []string  `json:"formats"`
	OnlyMainContent bool      `json:"onlyMainContent"`
	Proxy           string    `json:"proxy,omitempty"`
	WaitFor         int64     `json:"waitFor,omitempty"`
	MaxAge          int64     `json:"maxAge"`
	Location        *location `json:"location,omitempty"`
}

type location struct {
	Country string `json:"country"`
}

type scrapeReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		RawHTML  string `json:"rawHtml"`
		HTML     string `json:"html"`
		Metadata struct {
			Title       string `json:"title"`
			StatusCode  int    `json:"statusCode"`
			CreditsUsed int    `json:"creditsUsed"`
			Error       string `json:"error"`
		} `json:"metadata"`
	} `json:"data"`
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(c *client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

type client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Firecrawl client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) Client {
	c := &client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scrape always asks for a fresh rawHtml capture. A reply with success=false
// is an error even when the HTTP status is 200.
func (c *client) Scrape(ctx context.Context, target string, opts ScrapeOptions) (*Page, error) {
	body := scrapeBody{
		URL:     target,
		Formats: []string{"rawHtml"},
		WaitFor: opts.WaitFor.Milliseconds(),
	}
	if opts.Stealth {
		body.Proxy = "stealth"
	}
	if opts.Country != "" {
		body.Location = &location{Country: opts.Country}
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: scrape")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: read body")
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var reply scrapeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, eris.Wrap(err, "firecrawl: decode reply")
	}
	if !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = reply.Data.Metadata.Error
		}
		if msg == "" {
			msg = "no detail"
		}
		return nil, eris.Errorf("firecrawl: scrape not successful: %s", msg)
	}

	page := &Page{
		HTML:         reply.Data.RawHTML,
		Title:        reply.Data.Metadata.Title,
		OriginStatus: reply.Data.Metadata.StatusCode,
		Credits:      reply.Data.Metadata.CreditsUsed,
	}
	if page.HTML == "" {
		page.HTML = reply.Data.HTML
	}
	return page, nil
}
