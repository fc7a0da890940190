// Package jina fetches rendered pages through the Jina Reader API.
package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://r.jina.ai"
	maxBody        = 16 << 20
)

// Client reads one URL through Jina Reader.
type Client interface {
	Read(ctx context.Context, target string, opts ReadOptions) (*Page, error)
}

// ReadOptions map onto Reader request headers.
type ReadOptions struct {
	// WaitForSelector delays capture until the selector is present.
	WaitForSelector string
	// Timeout bounds Jina's own page load.
	Timeout time.Duration
	Locale  string
}

// Page is the rendered HTML of target.
type Page struct {
	URL    string
	Title  string
	HTML   string
	Tokens int
}

// StatusError is a non-200 answer from Reader.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jina: status %d: %s", e.StatusCode, e.Body)
}

// envelope is the JSON wrapper Reader puts around every page. Deployments
// without html support return markup in content.
type envelope struct {
	Code int `json:"code"`
	Data struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		HTML    string `json:"html"`
		Content string `json:"content"`
		Usage   struct {
			Tokens int `json:"tokens"`
		} `json:"usage"`
	} `json:"data"`
}

// Option configures the client.
type Option func(*client)

// WithBaseURL points the client at another Reader deployment.
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

// NewClient creates a Reader client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) Client {
	c := &client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 45 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) Read(ctx context.Context, target string, opts ReadOptions) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: build request")
	}
	h := req.Header
	h.Set("Authorization", "Bearer "+c.apiKey)
	h.Set("Accept", "application/json")
	h.Set("X-Return-Format", "html")
	h.Set("X-No-Cache", "true")
	if opts.WaitForSelector != "" {
		h.Set("X-Wait-For-Selector", opts.WaitForSelector)
	}
	if opts.Timeout > 0 {
		h.Set("X-Timeout", strconv.Itoa(int(opts.Timeout.Seconds())))
	}
	if opts.Locale != "" {
		h.Set("X-Locale", opts.Locale)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: read")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "jina: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "jina: decode envelope")
	}
	page := &Page{
		URL:    env.Data.URL,
		Title:  env.Data.Title,
		HTML:   env.Data.HTML,
		Tokens: env.Data.Usage.Tokens,
	}
	if page.HTML == "" {
		page.HTML = env.Data.Content
	}
	if page.URL == "" {
		page.URL = target
	}
	return page, nil
}
