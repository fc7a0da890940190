package vision

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/scrape"
)

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	UserAgent      string
	// Settle is how long to wait after DOMContentLoaded for client-side
	// price widgets to render.
	Settle time.Duration
	// NavTimeout bounds page navigation.
	NavTimeout time.Duration
}

// PlaywrightRenderer renders pages in headless Chromium. The browser starts
// on first use and is shared; every Render gets its own context and page.
type PlaywrightRenderer struct {
	cfg BrowserConfig

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

// NewPlaywrightRenderer creates a renderer. Nothing is launched until the
// first Render.
func NewPlaywrightRenderer(cfg BrowserConfig) *PlaywrightRenderer {
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1366
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 1800
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	return &PlaywrightRenderer{cfg: cfg}
}

func (r *PlaywrightRenderer) start() (playwright.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, eris.Wrap(err, "vision: start playwright")
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, eris.Wrap(err, "vision: launch chromium")
	}
	r.pw, r.browser = pw, browser
	zap.L().Info("vision: browser started", zap.Bool("headless", r.cfg.Headless))
	return browser, nil
}

// Render implements Renderer. The browser context and page are closed on
// every return path, and cancelling ctx closes them early.
func (r *PlaywrightRenderer) Render(ctx context.Context, url string) (*Rendering, error) {
	browser, err := r.start()
	if err != nil {
		return nil, &scrape.ConfigurationError{Tier: model.TierVision, Reason: "browser unavailable", Err: err}
	}

	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: r.cfg.ViewportWidth, Height: r.cfg.ViewportHeight},
	}
	if r.cfg.Locale != "" {
		opts.Locale = playwright.String(r.cfg.Locale)
	}
	if r.cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(r.cfg.UserAgent)
	}
	bctx, err := browser.NewContext(opts)
	if err != nil {
		return nil, eris.Wrap(err, "vision: new browser context")
	}
	defer func() {
		if err := bctx.Close(); err != nil {
			zap.L().Debug("vision: close context", zap.Error(err))
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = bctx.Close() })
	defer stop()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, eris.Wrap(err, "vision: new page")
	}
	defer page.Close() //nolint:errcheck

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(r.cfg.NavTimeout.Milliseconds())),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &scrape.NetworkError{Tier: model.TierVision, URL: url, Err: err}
	}

	status := http.StatusOK
	if resp != nil {
		status = resp.Status()
	}
	if status == http.StatusTooManyRequests {
		return nil, &scrape.BlockedError{Tier: model.TierVision, URL: url, StatusCode: status, Block: scrape.BlockRateLimit, RateLimited: true}
	}

	if r.cfg.Settle > 0 {
		page.WaitForTimeout(float64(r.cfg.Settle.Milliseconds()))
	}

	shot, err := page.Screenshot(playwright.PageScreenshotOptions{Type: playwright.ScreenshotTypePng})
	if err != nil {
		return nil, eris.Wrap(err, "vision: screenshot")
	}
	html, err := page.Content()
	if err != nil {
		return nil, eris.Wrap(err, "vision: read dom")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &Rendering{URL: url, StatusCode: status, Screenshot: shot, HTML: html}, nil
}

// Close stops the browser if it was started.
func (r *PlaywrightRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}

	var errs []error
	if err := r.browser.Close(); err != nil {
		errs = append(errs, eris.Wrap(err, "vision: close browser"))
	}
	if err := r.pw.Stop(); err != nil {
		errs = append(errs, eris.Wrap(err, "vision: stop playwright"))
	}
	r.browser, r.pw = nil, nil
	return errors.Join(errs...)
}
