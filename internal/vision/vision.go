// Package vision is the terminal tier: it renders a page in a real browser
// and asks a multimodal model to read the price off the screenshot.
package vision

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rendering is what the browser saw.
type Rendering struct {
	URL        string
	StatusCode int
	Screenshot []byte
	HTML       string
}

// Renderer loads a URL in a browser.
type Renderer interface {
	Render(ctx context.Context, url string) (*Rendering, error)
	Close() error
}

// Answer is the model's reading of a screenshot.
type Answer struct {
	Title      string
	Price      decimal.Decimal
	RawPrice   string
	Currency   string
	InStock    bool
	Confidence float64
	Model      string
	// Cost is the model spend for the call that produced this answer.
	Cost decimal.Decimal
}

// Extractor reads product data from a screenshot. On a
// *scrape.VisionExtractionError the returned Answer, if any, carries only the
// Cost of the rejected call.
type Extractor interface {
	Extract(ctx context.Context, screenshot []byte) (*Answer, error)
}

// Fallback renders a page and extracts from its screenshot.
type Fallback struct {
	renderer  Renderer
	extractor Extractor
	timeout   time.Duration
}

// NewFallback combines a renderer and an extractor. timeout bounds the whole
// render plus extract; zero means no extra bound.
func NewFallback(r Renderer, e Extractor, timeout time.Duration) *Fallback {
	return &Fallback{renderer: r, extractor: e, timeout: timeout}
}

// Run renders url and extracts from the screenshot. The rendering is
// returned with the answer so callers can learn selectors from its DOM.
func (f *Fallback) Run(ctx context.Context, url string) (*Rendering, *Answer, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	rendering, err := f.renderer.Render(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if len(rendering.Screenshot) == 0 {
		return rendering, nil, eris.Errorf("vision: empty screenshot for %s", url)
	}

	answer, err := f.extractor.Extract(ctx, rendering.Screenshot)
	if err != nil {
		return rendering, answer, err
	}

	zap.L().Debug("vision: extracted",
		zap.String("url", url),
		zap.String("price", answer.Price.String()),
		zap.Float64("confidence", answer.Confidence),
		zap.String("cost_usd", answer.Cost.String()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rendering, answer, nil
}

// Close releases the renderer.
func (f *Fallback) Close() error {
	return f.renderer.Close()
}
