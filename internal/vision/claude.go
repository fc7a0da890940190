package vision

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricescout/internal/cost"
	"github.com/sells-group/pricescout/internal/extract"
	"github.com/sells-group/pricescout/internal/scrape"
	"github.com/sells-group/pricescout/pkg/anthropic"
)

const systemPrompt = `You read product pages from screenshots for a price monitoring service.
Reply with one JSON object and nothing else:
{"title": string, "price": string, "currency": string, "in_stock": boolean, "confidence": number}
price is the current selling price of the main product exactly as displayed, including any currency symbol.
Ignore struck-through prices, per-unit prices, shipping costs and prices of other products.
currency is the ISO 4217 code. confidence is between 0 and 1.
If no price is visible, set price to "" and confidence to 0.`

const userPrompt = "Extract the main product's title, price, currency and availability from this screenshot."

// ClaudeConfig configures the Claude extractor.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
	// CallsPerMinute caps model spend. Zero means unlimited.
	CallsPerMinute float64
	// MinConfidence rejects answers the model is unsure of.
	MinConfidence float64
}

// ClaudeExtractor asks Claude to read the screenshot.
type ClaudeExtractor struct {
	client  anthropic.Client
	calc    *cost.Calculator
	cfg     ClaudeConfig
	limiter *rate.Limiter
}

// NewClaudeExtractor creates an extractor. calc may be nil, in which case
// answers carry zero cost.
func NewClaudeExtractor(client anthropic.Client, calc *cost.Calculator, cfg ClaudeConfig) *ClaudeExtractor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.CallsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerMinute/60), 1)
	}
	return &ClaudeExtractor{client: client, calc: calc, cfg: cfg, limiter: limiter}
}

// rawAnswer mirrors the JSON the model is asked for. Price is kept raw since
// models answer with both strings and numbers.
type rawAnswer struct {
	Title      string          `json:"title"`
	Price      json.RawMessage `json:"price"`
	Currency   string          `json:"currency"`
	InStock    *bool           `json:"in_stock"`
	Confidence *float64        `json:"confidence"`
}

// Extract implements Extractor.
func (c *ClaudeExtractor) Extract(ctx context.Context, screenshot []byte) (*Answer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "vision: wait for call budget")
	}

	temp := 0.0
	resp, err := c.client.AskImage(ctx, anthropic.ImageQuery{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      systemPrompt,
		Prompt:      userPrompt,
		MediaType:   "image/png",
		Image:       screenshot,
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}

	spent := decimal.Zero
	if c.calc != nil {
		spent = c.calc.Claude(c.cfg.Model, resp.InputTokens, resp.OutputTokens)
	}

	answer, reason := c.parse(resp.Text)
	if reason != "" {
		return &Answer{Cost: spent, Model: c.cfg.Model}, &scrape.VisionExtractionError{Reason: reason}
	}
	answer.Cost = spent
	answer.Model = c.cfg.Model
	return answer, nil
}

// parse validates the model's reply. A non-empty reason means rejection.
func (c *ClaudeExtractor) parse(text string) (*Answer, string) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, "no json object in model reply"
	}

	var raw rawAnswer
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, "malformed json in model reply"
	}
	if raw.Confidence == nil {
		return nil, "model reply has no confidence"
	}
	if *raw.Confidence < c.cfg.MinConfidence {
		return nil, "model confidence below threshold"
	}

	priceText := rawPrice(raw.Price)
	if priceText == "" {
		return nil, "model found no price"
	}
	if strings.HasPrefix(priceText, "-") || strings.HasPrefix(priceText, "\u2212") {
		return nil, "model returned a negative price"
	}
	p, ok := extract.ParsePrice(priceText)
	if !ok {
		return nil, "model returned an implausible price " + priceText
	}

	currency := extract.NormalizeCurrency(raw.Currency)
	if currency == "" {
		currency = p.Currency
	}
	inStock := true
	if raw.InStock != nil {
		inStock = *raw.InStock
	}
	return &Answer{
		Title:      strings.TrimSpace(raw.Title),
		Price:      p.Amount,
		RawPrice:   priceText,
		Currency:   currency,
		InStock:    inStock,
		Confidence: *raw.Confidence,
	}, ""
}

func rawPrice(msg json.RawMessage) string {
	if len(msg) == 0 || string(msg) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(msg))
}
