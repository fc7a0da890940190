package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/extract"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/scrape"
)

const currencySelector = `meta[itemprop="priceCurrency"]`

type candidate struct {
	selector string
	from     model.LearnedFrom
}

// candidates returns the learned top-K for field followed by the seeds that
// are not already among them.
func (o *Orchestrator) candidates(ctx context.Context, domain string, field model.Field, seeds []string) []candidate {
	learned, err := o.selectors.Get(ctx, domain, field, o.cfg.TopK)
	if err != nil {
		zap.L().Warn("orchestrator: selector lookup failed, using seeds",
			zap.String("domain", domain),
			zap.String("field", string(field)),
			zap.Error(err),
		)
	}

	out := make([]candidate, 0, len(learned)+len(seeds))
	seen := make(map[string]bool, len(learned)+len(seeds))
	for _, rec := range learned {
		seen[rec.Selector] = true
		out = append(out, candidate{selector: rec.Selector, from: model.LearnedStructural})
	}
	for _, s := range seeds {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, candidate{selector: s, from: model.LearnedManual})
	}
	return out
}

// extract reads price, title, stock and currency from page. The first
// candidate that yields a parseable positive price wins; every candidate
// tried before it is recorded as a failure.
func (o *Orchestrator) extract(ctx context.Context, task model.ScrapeTask, tier model.Tier, page *scrape.Page) (*model.ScrapeResult, error) {
	doc, err := extract.Parse(page.HTML)
	if err != nil {
		return nil, &scrape.ExtractionMiss{Tier: tier, URL: task.URL, Field: model.FieldPrice, Err: err}
	}

	priceCands := o.candidates(ctx, task.Domain, model.FieldPrice, o.cfg.SeedPrice)
	var (
		price  extract.Price
		won    bool
		tried  []string
		winner candidate
		raw    string
	)
	for _, c := range priceCands {
		v, ok := doc.Value(c.selector)
		if ok {
			if p, pok := extract.ParsePrice(v); pok && p.Amount.IsPositive() {
				price, won, winner, raw = p, true, c, v
				break
			}
		}
		tried = append(tried, c.selector)
	}
	o.recordFailures(ctx, task.Domain, model.FieldPrice, tried)
	if !won {
		return nil, &scrape.ExtractionMiss{Tier: tier, URL: task.URL, Field: model.FieldPrice, Tried: len(priceCands)}
	}
	o.recordSuccess(ctx, task.Domain, model.FieldPrice, winner, raw)

	title := o.extractTitle(ctx, task.Domain, doc)

	currency := price.Currency
	if v, ok := doc.Value(currencySelector); ok {
		if c := extract.NormalizeCurrency(v); c != "" {
			currency = c
		}
	}

	return &model.ScrapeResult{
		Price:       price.Amount,
		Title:       title,
		InStock:     doc.InStock(),
		Currency:    currency,
		TierUsed:    tier,
		ExtractedAt: o.nowFunc(),
	}, nil
}

// extractTitle never fails the attempt; it falls back to the document title.
func (o *Orchestrator) extractTitle(ctx context.Context, domain string, doc *extract.Document) string {
	var tried []string
	defer func() { o.recordFailures(ctx, domain, model.FieldTitle, tried) }()

	for _, c := range o.candidates(ctx, domain, model.FieldTitle, o.cfg.SeedTitle) {
		if v, ok := doc.Value(c.selector); ok && v != "" {
			o.recordSuccess(ctx, domain, model.FieldTitle, c, v)
			return v
		}
		tried = append(tried, c.selector)
	}
	return doc.Title()
}

func (o *Orchestrator) recordSuccess(ctx context.Context, domain string, field model.Field, c candidate, example string) {
	if err := o.selectors.RecordSuccess(ctx, domain, field, c.selector, example, c.from); err != nil {
		zap.L().Warn("orchestrator: record selector success",
			zap.String("domain", domain),
			zap.String("selector", c.selector),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) recordFailures(ctx context.Context, domain string, field model.Field, tried []string) {
	for _, s := range tried {
		if err := o.selectors.RecordFailure(ctx, domain, field, s); err != nil {
			zap.L().Warn("orchestrator: record selector failure",
				zap.String("domain", domain),
				zap.String("selector", s),
				zap.Error(err),
			)
		}
	}
}
