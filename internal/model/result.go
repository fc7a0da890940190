package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScrapeResult is the canonical observation produced for one task. A result
// whose price is not positive is never valid.
type ScrapeResult struct {
	Price       decimal.Decimal `json:"price"`
	Title       string          `json:"title"`
	InStock     bool            `json:"in_stock"`
	Currency    string          `json:"currency"`
	TierUsed    Tier            `json:"tier_used"`
	Cost        decimal.Decimal `json:"cost"`
	CacheHit    bool            `json:"cache_hit"`
	ExtractedAt time.Time       `json:"extracted_at"`
}

// Valid reports whether r carries a usable price.
func (r *ScrapeResult) Valid() bool {
	return r != nil && r.Price.IsPositive()
}

// OutcomeStatus is the three-way result of scraping one task.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is returned by the orchestrator for every task. Exactly one of
// Result (success), Reason (skipped) or Err (failed) is meaningful.
type Outcome struct {
	Status OutcomeStatus
	Result *ScrapeResult
	Reason string
	Err    error
}

// Succeeded wraps a valid result.
func Succeeded(r *ScrapeResult) Outcome {
	return Outcome{Status: OutcomeSuccess, Result: r}
}

// Skipped marks a task that was deliberately not scraped.
func Skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

// Failed wraps the final error for a task.
func Failed(err error) Outcome {
	return Outcome{Status: OutcomeFailed, Err: err}
}

// PriceChange is a before/after observation for one tenant's product at one
// retailer.
type PriceChange struct {
	TenantID   string          `json:"tenant_id"`
	ProductID  string          `json:"product_id"`
	Retailer   string          `json:"retailer"`
	URL        string          `json:"url"`
	OldPrice   decimal.Decimal `json:"old_price"`
	NewPrice   decimal.Decimal `json:"new_price"`
	Currency   string          `json:"currency"`
	ObservedAt time.Time       `json:"observed_at"`
}
