package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TierStats is the health and spend of one fetch tier.
type TierStats struct {
	Tier               Tier            `json:"tier"`
	CostPerRequest     decimal.Decimal `json:"cost_per_request"`
	TotalRequests      int64           `json:"total_requests"`
	SuccessfulRequests int64           `json:"successful_requests"`
	SuccessRate        float64         `json:"success_rate"`
	TotalCost          decimal.Decimal `json:"total_cost"`
	Disabled           bool            `json:"disabled"`
	DisabledReason     string          `json:"disabled_reason,omitempty"`
}

// ThrottleState is a snapshot of the adaptive delay for one domain over one
// network path.
type ThrottleState struct {
	Domain         string    `json:"domain"`
	Tier           Tier      `json:"tier"`
	CurrentDelayMs int64     `json:"current_delay_ms"`
	ErrorRate      float64   `json:"error_rate"`
	Errors         []bool    `json:"errors"` // oldest first, true marks an error
	ResponseTimes  []int64   `json:"response_times_ms"`
	LastRequest    time.Time `json:"last_request"`
}

// QueueStats is a point-in-time view of the job queue.
type QueueStats struct {
	Waiting   int   `json:"waiting"`
	Delayed   int   `json:"delayed"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// EnqueueReport summarizes one EnqueueBatch call.
type EnqueueReport struct {
	Queued  int `json:"queued"`
	Deduped int `json:"deduped"`
	Total   int `json:"total"`
}
