package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricescout/internal/model"
)

// QueueSource reports queue counters.
type QueueSource interface {
	Stats() model.QueueStats
}

// TierSource reports tier health and spend.
type TierSource interface {
	Stats() []model.TierStats
	TotalCost() decimal.Decimal
}

// MetricsSnapshot holds a point-in-time view of fleet health. The window
// counters cover the scrapes finished since the previous Collect.
type MetricsSnapshot struct {
	WindowCompleted int64   `json:"window_completed"`
	WindowFailed    int64   `json:"window_failed"`
	WindowSkipped   int64   `json:"window_skipped"`
	FailureRate     float64 `json:"failure_rate"`

	Queue     model.QueueStats  `json:"queue"`
	Tiers     []model.TierStats `json:"tiers"`
	TotalCost decimal.Decimal   `json:"total_cost"`

	Window      time.Duration `json:"window"`
	CollectedAt time.Time     `json:"collected_at"`
}

// Collector samples the queue and tier tracker.
type Collector struct {
	queue QueueSource
	tiers TierSource

	mu   sync.Mutex
	prev model.QueueStats
	last time.Time

	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(q QueueSource, t TierSource) *Collector {
	return &Collector{queue: q, tiers: t, nowFunc: time.Now}
}

// Collect gathers a snapshot and advances the window.
func (c *Collector) Collect(_ context.Context) (*MetricsSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{CollectedAt: now, TotalCost: decimal.Zero}
	if !c.last.IsZero() {
		snap.Window = now.Sub(c.last)
	}
	c.last = now

	if c.queue != nil {
		qs := c.queue.Stats()
		snap.Queue = qs
		snap.WindowCompleted = nonNegative(qs.Completed - c.prev.Completed)
		snap.WindowFailed = nonNegative(qs.Failed - c.prev.Failed)
		snap.WindowSkipped = nonNegative(qs.Skipped - c.prev.Skipped)
		c.prev = qs
	}
	if finished := snap.WindowCompleted + snap.WindowFailed; finished > 0 {
		snap.FailureRate = float64(snap.WindowFailed) / float64(finished)
	}

	if c.tiers != nil {
		snap.Tiers = c.tiers.Stats()
		snap.TotalCost = c.tiers.TotalCost()
	}
	return snap, nil
}

// Counters restart at zero when the queue is rebuilt.
func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
