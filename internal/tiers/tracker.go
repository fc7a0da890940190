// Package tiers tracks success rate and spend per fetch tier and decides
// which tiers are eligible for the next attempt.
package tiers

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
)

// Repository persists tier counters between runs.
type Repository interface {
	LoadTierStats(ctx context.Context) ([]model.TierStats, error)
	SaveTierStats(ctx context.Context, stats []model.TierStats) error
}

// Config controls eligibility.
type Config struct {
	// MinObservations below which a tier is always eligible.
	MinObservations int64
	// MinSuccessRate a tier must exceed once it has enough observations.
	MinSuccessRate float64
	// Costs is the flat per-request cost of each tier.
	Costs map[model.Tier]decimal.Decimal
}

// DefaultConfig returns the standard eligibility rule with zero costs.
func DefaultConfig() Config {
	return Config{MinObservations: 10, MinSuccessRate: 0.5}
}

type entry struct {
	mu       sync.Mutex
	cost     decimal.Decimal
	total    int64
	success  int64
	spent    decimal.Decimal
	disabled bool
	reason   string
}

// Tracker holds one counter set per tier. The tier set is fixed at
// construction, so lookups need no global lock.
type Tracker struct {
	cfg     Config
	entries map[model.Tier]*entry
	repo    Repository
}

// New creates a Tracker for every known tier. repo may be nil.
func New(cfg Config, repo Repository) *Tracker {
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = 10
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = 0.5
	}
	t := &Tracker{
		cfg:     cfg,
		entries: make(map[model.Tier]*entry, len(model.AllTiers())),
		repo:    repo,
	}
	for _, tier := range model.AllTiers() {
		t.entries[tier] = &entry{cost: cfg.Costs[tier]}
	}
	return t
}

// ShouldTry reports whether tier is eligible: always while it has fewer than
// MinObservations requests, afterwards only while its success rate exceeds
// MinSuccessRate. A disabled tier is never eligible.
func (t *Tracker) ShouldTry(tier model.Tier) bool {
	e, ok := t.entries[tier]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disabled {
		return false
	}
	if e.total < t.cfg.MinObservations {
		return true
	}
	return float64(e.success)/float64(e.total) > t.cfg.MinSuccessRate
}

// Record counts one request against tier and adds cost to its running spend.
func (t *Tracker) Record(tier model.Tier, success bool, cost decimal.Decimal) {
	e, ok := t.entries[tier]
	if !ok {
		zap.L().Warn("tiers: record for unknown tier", zap.String("tier", string(tier)))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.total++
	if success {
		e.success++
	}
	e.spent = e.spent.Add(cost)
}

// Disable marks tier ineligible for the rest of the run. Used when a tier is
// misconfigured (missing credentials, no proxies).
func (t *Tracker) Disable(tier model.Tier, reason string) {
	e, ok := t.entries[tier]
	if !ok {
		return
	}
	e.mu.Lock()
	already := e.disabled
	e.disabled = true
	e.reason = reason
	e.mu.Unlock()

	if !already {
		zap.L().Warn("tiers: tier disabled for this run",
			zap.String("tier", string(tier)),
			zap.String("reason", reason),
		)
	}
}

// CostPerRequest returns the configured flat cost of tier.
func (t *Tracker) CostPerRequest(tier model.Tier) decimal.Decimal {
	if e, ok := t.entries[tier]; ok {
		return e.cost
	}
	return decimal.Zero
}

// Stats returns a snapshot of every tier in escalation order.
func (t *Tracker) Stats() []model.TierStats {
	out := make([]model.TierStats, 0, len(t.entries))
	for _, tier := range model.AllTiers() {
		e := t.entries[tier]
		e.mu.Lock()
		st := model.TierStats{
			Tier:               tier,
			CostPerRequest:     e.cost,
			TotalRequests:      e.total,
			SuccessfulRequests: e.success,
			TotalCost:          e.spent,
			Disabled:           e.disabled,
			DisabledReason:     e.reason,
		}
		if e.total > 0 {
			st.SuccessRate = float64(e.success) / float64(e.total)
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// TotalCost is the spend across all tiers.
func (t *Tracker) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, st := range t.Stats() {
		total = total.Add(st.TotalCost)
	}
	return total
}

// Load restores counters from the repository. Disabled flags are per run and
// are not restored.
func (t *Tracker) Load(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	stats, err := t.repo.LoadTierStats(ctx)
	if err != nil {
		return eris.Wrap(err, "tiers: load stats")
	}
	for _, st := range stats {
		e, ok := t.entries[st.Tier]
		if !ok {
			continue
		}
		e.mu.Lock()
		e.total = st.TotalRequests
		e.success = st.SuccessfulRequests
		e.spent = st.TotalCost
		e.mu.Unlock()
	}
	return nil
}

// Flush writes the current counters to the repository.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	if err := t.repo.SaveTierStats(ctx, t.Stats()); err != nil {
		return eris.Wrap(err, "tiers: save stats")
	}
	return nil
}
