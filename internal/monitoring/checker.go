package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultCooldown      = time.Hour
)

// Checker collects a snapshot every interval and posts the alerts it
// triggers. An alert that already fired is held back until its cooldown
// has passed, so a sustained breach pages once per cooldown.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCooldown sets how long a fired alert stays quiet. Zero disables
// suppression.
func WithCooldown(d time.Duration) CheckerOption {
	return func(c *Checker) { c.cooldown = d }
}

// NewChecker creates a checker ticking at cfg.CheckIntervalSecs, or every
// five minutes when unset.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		cooldown:  defaultCooldown,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run blocks until ctx is done. The first collect only opens the window.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("monitoring: checker started", zap.Duration("interval", c.interval))

	if _, err := c.collector.Collect(ctx); err != nil {
		log.Warn("monitoring: initial collect failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one evaluation and returns how many alerts were posted.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring"))

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return 0
	}

	var due []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		if c.claim(a) {
			due = append(due, a)
		} else {
			log.Debug("monitoring: alert suppressed", zap.String("type", string(a.Type)))
		}
	}
	if len(due) == 0 {
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, due)
	log.Info("monitoring: alerts posted", zap.Int("due", len(due)), zap.Int("sent", sent))
	return len(due)
}

// claim records a as fired unless the same alert fired within the cooldown.
func (c *Checker) claim(a Alert) bool {
	key := alertKey(a)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastFired[key]; ok && c.cooldown > 0 && now.Sub(last) < c.cooldown {
		return false
	}
	c.lastFired[key] = now
	return true
}

// alertKey separates per-tier alerts from each other.
func alertKey(a Alert) string {
	if tier, ok := a.Details["tier"]; ok {
		return fmt.Sprintf("%s/%v", a.Type, tier)
	}
	return string(a.Type)
}
