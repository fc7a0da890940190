// Package throttle enforces an adaptive minimum spacing between requests to
// the same domain. The delay grows on rate limits, errors and timeouts, and
// decays slowly while a domain answers quickly and cleanly.
package throttle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
)

// Config holds the delay bounds and adjustment multipliers.
type Config struct {
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	Window       int

	RateLimitMultiplier float64
	RateLimitPenalty    float64
	ErrorMultiplier     float64
	TimeoutMultiplier   float64
	RecoveryMultiplier  float64

	HighErrorRate float64
	LowErrorRate  float64
	FastResponse  time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		InitialDelay:        2 * time.Second,
		MinDelay:            500 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		Window:              20,
		RateLimitMultiplier: 2.0,
		RateLimitPenalty:    1.5,
		ErrorMultiplier:     2.0,
		TimeoutMultiplier:   1.5,
		RecoveryMultiplier:  0.95,
		HighErrorRate:       0.15,
		LowErrorRate:        0.05,
		FastResponse:        time.Second,
	}
}

// FromConfig converts the throttle section, keeping defaults for unset values.
func FromConfig(c config.ThrottleConfig) Config {
	cfg := DefaultConfig()
	ms := func(v int64, dst *time.Duration) {
		if v > 0 {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
	f := func(v float64, dst *float64) {
		if v > 0 {
			*dst = v
		}
	}
	ms(c.InitialDelayMs, &cfg.InitialDelay)
	ms(c.MinDelayMs, &cfg.MinDelay)
	ms(c.MaxDelayMs, &cfg.MaxDelay)
	ms(c.FastResponseMs, &cfg.FastResponse)
	if c.Window > 0 {
		cfg.Window = c.Window
	}
	f(c.RateLimitMultiplier, &cfg.RateLimitMultiplier)
	f(c.RateLimitPenalty, &cfg.RateLimitPenalty)
	f(c.ErrorMultiplier, &cfg.ErrorMultiplier)
	f(c.TimeoutMultiplier, &cfg.TimeoutMultiplier)
	f(c.RecoveryMultiplier, &cfg.RecoveryMultiplier)
	f(c.HighErrorRate, &cfg.HighErrorRate)
	f(c.LowErrorRate, &cfg.LowErrorRate)
	return cfg
}

// Outcome describes one finished request.
type Outcome struct {
	OK           bool
	ResponseTime time.Duration
	StatusCode   int
	// RateLimited is set for HTTP 429 and detected block pages.
	RateLimited bool
	Timeout     bool
}

type key struct {
	domain string
	tier   model.Tier
}

// Controller holds one adaptive state per (domain, tier), so each proxy tier
// gets its own spacing toward a domain. All workers share a Controller, so
// every worker hitting a domain through a tier sees the same spacing.
type Controller struct {
	cfg Config

	mu     sync.RWMutex
	states map[key]*state

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces the time source and the sleep used by BeforeRequest.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if now != nil {
			c.nowFunc = now
		}
		if sleep != nil {
			c.sleepFunc = sleep
		}
	}
}

// New creates a Controller.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	c := &Controller{
		cfg:       cfg,
		states:    make(map[key]*state),
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Controller) get(domain string, tier model.Tier) *state {
	k := key{domain: domain, tier: tier}

	c.mu.RLock()
	s, ok := c.states[k]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.states[k]; ok {
		return s
	}
	s = newState(domain, tier, c.cfg)
	c.states[k] = s
	return s
}

// BeforeRequest blocks the calling worker until the domain's current delay
// has elapsed since its last dispatched request. The slot is reserved before
// sleeping, so concurrent callers queue up behind each other instead of
// firing together. A caller cancelled while waiting gives its slot back.
func (c *Controller) BeforeRequest(ctx context.Context, domain string, tier model.Tier) error {
	s := c.get(domain, tier)
	now := c.nowFunc()
	r, wait := s.reserve(now)
	if wait > 0 {
		zap.L().Debug("throttle: waiting",
			zap.String("domain", domain),
			zap.String("tier", string(tier)),
			zap.Duration("wait", wait),
		)
	}
	if err := c.sleepFunc(ctx, wait); err != nil {
		r.CancelAt(c.nowFunc())
		return err
	}
	s.dispatched(now.Add(wait))
	return nil
}

// AfterRequest records the outcome and adjusts the delay.
func (c *Controller) AfterRequest(domain string, tier model.Tier, out Outcome) {
	s := c.get(domain, tier)
	prev, next := s.observe(c.nowFunc(), out, c.cfg)
	if next != prev {
		zap.L().Debug("throttle: delay adjusted",
			zap.String("domain", domain),
			zap.String("tier", string(tier)),
			zap.Duration("from", prev),
			zap.Duration("to", next),
		)
	}
}

// Delay returns the current delay for (domain, tier).
func (c *Controller) Delay(domain string, tier model.Tier) time.Duration {
	s := c.get(domain, tier)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// Stats returns a snapshot of every state for domain, or of all states when
// domain is empty.
func (c *Controller) Stats(domain string) []model.ThrottleState {
	c.mu.RLock()
	list := make([]*state, 0, len(c.states))
	for k, s := range c.states {
		if domain == "" || k.domain == domain {
			list = append(list, s)
		}
	}
	c.mu.RUnlock()

	out := make([]model.ThrottleState, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Tier.Rank() < out[j].Tier.Rank()
	})
	return out
}

// Reset drops the state for domain, or every state when domain is empty.
// The next request starts again from the initial delay.
func (c *Controller) Reset(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if domain == "" {
		c.states = make(map[key]*state)
		return
	}
	for k := range c.states {
		if k.domain == domain {
			delete(c.states, k)
		}
	}
}
