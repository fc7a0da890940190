package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/pricescout/internal/model"
)

type state struct {
	domain string
	tier   model.Tier

	// limiter admits one request per delay. Its rate follows delay.
	limiter *rate.Limiter

	mu    sync.Mutex
	delay time.Duration
	// last is the most recent dispatch that was not cancelled.
	last time.Time

	errs  []bool
	times []time.Duration
	pos   int
	n     int
}

func newState(domain string, tier model.Tier, cfg Config) *state {
	delay := clamp(cfg.InitialDelay, cfg)
	return &state{
		domain:  domain,
		tier:    tier,
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		delay:   delay,
		errs:    make([]bool, cfg.Window),
		times:   make([]time.Duration, cfg.Window),
	}
}

func clamp(d time.Duration, cfg Config) time.Duration {
	if d < cfg.MinDelay {
		return cfg.MinDelay
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// reserve claims the next dispatch slot. The caller must wait the returned
// delay and then either dispatch or cancel the reservation.
func (s *state) reserve(now time.Time) (*rate.Reservation, time.Duration) {
	r := s.limiter.ReserveN(now, 1)
	return r, r.DelayFrom(now)
}

func (s *state) dispatched(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.last) {
		s.last = at
	}
}

func (s *state) observe(now time.Time, out Outcome, cfg Config) (prev, next time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs[s.pos] = !out.OK
	s.times[s.pos] = out.ResponseTime
	s.pos = (s.pos + 1) % len(s.errs)
	if s.n < len(s.errs) {
		s.n++
	}

	prev = s.delay
	errRate := s.errorRate()
	mul := 1.0
	switch {
	case out.RateLimited:
		mul = cfg.RateLimitMultiplier * cfg.RateLimitPenalty
	case errRate > cfg.HighErrorRate:
		mul = cfg.ErrorMultiplier
	case out.Timeout:
		mul = cfg.TimeoutMultiplier
	case errRate < cfg.LowErrorRate && out.ResponseTime < cfg.FastResponse:
		mul = cfg.RecoveryMultiplier
	}
	s.delay = clamp(time.Duration(float64(s.delay)*mul), cfg)

	if s.delay != prev {
		// Slots already reserved keep their time; the debt they left is
		// repaid at the new rate.
		s.limiter.SetLimitAt(now, rate.Every(s.delay))
	}
	return prev, s.delay
}

func (s *state) errorRate() float64 {
	if s.n == 0 {
		return 0
	}
	var bad int
	for i := 0; i < s.n; i++ {
		if s.errs[i] {
			bad++
		}
	}
	return float64(bad) / float64(s.n)
}

func (s *state) snapshot() model.ThrottleState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := model.ThrottleState{
		Domain:         s.domain,
		Tier:           s.tier,
		CurrentDelayMs: s.delay.Milliseconds(),
		ErrorRate:      s.errorRate(),
		Errors:         make([]bool, 0, s.n),
		ResponseTimes:  make([]int64, 0, s.n),
		LastRequest:    s.last,
	}
	start := 0
	if s.n == len(s.errs) {
		start = s.pos
	}
	for i := 0; i < s.n; i++ {
		j := (start + i) % len(s.errs)
		st.Errors = append(st.Errors, s.errs[j])
		st.ResponseTimes = append(st.ResponseTimes, s.times[j].Milliseconds())
	}
	return st
}
