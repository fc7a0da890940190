package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponentially growing delays: Initial * Multiplier^attempt,
// capped at Max, with optional symmetric jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction of the computed delay (0 disables it).
	Jitter float64
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mul := b.Multiplier
	if mul <= 0 {
		mul = 2.0
	}
	delay := float64(b.Initial) * math.Pow(mul, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
