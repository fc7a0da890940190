package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of a single outbound call such as a webhook
// post or a stream append.
type RetryPolicy struct {
	// Attempts counts the first call. Values below 1 mean one call.
	Attempts int
	Backoff  Backoff
	// Retryable decides which errors are worth another attempt. Nil means
	// IsTransient.
	Retryable func(error) bool
	// Label names the call in retry log lines. Empty disables logging.
	Label string
}

// DefaultRetryPolicy allows three attempts with a jittered 500ms doubling
// backoff capped at 10s.
func DefaultRetryPolicy(label string) RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.25},
		Label:    label,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// Do calls fn until it succeeds, fails permanently, or runs out of attempts,
// and returns the last error. Cancelling ctx ends the wait between attempts.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for n := 1; ; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if n >= attempts || ctx.Err() != nil || !p.retryable(err) {
			return err
		}

		wait := p.Backoff.Delay(n - 1)
		if p.Label != "" {
			zap.L().Warn("resilience: retrying",
				zap.String("call", p.Label),
				zap.Int("attempt", n),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}
		if Sleep(ctx, wait) != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
