package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
)

// DefaultStream is the stream price changes are appended to.
const DefaultStream = "pricescout:price-changes"

// StreamClient is the subset of the redis client the notifier needs.
type StreamClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// RedisNotifier appends each price change to a Redis stream, where the
// alerting service consumes it.
type RedisNotifier struct {
	client StreamClient
	stream string
	maxLen int64
	retry  resilience.RetryPolicy
}

// NewRedisNotifier creates a notifier. An empty stream uses DefaultStream;
// maxLen > 0 trims the stream approximately.
func NewRedisNotifier(client StreamClient, stream string, maxLen int64) *RedisNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	retry := resilience.DefaultRetryPolicy("redis xadd")
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen, retry: retry}
}

// NotifyPriceChange implements Notifier. Transient redis errors are retried.
func (n *RedisNotifier) NotifyPriceChange(ctx context.Context, c model.PriceChange) error {
	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sink: marshal price change")
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"tenant_id":  c.TenantID,
			"product_id": c.ProductID,
			"retailer":   c.Retailer,
			"old_price":  c.OldPrice.String(),
			"new_price":  c.NewPrice.String(),
			"observed":   c.ObservedAt.UTC().Format(time.RFC3339),
			"data":       string(data),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	err = resilience.Do(ctx, n.retry, func(ctx context.Context) error {
		return n.client.XAdd(ctx, args).Err()
	})
	if err != nil {
		return eris.Wrapf(err, "sink: xadd %s", n.stream)
	}
	return nil
}
