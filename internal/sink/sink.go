// Package sink holds the side-effect boundaries the engine calls: result and
// failure persistence, and price-change notification.
package sink

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
)

// ResultSink persists the outcome of each attempt for one tenant's task.
type ResultSink interface {
	PersistResult(ctx context.Context, task model.ScrapeTask, result model.ScrapeResult) error
	PersistFailure(ctx context.Context, task model.ScrapeTask, reason string) error
}

// Notifier delivers an observed price change to the alerting collaborator.
type Notifier interface {
	NotifyPriceChange(ctx context.Context, change model.PriceChange) error
}

// LogSink writes results and failures to the global logger.
type LogSink struct{}

// PersistResult implements ResultSink.
func (LogSink) PersistResult(_ context.Context, task model.ScrapeTask, r model.ScrapeResult) error {
	zap.L().Info("sink: result",
		zap.String("task", task.ID),
		zap.String("tenant", task.TenantID),
		zap.String("retailer", task.Retailer),
		zap.String("price", r.Price.String()),
		zap.String("currency", r.Currency),
		zap.String("tier", string(r.TierUsed)),
		zap.Bool("cache_hit", r.CacheHit),
	)
	return nil
}

// PersistFailure implements ResultSink.
func (LogSink) PersistFailure(_ context.Context, task model.ScrapeTask, reason string) error {
	zap.L().Warn("sink: failure",
		zap.String("task", task.ID),
		zap.String("tenant", task.TenantID),
		zap.String("url", task.URL),
		zap.String("reason", reason),
	)
	return nil
}

// LogNotifier logs price changes instead of delivering them.
type LogNotifier struct{}

// NotifyPriceChange implements Notifier.
func (LogNotifier) NotifyPriceChange(_ context.Context, c model.PriceChange) error {
	zap.L().Info("sink: price change",
		zap.String("tenant", c.TenantID),
		zap.String("product", c.ProductID),
		zap.String("retailer", c.Retailer),
		zap.String("old", c.OldPrice.String()),
		zap.String("new", c.NewPrice.String()),
	)
	return nil
}

// Multi fans every call out to several sinks and joins their errors.
type Multi []ResultSink

// PersistResult implements ResultSink.
func (m Multi) PersistResult(ctx context.Context, task model.ScrapeTask, r model.ScrapeResult) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PersistResult(ctx, task, r))
	}
	return errors.Join(errs...)
}

// PersistFailure implements ResultSink.
func (m Multi) PersistFailure(ctx context.Context, task model.ScrapeTask, reason string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PersistFailure(ctx, task, reason))
	}
	return errors.Join(errs...)
}
