// Package queue schedules scrape tasks onto a fixed worker pool. Tasks are
// deduplicated per batch, run in priority order and retried with
// exponential backoff when the orchestrator reports a definitive failure.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/metrics"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
	"github.com/sells-group/pricescout/internal/sink"
)

// Scraper runs one task to a terminal outcome.
type Scraper interface {
	Scrape(ctx context.Context, task model.ScrapeTask) model.Outcome
}

// Config tunes the pool and retry policy.
type Config struct {
	Workers    int
	MaxRetries int
	Backoff    resilience.Backoff
	// PriceCacheSize bounds the last-observed-price memory.
	PriceCacheSize int
	// ChangeBuffer is the capacity of the price-change channel.
	ChangeBuffer int
}

// DefaultConfig returns 5 workers, 3 retries and a 1s doubling backoff.
func DefaultConfig() Config {
	return Config{
		Workers:        5,
		MaxRetries:     3,
		Backoff:        resilience.Backoff{Initial: time.Second, Max: 5 * time.Minute, Multiplier: 2},
		PriceCacheSize: 50000,
		ChangeBuffer:   256,
	}
}

// FromConfig converts the queue section, keeping defaults for unset values.
func FromConfig(c config.QueueConfig) Config {
	cfg := DefaultConfig()
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.MaxRetries >= 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.BaseDelayMs > 0 {
		cfg.Backoff.Initial = time.Duration(c.BaseDelayMs) * time.Millisecond
	}
	if c.PriceCacheSize > 0 {
		cfg.PriceCacheSize = c.PriceCacheSize
	}
	if c.ChangeBuffer > 0 {
		cfg.ChangeBuffer = c.ChangeBuffer
	}
	return cfg
}

// Queue is safe for concurrent use. Producers call EnqueueBatch while Run
// drives the workers.
type Queue struct {
	cfg      Config
	scraper  Scraper
	results  sink.ResultSink
	notifier sink.Notifier
	metrics  *metrics.Metrics

	mu        sync.Mutex
	waiting   jobHeap
	timers    map[uint64]Timer
	active    int
	completed int64
	failed    int64
	skipped   int64
	seq       uint64
	idle      chan struct{}

	notify    chan struct{}
	changes   chan model.PriceChange
	prices    *lru.Cache[string, decimal.Decimal]
	nowFunc   func() time.Time
	afterFunc func(d time.Duration, f func()) Timer
}

// Timer is a pending retry. It matches *time.Timer.
type Timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option customizes a Queue.
type Option func(*Queue)

// WithNotifier sets the price-change notifier. Without one changes are
// only logged.
func WithNotifier(n sink.Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithMetrics publishes queue gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithAfterFunc replaces time.AfterFunc for scheduling retries.
func WithAfterFunc(fn func(d time.Duration, f func()) Timer) Option {
	return func(q *Queue) {
		if fn != nil {
			q.afterFunc = fn
		}
	}
}

// New creates a Queue. results receives every attempt's outcome.
func New(cfg Config, scraper Scraper, results sink.ResultSink, opts ...Option) (*Queue, error) {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.PriceCacheSize <= 0 {
		cfg.PriceCacheSize = def.PriceCacheSize
	}
	if cfg.ChangeBuffer <= 0 {
		cfg.ChangeBuffer = def.ChangeBuffer
	}
	if scraper == nil || results == nil {
		return nil, eris.New("queue: scraper and result sink are required")
	}

	prices, err := lru.New[string, decimal.Decimal](cfg.PriceCacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "queue: create price cache")
	}

	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		cfg:      cfg,
		scraper:  scraper,
		results:  results,
		notifier: sink.LogNotifier{},
		timers:   make(map[uint64]Timer),
		idle:     idle,
		notify:   make(chan struct{}, cfg.Workers),
		changes:  make(chan model.PriceChange, cfg.ChangeBuffer),
		prices:   prices,
		nowFunc:  time.Now,

		afterFunc: realAfterFunc,
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// EnqueueBatch schedules one job per dedup key. Later tasks with a key
// already in the batch ride along with the first and reuse its result.
func (q *Queue) EnqueueBatch(tasks []model.ScrapeTask) model.EnqueueReport {
	report := model.EnqueueReport{Total: len(tasks)}
	if len(tasks) == 0 {
		return report
	}

	byKey := make(map[string]*job, len(tasks))
	order := make([]*job, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		key := t.DedupKey()
		if j, ok := byKey[key]; ok {
			j.followers = append(j.followers, t)
			report.Deduped++
			continue
		}
		j := &job{task: t}
		byKey[key] = j
		order = append(order, j)
	}
	report.Queued = len(order)

	q.mu.Lock()
	for _, j := range order {
		q.seq++
		j.seq = q.seq
		heap.Push(&q.waiting, j)
	}
	q.updateIdleLocked()
	q.publishLocked()
	q.mu.Unlock()

	for range order {
		q.wake()
	}

	zap.L().Info("queue: batch enqueued",
		zap.Int("queued", report.Queued),
		zap.Int("deduped", report.Deduped),
		zap.Int("total", report.Total),
	)
	return report
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run starts the workers and the price-change dispatcher and blocks until
// ctx is canceled. Workers check ctx between tasks.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range q.cfg.Workers {
		g.Go(func() error {
			q.worker(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		q.dispatch(gctx)
		return nil
	})

	zap.L().Info("queue: running", zap.Int("workers", q.cfg.Workers))
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *Queue) worker(ctx context.Context, id int) {
	log := zap.L().With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		j := q.next()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.process(ctx, log, j)
	}
}

func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.waiting.Len() == 0 {
		return nil
	}
	j := heap.Pop(&q.waiting).(*job)
	q.active++
	q.publishLocked()
	return j
}

func (q *Queue) process(ctx context.Context, log *zap.Logger, j *job) {
	out := q.scraper.Scrape(ctx, j.task)

	// A failure caused by shutdown goes back untouched.
	if out.Status == model.OutcomeFailed && ctx.Err() != nil {
		q.mu.Lock()
		q.active--
		heap.Push(&q.waiting, j)
		q.publishLocked()
		q.mu.Unlock()
		return
	}

	j.attempt++
	maxAttempts := q.cfg.MaxRetries + 1

	switch out.Status {
	case model.OutcomeSuccess:
		for _, t := range j.all() {
			if err := q.results.PersistResult(ctx, t, *out.Result); err != nil {
				log.Warn("queue: persist result failed", zap.String("task", t.ID), zap.Error(err))
			}
			q.observePrice(ctx, t, out.Result)
		}
		q.settle(func() { q.completed++ })

	case model.OutcomeSkipped:
		log.Info("queue: task skipped", zap.String("task", j.task.ID), zap.String("reason", out.Reason))
		q.settle(func() { q.skipped++ })

	default:
		reason := fmt.Sprintf("attempt %d/%d: %v", j.attempt, maxAttempts, out.Err)
		final := j.attempt >= maxAttempts
		targets := []model.ScrapeTask{j.task}
		if final {
			targets = j.all()
		}
		for _, t := range targets {
			if err := q.results.PersistFailure(ctx, t, reason); err != nil {
				log.Warn("queue: persist failure failed", zap.String("task", t.ID), zap.Error(err))
			}
		}
		if final {
			log.Warn("queue: task failed, retries exhausted", zap.String("task", j.task.ID), zap.Error(out.Err))
			q.settle(func() { q.failed++ })
			return
		}
		q.retry(log, j)
	}
}

func (j *job) all() []model.ScrapeTask {
	return append([]model.ScrapeTask{j.task}, j.followers...)
}

// settle finishes an active job.
func (q *Queue) settle(count func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	count()
	q.updateIdleLocked()
	q.publishLocked()
}

// retry parks j on a timer. A job cleared while parked is dropped when its
// timer fires.
func (q *Queue) retry(log *zap.Logger, j *job) {
	delay := q.cfg.Backoff.Delay(j.attempt - 1)
	log.Info("queue: retrying task",
		zap.String("task", j.task.ID),
		zap.Int("attempt", j.attempt),
		zap.Duration("delay", delay),
	)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	seq := j.seq
	q.timers[seq] = q.afterFunc(delay, func() {
		q.mu.Lock()
		if _, ok := q.timers[seq]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.timers, seq)
		heap.Push(&q.waiting, j)
		q.publishLocked()
		q.mu.Unlock()
		q.wake()
	})
	q.publishLocked()
}

// observePrice remembers the price for the task's product and emits a
// change when it moved.
func (q *Queue) observePrice(ctx context.Context, t model.ScrapeTask, r *model.ScrapeResult) {
	key := priceKey(t)
	prev, seen := q.prices.Get(key)
	q.prices.Add(key, r.Price)
	if !seen || prev.Equal(r.Price) {
		return
	}

	change := model.PriceChange{
		TenantID:   t.TenantID,
		ProductID:  productID(t),
		Retailer:   t.Retailer,
		URL:        t.URL,
		OldPrice:   prev,
		NewPrice:   r.Price,
		Currency:   r.Currency,
		ObservedAt: q.nowFunc(),
	}
	select {
	case q.changes <- change:
	case <-ctx.Done():
	}
}

func productID(t model.ScrapeTask) string {
	switch {
	case t.ProductID != "":
		return t.ProductID
	case t.EAN != "":
		return t.EAN
	default:
		return t.URL
	}
}

func priceKey(t model.ScrapeTask) string {
	return t.TenantID + "|" + productID(t) + "|" + t.Retailer
}

// dispatch drains price changes into the notifier.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(q.changes); n > 0 {
				zap.L().Warn("queue: undelivered price changes at shutdown", zap.Int("count", n))
			}
			return
		case c := <-q.changes:
			if err := q.notifier.NotifyPriceChange(ctx, c); err != nil {
				zap.L().Error("queue: price change notification failed",
					zap.String("tenant", c.TenantID),
					zap.String("product", c.ProductID),
					zap.Error(err),
				)
			}
		}
	}
}

// Stats returns a point-in-time snapshot.
func (q *Queue) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() model.QueueStats {
	return model.QueueStats{
		Waiting:   q.waiting.Len(),
		Delayed:   len(q.timers),
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Skipped:   q.skipped,
	}
}

// Clear drops every waiting and delayed job and returns how many were
// dropped. Active jobs run to completion.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.waiting.Len() + len(q.timers)
	for seq, t := range q.timers {
		t.Stop()
		delete(q.timers, seq)
	}
	q.waiting = nil
	q.updateIdleLocked()
	q.publishLocked()

	zap.L().Info("queue: cleared", zap.Int("dropped", n))
	return n
}

// WaitIdle blocks until nothing is waiting, delayed or active.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		ch := q.idle
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}

		q.mu.Lock()
		done := q.isIdleLocked()
		q.mu.Unlock()
		if done {
			return nil
		}
	}
}

func (q *Queue) isIdleLocked() bool {
	return q.waiting.Len() == 0 && len(q.timers) == 0 && q.active == 0
}

// updateIdleLocked closes the idle channel on becoming idle and replaces it
// when work arrives.
func (q *Queue) updateIdleLocked() {
	select {
	case <-q.idle:
		if !q.isIdleLocked() {
			q.idle = make(chan struct{})
		}
	default:
		if q.isIdleLocked() {
			close(q.idle)
		}
	}
}

func (q *Queue) publishLocked() {
	q.metrics.SetQueue(q.statsLocked())
}
