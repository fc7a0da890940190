package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
)

type scriptedScraper struct {
	mu    sync.Mutex
	calls []string
	plan  map[string][]model.Outcome
	def   model.Outcome
}

func (s *scriptedScraper) Scrape(_ context.Context, t model.ScrapeTask) model.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, t.ID)
	if steps := s.plan[t.ID]; len(steps) > 0 {
		s.plan[t.ID] = steps[1:]
		return steps[0]
	}
	return s.def
}

func (s *scriptedScraper) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type recordingSink struct {
	mu       sync.Mutex
	results  map[string]model.ScrapeResult
	failures map[string][]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{results: map[string]model.ScrapeResult{}, failures: map[string][]string{}}
}

func (r *recordingSink) PersistResult(_ context.Context, t model.ScrapeTask, res model.ScrapeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[t.ID] = res
	return nil
}

func (r *recordingSink) PersistFailure(_ context.Context, t model.ScrapeTask, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[t.ID] = append(r.failures[t.ID], reason)
	return nil
}

func (r *recordingSink) failuresFor(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures[id]...)
}

type chanNotifier chan model.PriceChange

func (c chanNotifier) NotifyPriceChange(_ context.Context, pc model.PriceChange) error {
	c <- pc
	return nil
}

func success(price string) model.Outcome {
	return model.Succeeded(&model.ScrapeResult{Price: decimal.RequireFromString(price), TierUsed: model.TierDirect})
}

func failure() model.Outcome {
	return model.Failed(errors.New("all tiers failed"))
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.Backoff = resilience.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

// start runs q until the test ends.
func start(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

func TestEnqueueBatch_Dedup(t *testing.T) {
	sc := &scriptedScraper{def: success("19.99")}
	rs := newRecordingSink()
	q, err := New(testConfig(2), sc, rs)
	require.NoError(t, err)

	report := q.EnqueueBatch([]model.ScrapeTask{
		{ID: "a", URL: "https://shop.example/p/1", EAN: "123", Retailer: "shopX", TenantID: "t1"},
		{ID: "b", URL: "https://shop.example/p/1", EAN: "123", Retailer: "shopX", TenantID: "t2"},
		{ID: "c", URL: "https://shop.example/p/1", EAN: "123", Retailer: "shopY", TenantID: "t1"},
		{ID: "d", URL: "https://shop.example/p/2", Retailer: "shopX", TenantID: "t1"},
	})
	assert.Equal(t, model.EnqueueReport{Queued: 3, Deduped: 1, Total: 4}, report)
	assert.Equal(t, report.Total-report.Queued, report.Deduped)
	assert.Equal(t, 3, q.Stats().Waiting)

	start(t, q)
	waitIdle(t, q)

	assert.ElementsMatch(t, []string{"a", "c", "d"}, sc.called())
	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.Len(t, rs.results, 4, "the deduped task reuses the scheduled result")
	assert.True(t, rs.results["b"].Price.Equal(decimal.RequireFromString("19.99")))
}

func TestEnqueueBatch_AssignsIDs(t *testing.T) {
	q, err := New(testConfig(1), &scriptedScraper{def: success("1")}, newRecordingSink())
	require.NoError(t, err)

	report := q.EnqueueBatch([]model.ScrapeTask{
		{URL: "https://a.example/1", Retailer: "r"},
		{URL: "https://a.example/2", Retailer: "r"},
	})
	assert.Equal(t, 2, report.Queued, "distinct generated IDs do not collide")
	assert.Equal(t, model.EnqueueReport{}, q.EnqueueBatch(nil))
}

func TestRetryThenSuccess(t *testing.T) {
	sc := &scriptedScraper{plan: map[string][]model.Outcome{
		"a": {failure(), failure(), success("5.00")},
	}}
	rs := newRecordingSink()
	q, err := New(testConfig(1), sc, rs)
	require.NoError(t, err)

	start(t, q)
	q.EnqueueBatch([]model.ScrapeTask{{ID: "a", URL: "https://x.example/1", Retailer: "r"}})
	waitIdle(t, q)

	assert.Equal(t, []string{"a", "a", "a"}, sc.called())
	assert.Equal(t, []string{
		"attempt 1/4: all tiers failed",
		"attempt 2/4: all tiers failed",
	}, rs.failuresFor("a"))

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestRetriesExhausted(t *testing.T) {
	sc := &scriptedScraper{def: failure()}
	rs := newRecordingSink()
	q, err := New(testConfig(1), sc, rs)
	require.NoError(t, err)

	start(t, q)
	q.EnqueueBatch([]model.ScrapeTask{
		{ID: "lead", EAN: "9", URL: "https://x.example/1", Retailer: "r"},
		{ID: "follow", EAN: "9", URL: "https://x.example/1", Retailer: "r"},
	})
	waitIdle(t, q)

	assert.Len(t, sc.called(), 4, "first attempt plus three retries")
	assert.Len(t, rs.failuresFor("lead"), 4)
	assert.Equal(t, []string{"attempt 4/4: all tiers failed"}, rs.failuresFor("follow"))

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Waiting+stats.Delayed+stats.Active)
}

func TestSkippedIsNotRetried(t *testing.T) {
	sc := &scriptedScraper{def: model.Skipped("excluded path")}
	rs := newRecordingSink()
	q, err := New(testConfig(1), sc, rs)
	require.NoError(t, err)

	start(t, q)
	q.EnqueueBatch([]model.ScrapeTask{{ID: "a", URL: "https://x.example/cart/1", Retailer: "r"}})
	waitIdle(t, q)

	assert.Len(t, sc.called(), 1)
	assert.Empty(t, rs.failuresFor("a"))
	assert.Equal(t, int64(1), q.Stats().Skipped)
}

func TestPriorityOrder(t *testing.T) {
	sc := &scriptedScraper{def: success("1")}
	q, err := New(testConfig(1), sc, newRecordingSink())
	require.NoError(t, err)

	q.EnqueueBatch([]model.ScrapeTask{
		{ID: "low", URL: "https://x.example/1", Retailer: "r", Priority: 1},
		{ID: "high", URL: "https://x.example/2", Retailer: "r", Priority: 10},
		{ID: "low2", URL: "https://x.example/3", Retailer: "r", Priority: 1},
		{ID: "mid", URL: "https://x.example/4", Retailer: "r", Priority: 5},
	})
	start(t, q)
	waitIdle(t, q)

	assert.Equal(t, []string{"high", "mid", "low", "low2"}, sc.called())
}

func TestClear(t *testing.T) {
	q, err := New(testConfig(1), &scriptedScraper{def: success("1")}, newRecordingSink())
	require.NoError(t, err)

	q.EnqueueBatch([]model.ScrapeTask{
		{ID: "a", URL: "https://x.example/1", Retailer: "r"},
		{ID: "b", URL: "https://x.example/2", Retailer: "r"},
	})
	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, model.QueueStats{}, q.Stats())
	waitIdle(t, q)
}

func TestClearDropsDelayedRetries(t *testing.T) {
	sc := &scriptedScraper{def: failure()}
	cfg := testConfig(1)
	cfg.Backoff = resilience.Backoff{Initial: time.Hour}
	q, err := New(cfg, sc, newRecordingSink())
	require.NoError(t, err)

	start(t, q)
	q.EnqueueBatch([]model.ScrapeTask{{ID: "a", URL: "https://x.example/1", Retailer: "r"}})

	require.Eventually(t, func() bool { return q.Stats().Delayed == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, q.Clear())
	waitIdle(t, q)
	assert.Len(t, sc.called(), 1)
}

func TestWaitIdle_RespectsContext(t *testing.T) {
	q, err := New(testConfig(1), &scriptedScraper{def: success("1")}, newRecordingSink())
	require.NoError(t, err)
	q.EnqueueBatch([]model.ScrapeTask{{ID: "a", URL: "https://x.example/1", Retailer: "r"}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestPriceChangeNotified(t *testing.T) {
	sc := &scriptedScraper{plan: map[string][]model.Outcome{
		"first":  {success("24.99")},
		"second": {success("24.99")},
		"third":  {success("19.99")},
	}}
	changes := make(chanNotifier, 4)
	q, err := New(testConfig(1), sc, newRecordingSink(), WithNotifier(changes))
	require.NoError(t, err)
	start(t, q)

	for _, id := range []string{"first", "second", "third"} {
		q.EnqueueBatch([]model.ScrapeTask{{
			ID: id, URL: "https://x.example/1", Retailer: "shopX", TenantID: "tenant-a", ProductID: "p1",
		}})
		waitIdle(t, q)
	}

	select {
	case c := <-changes:
		assert.Equal(t, "tenant-a", c.TenantID)
		assert.Equal(t, "p1", c.ProductID)
		assert.Equal(t, "shopX", c.Retailer)
		assert.True(t, c.OldPrice.Equal(decimal.RequireFromString("24.99")))
		assert.True(t, c.NewPrice.Equal(decimal.RequireFromString("19.99")))
	case <-time.After(5 * time.Second):
		t.Fatal("no price change delivered")
	}
	assert.Empty(t, changes, "an unchanged price is not a change")
}

func TestRunStopsOnCancel(t *testing.T) {
	q, err := New(testConfig(3), &scriptedScraper{def: success("1")}, newRecordingSink())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), nil, newRecordingSink())
	assert.Error(t, err)
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

// manualTimers holds scheduled retries until the test fires them.
type manualTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (m *manualTimers) after(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.pending = append(m.pending, f)
	return manualTimer{}
}

func (m *manualTimers) scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delays)
}

func (m *manualTimers) fireNext(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	require.NotEmpty(t, m.pending)
	f := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	f()
}

func TestRetryBackoffSchedule(t *testing.T) {
	sc := &scriptedScraper{plan: map[string][]model.Outcome{
		"a": {failure(), failure(), success("5.00")},
	}}
	timers := &manualTimers{}
	cfg := testConfig(1)
	cfg.Backoff = resilience.Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	q, err := New(cfg, sc, newRecordingSink(), WithAfterFunc(timers.after))
	require.NoError(t, err)

	start(t, q)
	q.EnqueueBatch([]model.ScrapeTask{{ID: "a", URL: "https://x.example/1", Retailer: "r"}})

	require.Eventually(t, func() bool { return timers.scheduled() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, q.Stats().Delayed)
	assert.Len(t, sc.called(), 1, "nothing runs until the timer fires")
	timers.fireNext(t)

	require.Eventually(t, func() bool { return timers.scheduled() == 2 }, 5*time.Second, time.Millisecond)
	timers.fireNext(t)
	waitIdle(t, q)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timers.delays)
	assert.Equal(t, int64(1), q.Stats().Completed)
}
