package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/model"
)

type stubQueue struct {
	mu    sync.Mutex
	stats model.QueueStats
}

func (s *stubQueue) Stats() model.QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *stubQueue) set(qs model.QueueStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = qs
}

type stubTiers struct {
	stats []model.TierStats
}

func (s *stubTiers) Stats() []model.TierStats { return s.stats }

func (s *stubTiers) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, st := range s.stats {
		total = total.Add(st.TotalCost)
	}
	return total
}

func TestCollector_WindowDeltas(t *testing.T) {
	q := &stubQueue{}
	c := NewCollector(q, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	q.set(model.QueueStats{Completed: 8, Failed: 2, Skipped: 1, Waiting: 4})
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), snap.WindowCompleted)
	assert.Equal(t, int64(2), snap.WindowFailed)
	assert.InDelta(t, 0.2, snap.FailureRate, 1e-9)
	assert.Equal(t, 4, snap.Queue.Waiting)
	assert.Zero(t, snap.Window)

	now = now.Add(5 * time.Minute)
	q.set(model.QueueStats{Completed: 10, Failed: 5, Skipped: 1})
	snap, err = c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.WindowCompleted)
	assert.Equal(t, int64(3), snap.WindowFailed)
	assert.Zero(t, snap.WindowSkipped)
	assert.InDelta(t, 0.6, snap.FailureRate, 1e-9)
	assert.Equal(t, 5*time.Minute, snap.Window)
}

func TestCollector_CounterReset(t *testing.T) {
	q := &stubQueue{}
	c := NewCollector(q, nil)

	q.set(model.QueueStats{Completed: 50})
	_, err := c.Collect(context.Background())
	require.NoError(t, err)

	q.set(model.QueueStats{Completed: 3})
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.WindowCompleted)
}

func TestCollector_TierSpend(t *testing.T) {
	tiers := &stubTiers{stats: []model.TierStats{
		{Tier: model.TierDirect, TotalRequests: 100, TotalCost: decimal.Zero},
		{Tier: model.TierCheapPaid, TotalRequests: 40, TotalCost: decimal.RequireFromString("0.02")},
	}}
	c := NewCollector(nil, tiers)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Tiers, 2)
	assert.True(t, snap.TotalCost.Equal(decimal.RequireFromString("0.02")))
	assert.Zero(t, snap.FailureRate)
}
