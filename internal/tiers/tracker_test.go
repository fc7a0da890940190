package tiers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/model"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) LoadTierStats(ctx context.Context) ([]model.TierStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).([]model.TierStats)
	return stats, args.Error(1)
}

func (m *mockRepo) SaveTierStats(ctx context.Context, stats []model.TierStats) error {
	args := m.Called(ctx, stats)
	return args.Error(0)
}

func record(t *Tracker, tier model.Tier, ok, fail int) {
	for i := 0; i < ok; i++ {
		t.Record(tier, true, decimal.Zero)
	}
	for i := 0; i < fail; i++ {
		t.Record(tier, false, decimal.Zero)
	}
}

func TestShouldTry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ok   int
		fail int
		want bool
	}{
		{"no observations", 0, 0, true},
		{"nine failures still eligible", 0, 9, true},
		{"ten at forty percent skipped", 4, 6, false},
		{"eleven at forty percent skipped", 4, 7, false}, // 4/11 ≈ 0.36
		{"exactly half skipped", 5, 5, false},
		{"above half eligible", 6, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := New(DefaultConfig(), nil)
			record(tr, model.TierCheapPaid, tt.ok, tt.fail)
			assert.Equal(t, tt.want, tr.ShouldTry(model.TierCheapPaid))
		})
	}
}

func TestShouldTryElevenAtFortyPercent(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig(), nil)

	// Restore 11 requests at exactly 0.4 via a repository load.
	repo := &mockRepo{}
	repo.On("LoadTierStats", mock.Anything).Return([]model.TierStats{
		{Tier: model.TierDirect, TotalRequests: 11, SuccessfulRequests: 4},
	}, nil)
	tr.repo = repo
	require.NoError(t, tr.Load(context.Background()))

	assert.False(t, tr.ShouldTry(model.TierDirect))
	repo.AssertExpectations(t)
}

func TestUnknownTier(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig(), nil)
	assert.False(t, tr.ShouldTry("bogus"))
	tr.Record("bogus", true, decimal.NewFromInt(1))
	assert.True(t, tr.TotalCost().IsZero())
}

func TestRecordAccumulatesCost(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Costs = map[model.Tier]decimal.Decimal{model.TierPremiumPaid: decimal.RequireFromString("0.005")}
	tr := New(cfg, nil)

	cost := tr.CostPerRequest(model.TierPremiumPaid)
	tr.Record(model.TierPremiumPaid, true, cost)
	tr.Record(model.TierPremiumPaid, false, cost)
	tr.Record(model.TierVision, true, decimal.RequireFromString("0.0123"))

	stats := tr.Stats()
	require.Len(t, stats, 5)
	premium := stats[model.TierPremiumPaid.Rank()]
	assert.Equal(t, int64(2), premium.TotalRequests)
	assert.Equal(t, int64(1), premium.SuccessfulRequests)
	assert.InDelta(t, 0.5, premium.SuccessRate, 1e-9)
	assert.True(t, decimal.RequireFromString("0.01").Equal(premium.TotalCost))

	assert.True(t, decimal.RequireFromString("0.0223").Equal(tr.TotalCost()))
	assert.True(t, tr.CostPerRequest(model.TierDirect).IsZero())
}

func TestDisable(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig(), nil)

	tr.Disable(model.TierPremiumPaid, "firecrawl key missing")
	tr.Disable(model.TierPremiumPaid, "again")
	assert.False(t, tr.ShouldTry(model.TierPremiumPaid))

	st := tr.Stats()[model.TierPremiumPaid.Rank()]
	assert.True(t, st.Disabled)
	assert.Equal(t, "again", st.DisabledReason)
	assert.True(t, tr.ShouldTry(model.TierDirect))
}

func TestFlushAndLoad(t *testing.T) {
	t.Parallel()
	repo := &mockRepo{}
	tr := New(DefaultConfig(), repo)
	tr.Record(model.TierDirect, true, decimal.Zero)

	repo.On("SaveTierStats", mock.Anything, mock.MatchedBy(func(stats []model.TierStats) bool {
		return len(stats) == 5 && stats[0].Tier == model.TierDirect && stats[0].TotalRequests == 1
	})).Return(nil).Once()
	require.NoError(t, tr.Flush(context.Background()))

	repo.On("LoadTierStats", mock.Anything).Return(nil, errors.New("db down")).Once()
	err := tr.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tiers: load stats")

	repo.AssertExpectations(t)
}

func TestNilRepository(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig(), nil)
	assert.NoError(t, tr.Load(context.Background()))
	assert.NoError(t, tr.Flush(context.Background()))
}

func TestConcurrentRecord(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Record(model.TierDirect, i%2 == 0, decimal.Zero)
			_ = tr.ShouldTry(model.TierDirect)
		}(i)
	}
	wg.Wait()

	st := tr.Stats()[0]
	assert.Equal(t, int64(50), st.TotalRequests)
	assert.Equal(t, int64(25), st.SuccessfulRequests)
}
