package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
)

func newTestAlerter(cfg config.MonitoringConfig) *Alerter {
	a := NewAlerter(cfg)
	a.retry.Backoff = resilience.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
	return a
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     50.0,
		TierSuccessRateFloor: 0.5,
	})

	snap := &MetricsSnapshot{
		WindowCompleted: 95,
		WindowFailed:    5,
		FailureRate:     0.05,
		TotalCost:       decimal.RequireFromString("12.40"),
		Tiers: []model.TierStats{
			{Tier: model.TierDirect, TotalRequests: 200, SuccessRate: 0.9},
			{Tier: model.TierPremiumPaid, TotalRequests: 3, SuccessRate: 0},
		},
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{WindowCompleted: 12, WindowFailed: 8, FailureRate: 0.4}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertScrapeFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_FailureRateNeedsVolume(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{WindowCompleted: 1, WindowFailed: 2, FailureRate: 0.66}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_TierUnhealthy(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{TierSuccessRateFloor: 0.5})

	snap := &MetricsSnapshot{Tiers: []model.TierStats{
		{Tier: model.TierFreeRotating, TotalRequests: 30, SuccessRate: 0.2},
		{Tier: model.TierCheapPaid, Disabled: true, DisabledReason: "missing api key"},
	}}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertTierUnhealthy, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "freeRotating")
	assert.Equal(t, "high", alerts[1].Severity)
	assert.Contains(t, alerts[1].Message, "missing api key")
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{CostThresholdUSD: 10})

	snap := &MetricsSnapshot{TotalCost: decimal.RequireFromString("10.5")}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$10.50")
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun, Severity: "high", Message: "over"}})

	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, AlertCostOverrun, got.Type)
}

func TestAlerter_SendAlerts_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := newTestAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertTierUnhealthy}})

	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_PermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := newTestAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertTierUnhealthy}})

	assert.Zero(t, sent)
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun}}))
}
