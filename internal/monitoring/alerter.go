package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertScrapeFailureRate AlertType = "scrape_failure_rate"
	AlertTierUnhealthy     AlertType = "tier_unhealthy"
	AlertCostOverrun       AlertType = "cost_overrun"
)

// minFinished is the window size below which the failure rate is noise.
const minFinished = 5

// minTierRequests mirrors the tracker's eligibility floor.
const minTierRequests = 10

// Alert is one threshold breach, posted to the webhook as JSON.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a MetricsSnapshot into alerts and delivers them.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryPolicy
}

func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryPolicy("alert webhook"),
	}
}

// Evaluate returns the alerts the snapshot breaches, in rule order: failure
// rate, then per-tier health, then spend.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := time.Now().UTC()
	var alerts []Alert
	if al, ok := a.failureRate(snap); ok {
		alerts = append(alerts, al)
	}
	for _, st := range snap.Tiers {
		if al, ok := a.tierHealth(st); ok {
			alerts = append(alerts, al)
		}
	}
	if al, ok := a.costOverrun(snap); ok {
		alerts = append(alerts, al)
	}
	for i := range alerts {
		alerts[i].Timestamp = now
	}
	return alerts
}

func (a *Alerter) failureRate(snap *MetricsSnapshot) (Alert, bool) {
	limit := a.cfg.FailureRateThreshold
	finished := snap.WindowCompleted + snap.WindowFailed
	if limit <= 0 || finished < minFinished || snap.FailureRate <= limit {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertScrapeFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Scrape failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
			snap.FailureRate*100, limit*100, snap.WindowFailed, finished),
		Details: map[string]any{
			"failure_rate": snap.FailureRate,
			"threshold":    limit,
			"failed":       snap.WindowFailed,
			"finished":     finished,
		},
	}, true
}

// tierHealth flags a disabled tier as high severity and a tier under the
// success floor as medium. Tiers with too few requests are not judged.
func (a *Alerter) tierHealth(st model.TierStats) (Alert, bool) {
	if st.Disabled {
		return Alert{
			Type:     AlertTierUnhealthy,
			Severity: "high",
			Message:  fmt.Sprintf("Tier %s is disabled: %s", st.Tier, st.DisabledReason),
			Details:  map[string]any{"tier": string(st.Tier), "reason": st.DisabledReason},
		}, true
	}
	floor := a.cfg.TierSuccessRateFloor
	if floor <= 0 || st.TotalRequests < minTierRequests || st.SuccessRate >= floor {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertTierUnhealthy,
		Severity: "medium",
		Message: fmt.Sprintf("Tier %s success rate %.1f%% is below %.1f%% (%d requests)",
			st.Tier, st.SuccessRate*100, floor*100, st.TotalRequests),
		Details: map[string]any{
			"tier":         string(st.Tier),
			"success_rate": st.SuccessRate,
			"floor":        floor,
			"requests":     st.TotalRequests,
		},
	}, true
}

func (a *Alerter) costOverrun(snap *MetricsSnapshot) (Alert, bool) {
	limit := a.cfg.CostThresholdUSD
	if limit <= 0 || snap.TotalCost.InexactFloat64() <= limit {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: "high",
		Message:  fmt.Sprintf("Tier spend $%s exceeds threshold $%.2f", snap.TotalCost.StringFixed(2), limit),
		Details:  map[string]any{"cost_usd": snap.TotalCost.String(), "threshold_usd": limit},
	}, true
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
