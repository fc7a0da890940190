// Package metrics exposes Prometheus collectors for the scraping engine. All
// helpers are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricescout/internal/model"
)

// Metrics bundles the engine's collectors on a dedicated registry.
type Metrics struct {
	Registry      *prometheus.Registry
	TierRequests  *prometheus.CounterVec
	TierCost      *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	ThrottleDelay *prometheus.GaugeVec
	QueueJobs     *prometheus.GaugeVec
	Scrapes       *prometheus.CounterVec
	VisionCalls   *prometheus.CounterVec
}

// New constructs and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	tierRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_tier_requests_total",
			Help: "Fetch attempts per tier by outcome.",
		},
		[]string{"tier", "outcome"},
	)
	tierCost := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_tier_cost_total",
			Help: "USD spent per tier.",
		},
		[]string{"tier"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricescout_fetch_duration_seconds",
			Help:    "Fetch latency per tier.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)
	throttleDelay := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricescout_throttle_delay_ms",
			Help: "Current adaptive delay per domain and tier.",
		},
		[]string{"domain", "tier"},
	)
	queueJobs := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricescout_queue_jobs",
			Help: "Job queue counts by state.",
		},
		[]string{"state"},
	)
	scrapes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_scrapes_total",
			Help: "Orchestrator outcomes by status.",
		},
		[]string{"status"},
	)
	visionCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricescout_vision_calls_total",
			Help: "Vision fallback calls by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(tierRequests, tierCost, fetchDuration, throttleDelay, queueJobs, scrapes, visionCalls)

	return &Metrics{
		Registry:      registry,
		TierRequests:  tierRequests,
		TierCost:      tierCost,
		FetchDuration: fetchDuration,
		ThrottleDelay: throttleDelay,
		QueueJobs:     queueJobs,
		Scrapes:       scrapes,
		VisionCalls:   visionCalls,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveAttempt records one tier attempt with its spend and latency.
func (m *Metrics) ObserveAttempt(tier model.Tier, outcome string, cost decimal.Decimal, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TierRequests.WithLabelValues(string(tier), outcome).Inc()
	if cost.IsPositive() {
		m.TierCost.WithLabelValues(string(tier)).Add(cost.InexactFloat64())
	}
	if elapsed > 0 {
		m.FetchDuration.WithLabelValues(string(tier)).Observe(elapsed.Seconds())
	}
}

// SetThrottleDelay publishes the delay for (domain, tier).
func (m *Metrics) SetThrottleDelay(domain string, tier model.Tier, d time.Duration) {
	if m == nil {
		return
	}
	m.ThrottleDelay.WithLabelValues(domain, string(tier)).Set(float64(d.Milliseconds()))
}

// SetQueue publishes a queue snapshot.
func (m *Metrics) SetQueue(s model.QueueStats) {
	if m == nil {
		return
	}
	m.QueueJobs.WithLabelValues("waiting").Set(float64(s.Waiting))
	m.QueueJobs.WithLabelValues("delayed").Set(float64(s.Delayed))
	m.QueueJobs.WithLabelValues("active").Set(float64(s.Active))
	m.QueueJobs.WithLabelValues("completed").Set(float64(s.Completed))
	m.QueueJobs.WithLabelValues("failed").Set(float64(s.Failed))
}

// IncScrape counts one orchestrator outcome.
func (m *Metrics) IncScrape(status model.OutcomeStatus) {
	if m == nil {
		return
	}
	m.Scrapes.WithLabelValues(string(status)).Inc()
}

// IncVision counts one vision call. result is "success" or an error kind.
func (m *Metrics) IncVision(result string) {
	if m == nil {
		return
	}
	m.VisionCalls.WithLabelValues(result).Inc()
}
