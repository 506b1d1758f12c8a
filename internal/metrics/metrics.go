package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the dispatch engine
type Metrics struct {
	// Cycle counters
	CyclesTotal          *prometheus.CounterVec
	CycleDurationSeconds prometheus.Histogram
	StuckRunsTotal       prometheus.Counter

	// Unit outcomes
	UnitsProcessedTotal   *prometheus.CounterVec
	UnitsRescheduledTotal prometheus.Counter
	RateLimitDeniedTotal  prometheus.Counter

	// Gauges
	CampaignTasksActive prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge
	QueueByStatus       *prometheus.GaugeVec
	UptimeSeconds       prometheus.Gauge
	Goroutines          prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_cycles_total",
				Help: "Total number of dispatch cycles by result",
			},
			[]string{"result"},
		),
		CycleDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "drip_cycle_duration_seconds",
				Help:    "Duration of a full dispatch cycle",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		StuckRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_stuck_runs_total",
				Help: "Total number of cycles force-reset by the watchdog",
			},
		),
		UnitsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_units_processed_total",
				Help: "Total number of units processed by outcome",
			},
			[]string{"outcome"},
		),
		UnitsRescheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_units_rescheduled_total",
				Help: "Total number of units pushed to a future send_at",
			},
		),
		RateLimitDeniedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_ratelimit_denied_total",
				Help: "Total number of dispatch steps denied by rate limits",
			},
		),
		CampaignTasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_campaign_tasks_active",
				Help: "Number of campaign dispatch tasks currently running",
			},
		),
		ConsecutiveFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_consecutive_failures",
				Help: "Current count of consecutive failed cycles",
			},
		),
		QueueByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drip_queue_units",
				Help: "Number of send units by status",
			},
			[]string{"status"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_goroutines",
				Help: "Number of goroutines",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDurationSeconds,
		m.StuckRunsTotal,
		m.UnitsProcessedTotal,
		m.UnitsRescheduledTotal,
		m.RateLimitDeniedTotal,
		m.CampaignTasksActive,
		m.ConsecutiveFailures,
		m.QueueByStatus,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the metrics registry for the HTTP handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
