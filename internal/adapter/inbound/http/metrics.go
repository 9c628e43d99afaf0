package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PolicyShield. Pass to components
// that need to record metrics.
type Metrics struct {
	ChecksTotal       *prometheus.CounterVec
	CheckDuration     prometheus.Histogram
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	PendingApprovals  prometheus.Gauge
	ApprovalsTotal    *prometheus.CounterVec
	ReloadsTotal      *prometheus.CounterVec
	RejectedTotal     *prometheus.CounterVec
	InFlightChecks    prometheus.Gauge
	KillSwitchEngaged prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ChecksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "checks_total",
				Help:      "Total tool-call checks by verdict",
			},
			[]string{"verdict"}, // verdict=ALLOW/BLOCK/REDACT/APPROVE
		),
		CheckDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "policyshield",
				Name:      "check_duration_seconds",
				Help:      "Engine decision latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "policyshield",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policyshield",
				Name:      "active_sessions",
				Help:      "Number of tracked sessions",
			},
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policyshield",
				Name:      "pending_approvals",
				Help:      "Number of unresolved approval requests",
			},
		),
		ApprovalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "approvals_total",
				Help:      "Total approval resolutions by outcome",
			},
			[]string{"outcome"}, // outcome=approved/denied/timeout
		),
		ReloadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "reloads_total",
				Help:      "Total rule reload attempts by result",
			},
			[]string{"result"}, // result=ok/error
		),
		RejectedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyshield",
				Name:      "requests_rejected_total",
				Help:      "Requests rejected before reaching the engine",
			},
			[]string{"reason"}, // reason=overloaded/timeout/payload/auth/draining
		),
		InFlightChecks: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policyshield",
				Name:      "in_flight_checks",
				Help:      "Checks currently holding a concurrency slot",
			},
		),
		KillSwitchEngaged: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policyshield",
				Name:      "kill_switch_engaged",
				Help:      "1 while the kill switch blocks all calls",
			},
		),
	}
}
