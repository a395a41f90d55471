package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// AuthAttempts counts sign-in calls by stage and result
	AuthAttempts *prometheus.CounterVec
	// CredentialExchanges counts federated and service credential exchanges
	CredentialExchanges *prometheus.CounterVec
	// Operations counts finished backup, restore and preview operations
	Operations *prometheus.CounterVec
	// ScheduleSyncs counts schedule and unschedule requests
	ScheduleSyncs *prometheus.CounterVec
	// ConfirmationsRequired counts destructive syncs held for confirmation
	ConfirmationsRequired prometheus.Counter
	// ToolDuration tracks rclone wall time by subcommand
	ToolDuration *prometheus.HistogramVec
	// BytesTransferred sums bytes moved by completed operations
	BytesTransferred prometheus.Counter
	// ScheduledProfiles is the number of enabled schedules held by the agent
	ScheduledProfiles prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Sign-in calls by stage and result",
			},
			[]string{"stage", "result"},
		),
		CredentialExchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_exchanges_total",
				Help:      "Credential exchanges by kind and result",
			},
			[]string{"kind", "result"},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Finished operations by type and status",
			},
			[]string{"type", "status"},
		),
		ScheduleSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_syncs_total",
				Help:      "Scheduler requests by action and result",
			},
			[]string{"action", "result"},
		),
		ConfirmationsRequired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "confirmations_required_total",
				Help:      "Sync runs held back because they would delete remote files",
			},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Wall time of rclone invocations",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"command"},
		),
		BytesTransferred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Bytes transferred by completed operations",
			},
		),
		ScheduledProfiles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduled_profiles",
				Help:      "Profiles with an enabled schedule",
			},
		),
	}

	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.AuthAttempts,
		m.CredentialExchanges,
		m.Operations,
		m.ScheduleSyncs,
		m.ConfirmationsRequired,
		m.ToolDuration,
		m.BytesTransferred,
		m.ScheduledProfiles,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) IncHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Inc()
}

func (m *Metrics) DecHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Dec()
}

// RecordAuth records one authenticator call. result is success, challenge,
// rejected or error.
func (m *Metrics) RecordAuth(stage, result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(stage, result).Inc()
}

// RecordCredentialExchange records a federated or service credential exchange.
func (m *Metrics) RecordCredentialExchange(kind, result string) {
	if m == nil {
		return
	}
	m.CredentialExchanges.WithLabelValues(kind, result).Inc()
}

// RecordOperation counts a finished operation and adds its bytes.
func (m *Metrics) RecordOperation(opType, status string, bytes int64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(opType, status).Inc()
	if bytes > 0 {
		m.BytesTransferred.Add(float64(bytes))
	}
}

func (m *Metrics) RecordScheduleSync(action, result string) {
	if m == nil {
		return
	}
	m.ScheduleSyncs.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordConfirmationRequired() {
	if m == nil {
		return
	}
	m.ConfirmationsRequired.Inc()
}

// ObserveTool records the duration of one rclone subcommand.
func (m *Metrics) ObserveTool(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) SetScheduledProfiles(n int) {
	if m == nil {
		return
	}
	m.ScheduledProfiles.Set(float64(n))
}
