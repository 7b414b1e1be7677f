package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session lifecycle metrics.
	SessionsByState      *prometheus.GaugeVec
	SessionTransitions   *prometheus.CounterVec
	ContainerStartsTotal *prometheus.CounterVec
	ContainerStartSeconds prometheus.Histogram

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Terminal metrics.
	TerminalConnections prometheus.Gauge
	TerminalFramesSent  prometheus.Counter
	TerminalFramesDropped prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "session",
			Name:      "count",
			Help:      "Sessions by observed state.",
		}, []string{"state"}),

		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total committed state transitions.",
		}, []string{"to"}),

		ContainerStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "container",
			Name:      "starts_total",
			Help:      "Total container start attempts.",
		}, []string{"status"}),

		ContainerStartSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "container",
			Name:      "start_duration_seconds",
			Help:      "Container start duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Total command executions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		TerminalConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "terminal",
			Name:      "connections",
			Help:      "Currently open terminal WebSocket connections.",
		}),

		TerminalFramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "terminal",
			Name:      "frames_sent_total",
			Help:      "Total frames sent to terminal clients.",
		}),

		TerminalFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "terminal",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped on slow terminal connections.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SessionsByState,
		m.SessionTransitions,
		m.ContainerStartsTotal,
		m.ContainerStartSeconds,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.TerminalConnections,
		m.TerminalFramesSent,
		m.TerminalFramesDropped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
