package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ApplicationErrors *prometheus.CounterVec
	SessionStarts     prometheus.Counter
	SessionResets     prometheus.Counter
	FrameErrors       prometheus.Counter
}

// NewMetrics creates and registers all bridge metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "testbed_requests_total",
			Help: "API requests executed, by service, method and outcome.",
		}, []string{"service", "method", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "testbed_request_duration_seconds",
			Help:    "Execution time per API request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),

		ApplicationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "testbed_application_errors_total",
			Help: "Application errors returned, by service and code.",
		}, []string{"service", "code"}),

		SessionStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "testbed_session_starts_total",
			Help: "Emulation sessions started.",
		}),

		SessionResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "testbed_session_resets_total",
			Help: "Emulation sessions reset by the control channel.",
		}),

		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "testbed_frame_errors_total",
			Help: "Request lines that could not be decoded.",
		}),
	}
}
