package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	PassesProcessedTotal *prometheus.CounterVec
	PassDuration         prometheus.Histogram
	QueueDepth           prometheus.Gauge
	PassesInFlight       prometheus.Gauge
	CallbackPostsTotal   *prometheus.CounterVec
	HostRestartsTotal    prometheus.Counter
	CompileRequestsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		PassesProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtest_passes_processed_total",
				Help: "Total number of backtest passes processed",
			},
			[]string{"status"},
		),
		PassDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backtest_pass_duration_seconds",
				Help:    "Wall-clock duration of backtest passes in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 14400, 28800},
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backtest_queue_depth",
				Help: "Number of passes waiting in the run queue",
			},
		),
		PassesInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backtest_passes_in_flight",
				Help: "Number of passes currently executing",
			},
		),
		CallbackPostsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callback_posts_total",
				Help: "Total number of callback deliveries attempted",
			},
			[]string{"mode", "outcome"},
		),
		HostRestartsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "patched_host_restarts_total",
				Help: "Total number of patched CLI host restarts",
			},
		),
		CompileRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compile_requests_total",
				Help: "Total number of compile requests",
			},
			[]string{"outcome"},
		),
	}
}
