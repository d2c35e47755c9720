package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// StatusOK labels successful executions and deliveries.
	StatusOK = "ok"
	// StatusError labels failed executions and deliveries.
	StatusError = "error"
	// StatusThrottled labels actions suppressed by throttle.
	StatusThrottled = "throttled"
	// StatusRejected labels ingest payloads that failed decoding or validation.
	StatusRejected = "rejected"
)

var (
	// Alert executions
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackmon_alert_executions_total",
			Help: "Total number of alert type executions",
		},
		[]string{"alert_type", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stackmon_alert_execution_duration_seconds",
			Help:    "Alert type execution latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"alert_type"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackmon_alert_transitions_total",
			Help: "Total number of alert instance state transitions",
		},
		[]string{"alert_type", "state"}, // state: firing, resolved
	)

	FiringInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stackmon_alert_firing_products",
			Help: "Stack products currently missing monitoring data",
		},
		[]string{"alert_type", "instance_id"},
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackmon_alert_actions_total",
			Help: "Total number of scheduled alert actions",
		},
		[]string{"alert_type", "status"}, // status: ok, error, throttled
	)

	// Ingest
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackmon_ingest_heartbeats_total",
			Help: "Total number of heartbeats received",
		},
		[]string{"transport", "status"}, // status: ok, rejected, error
	)

	TrackedInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stackmon_tracked_instances",
			Help: "Stack product instances tracked within the lookback window",
		},
	)
)

// Handler returns Prometheus exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
