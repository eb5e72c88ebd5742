package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_nodes_total",
			Help: "Total number of registered nodes by domain and status",
		},
		[]string{"domain", "status"},
	)

	// Routing metrics
	TasksRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_routed_total",
			Help: "Total number of tasks routed by strategy",
		},
		[]string{"strategy"},
	)

	RoutingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_routing_failures_total",
			Help: "Total number of routing attempts that found no eligible node",
		},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_task_outcomes_total",
			Help: "Total number of reported task outcomes by result",
		},
		[]string{"result"},
	)

	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_routing_latency_seconds",
			Help:    "Time taken to make a routing decision in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlowRatePerMinute = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_flow_rate_per_minute",
			Help: "Task flow events observed in the trailing minute",
		},
	)

	// Health metrics
	BridgeHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_bridge_health_score",
			Help: "Composite bridge health score (0-100)",
		},
	)

	ActiveBottlenecks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_active_bottlenecks",
			Help: "Currently unresolved bottlenecks by severity",
		},
		[]string{"severity"},
	)

	// Connection metrics
	ConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_connections_total",
			Help: "Managed node connections by state",
		},
		[]string{"state"},
	)

	SyncLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_sync_lag_milliseconds",
			Help: "Average message serialization round-trip in milliseconds",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksRoutedTotal)
	prometheus.MustRegister(RoutingFailuresTotal)
	prometheus.MustRegister(TaskOutcomesTotal)
	prometheus.MustRegister(RoutingLatency)
	prometheus.MustRegister(FlowRatePerMinute)
	prometheus.MustRegister(BridgeHealthScore)
	prometheus.MustRegister(ActiveBottlenecks)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(SyncLag)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}
