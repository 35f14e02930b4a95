// Package metrics defines the Prometheus metrics exposed by the gateway and
// agent processes and the HTTP handlers that serve them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_nodes_total",
			Help: "Total number of registered nodes by device type",
		},
		[]string{"device_type"},
	)

	NodesStale = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_nodes_stale",
			Help: "Number of registered nodes with no telemetry data yet",
		},
	)

	ServiceSlotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_service_slots_total",
			Help: "Total number of service slots by state",
		},
		[]string{"state"},
	)

	// Queue metrics
	QueuePendingDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_pending_depth",
			Help: "Number of tasks waiting in the pending queue",
		},
	)

	QueueRunningDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_running_depth",
			Help: "Number of tasks currently dispatched and running",
		},
	)

	QueueFailedDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_failed_depth",
			Help: "Number of tasks parked in the failed history",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by task type",
		},
		[]string{"task_type"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_completed_total",
			Help: "Total number of tasks reported complete by task type",
		},
		[]string{"task_type"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_failed_total",
			Help: "Total number of tasks moved to the failed history by task type",
		},
		[]string{"task_type"},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_dispatch_latency_seconds",
			Help:    "Time from popping a task off the queue to receiving the worker's dispatch response",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_dispatch_results_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"}, // "success", "retry", "parked"
	)

	SchedulingCycleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_scheduling_cycle_latency_seconds",
			Help:    "Time taken to select a target node for a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery metrics
	RecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_recoveries_total",
			Help: "Total number of node recoveries triggered by the health monitor",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_api_requests_total",
			Help: "Total number of gateway API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_api_request_duration_seconds",
			Help:    "Gateway API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Container lifecycle metrics
	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_container_create_duration_seconds",
			Help:    "Time taken to create and start a backend container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_container_removals_total",
			Help: "Total number of backend containers removed by reason",
		},
		[]string{"reason"}, // "idle", "error"
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesStale)
	prometheus.MustRegister(ServiceSlotsTotal)

	prometheus.MustRegister(QueuePendingDepth)
	prometheus.MustRegister(QueueRunningDepth)
	prometheus.MustRegister(QueueFailedDepth)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)

	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(DispatchResultsTotal)
	prometheus.MustRegister(SchedulingCycleLatency)

	prometheus.MustRegister(RecoveriesTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerRemovalsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
