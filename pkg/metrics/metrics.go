package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_executions_total",
			Help: "Total number of executions by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_execution_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// Worker pool metrics
	PoolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kb_pool_workers",
			Help: "Number of pool workers by state",
		},
		[]string{"state"},
	)

	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kb_pool_queue_depth",
			Help: "Current number of queued requests",
		},
	)

	PoolQueueFullRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kb_pool_queue_full_rejections_total",
			Help: "Total number of requests rejected because the queue was full",
		},
	)

	PoolAcquireTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kb_pool_acquire_timeouts_total",
			Help: "Total number of requests that timed out waiting for a worker",
		},
	)

	PoolWorkerCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kb_pool_worker_crashes_total",
			Help: "Total number of unexpected worker exits",
		},
	)

	PoolWorkersRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kb_pool_workers_recycled_total",
			Help: "Total number of workers recycled",
		},
	)

	PoolWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_pool_wait_duration_seconds",
			Help:    "Time requests spent queued before acquiring a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Invoke broker metrics
	InvokesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_invokes_total",
			Help: "Total number of cross-plugin invokes by outcome",
		},
		[]string{"outcome"},
	)

	// Degradation controller metrics
	DegradationState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kb_degradation_state",
			Help: "Current degradation state (0 = normal, 1 = degraded, 2 = critical)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// IPC metrics
	IPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_ipc_calls_total",
			Help: "Total number of platform adapter calls over IPC by adapter and outcome",
		},
		[]string{"adapter", "outcome"},
	)

	// WebSocket metrics
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kb_ws_connections",
			Help: "Current number of active WebSocket connections",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(PoolWorkers)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(PoolQueueFullRejections)
	prometheus.MustRegister(PoolAcquireTimeouts)
	prometheus.MustRegister(PoolWorkerCrashes)
	prometheus.MustRegister(PoolWorkersRecycled)
	prometheus.MustRegister(PoolWaitDuration)
	prometheus.MustRegister(InvokesTotal)
	prometheus.MustRegister(DegradationState)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(IPCCallsTotal)
	prometheus.MustRegister(WSConnections)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
