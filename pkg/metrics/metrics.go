package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacs_nodes_total",
			Help: "Total number of registered remote nodes by status",
		},
		[]string{"status"},
	)

	NodeVerifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pacs_node_verify_duration_seconds",
			Help:    "Time taken to verify a remote node via C-ECHO",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job manager metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacs_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacs_jobs_submitted_total",
			Help: "Total number of jobs submitted by type",
		},
		[]string{"type"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacs_jobs_completed_total",
			Help: "Total number of jobs completed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacs_job_duration_seconds",
			Help:    "Job execution duration in seconds by type",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"type"},
	)

	JobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacs_job_queue_depth",
			Help: "Number of jobs currently waiting in the scheduler queue",
		},
	)

	JobWorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacs_job_workers_busy",
			Help: "Number of worker goroutines currently running a job",
		},
	)

	// Connection pool metrics
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacs_connection_pool_size",
			Help: "Connection pool size by peer and state (total, available, active)",
		},
		[]string{"peer", "state"},
	)

	PoolBorrowedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacs_connection_pool_borrowed_total",
			Help: "Total number of connections borrowed by peer",
		},
		[]string{"peer"},
	)

	PoolBorrowWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacs_connection_pool_borrow_wait_seconds",
			Help:    "Time spent waiting for a connection to become available",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	// Resilience metrics
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacs_circuit_breaker_state",
			Help: "Circuit breaker state by service name (0=closed, 1=half_open, 2=open)",
		},
		[]string{"service"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacs_retry_attempts_total",
			Help: "Total number of retry attempts by operation",
		},
		[]string{"operation"},
	)

	// Routing metrics
	RoutingRulesTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacs_routing_rules_triggered_total",
			Help: "Total number of times a routing rule matched, by rule",
		},
		[]string{"rule_id"},
	)

	// Prefetch metrics
	PrefetchTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacs_prefetch_triggered_total",
			Help: "Total number of prefetch triggers fired by trigger type",
		},
		[]string{"trigger"},
	)

	PrefetchStudiesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pacs_prefetch_studies_total",
			Help: "Total number of studies prefetched",
		},
	)

	// Sync metrics
	SyncCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacs_sync_cycle_duration_seconds",
			Help:    "Time taken for a sync cycle by config",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"config_id"},
	)

	SyncConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacs_sync_conflicts_total",
			Help: "Total number of sync conflicts detected by type",
		},
		[]string{"conflict_type"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeVerifyDuration)

	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobQueueDepth)
	prometheus.MustRegister(JobWorkersBusy)

	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolBorrowedTotal)
	prometheus.MustRegister(PoolBorrowWaitDuration)

	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(RetryAttemptsTotal)

	prometheus.MustRegister(RoutingRulesTriggeredTotal)

	prometheus.MustRegister(PrefetchTriggeredTotal)
	prometheus.MustRegister(PrefetchStudiesTotal)

	prometheus.MustRegister(SyncCycleDuration)
	prometheus.MustRegister(SyncConflictsTotal)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
