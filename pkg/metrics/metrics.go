package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hodei_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_jobs_submitted_total",
			Help: "Total number of submitted jobs",
		},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hodei_jobs_failed_total",
			Help: "Total number of failed jobs by failure code",
		},
		[]string{"code"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hodei_queue_depth",
			Help: "Number of jobs currently queued",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hodei_scheduling_latency_seconds",
			Help:    "Time from submission to placement in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hodei_scheduler_tick_duration_seconds",
			Help:    "Duration of a scheduling tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	Placements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hodei_placements_total",
			Help: "Total number of placement decisions by strategy and pool",
		},
		[]string{"strategy", "pool"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hodei_workers_total",
			Help: "Total number of workers by pool and status",
		},
		[]string{"pool", "status"},
	)

	WorkerSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hodei_worker_sessions",
			Help: "Number of open worker protocol sessions",
		},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_heartbeats_received_total",
			Help: "Total number of worker heartbeats received",
		},
	)

	// Artifact metrics
	ArtifactCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_artifact_cache_hits_total",
			Help: "Total number of artifact transfers short-circuited by worker caches",
		},
	)

	ArtifactBytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_artifact_bytes_sent_total",
			Help: "Total artifact bytes sent to workers",
		},
	)

	// Provider metrics
	ProvisioningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hodei_provisioning_duration_seconds",
			Help:    "Time to provision a worker instance in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"pool"},
	)

	UtilizationSampleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hodei_utilization_sample_errors_total",
			Help: "Total number of failed provider utilization samples by pool",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobsSubmitted,
		JobsFailed,
		QueueDepth,
		SchedulingLatency,
		SchedulerTickDuration,
		Placements,
		WorkersTotal,
		WorkerSessions,
		HeartbeatsReceived,
		ArtifactCacheHits,
		ArtifactBytesSent,
		ProvisioningDuration,
		UtilizationSampleErrors,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}
