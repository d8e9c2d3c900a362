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
			Name: "dffmpeg_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dffmpeg_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_jobs_failed_total",
			Help: "Total number of jobs that ended failed, by failure_kind",
		},
		[]string{"failure_kind"},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dffmpeg_jobs_completed_total",
			Help: "Total number of jobs that ended completed",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dffmpeg_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dffmpeg_scheduling_latency_seconds",
			Help:    "Time taken for one scheduler pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dffmpeg_jobs_assigned_total",
			Help: "Total number of jobs assigned by the scheduler",
		},
	)

	SchedulerAssignConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dffmpeg_scheduler_assign_conflicts_total",
			Help: "Total number of jobs_assign_one attempts that lost a race and were retried",
		},
	)

	// Janitor metrics
	JanitorSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_janitor_sweeps_total",
			Help: "Total number of janitor sweep runs, by sweep name",
		},
		[]string{"sweep"},
	)

	JanitorActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_janitor_actions_total",
			Help: "Total number of rows a janitor sweep acted on, by sweep name",
		},
		[]string{"sweep"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dffmpeg_api_request_duration_seconds",
			Help:    "API request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	AuthRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_auth_rejections_total",
			Help: "Total number of requests rejected by the HMAC signer, by reason",
		},
		[]string{"reason"},
	)

	// Downlink / transport metrics
	DownlinkDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_downlink_delivered_total",
			Help: "Total number of downlink messages delivered, by transport",
		},
		[]string{"transport"},
	)

	DownlinkFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_downlink_failed_total",
			Help: "Total number of downlink send failures, by transport",
		},
		[]string{"transport"},
	)

	DownlinkDeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dffmpeg_downlink_delivery_latency_seconds",
			Help:    "Time from enqueue to delivery for a downlink message, by transport",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(JobsAssignedTotal)
	prometheus.MustRegister(SchedulerAssignConflictsTotal)
	prometheus.MustRegister(JanitorSweepsTotal)
	prometheus.MustRegister(JanitorActionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(AuthRejectionsTotal)
	prometheus.MustRegister(DownlinkDeliveredTotal)
	prometheus.MustRegister(DownlinkFailedTotal)
	prometheus.MustRegister(DownlinkDeliveryLatency)
}

// Handler returns the Prometheus scrape handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and recording it to a
// histogram when it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
