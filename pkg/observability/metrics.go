package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poller Metrics
var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainagent_polls_total",
			Help: "Total number of poll requests sent to the control plane",
		},
		[]string{"result"}, // job, empty, error, unauthorized
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainagent_claims_total",
			Help: "Total number of job claim attempts",
		},
		[]string{"result"}, // success, conflict, not_found, error
	)

	PollerConsecutiveErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainagent_poller_consecutive_errors",
			Help: "Current number of consecutive transport failures seen by the poller",
		},
	)

	PollerBackoffsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trainagent_poller_backoffs_total",
			Help: "Total number of times the poller entered extended backoff",
		},
	)
)

// Control-plane client Metrics
var (
	ControlPlaneRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trainagent_controlplane_request_duration_seconds",
			Help:    "Duration of control-plane requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"operation", "result"},
	)
)

// Executor Metrics
var (
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainagent_jobs",
			Help: "Number of jobs known to the agent by status",
		},
		[]string{"status"},
	)

	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainagent_job_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"to"},
	)

	TrainingStepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trainagent_training_steps_total",
			Help: "Total number of step boundaries observed across all jobs",
		},
	)

	ForcedCancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trainagent_forced_cancellations_total",
			Help: "Total number of fit runs abandoned after the cancel grace period",
		},
	)

	CapacityRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trainagent_capacity_rejections_total",
			Help: "Total number of jobs rejected because the agent was at capacity",
		},
	)
)

// Reporting Metrics
var (
	MetricsReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainagent_metrics_reports_total",
			Help: "Total number of training metrics reports",
		},
		[]string{"result"}, // sent, dropped
	)

	LogLinesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainagent_log_lines_flushed_total",
			Help: "Total number of job log lines flushed to the control plane",
		},
		[]string{"result"}, // sent, dropped
	)

	StatusReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainagent_status_reports_total",
			Help: "Total number of job status reports",
		},
		[]string{"status", "result"},
	)
)

// Results used as label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSent    = "sent"
	ResultDropped = "dropped"
)
