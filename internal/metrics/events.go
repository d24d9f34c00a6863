// Package metrics exports prometheus series derived from runner events and
// periodic queries against the job tables.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/graphile/worker-sub000/internal/events"
)

const namespace = "graphile_worker"

// EventMetrics counts job outcomes and pool incidents seen on an event bus.
type EventMetrics struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	workerErrors  *prometheus.CounterVec
	shutdowns     *prometheus.CounterVec
	resetLocked   *prometheus.CounterVec
	listenErrors  prometheus.Counter
	cronJobs      *prometheus.CounterVec
	activeJobs    prometheus.Gauge
}

// NewEventMetrics registers the event-derived series on reg. A nil reg uses
// the default registerer.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &EventMetrics{
		jobsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs handed to a task handler.",
		}, []string{"task"}),
		jobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Job executions by outcome (success or error).",
		}, []string{"task", "outcome"}),
		jobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_permanently_failed_total",
			Help:      "Jobs that failed on their final attempt.",
		}, []string{"task"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Task handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task", "outcome"}),
		workerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_errors_total",
			Help:      "Worker fetch errors and fatal errors.",
		}, []string{"kind"}),
		shutdowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_shutdowns_total",
			Help:      "Pool shutdowns by kind.",
		}, []string{"kind"}),
		resetLocked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_locked_runs_total",
			Help:      "Stale lock sweeps by result.",
		}, []string{"result"}),
		listenErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listen_errors_total",
			Help:      "Notification listener connection failures.",
		}),
		cronJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_jobs_scheduled_total",
			Help:      "Jobs enqueued by the cron scheduler.",
		}, []string{"backfilled"}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently executing in this process.",
		}),
	}
}

// Observe subscribes m to bus and returns the unsubscribe function.
func (m *EventMetrics) Observe(bus *events.Bus) func() {
	return bus.OnAny(m.record)
}

func (m *EventMetrics) record(ev events.Event) {
	switch ev.Type {
	case events.JobStart:
		m.jobsStarted.WithLabelValues(ev.Task).Inc()
		m.activeJobs.Inc()
	case events.JobSuccess:
		m.jobsCompleted.WithLabelValues(ev.Task, "success").Inc()
		m.jobDuration.WithLabelValues(ev.Task, "success").Observe(ev.Duration.Seconds())
	case events.JobError:
		m.jobsCompleted.WithLabelValues(ev.Task, "error").Inc()
		m.jobDuration.WithLabelValues(ev.Task, "error").Observe(ev.Duration.Seconds())
	case events.JobFailed:
		m.jobsFailed.WithLabelValues(ev.Task).Inc()
	case events.JobComplete:
		m.activeJobs.Dec()
	case events.WorkerGetJobError:
		m.workerErrors.WithLabelValues("get_job").Inc()
	case events.WorkerFatalError:
		m.workerErrors.WithLabelValues("fatal").Inc()
	case events.PoolGracefulShutdown:
		m.shutdowns.WithLabelValues("graceful").Inc()
	case events.PoolForcefulShutdown:
		m.shutdowns.WithLabelValues("forceful").Inc()
	case events.PoolFatalError:
		m.shutdowns.WithLabelValues("fatal").Inc()
	case events.ResetLockedSuccess:
		m.resetLocked.WithLabelValues("success").Inc()
	case events.ResetLockedFailure:
		m.resetLocked.WithLabelValues("failure").Inc()
	case events.PoolListenError:
		m.listenErrors.Inc()
	case events.CronScheduled:
		m.cronJobs.WithLabelValues("false").Add(float64(ev.Count))
	case events.CronBackfill:
		m.cronJobs.WithLabelValues("true").Add(float64(ev.Count))
	}
}
