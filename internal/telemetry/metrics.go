package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsAppended   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_events_appended_total", Help: "Events accepted into document logs"}, []string{"kind"})
	AppendsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_appends_rejected_total", Help: "Event appends rejected by the authority"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "certify_rate_limit_rejects_total", Help: "Protection requests rejected by rate limiter"})

	JobsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_jobs_enqueued_total", Help: "Jobs enqueued by reconciliation"}, []string{"type"})
	JobsDeduped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_jobs_deduped_total", Help: "Enqueues that matched an active job"}, []string{"type"})
	JobsClaimed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_jobs_claimed_total", Help: "Jobs claimed by executors"}, []string{"type"})
	JobsSucceeded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_jobs_retried_total", Help: "Jobs scheduled for retry"}, []string{"type"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_jobs_failed_total", Help: "Jobs failed after exhausting attempts"}, []string{"type"})
	JobsDead      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_jobs_dead_total", Help: "Jobs dead-lettered"}, []string{"type"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "certify_jobs_reclaimed_total", Help: "Running jobs reclaimed after their lock went stale"})
	JobDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "certify_job_duration_seconds",
		Help:    "Handler run time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"type", "outcome"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "certify_jobs_ready", Help: "Runnable jobs waiting for an executor"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "certify_jobs_inflight", Help: "Jobs currently running"})

	AnchorsSubmitted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_anchors_submitted_total", Help: "Anchors accepted by a notary endpoint"}, []string{"network"})
	AnchorsConfirmed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_anchors_confirmed_total", Help: "Anchors confirmed on chain"}, []string{"network"})
	AnchorsFailed          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_anchors_failed_total", Help: "Anchors that failed"}, []string{"network", "reason"})
	AnchorsCancelled       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_anchors_cancelled_total", Help: "Anchors cancelled by opt-out"}, []string{"network"})
	AnchorTimeoutWarnings  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_anchor_timeout_warnings_total", Help: "Anchors past their alert threshold"}, []string{"network"})
	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "certify_notifications_total", Help: "Post-commit notifications by result"}, []string{"kind", "result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsAppended,
			AppendsRejected,
			RateLimitRejects,
			JobsEnqueued,
			JobsDeduped,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsDead,
			JobsReclaimed,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
			AnchorsSubmitted,
			AnchorsConfirmed,
			AnchorsFailed,
			AnchorsCancelled,
			AnchorTimeoutWarnings,
			NotificationsDelivered,
		)
	})
	return promhttp.Handler()
}
