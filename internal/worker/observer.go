package worker

import (
	"context"
	"time"

	"certification-pipeline/internal/models"
	"certification-pipeline/internal/telemetry"
)

// Run describes one finished handler invocation.
type Run struct {
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Observer is told about every handler invocation. It is informational:
// nothing it does changes the job's outcome.
type Observer interface {
	JobStarted(ctx context.Context, job models.Job, workerID string, at time.Time)
	JobFinished(ctx context.Context, job models.Job, workerID string, run Run)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) JobStarted(ctx context.Context, job models.Job, workerID string, at time.Time) {
	for _, obs := range o {
		obs.JobStarted(ctx, job, workerID, at)
	}
}

func (o Observers) JobFinished(ctx context.Context, job models.Job, workerID string, run Run) {
	for _, obs := range o {
		obs.JobFinished(ctx, job, workerID, run)
	}
}

// MetricsObserver records run metrics.
type MetricsObserver struct{}

func (MetricsObserver) JobStarted(_ context.Context, _ models.Job, _ string, _ time.Time) {
	telemetry.InFlightGauge.Inc()
}

func (MetricsObserver) JobFinished(_ context.Context, job models.Job, _ string, run Run) {
	telemetry.InFlightGauge.Dec()
	telemetry.JobDuration.WithLabelValues(job.Type, run.Outcome).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
}
