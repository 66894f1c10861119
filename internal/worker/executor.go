package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"certification-pipeline/internal/models"
	"certification-pipeline/internal/telemetry"
)

// JobStore is the durable job queue the executor drives.
type JobStore interface {
	ClaimJobs(ctx context.Context, limit int, workerID string) ([]models.Job, error)
	MarkSucceeded(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, runAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, lastErr string, dead bool) error
}

// Heartbeater is implemented by stores that can refresh a job's lock while
// its handler is still running.
type Heartbeater interface {
	Heartbeat(ctx context.Context, id, workerID string) error
}

// Options tune a single RunOnce pass.
type Options struct {
	WorkerID          string
	Limit             int
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	PanicRetryDelay   time.Duration
	HeartbeatInterval time.Duration
	Observer          Observer
	Logger            *slog.Logger
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.PanicRetryDelay <= 0 {
		o.PanicRetryDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Summary counts what a RunOnce pass did.
type Summary struct {
	Claimed   int
	Succeeded int
	Retried   int
	Failed    int
	Dead      int
}

var tracer = otel.Tracer("certification-pipeline/worker")

// RunOnce claims up to opts.Limit runnable jobs and drives each to its next
// state. A store error on one job is logged and does not stop the others.
func RunOnce(ctx context.Context, store JobStore, registry Registry, opts Options) (Summary, error) {
	opts = opts.withDefaults()
	var sum Summary

	jobs, err := store.ClaimJobs(ctx, opts.Limit, opts.WorkerID)
	if err != nil {
		return sum, fmt.Errorf("claim jobs: %w", err)
	}
	sum.Claimed = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		telemetry.JobsClaimed.WithLabelValues(job.Type).Inc()
		status, err := processJob(ctx, store, registry, opts, job)
		if err != nil {
			opts.Logger.Error("job transition failed", "job_id", job.ID, "job_type", job.Type, "error", err)
		}
		switch status {
		case models.JobSucceeded:
			sum.Succeeded++
		case models.JobRetryScheduled:
			sum.Retried++
		case models.JobFailed:
			sum.Failed++
		case models.JobDead:
			sum.Dead++
		}
	}
	return sum, nil
}

func processJob(ctx context.Context, store JobStore, registry Registry, opts Options, job models.Job) (models.JobStatus, error) {
	logger := opts.Logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)

	if job.DedupeKey == "" {
		logger.Warn("job has no dedupe key; marking dead")
		return markDead(ctx, store, job, "missing dedupe key")
	}
	handler, ok := registry.Lookup(job.Type)
	if !ok {
		logger.Warn("no handler for job type; marking dead")
		return markDead(ctx, store, job, fmt.Sprintf("unknown job type %q", job.Type))
	}

	ctx, span := tracer.Start(ctx, "job "+job.Type)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.String("document.id", job.DocumentID),
		attribute.Int("job.attempt", job.Attempts),
	)
	defer span.End()

	started := opts.Now()
	if opts.Observer != nil {
		opts.Observer.JobStarted(ctx, job, opts.WorkerID, started)
	}
	stopHeartbeat := startHeartbeat(ctx, store, opts, job)
	res := invoke(ctx, handler, job)
	stopHeartbeat()

	if opts.Observer != nil {
		opts.Observer.JobFinished(ctx, job, opts.WorkerID, Run{
			Outcome:    res.Outcome.String(),
			Error:      res.errString(),
			StartedAt:  started,
			FinishedAt: opts.Now(),
		})
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	now := opts.Now()
	maxAttempts := opts.MaxAttempts
	if job.MaxAttempts > 0 && job.MaxAttempts < maxAttempts {
		maxAttempts = job.MaxAttempts
	}
	exhausted := job.Attempts >= maxAttempts

	switch res.Outcome {
	case OutcomeSucceeded:
		if err := store.MarkSucceeded(ctx, job.ID); err != nil {
			return models.JobRunning, err
		}
		telemetry.JobsSucceeded.WithLabelValues(job.Type).Inc()
		logger.Info("job succeeded")
		return models.JobSucceeded, nil

	case OutcomeRetry:
		if exhausted {
			return markDead(ctx, store, job, "max attempts exceeded: "+res.errString())
		}
		delay := res.RetryAfter
		if delay <= 0 {
			delay = backoffWithJitter(opts.BackoffInitial, opts.BackoffMax, job.Attempts)
		}
		return scheduleRetry(ctx, store, job, now.Add(delay), res.errString(), logger)

	case OutcomeFailed:
		if res.Kind == FailureFatal {
			return markDead(ctx, store, job, res.errString())
		}
		if exhausted {
			if err := store.MarkFailed(ctx, job.ID, res.errString(), false); err != nil {
				return models.JobRunning, err
			}
			telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
			logger.Warn("job failed after exhausting attempts", "error", res.Err)
			return models.JobFailed, nil
		}
		delay := backoffWithJitter(opts.BackoffInitial, opts.BackoffMax, job.Attempts)
		return scheduleRetry(ctx, store, job, now.Add(delay), res.errString(), logger)

	default:
		// Panics and malformed results land here.
		if exhausted {
			return markDead(ctx, store, job, "max attempts exceeded: "+res.errString())
		}
		return scheduleRetry(ctx, store, job, now.Add(opts.PanicRetryDelay), res.errString(), logger)
	}
}

// invoke runs the handler, turning a panic into an unset result carrying
// the panic value.
func invoke(ctx context.Context, h Handler, job models.Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	res = h.Handle(ctx, job)
	if res.Outcome == outcomeUnset && res.Err == nil {
		res.Err = errors.New("handler returned no outcome")
	}
	return res
}

func scheduleRetry(ctx context.Context, store JobStore, job models.Job, runAt time.Time, lastErr string, logger *slog.Logger) (models.JobStatus, error) {
	if err := store.ScheduleRetry(ctx, job.ID, runAt, lastErr); err != nil {
		return models.JobRunning, err
	}
	telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
	logger.Info("job retry scheduled", "run_at", runAt.UTC().Format(time.RFC3339), "error", lastErr)
	return models.JobRetryScheduled, nil
}

func markDead(ctx context.Context, store JobStore, job models.Job, reason string) (models.JobStatus, error) {
	if err := store.MarkFailed(ctx, job.ID, reason, true); err != nil {
		return models.JobRunning, err
	}
	telemetry.JobsDead.WithLabelValues(job.Type).Inc()
	return models.JobDead, nil
}

// startHeartbeat keeps the job's lock fresh while its handler runs.
func startHeartbeat(ctx context.Context, store JobStore, opts Options, job models.Job) func() {
	hb, ok := store.(Heartbeater)
	if !ok || opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := hb.Heartbeat(ctx, job.ID, opts.WorkerID); err != nil {
					opts.Logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
