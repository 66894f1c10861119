package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"certification-pipeline/internal/config"
	"certification-pipeline/internal/telemetry"
)

// StaleReclaimer is implemented by stores that can recover jobs whose
// worker disappeared mid-run.
type StaleReclaimer interface {
	ReclaimStale(ctx context.Context, ttl time.Duration) (int64, error)
}

// DepthReporter exposes the number of runnable jobs for the queue gauge.
type DepthReporter interface {
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	store    JobStore
	registry Registry
	observer Observer
	workerID string
	logger   *slog.Logger
}

// NewProcessor creates a processor with a specific worker ID for tracking.
func NewProcessor(cfg config.Config, st JobStore, registry Registry, workerID string, observer Observer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		store:    st,
		registry: registry,
		observer: observer,
		workerID: workerID,
		logger:   logger.With("component", "executor", "worker_id", workerID),
	}
}

func (p *Processor) options() Options {
	return Options{
		WorkerID:          p.workerID,
		Limit:             p.cfg.WorkerBatchSize,
		MaxAttempts:       p.cfg.MaxAttempts,
		BackoffInitial:    p.cfg.BackoffInitial,
		BackoffMax:        p.cfg.BackoffMax,
		PanicRetryDelay:   p.cfg.PanicRetryDelay,
		HeartbeatInterval: p.cfg.HeartbeatInterval,
		Observer:          p.observer,
		Logger:            p.logger,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	opts := p.options()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		sum, err := RunOnce(ctx, p.store, p.registry, opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("executor pass failed", "error", err)
		}
		if sum.Claimed > 0 {
			p.logger.Debug("executor pass", "claimed", sum.Claimed, "succeeded", sum.Succeeded,
				"retried", sum.Retried, "failed", sum.Failed, "dead", sum.Dead)
		}
		// A full batch means more work is probably waiting.
		if err == nil && sum.Claimed >= opts.Limit && opts.Limit > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) housekeeping(ctx context.Context) {
	if r, ok := p.store.(StaleReclaimer); ok && p.cfg.LockTTL > 0 {
		n, err := r.ReclaimStale(ctx, p.cfg.LockTTL)
		if err != nil {
			p.logger.Warn("reclaim stale jobs failed", "error", err)
		} else if n > 0 {
			telemetry.JobsReclaimed.Add(float64(n))
			p.logger.Info("reclaimed stale jobs", "count", n)
		}
	}
	if d, ok := p.store.(DepthReporter); ok {
		if depth, err := d.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
