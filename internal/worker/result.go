package worker

import (
	"context"
	"time"

	"certification-pipeline/internal/models"
)

// Outcome is the variant of a handler Result.
type Outcome int

const (
	outcomeUnset Outcome = iota
	OutcomeSucceeded
	OutcomeRetry
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	}
	return "unset"
}

// FailureKind separates failures worth retrying from those that never will succeed.
type FailureKind string

const (
	FailureRetryable FailureKind = "retryable"
	FailureFatal     FailureKind = "fatal"
)

// Result is what a handler reports back to the executor.
type Result struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Err        error
	Kind       FailureKind
}

// Succeeded reports the job's work is done.
func Succeeded() Result { return Result{Outcome: OutcomeSucceeded} }

// Retry asks for the job to run again after the given delay. A zero delay
// falls back to exponential backoff.
func Retry(after time.Duration, err error) Result {
	return Result{Outcome: OutcomeRetry, RetryAfter: after, Err: err}
}

// Failed reports the job could not complete.
func Failed(err error, kind FailureKind) Result {
	if kind == "" {
		kind = FailureRetryable
	}
	return Result{Outcome: OutcomeFailed, Err: err, Kind: kind}
}

func (r Result) errString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Handler executes one job type.
type Handler interface {
	Handle(ctx context.Context, job models.Job) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job models.Job) Result

func (f HandlerFunc) Handle(ctx context.Context, job models.Job) Result { return f(ctx, job) }

// Registry maps every job type to its handler.
type Registry struct {
	handlers map[models.JobType]Handler
}

// NewRegistry takes one handler per job type, so a registry can never be
// missing a variant.
func NewRegistry(runTSA, buildArtifact, submitPolygon, submitBitcoin Handler) Registry {
	return Registry{handlers: map[models.JobType]Handler{
		models.JobRunTSA:              runTSA,
		models.JobBuildArtifact:       buildArtifact,
		models.JobSubmitAnchorPolygon: submitPolygon,
		models.JobSubmitAnchorBitcoin: submitBitcoin,
	}}
}

// Lookup resolves a persisted job type string to its handler.
func (r Registry) Lookup(jobType string) (Handler, bool) {
	t, ok := models.ParseJobType(jobType)
	if !ok {
		return nil, false
	}
	h, ok := r.handlers[t]
	return h, ok && h != nil
}

// RetryDelay is the linear per-type delay handlers use for transient
// provider errors: 30s per attempt for TSA, 60s for everything else,
// capped at ten minutes.
func RetryDelay(jobType string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := 60 * time.Second
	if jobType == string(models.JobRunTSA) {
		base = 30 * time.Second
	}
	d := base * time.Duration(attempt)
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}
