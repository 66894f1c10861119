package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certification-pipeline/internal/models"
)

type memStore struct {
	mu         sync.Mutex
	now        time.Time
	jobs       map[string]*models.Job
	heartbeats int32
}

func newMemStore(now time.Time, jobs ...models.Job) *memStore {
	s := &memStore{now: now, jobs: map[string]*models.Job{}}
	for i := range jobs {
		j := jobs[i]
		if j.Status == "" {
			j.Status = models.JobQueued
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		s.jobs[j.ID] = &j
	}
	return s
}

func (s *memStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *memStore) ClaimJobs(_ context.Context, limit int, workerID string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []models.Job
	for _, id := range ids {
		j := s.jobs[id]
		if len(out) >= limit {
			break
		}
		if (j.Status == models.JobQueued || j.Status == models.JobRetryScheduled) && !j.RunAt.After(s.now) {
			j.Status = models.JobRunning
			j.Attempts++
			w := workerID
			j.LockedBy = &w
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) MarkSucceeded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = models.JobSucceeded
	return nil
}

func (s *memStore) ScheduleRetry(_ context.Context, id string, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobRetryScheduled
	j.RunAt = runAt
	j.LastError = &lastErr
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id string, lastErr string, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobFailed
	if dead {
		j.Status = models.JobDead
	}
	j.LastError = &lastErr
	return nil
}

func (s *memStore) Heartbeat(_ context.Context, _, _ string) error {
	atomic.AddInt32(&s.heartbeats, 1)
	return nil
}

func (s *memStore) get(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []Run
}

func (o *recordingObserver) JobStarted(_ context.Context, job models.Job, _ string, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, job.ID)
}

func (o *recordingObserver) JobFinished(_ context.Context, _ models.Job, _ string, run Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, run)
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func registryWith(t models.JobType, h Handler) Registry {
	noop := HandlerFunc(func(context.Context, models.Job) Result { return Succeeded() })
	handlers := map[models.JobType]Handler{
		models.JobRunTSA:              noop,
		models.JobBuildArtifact:       noop,
		models.JobSubmitAnchorPolygon: noop,
		models.JobSubmitAnchorBitcoin: noop,
	}
	handlers[t] = h
	return NewRegistry(handlers[models.JobRunTSA], handlers[models.JobBuildArtifact],
		handlers[models.JobSubmitAnchorPolygon], handlers[models.JobSubmitAnchorBitcoin])
}

func optsFor(s *memStore) Options {
	return Options{WorkerID: "w-1", Limit: 10, Now: s.clock}
}

func TestRunOnce_MissingDedupeKeyIsDead(t *testing.T) {
	var calls int32
	h := HandlerFunc(func(context.Context, models.Job) Result {
		atomic.AddInt32(&calls, 1)
		return Succeeded()
	})
	s := newMemStore(start, models.Job{ID: "j1", Type: string(models.JobRunTSA)})

	sum, err := RunOnce(context.Background(), s, registryWith(models.JobRunTSA, h), optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dead)
	assert.Equal(t, models.JobDead, s.get("j1").Status)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRunOnce_UnknownTypeIsDead(t *testing.T) {
	s := newMemStore(start, models.Job{ID: "j1", Type: "resize_image", DedupeKey: "k"})
	sum, err := RunOnce(context.Background(), s, registryWith(models.JobRunTSA, nil), optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dead)
	assert.Equal(t, models.JobDead, s.get("j1").Status)
}

func TestRunOnce_RetryThenSucceed(t *testing.T) {
	var calls int32
	h := HandlerFunc(func(context.Context, models.Job) Result {
		if atomic.AddInt32(&calls, 1) == 1 {
			return Retry(time.Second, errors.New("tsa unavailable"))
		}
		return Succeeded()
	})
	s := newMemStore(start, models.Job{ID: "j1", Type: string(models.JobRunTSA), DedupeKey: "doc:run_tsa:w"})
	reg := registryWith(models.JobRunTSA, h)

	sum, err := RunOnce(context.Background(), s, reg, optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	job := s.get("j1")
	assert.Equal(t, models.JobRetryScheduled, job.Status)
	assert.Equal(t, start.Add(time.Second), job.RunAt)

	// Not yet due.
	sum, err = RunOnce(context.Background(), s, reg, optsFor(s))
	require.NoError(t, err)
	assert.Zero(t, sum.Claimed)

	s.advance(time.Second)
	sum, err = RunOnce(context.Background(), s, reg, optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	job = s.get("j1")
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestRunOnce_PanicSchedulesFixedRetry(t *testing.T) {
	h := HandlerFunc(func(context.Context, models.Job) Result { panic("boom") })
	s := newMemStore(start, models.Job{ID: "j1", Type: string(models.JobBuildArtifact), DedupeKey: "k"})

	sum, err := RunOnce(context.Background(), s, registryWith(models.JobBuildArtifact, h), optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	job := s.get("j1")
	assert.Equal(t, models.JobRetryScheduled, job.Status)
	assert.Equal(t, start.Add(30*time.Second), job.RunAt)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "boom")
}

func TestRunOnce_FailureKinds(t *testing.T) {
	fatal := HandlerFunc(func(context.Context, models.Job) Result {
		return Failed(errors.New("witness hash missing"), FailureFatal)
	})
	s := newMemStore(start, models.Job{ID: "j1", Type: string(models.JobRunTSA), DedupeKey: "k"})
	_, err := RunOnce(context.Background(), s, registryWith(models.JobRunTSA, fatal), optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, models.JobDead, s.get("j1").Status)

	retryable := HandlerFunc(func(context.Context, models.Job) Result {
		return Failed(errors.New("provider 503"), FailureRetryable)
	})
	s = newMemStore(start, models.Job{ID: "j2", Type: string(models.JobRunTSA), DedupeKey: "k", MaxAttempts: 2})
	reg := registryWith(models.JobRunTSA, retryable)

	_, err = RunOnce(context.Background(), s, reg, optsFor(s))
	require.NoError(t, err)
	job := s.get("j2")
	assert.Equal(t, models.JobRetryScheduled, job.Status)
	assert.True(t, job.RunAt.After(start))

	s.advance(time.Hour)
	sum, err := RunOnce(context.Background(), s, reg, optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, models.JobFailed, s.get("j2").Status)
}

func TestRunOnce_RetryPastMaxAttemptsIsDead(t *testing.T) {
	h := HandlerFunc(func(context.Context, models.Job) Result { return Retry(time.Minute, errors.New("pending")) })
	s := newMemStore(start, models.Job{ID: "j1", Type: string(models.JobRunTSA), DedupeKey: "k", MaxAttempts: 1})
	sum, err := RunOnce(context.Background(), s, registryWith(models.JobRunTSA, h), optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dead)
	assert.Contains(t, *s.get("j1").LastError, "max attempts exceeded")
}

func TestRunOnce_EmptyResultIsRetried(t *testing.T) {
	h := HandlerFunc(func(context.Context, models.Job) Result { return Result{} })
	s := newMemStore(start, models.Job{ID: "j1", Type: string(models.JobRunTSA), DedupeKey: "k"})
	_, err := RunOnce(context.Background(), s, registryWith(models.JobRunTSA, h), optsFor(s))
	require.NoError(t, err)
	assert.Equal(t, models.JobRetryScheduled, s.get("j1").Status)
}

func TestRunOnce_ObserverAndHeartbeat(t *testing.T) {
	h := HandlerFunc(func(context.Context, models.Job) Result {
		time.Sleep(40 * time.Millisecond)
		return Succeeded()
	})
	s := newMemStore(start, models.Job{ID: "j1", Type: string(models.JobSubmitAnchorPolygon), DedupeKey: "k"})
	obs := &recordingObserver{}
	opts := optsFor(s)
	opts.Observer = obs
	opts.HeartbeatInterval = 5 * time.Millisecond

	_, err := RunOnce(context.Background(), s, registryWith(models.JobSubmitAnchorPolygon, h), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, obs.started)
	require.Len(t, obs.finished, 1)
	assert.Equal(t, "succeeded", obs.finished[0].Outcome)
	assert.Positive(t, atomic.LoadInt32(&s.heartbeats))
}

func TestRegistryLookup(t *testing.T) {
	reg := registryWith(models.JobRunTSA, HandlerFunc(func(context.Context, models.Job) Result { return Succeeded() }))
	_, ok := reg.Lookup("run_tsa")
	assert.True(t, ok)
	_, ok = reg.Lookup("image:resize")
	assert.False(t, ok)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, RetryDelay("run_tsa", 1))
	assert.Equal(t, 90*time.Second, RetryDelay("run_tsa", 3))
	assert.Equal(t, 2*time.Minute, RetryDelay("submit_anchor_bitcoin", 2))
	assert.Equal(t, 10*time.Minute, RetryDelay("build_artifact", 50))
	assert.Equal(t, 60*time.Second, RetryDelay("build_artifact", 0))
}
