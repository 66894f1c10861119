// Package runlog records every executor handler invocation in the
// executor_job_runs table.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"certification-pipeline/internal/models"
	"certification-pipeline/internal/worker"
)

// Entry is one recorded run.
type Entry struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	JobType    string     `json:"job_type"`
	WorkerID   string     `json:"worker_id"`
	Attempt    int        `json:"attempt"`
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// Recorder is a worker.Observer backed by database/sql. Write failures are
// logged and never surface to the executor.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]int64
}

var _ worker.Observer = (*Recorder)(nil)

func NewRecorder(db *sql.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger.With("component", "runlog"), open: map[string]int64{}}
}

func (r *Recorder) JobStarted(ctx context.Context, job models.Job, workerID string, at time.Time) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO executor_job_runs (job_id, job_type, worker_id, attempt, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, job.ID, job.Type, workerID, job.Attempts, at).Scan(&id)
	if err != nil {
		r.logger.Warn("record run start failed", "job_id", job.ID, "error", err)
		return
	}
	r.mu.Lock()
	r.open[job.ID] = id
	r.mu.Unlock()
}

func (r *Recorder) JobFinished(ctx context.Context, job models.Job, _ string, run worker.Run) {
	r.mu.Lock()
	id, ok := r.open[job.ID]
	delete(r.open, job.ID)
	r.mu.Unlock()
	if !ok {
		return
	}

	var errText any
	if run.Error != "" {
		errText = run.Error
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE executor_job_runs SET outcome = $2, error = $3, finished_at = $4, duration_ms = $5
		WHERE id = $1
	`, id, run.Outcome, errText, run.FinishedAt, run.FinishedAt.Sub(run.StartedAt).Milliseconds())
	if err != nil {
		r.logger.Warn("record run finish failed", "job_id", job.ID, "error", err)
	}
}

// ListRuns returns the runs of a job, oldest first.
func (r *Recorder) ListRuns(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, job_type, worker_id, attempt, outcome, error, started_at, finished_at, duration_ms
		FROM executor_job_runs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var outcome, errText sql.NullString
		var finished sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &e.WorkerID, &e.Attempt, &outcome, &errText,
			&e.StartedAt, &finished, &duration); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.Outcome = outcome.String
		e.Error = errText.String
		e.DurationMS = duration.Int64
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
