package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"certification-pipeline/internal/models"
)

const jobColumns = `id::text, type, document_id::text, payload, status, attempts, max_attempts, run_at, dedupe_key, locked_by, locked_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var docID, dedupe, lockedBy, lastErr pgtype.Text
	var lockedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &docID, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.RunAt,
		&dedupe, &lockedBy, &lockedAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job: %w", ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.DocumentID = textValue(docID)
	job.DedupeKey = textValue(dedupe)
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	if lockedAt.Valid {
		t := lockedAt.Time
		job.LockedAt = &t
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// EnqueueJob inserts a job unless another active job already holds its
// dedupe key, in which case the existing job is returned with existed=true.
func (s *Store) EnqueueJob(ctx context.Context, p models.NewJob) (job models.Job, existed bool, err error) {
	if p.DedupeKey == "" {
		return models.Job{}, false, ErrDedupeKeyRequired
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 10
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// The active job may finish between the conflict and the lookup; one
	// more insert attempt covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		job, err = scanJob(s.pool.QueryRow(ctx, `
			INSERT INTO jobs (id, type, document_id, payload, status, attempts, max_attempts, run_at, dedupe_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, NOW(), NOW())
			ON CONFLICT (dedupe_key) WHERE status IN ('queued', 'running', 'retry_scheduled') DO NOTHING
			RETURNING `+jobColumns,
			uuid.New().String(), string(p.Type), emptyToNil(p.DocumentID), payloadJSON, models.JobQueued, p.MaxAttempts, p.RunAt, p.DedupeKey))
		if err == nil {
			return job, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		job, err = scanJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE dedupe_key = $1 AND status IN ('queued', 'running', 'retry_scheduled')
		`, p.DedupeKey))
		if err == nil {
			return job, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.Job{}, false, err
		}
	}
	return models.Job{}, false, fmt.Errorf("enqueue %s: dedupe key kept changing hands", p.DedupeKey)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// ListDocumentJobs returns every job ever enqueued for a document.
func (s *Store) ListDocumentJobs(ctx context.Context, documentID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE document_id = $1 ORDER BY created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query document jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeadJobs lists the most recent dead jobs for operator inspection.
func (s *Store) DeadJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.JobDead, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimJobs atomically leases up to limit runnable jobs for workerID.
// Concurrent claimers never receive the same job.
func (s *Store) ClaimJobs(ctx context.Context, limit int, workerID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, locked_by = $2, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN ('queued', 'retry_scheduled') AND run_at <= NOW()
			ORDER BY run_at, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	return jobs, nil
}

// transitionJob runs a guarded status update and writes the audit row in the
// same transaction. A job that is not in a source state is left alone and
// gets no audit row.
func (s *Store) transitionJob(ctx context.Context, id, event, detail, query string, args ...any) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, append([]any{id}, args...)...)
		if err != nil {
			return fmt.Errorf("mark %s: %w", event, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return appendAudit(ctx, tx, SubjectJob, id, event, detail)
	})
}

// MarkSucceeded transitions a running job to succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	return s.transitionJob(ctx, id, "succeeded", "", `
		UPDATE jobs SET status = $2, locked_by = NULL, locked_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, models.JobSucceeded)
}

// ScheduleRetry releases a running job to run again at runAt.
func (s *Store) ScheduleRetry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.transitionJob(ctx, id, "retry_scheduled",
		fmt.Sprintf("run_at=%s error=%s", runAt.UTC().Format(time.RFC3339), lastErr), `
		UPDATE jobs SET status = $2, run_at = $3, last_error = $4, locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, models.JobRetryScheduled, runAt, lastErr)
}

// MarkFailed ends a job as failed, or dead when it can never succeed.
// Jobs that never reached running (dead on arrival) are accepted too.
func (s *Store) MarkFailed(ctx context.Context, id string, lastErr string, dead bool) error {
	status := models.JobFailed
	if dead {
		status = models.JobDead
	}
	return s.transitionJob(ctx, id, string(status), lastErr, `
		UPDATE jobs SET status = $2, last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running', 'retry_scheduled')
	`, status, lastErr)
}

// Heartbeat refreshes the lock of a job still owned by workerID.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_at = NOW() WHERE id = $1 AND locked_by = $2 AND status = 'running'
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale returns running jobs whose lock went quiet for longer than
// ttl to the retry queue. It reports how many were reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, run_at = NOW(), locked_by = NULL, locked_at = NULL,
		    last_error = 'lock expired', updated_at = NOW()
		WHERE status = 'running' AND locked_at < $2
	`, models.JobRetryScheduled, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReadyDepth counts jobs that could be claimed now.
func (s *Store) ReadyDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN ('queued', 'retry_scheduled') AND run_at <= NOW()
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}
