package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"certification-pipeline/internal/config"
	"certification-pipeline/internal/models"
	"certification-pipeline/internal/store"
)

// RedisJobStore keeps executor jobs in Redis: one hash per job, a ready
// sorted set scored by run_at, an in-flight set scored by lock time, and a
// dedupe pointer per active dedupe key.
type RedisJobStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisJobStore builds a job store client from config.
func NewRedisJobStore(cfg config.Config) *RedisJobStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return newRedisJobStore(client, cfg.RedisPrefix)
}

func newRedisJobStore(client *redis.Client, prefix string) *RedisJobStore {
	if prefix == "" {
		prefix = "certify"
	}
	return &RedisJobStore{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisJobStore) Close() error { return q.client.Close() }

// Ping checks connectivity for health probes.
func (q *RedisJobStore) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

func (q *RedisJobStore) jobPrefix() string       { return q.prefix + ":job:" }
func (q *RedisJobStore) jobKey(id string) string { return q.jobPrefix() + id }
func (q *RedisJobStore) dedupePrefix() string    { return q.prefix + ":dedupe:" }
func (q *RedisJobStore) readyKey() string        { return q.prefix + ":jobs:ready" }
func (q *RedisJobStore) inflightKey() string     { return q.prefix + ":jobs:inflight" }
func (q *RedisJobStore) dlqKey() string          { return q.prefix + ":jobs:dlq" }
func (q *RedisJobStore) docKey(documentID string) string {
	return q.prefix + ":doc:" + documentID + ":jobs"
}

// EnqueueJob stores a job unless another active job already holds its
// dedupe key, in which case the existing job is returned with existed=true.
func (q *RedisJobStore) EnqueueJob(ctx context.Context, p models.NewJob) (models.Job, bool, error) {
	if p.DedupeKey == "" {
		return models.Job{}, false, store.ErrDedupeKeyRequired
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 10
	}
	now := q.now().UTC()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	runAt := ms(p.RunAt)
	args := []any{
		id, runAt, q.jobPrefix(),
		"id", id,
		"type", string(p.Type),
		"document_id", p.DocumentID,
		"payload", string(payloadJSON),
		"status", string(models.JobQueued),
		"attempts", 0,
		"max_attempts", p.MaxAttempts,
		"run_at", runAt,
		"dedupe_key", p.DedupeKey,
		"last_error", "",
		"created_at", ms(now),
		"updated_at", ms(now),
	}
	keys := []string{q.dedupePrefix() + p.DedupeKey, q.jobKey(id), q.readyKey(), q.docKey(p.DocumentID)}
	res, err := enqueueScript.Run(ctx, q.client, keys, args...).Slice()
	if err != nil {
		return models.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	if len(res) != 2 {
		return models.Job{}, false, fmt.Errorf("unexpected enqueue reply: %v", res)
	}
	created, _ := res[0].(int64)
	jobID, _ := res[1].(string)
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, created == 0, nil
}

// GetJob fetches a job by id.
func (q *RedisJobStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job: %w", store.ErrNotFound)
	}
	return decodeJob(fields)
}

func (q *RedisJobStore) getJobs(ctx context.Context, ids []string) ([]models.Job, error) {
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListDocumentJobs returns every job ever enqueued for a document.
func (q *RedisJobStore) ListDocumentJobs(ctx context.Context, documentID string) ([]models.Job, error) {
	ids, err := q.client.SMembers(ctx, q.docKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list document jobs: %w", err)
	}
	jobs, err := q.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// DeadJobs reads the most recently dead-lettered jobs.
func (q *RedisJobStore) DeadJobs(ctx context.Context, limit int) ([]models.Job, error) {
	ids, err := q.client.LRange(ctx, q.dlqKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	return q.getJobs(ctx, ids)
}

// ClaimJobs atomically leases up to limit due jobs for workerID.
func (q *RedisJobStore) ClaimJobs(ctx context.Context, limit int, workerID string) ([]models.Job, error) {
	now := ms(q.now())
	ids, err := claimScript.Run(ctx, q.client, []string{q.readyKey(), q.inflightKey()},
		now, limit, workerID, q.jobPrefix()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return q.getJobs(ctx, ids)
}

func (q *RedisJobStore) finish(ctx context.Context, id string, next models.JobStatus, runAt time.Time, lastErr string, fromAnyActive bool) (bool, error) {
	anyActive := "0"
	if fromAnyActive {
		anyActive = "1"
	}
	var runAtMS int64
	if !runAt.IsZero() {
		runAtMS = ms(runAt)
	}
	n, err := finishScript.Run(ctx, q.client, []string{q.jobKey(id), q.inflightKey(), q.readyKey()},
		id, string(next), ms(q.now()), runAtMS, lastErr, anyActive, q.dedupePrefix()).Int()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", next, err)
	}
	if n < 0 {
		return false, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return n == 1, nil
}

// MarkSucceeded transitions a running job to succeeded.
func (q *RedisJobStore) MarkSucceeded(ctx context.Context, id string) error {
	_, err := q.finish(ctx, id, models.JobSucceeded, time.Time{}, "", false)
	return err
}

// ScheduleRetry releases a running job to run again at runAt.
func (q *RedisJobStore) ScheduleRetry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	_, err := q.finish(ctx, id, models.JobRetryScheduled, runAt, lastErr, false)
	return err
}

// MarkFailed ends a job as failed, or dead when it can never succeed. Dead
// jobs are also pushed onto the dead-letter list for operators.
func (q *RedisJobStore) MarkFailed(ctx context.Context, id string, lastErr string, dead bool) error {
	status := models.JobFailed
	if dead {
		status = models.JobDead
	}
	applied, err := q.finish(ctx, id, status, time.Time{}, lastErr, true)
	if err != nil || !applied || !dead {
		return err
	}
	return q.client.LPush(ctx, q.dlqKey(), id).Err()
}

// Heartbeat refreshes the lock of a job still owned by workerID.
func (q *RedisJobStore) Heartbeat(ctx context.Context, id, workerID string) error {
	err := heartbeatScript.Run(ctx, q.client, []string{q.jobKey(id), q.inflightKey()}, id, workerID, ms(q.now())).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale returns running jobs whose lock went quiet for longer than
// ttl to the ready set. It reports how many were reclaimed.
func (q *RedisJobStore) ReclaimStale(ctx context.Context, ttl time.Duration) (int64, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ms(now.Add(-ttl)), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	var n int64
	for _, id := range ids {
		applied, err := q.finish(ctx, id, models.JobRetryScheduled, now, "lock expired", false)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, err
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// ReadyDepth counts jobs that could be claimed now.
func (q *RedisJobStore) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.ZCount(ctx, q.readyKey(), "-inf", strconv.FormatInt(ms(q.now()), 10)).Result()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func decodeJob(f map[string]string) (models.Job, error) {
	job := models.Job{
		ID:         f["id"],
		Type:       f["type"],
		DocumentID: f["document_id"],
		Status:     models.JobStatus(f["status"]),
		DedupeKey:  f["dedupe_key"],
	}
	var err error
	if job.Attempts, err = atoi(f["attempts"]); err != nil {
		return models.Job{}, fmt.Errorf("decode attempts: %w", err)
	}
	if job.MaxAttempts, err = atoi(f["max_attempts"]); err != nil {
		return models.Job{}, fmt.Errorf("decode max_attempts: %w", err)
	}
	job.RunAt = fromMS(f["run_at"])
	job.CreatedAt = fromMS(f["created_at"])
	job.UpdatedAt = fromMS(f["updated_at"])
	if v := f["locked_by"]; v != "" {
		job.LockedBy = &v
	}
	if v := f["locked_at"]; v != "" {
		t := fromMS(v)
		job.LockedAt = &t
	}
	if v := f["last_error"]; v != "" {
		job.LastError = &v
	}
	if v := f["payload"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return job, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func fromMS(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

// KEYS: dedupe pointer, job hash, ready set, document job set.
// ARGV: id, run_at, job key prefix, field/value pairs...
var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local st = redis.call('HGET', ARGV[3] .. existing, 'status')
  if st == 'queued' or st == 'running' or st == 'retry_scheduled' then
    return {0, existing}
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return {1, ARGV[1]}
`)

// KEYS: ready set, in-flight set. ARGV: now, limit, worker id, job key prefix.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  local job = ARGV[4] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HINCRBY', job, 'attempts', 1)
  redis.call('HSET', job, 'status', 'running', 'locked_by', ARGV[3], 'locked_at', ARGV[1], 'updated_at', ARGV[1])
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`)

// KEYS: job hash, in-flight set, ready set.
// ARGV: id, next status, now, run_at, last error, accept queued/retry_scheduled, dedupe prefix.
var finishScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'running' then
  if not (ARGV[6] == '1' and (status == 'queued' or status == 'retry_scheduled')) then
    return 0
  end
end
local id = ARGV[1]
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3], 'last_error', ARGV[5])
redis.call('HDEL', KEYS[1], 'locked_by', 'locked_at')
redis.call('ZREM', KEYS[2], id)
if ARGV[2] == 'retry_scheduled' then
  redis.call('HSET', KEYS[1], 'run_at', ARGV[4])
  redis.call('ZADD', KEYS[3], ARGV[4], id)
else
  redis.call('ZREM', KEYS[3], id)
  local dk = redis.call('HGET', KEYS[1], 'dedupe_key')
  if dk and dk ~= '' then
    local ptr = ARGV[7] .. dk
    if redis.call('GET', ptr) == id then
      redis.call('DEL', ptr)
    end
  end
end
return 1
`)

// KEYS: job hash, in-flight set. ARGV: id, worker id, now.
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then return 0 end
if redis.call('HGET', KEYS[1], 'locked_by') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'locked_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)
