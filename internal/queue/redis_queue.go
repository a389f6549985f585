package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lead-pipeline/internal/models"
)

var _ Queue = (*RedisQueue)(nil)

// Ready lists in claim order. Job priority maps onto a tier: positive is
// high, zero default, negative low. Order inside a tier is FIFO.
var tiers = []string{"high", "default", "low"}

// claimBatch bounds how many scheduled or expired entries one claim moves.
const claimBatch = 100

// RedisQueue keeps each job in a hash, due jobs in per-tier ready lists,
// delayed jobs in a scheduled sorted set (score = run at, ms) and leased
// jobs in an inflight sorted set (score = lease expiry, ms).
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisQueue builds a queue over client. All keys share prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "queue:"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *RedisQueue) readyKey(tier string) string { return q.prefix + "ready:" + tier }
func (q *RedisQueue) scheduledKey() string { return q.prefix + "scheduled" }
func (q *RedisQueue) inflightKey() string { return q.prefix + "inflight" }
func (q *RedisQueue) countsKey() string { return q.prefix + "counts" }
func (q *RedisQueue) dlqKey() string { return q.prefix + "dlq" }

func tierIndex(priority int) int {
	switch {
	case priority > 0:
		return 1
	case priority < 0:
		return 3
	default:
		return 2
	}
}

// Enqueue stores the job hash and makes it ready, or schedules it when RunAt
// is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	now := q.now()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	job := models.Job{
		ID:            uuid.New().String(),
		ClientID:      p.ClientID,
		JobType:       p.JobType,
		Priority:      p.Priority,
		CorrelationID: p.CorrelationID,
		Payload:       p.Payload,
		Status:        models.JobQueued,
		NextRunAt:     runAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tier := tierIndex(p.Priority)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"id":               job.ID,
		"client_id":        job.ClientID,
		"job_type":         job.JobType,
		"priority":         job.Priority,
		"tier":             tier,
		"correlation_id":   job.CorrelationID,
		"payload":          string(payloadJSON),
		"status":           string(models.JobQueued),
		"attempts":         0,
		"lease_owner":      "",
		"lease_expires_at": "",
		"next_run_at":      runAt.UnixMilli(),
		"error_message":    "",
		"created_at":       now.UnixMilli(),
		"updated_at":       now.UnixMilli(),
	})
	pipe.HIncrBy(ctx, q.countsKey(), string(models.JobQueued), 1)
	if runAt.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(tiers[tier-1]), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// ClaimNext promotes due scheduled jobs, requeues lapsed leases and leases
// the first ready job, all inside one script.
func (q *RedisQueue) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	now := q.now()
	keys := []string{q.scheduledKey(), q.inflightKey(), q.countsKey()}
	for _, t := range tiers {
		keys = append(keys, q.readyKey(t))
	}
	args := []any{
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
		workerID,
		q.prefix + "job:",
		claimBatch,
	}
	res, err := claimScript.Run(ctx, q.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	fields, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	job, err := jobFromHash(pairs(fields))
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete moves a leased job to done or dead. Dead jobs are also pushed on
// the dead-letter list.
func (q *RedisQueue) Complete(ctx context.Context, jobID, workerID string, status models.JobStatus, errMsg string) error {
	if status != models.JobDone && status != models.JobDead {
		return fmt.Errorf("complete: invalid terminal status %q", status)
	}
	keys := []string{q.jobKey(jobID), q.inflightKey(), q.countsKey(), q.dlqKey()}
	n, err := completeScript.Run(ctx, q.client, keys, jobID, workerID, string(status), errMsg, q.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n == 0 {
		return models.ErrJobNotOwned
	}
	return nil
}

// Retry releases the lease and schedules the job delay from now.
func (q *RedisQueue) Retry(ctx context.Context, jobID, workerID string, delay time.Duration, errMsg string) error {
	now := q.now()
	keys := []string{q.jobKey(jobID), q.inflightKey(), q.scheduledKey(), q.countsKey()}
	n, err := retryScript.Run(ctx, q.client, keys, jobID, workerID, now.Add(delay).UnixMilli(), errMsg, now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n == 0 {
		return models.ErrJobNotOwned
	}
	return nil
}

// ExtendLease pushes the lease deadline of an in-flight job to lease from now.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := q.now()
	keys := []string{q.jobKey(jobID), q.inflightKey()}
	n, err := extendScript.Run(ctx, q.client, keys, jobID, workerID, now.Add(lease).UnixMilli(), now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return models.ErrJobNotOwned
	}
	return nil
}

// Counts reads the per-status counters maintained by the scripts.
func (q *RedisQueue) Counts(ctx context.Context) (map[models.JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, q.countsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read job counts: %w", err)
	}
	out := make(map[models.JobStatus]int64, len(models.JobStatuses))
	for _, st := range models.JobStatuses {
		n, _ := strconv.ParseInt(raw[string(st)], 10, 64)
		out[st] = n
	}
	return out, nil
}

// GetJob reads a job hash.
func (q *RedisQueue) GetJob(ctx context.Context, id string) (models.Job, error) {
	raw, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("read job: %w", err)
	}
	if len(raw) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return jobFromHash(raw)
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(), 0, count-1).Result()
}

func pairs(flat []any) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		out[k] = v
	}
	return out
}

func jobFromHash(h map[string]string) (models.Job, error) {
	job := models.Job{
		ID:            h["id"],
		ClientID:      h["client_id"],
		JobType:       h["job_type"],
		CorrelationID: h["correlation_id"],
		Status:        models.JobStatus(h["status"]),
	}
	job.Priority, _ = strconv.Atoi(h["priority"])
	job.Attempts, _ = strconv.Atoi(h["attempts"])
	if p := h["payload"]; p != "" {
		if err := json.Unmarshal([]byte(p), &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if v := h["lease_owner"]; v != "" {
		job.LeaseOwner = &v
	}
	if t, ok := msTime(h["lease_expires_at"]); ok {
		job.LeaseExpiresAt = &t
	}
	if v := h["error_message"]; v != "" {
		job.ErrorMessage = &v
	}
	job.NextRunAt, _ = msTime(h["next_run_at"])
	job.CreatedAt, _ = msTime(h["created_at"])
	job.UpdatedAt, _ = msTime(h["updated_at"])
	return job, nil
}

func msTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// KEYS: scheduled, inflight, counts, ready lists in tier order.
// ARGV: now ms, lease expiry ms, worker id, job key prefix, batch size.
var claimScript = redis.NewScript(`
local scheduled = KEYS[1]
local inflight = KEYS[2]
local counts = KEYS[3]
local prefix = ARGV[4]
local batch = tonumber(ARGV[5])

local due = redis.call('ZRANGEBYSCORE', scheduled, '-inf', ARGV[1], 'LIMIT', 0, batch)
for _, id in ipairs(due) do
  redis.call('ZREM', scheduled, id)
  local tier = tonumber(redis.call('HGET', prefix .. id, 'tier')) or 2
  redis.call('RPUSH', KEYS[3 + tier], id)
end

local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', '(' .. ARGV[1], 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
  redis.call('ZREM', inflight, id)
  local tier = tonumber(redis.call('HGET', prefix .. id, 'tier')) or 2
  redis.call('HSET', prefix .. id, 'status', 'queued', 'lease_owner', '', 'lease_expires_at', '')
  redis.call('HINCRBY', counts, 'processing', -1)
  redis.call('HINCRBY', counts, 'queued', 1)
  redis.call('LPUSH', KEYS[3 + tier], id)
end

for i = 4, #KEYS do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    local key = prefix .. id
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'status', 'processing', 'lease_owner', ARGV[3], 'lease_expires_at', ARGV[2], 'updated_at', ARGV[1])
    redis.call('ZADD', inflight, ARGV[2], id)
    redis.call('HINCRBY', counts, 'queued', -1)
    redis.call('HINCRBY', counts, 'processing', 1)
    return redis.call('HGETALL', key)
  end
end
return nil
`)

// KEYS: job, inflight, counts, dlq. ARGV: id, worker, status, error, now ms.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' or redis.call('HGET', KEYS[1], 'lease_owner') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'error_message', ARGV[4], 'lease_owner', '', 'lease_expires_at', '', 'updated_at', ARGV[5])
redis.call('HINCRBY', KEYS[3], 'processing', -1)
redis.call('HINCRBY', KEYS[3], ARGV[3], 1)
if ARGV[3] == 'dead' then
  redis.call('RPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS: job, inflight, scheduled, counts. ARGV: id, worker, next run ms, error, now ms.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' or redis.call('HGET', KEYS[1], 'lease_owner') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'queued', 'next_run_at', ARGV[3], 'error_message', ARGV[4], 'lease_owner', '', 'lease_expires_at', '', 'updated_at', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HINCRBY', KEYS[4], 'processing', -1)
redis.call('HINCRBY', KEYS[4], 'queued', 1)
return 1
`)

// KEYS: job, inflight. ARGV: id, worker, lease expiry ms, now ms.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' or redis.call('HGET', KEYS[1], 'lease_owner') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[3], 'updated_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)
