package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/queue"
)

var _ queue.Queue = (*Store)(nil)

const jobColumns = `id, client_id, job_type, priority, correlation_id, payload, status, attempts,
	lease_owner, lease_expires_at, next_run_at, error_message, created_at, updated_at`

// claimSQL selects one due job, or one whose lease has lapsed, and leases it
// in a single statement. SKIP LOCKED lets concurrent workers move past rows
// another transaction is claiming instead of blocking on them.
const claimSQL = `
WITH candidate AS (
    SELECT id FROM jobs_queue
    WHERE (status = 'queued' AND next_run_at <= NOW())
       OR (status = 'processing' AND lease_expires_at < NOW())
    ORDER BY priority DESC, next_run_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs_queue
SET
    status           = 'processing',
    attempts         = jobs_queue.attempts + 1,
    lease_owner      = $1,
    lease_expires_at = NOW() + ($2 * interval '1 millisecond'),
    updated_at       = NOW()
FROM candidate
WHERE jobs_queue.id = candidate.id
RETURNING
    jobs_queue.id, jobs_queue.client_id, jobs_queue.job_type, jobs_queue.priority,
    jobs_queue.correlation_id, jobs_queue.payload, jobs_queue.status, jobs_queue.attempts,
    jobs_queue.lease_owner, jobs_queue.lease_expires_at, jobs_queue.next_run_at,
    jobs_queue.error_message, jobs_queue.created_at, jobs_queue.updated_at`

// Enqueue inserts a queued job. It never deduplicates.
func (s *Store) Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, error) {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs_queue (id, client_id, job_type, priority, correlation_id, payload, status, attempts, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		RETURNING `+jobColumns,
		uuid.New().String(), p.ClientID, p.JobType, p.Priority, emptyToNil(p.CorrelationID), payloadJSON, string(models.JobQueued), runAt.UTC())
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNext leases one job for workerID. It returns nil, nil when idle.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, claimSQL, workerID, lease.Milliseconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Complete moves a leased job to done or dead and clears the lease.
func (s *Store) Complete(ctx context.Context, jobID, workerID string, status models.JobStatus, errMsg string) error {
	if status != models.JobDone && status != models.JobDead {
		return fmt.Errorf("complete: invalid terminal status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs_queue
		SET status = $3, error_message = $4, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND status = 'processing'
	`, jobID, workerID, string(status), emptyToNil(errMsg))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotOwned
	}
	return nil
}

// Retry returns a leased job to the queue after delay.
func (s *Store) Retry(ctx context.Context, jobID, workerID string, delay time.Duration, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs_queue
		SET status = 'queued',
		    next_run_at = NOW() + ($3 * interval '1 millisecond'),
		    error_message = $4,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND status = 'processing'
	`, jobID, workerID, delay.Milliseconds(), emptyToNil(errMsg))
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotOwned
	}
	return nil
}

// ExtendLease moves the lease expiry of a job workerID still holds.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs_queue
		SET lease_expires_at = NOW() + ($3 * interval '1 millisecond'), updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2 AND status = 'processing'
	`, jobID, workerID, lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotOwned
	}
	return nil
}

// Counts returns the number of jobs per status.
func (s *Store) Counts(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int64, len(models.JobStatuses))
	for _, st := range models.JobStatuses {
		out[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// scanJob populates a Job from jobColumns; the order must match.
func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		status      string
		correlation pgtype.Text
		payloadJSON []byte
		leaseOwner  pgtype.Text
		leaseExp    pgtype.Timestamptz
		errMsg      pgtype.Text
	)
	if err := row.Scan(
		&job.ID,
		&job.ClientID,
		&job.JobType,
		&job.Priority,
		&correlation,
		&payloadJSON,
		&status,
		&job.Attempts,
		&leaseOwner,
		&leaseExp,
		&job.NextRunAt,
		&errMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.Job{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.Status = models.JobStatus(status)
	job.CorrelationID = textVal(correlation)
	job.LeaseOwner = textPtr(leaseOwner)
	job.LeaseExpiresAt = timePtr(leaseExp)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}
