package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
	scheduled_at, started_at, completed_at, error_message, dedupe_key, created_at`

func scanJob(row rowScanner) (Job, error) {
	var i Job
	err := row.Scan(
		&i.ID,
		&i.JobType,
		&i.Payload,
		&i.Status,
		&i.Priority,
		&i.Attempts,
		&i.MaxAttempts,
		&i.ScheduledAt,
		&i.StartedAt,
		&i.CompletedAt,
		&i.ErrorMessage,
		&i.DedupeKey,
		&i.CreatedAt,
	)
	return i, err
}

const enqueueJob = `-- name: EnqueueJob :one
INSERT INTO jobs (job_type, payload, priority, max_attempts, scheduled_at, dedupe_key)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (dedupe_key) WHERE status IN ('pending', 'running')
DO UPDATE SET dedupe_key = EXCLUDED.dedupe_key
RETURNING ` + jobColumns + `
`

type EnqueueJobParams struct {
	JobType     string
	Payload     json.RawMessage
	Priority    int32
	MaxAttempts int32
	ScheduledAt time.Time
	DedupeKey   sql.NullString
}

// EnqueueJob inserts a job. A pending or running job with the same dedupe
// key is returned unchanged instead of being queued twice. Failed and
// completed jobs do not block a new one.
func (q *Queries) EnqueueJob(ctx context.Context, arg EnqueueJobParams) (Job, error) {
	row := q.db.QueryRowContext(ctx, enqueueJob,
		arg.JobType,
		arg.Payload,
		arg.Priority,
		arg.MaxAttempts,
		arg.ScheduledAt,
		arg.DedupeKey,
	)
	return scanJob(row)
}

const claimJob = `-- name: ClaimJob :one
UPDATE jobs
SET status = 'running',
    started_at = NOW(),
    attempts = attempts + 1
WHERE id = (
    SELECT id FROM jobs
    WHERE status = 'pending'
      AND scheduled_at <= NOW()
    ORDER BY priority DESC, scheduled_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns + `
`

// ClaimJob marks the next runnable job as running and returns it with its
// attempt count already incremented. Returns sql.ErrNoRows when the queue
// is empty.
func (q *Queries) ClaimJob(ctx context.Context) (Job, error) {
	row := q.db.QueryRowContext(ctx, claimJob)
	return scanJob(row)
}

const updateJobCompleted = `-- name: UpdateJobCompleted :exec
UPDATE jobs
SET status = 'completed',
    completed_at = NOW(),
    error_message = NULL
WHERE id = $1
`

func (q *Queries) UpdateJobCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, updateJobCompleted, id)
	return err
}

const updateJobFailed = `-- name: UpdateJobFailed :exec
UPDATE jobs
SET status = CASE
        WHEN $3::boolean OR attempts >= max_attempts THEN 'failed'
        ELSE 'pending'
    END,
    scheduled_at = CASE
        WHEN $3::boolean OR attempts >= max_attempts THEN scheduled_at
        ELSE NOW() + POWER(2, attempts - 1) * make_interval(secs => $4::float8)
    END,
    error_message = $2
WHERE id = $1
`

type UpdateJobFailedParams struct {
	ID           uuid.UUID
	ErrorMessage sql.NullString
	Permanent    bool
	// BackoffSeconds is the delay before the first retry. It doubles with
	// every further attempt.
	BackoffSeconds float64
}

// UpdateJobFailed reschedules a job with exponential backoff, or marks it
// failed once it is permanent or out of attempts.
func (q *Queries) UpdateJobFailed(ctx context.Context, arg UpdateJobFailedParams) error {
	_, err := q.db.ExecContext(ctx, updateJobFailed, arg.ID, arg.ErrorMessage, arg.Permanent, arg.BackoffSeconds)
	return err
}

const recoverStaleJobs = `-- name: RecoverStaleJobs :execrows
UPDATE jobs
SET status = 'pending',
    started_at = NULL
WHERE status = 'running'
  AND started_at < NOW() - make_interval(secs => $1)
`

func (q *Queries) RecoverStaleJobs(ctx context.Context, thresholdSeconds float64) (int64, error) {
	result, err := q.db.ExecContext(ctx, recoverStaleJobs, thresholdSeconds)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
