package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/querystudio/querystudio/internal/jobqueue"
)

const jobColumns = `job_id, run_id, tenant_id, member_id, kind, sequence, dedupe_key, attempt, max_attempts,
       run_after, COALESCE(lease_owner, ''), COALESCE(lease_until, run_after), last_error, created_at`

// Queue stores jobs in run_job. The table carries no tenant data beyond
// routing ids and is not under row-level security.
type Queue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db, clock: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobqueue.Job, error) {
	var job jobqueue.Job
	var kind string
	if err := row.Scan(
		&job.JobID,
		&job.RunID,
		&job.TenantID,
		&job.MemberID,
		&kind,
		&job.Sequence,
		&job.DedupeKey,
		&job.Attempt,
		&job.MaxAttempts,
		&job.RunAfter,
		&job.LeaseOwner,
		&job.LeaseUntil,
		&job.LastError,
		&job.CreatedAt,
	); err != nil {
		return jobqueue.Job{}, err
	}
	job.Kind = jobqueue.Kind(kind)
	return job, nil
}

func (q *Queue) Enqueue(ctx context.Context, in jobqueue.EnqueueInput) (jobqueue.Job, bool, error) {
	if in.RunID == "" || in.TenantID == "" || in.MemberID == "" {
		return jobqueue.Job{}, false, fmt.Errorf("enqueue job: run, tenant and member ids are required")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	dedupeKey := jobqueue.DedupeKey(in.Kind, in.RunID, in.Sequence)
	runAfter := q.clock().UTC().Add(in.Delay)

	query := `
INSERT INTO run_job (run_id, tenant_id, member_id, kind, sequence, dedupe_key, max_attempts, run_after, state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING ` + jobColumns

	job, err := scanJob(q.db.QueryRowContext(ctx, query,
		in.RunID,
		in.TenantID,
		in.MemberID,
		string(in.Kind),
		in.Sequence,
		dedupeKey,
		maxAttempts,
		runAfter,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobqueue.Job{DedupeKey: dedupeKey, RunID: in.RunID, Kind: in.Kind, Sequence: in.Sequence}, false, nil
		}
		return jobqueue.Job{}, false, fmt.Errorf("enqueue job %q: %w", dedupeKey, err)
	}
	return job, true, nil
}

func (q *Queue) Claim(ctx context.Context, consumerID string, lease time.Duration) (jobqueue.Job, bool, error) {
	if lease <= 0 {
		lease = 30 * time.Second
	}

	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID int64
	err = tx.QueryRowContext(ctx, `
SELECT job_id
FROM run_job
WHERE state = 'pending' AND run_after <= NOW()
ORDER BY run_after ASC, job_id ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return jobqueue.Job{}, false, fmt.Errorf("commit empty claim tx: %w", err)
		}
		return jobqueue.Job{}, false, nil
	}
	if err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("select claim candidate: %w", err)
	}

	leaseUntil := q.clock().UTC().Add(lease)
	job, err := scanJob(tx.QueryRowContext(ctx, `
UPDATE run_job
SET state = 'leased', lease_owner = $2, lease_until = $3, attempt = attempt + 1, updated_at = NOW()
WHERE job_id = $1
RETURNING `+jobColumns, jobID, consumerID, leaseUntil))
	if err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("lease job %d: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("commit claim tx: %w", err)
	}
	return job, true, nil
}

// Acknowledgements are fenced by the lease: a worker whose lease expired
// and was reclaimed cannot overwrite the new owner's state.
const leaseFence = `job_id = $1 AND state = 'leased' AND lease_owner = $2 AND attempt = $3`

func (q *Queue) Complete(ctx context.Context, job jobqueue.Job) error {
	return q.finish(ctx, "complete job", `
UPDATE run_job
SET state = 'done', lease_owner = NULL, lease_until = NULL, updated_at = NOW()
WHERE `+leaseFence, job)
}

func (q *Queue) Retry(ctx context.Context, job jobqueue.Job, delay time.Duration, reason string) error {
	runAfter := q.clock().UTC().Add(delay)
	return q.finish(ctx, "retry job", `
UPDATE run_job
SET state = 'pending', lease_owner = NULL, lease_until = NULL, run_after = $4, last_error = $5, updated_at = NOW()
WHERE `+leaseFence, job, runAfter, reason)
}

func (q *Queue) Dead(ctx context.Context, job jobqueue.Job, reason string) error {
	return q.finish(ctx, "bury job", `
UPDATE run_job
SET state = 'dead', lease_owner = NULL, lease_until = NULL, last_error = $4, updated_at = NOW()
WHERE `+leaseFence, job, reason)
}

func (q *Queue) finish(ctx context.Context, op, query string, job jobqueue.Job, args ...any) error {
	result, err := q.db.ExecContext(ctx, query, append([]any{job.JobID, job.LeaseOwner, job.Attempt}, args...)...)
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, job.JobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: read rows affected: %w", op, job.JobID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %d attempt %d: %w", op, job.JobID, job.Attempt, jobqueue.ErrLeaseLost)
	}
	return nil
}

// RequeueExpired returns jobs whose lease ran out to pending so another
// worker picks them up.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	query := `
WITH moved AS (
    UPDATE run_job
    SET state = 'pending', lease_owner = NULL, lease_until = NULL, updated_at = NOW()
    WHERE state = 'leased' AND lease_until IS NOT NULL AND lease_until < NOW()
    RETURNING job_id
)
SELECT COUNT(*) FROM moved`

	var count int
	if err := q.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return count, nil
}

func (q *Queue) Stranded(ctx context.Context, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM run_job d
WHERE d.state = 'dead' AND d.resolved_at IS NULL
  AND NOT EXISTS (
    SELECT 1 FROM run_job live
    WHERE live.run_id = d.run_id AND live.state IN ('pending', 'leased')
  )
ORDER BY d.updated_at ASC, d.job_id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list stranded jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []jobqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stranded job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stranded jobs: %w", err)
	}
	return jobs, nil
}

func (q *Queue) Resolve(ctx context.Context, jobID int64) error {
	if _, err := q.db.ExecContext(ctx, `
UPDATE run_job
SET resolved_at = NOW(), updated_at = NOW()
WHERE job_id = $1 AND state = 'dead'`, jobID); err != nil {
		return fmt.Errorf("resolve job %d: %w", jobID, err)
	}
	return nil
}

var _ jobqueue.Queue = (*Queue)(nil)
