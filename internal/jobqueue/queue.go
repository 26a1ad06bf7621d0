// Package jobqueue defines the durable at-least-once queue that drives run
// execution. Each run step is a job; polling re-enqueues a follow-up job
// instead of holding a worker.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost reports an acknowledgement for a lease the caller no longer
// holds. The job was requeued and possibly claimed by another consumer.
var ErrLeaseLost = errors.New("job lease lost")

type Kind string

const (
	KindExecute Kind = "execute"
	KindPoll    Kind = "poll"
)

type State string

const (
	StatePending State = "pending"
	StateLeased  State = "leased"
	StateDone    State = "done"
	StateDead    State = "dead"
)

type Job struct {
	JobID       int64
	RunID       string
	TenantID    string
	MemberID    string
	Kind        Kind
	Sequence    int
	DedupeKey   string
	Attempt     int
	MaxAttempts int
	RunAfter    time.Time
	LeaseOwner  string
	LeaseUntil  time.Time
	LastError   string
	CreatedAt   time.Time
}

// Exhausted reports whether the current attempt is the last one allowed.
func (j Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts
}

type EnqueueInput struct {
	RunID       string
	TenantID    string
	MemberID    string
	Kind        Kind
	Sequence    int
	Delay       time.Duration
	MaxAttempts int
}

// DedupeKey identifies one logical step of a run. Enqueueing the same key
// twice is a no-op, so a redelivered poll job cannot fork the poll chain.
func DedupeKey(kind Kind, runID string, sequence int) string {
	if kind == KindPoll {
		return fmt.Sprintf("run:%s:poll:%d", runID, sequence)
	}
	return fmt.Sprintf("run:%s:%s", runID, kind)
}

// Backoff returns base*2^(attempt-1) capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

type Queue interface {
	// Enqueue inserts a job. inserted is false when a job with the same
	// dedupe key already exists.
	Enqueue(ctx context.Context, in EnqueueInput) (job Job, inserted bool, err error)
	// Claim leases the next due job. ok is false when nothing is due.
	Claim(ctx context.Context, consumerID string, lease time.Duration) (job Job, ok bool, err error)
	// Complete, Retry and Dead acknowledge the lease described by job. They
	// return ErrLeaseLost when job.LeaseOwner and job.Attempt no longer
	// hold it.
	Complete(ctx context.Context, job Job) error
	Retry(ctx context.Context, job Job, delay time.Duration, reason string) error
	Dead(ctx context.Context, job Job, reason string) error
	RequeueExpired(ctx context.Context) (int, error)
	// Stranded lists unresolved dead jobs whose run has no pending or
	// leased job left.
	Stranded(ctx context.Context, limit int) ([]Job, error)
	// Resolve marks a dead job as handled so Stranded skips it.
	Resolve(ctx context.Context, jobID int64) error
}
