// Package orchestrator drives query runs through the remote platform. A pool
// of workers claims jobs from the durable queue; every job executes one
// resumable step of a run under that run's tenant binding.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/querystudio/querystudio/internal/jobqueue"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/platform"
	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/statusstream"
)

type Binder interface {
	WithTenant(ctx context.Context, tenantID, memberID string, fn func(ctx context.Context) error) error
}

type Config struct {
	ConsumerID         string
	Concurrency        int
	LeaseDuration      time.Duration
	IdleInterval       time.Duration
	StatusPollInterval time.Duration
	MaxPollDuration    time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	FolderName         string

	// StoreTimeout bounds queue and notification writes made while a tenant
	// connection is held.
	StoreTimeout  time.Duration
	StrandedBatch int
}

type Service struct {
	Queue    jobqueue.Queue
	Runs     run.Repository
	Platform platform.Client
	Binder   Binder
	Notifier statusstream.Notifier
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
}

const (
	outcomeDone    = "done"
	outcomeRetry   = "retry"
	outcomeFailed  = "failed"
	outcomeDead    = "dead"
	outcomeSkipped = "skipped"
)

// Run starts Config.Concurrency workers plus the lease reaper and blocks
// until ctx is done. The reaper also resolves runs stranded behind dead
// jobs.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.Config.Concurrency; i++ {
		consumerID := fmt.Sprintf("%s-%d", s.Config.ConsumerID, i+1)
		group.Go(func() error {
			s.work(ctx, consumerID)
			return nil
		})
	}
	group.Go(func() error {
		s.reapLeases(ctx)
		return nil
	})
	return group.Wait()
}

func (s *Service) work(ctx context.Context, consumerID string) {
	for {
		processed, err := s.process(ctx, consumerID)
		if err != nil && ctx.Err() == nil {
			s.Logger.ErrorContext(ctx, "worker cycle failed", slog.String("consumer_id", consumerID), slog.Any("error", err))
		}
		if processed {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Config.IdleInterval):
		}
	}
}

func (s *Service) reapLeases(ctx context.Context) {
	ticker := time.NewTicker(s.Config.LeaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		count, err := s.Queue.RequeueExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.Logger.ErrorContext(ctx, "requeue expired jobs failed", slog.Any("error", err))
			}
		} else if count > 0 {
			s.Logger.WarnContext(ctx, "requeued jobs with expired leases", slog.Int("count", count))
		}
		if _, err := s.ResolveStranded(ctx); err != nil && ctx.Err() == nil {
			s.Logger.ErrorContext(ctx, "resolve stranded runs failed", slog.Any("error", err))
		}
	}
}

// ProcessOnce claims and handles at most one job. It reports whether a job
// was claimed.
func (s *Service) ProcessOnce(ctx context.Context) (bool, error) {
	s.ensureDefaults()
	return s.process(ctx, s.Config.ConsumerID)
}

func (s *Service) process(ctx context.Context, consumerID string) (bool, error) {
	job, ok, err := s.Queue.Claim(ctx, consumerID, s.Config.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}

	started := s.Clock()
	logger := s.Logger.With(
		slog.Int64("job_id", job.JobID),
		slog.String("run_id", job.RunID),
		slog.String("tenant_id", job.TenantID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.Attempt),
	)

	outcome, stepErr := s.handle(ctx, job, logger)
	if ctx.Err() != nil {
		// Shutting down: the lease expires and another worker resumes.
		return true, nil
	}

	var ackErr error
	switch {
	case stepErr == nil:
		ackErr = s.Queue.Complete(ctx, job)
	case job.Exhausted():
		outcome = outcomeDead
		logger.ErrorContext(ctx, "job attempts exhausted", slog.Any("error", stepErr))
		if err := s.failUnexecuted(ctx, job, logger); err != nil {
			logger.ErrorContext(ctx, "record failure of exhausted run failed", slog.Any("error", err))
		}
		ackErr = s.Queue.Dead(ctx, job, stepErr.Error())
	default:
		outcome = outcomeRetry
		delay := jobqueue.Backoff(job.Attempt, s.Config.BackoffBase, s.Config.BackoffMax)
		logger.WarnContext(ctx, "job step failed, retrying", slog.Duration("delay", delay), slog.Any("error", stepErr))
		ackErr = s.Queue.Retry(ctx, job, delay, stepErr.Error())
	}
	observability.ObserveJob(string(job.Kind), outcome, s.Clock().Sub(started))
	if errors.Is(ackErr, jobqueue.ErrLeaseLost) {
		logger.WarnContext(ctx, "job lease lost before acknowledgement", slog.String("consumer_id", consumerID), slog.String("outcome", outcome))
		return true, nil
	}
	if ackErr != nil {
		return true, fmt.Errorf("acknowledge job %d: %w", job.JobID, ackErr)
	}
	return true, nil
}

// unexecuted is recorded on runs whose job ran out of attempts without the
// step itself recording a failure.
var unexecuted = failf("The run could not be executed")

// failUnexecuted moves the job's run to failed under a fresh tenant binding.
func (s *Service) failUnexecuted(ctx context.Context, job jobqueue.Job, logger *slog.Logger) error {
	return s.Binder.WithTenant(ctx, job.TenantID, job.MemberID, func(ctx context.Context) error {
		return s.failRun(ctx, job.RunID, unexecuted, logger)
	})
}

// ResolveStranded fails the runs of dead jobs that left no live job behind,
// then marks those jobs resolved. It returns how many jobs were resolved.
func (s *Service) ResolveStranded(ctx context.Context) (int, error) {
	s.ensureDefaults()
	jobs, err := s.Queue.Stranded(ctx, s.Config.StrandedBatch)
	if err != nil {
		return 0, fmt.Errorf("list stranded jobs: %w", err)
	}
	resolved := 0
	var errs []error
	for _, job := range jobs {
		logger := s.Logger.With(
			slog.Int64("job_id", job.JobID),
			slog.String("run_id", job.RunID),
			slog.String("tenant_id", job.TenantID),
		)
		if err := s.failUnexecuted(ctx, job, logger); err != nil {
			errs = append(errs, fmt.Errorf("fail stranded run %s: %w", job.RunID, err))
			continue
		}
		if err := s.Queue.Resolve(ctx, job.JobID); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.InfoContext(ctx, "resolved stranded run")
		resolved++
	}
	return resolved, errors.Join(errs...)
}

// handle runs the job's step under its tenant binding. A returned error
// means the job should be retried; permanent failures are recorded on the
// run and reported as success.
func (s *Service) handle(ctx context.Context, job jobqueue.Job, logger *slog.Logger) (string, error) {
	outcome := outcomeDone
	err := s.Binder.WithTenant(ctx, job.TenantID, job.MemberID, func(ctx context.Context) error {
		var stepErr error
		switch job.Kind {
		case jobqueue.KindExecute:
			stepErr = s.execute(ctx, job)
		case jobqueue.KindPoll:
			stepErr = s.poll(ctx, job)
		default:
			logger.ErrorContext(ctx, "dropping job of unknown kind")
			outcome = outcomeSkipped
			return nil
		}

		var stopped *stoppedError
		switch {
		case stepErr == nil:
			return nil
		case errors.As(stepErr, &stopped):
			logger.InfoContext(ctx, "run left the pipeline", slog.String("status", string(stopped.Status)))
			outcome = outcomeSkipped
			if stopped.Status == run.StatusCanceled {
				s.cleanup(ctx, job.RunID, logger)
			}
			return nil
		case permanent(stepErr) || (job.Exhausted() && ctx.Err() == nil):
			outcome = outcomeFailed
			logger.WarnContext(ctx, "run failed", slog.Any("error", stepErr))
			return s.failRun(ctx, job.RunID, stepErr, logger)
		default:
			return stepErr
		}
	})
	return outcome, err
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Notifier == nil {
		s.Notifier = statusstream.NopNotifier{}
	}
	if s.Config.ConsumerID == "" {
		s.Config.ConsumerID = "querystudio-worker"
	}
	if s.Config.Concurrency <= 0 {
		s.Config.Concurrency = 4
	}
	if s.Config.LeaseDuration <= 0 {
		s.Config.LeaseDuration = 2 * time.Minute
	}
	if s.Config.IdleInterval <= 0 {
		s.Config.IdleInterval = 500 * time.Millisecond
	}
	if s.Config.StatusPollInterval <= 0 {
		s.Config.StatusPollInterval = 3 * time.Second
	}
	if s.Config.MaxPollDuration <= 0 {
		s.Config.MaxPollDuration = 30 * time.Minute
	}
	if s.Config.MaxAttempts <= 0 {
		s.Config.MaxAttempts = 5
	}
	if s.Config.BackoffBase <= 0 {
		s.Config.BackoffBase = 2 * time.Second
	}
	if s.Config.BackoffMax < s.Config.BackoffBase {
		s.Config.BackoffMax = 2 * time.Minute
	}
	if s.Config.StoreTimeout <= 0 {
		s.Config.StoreTimeout = 5 * time.Second
	}
	if s.Config.StrandedBatch <= 0 {
		s.Config.StrandedBatch = 100
	}
	if s.Config.FolderName == "" {
		s.Config.FolderName = "Query Studio"
	}
}

// enqueueTimeout bounds Enqueue. Callers usually hold a tenant connection,
// and the insert needs a second one from the same pool.
const enqueueTimeout = 5 * time.Second

// Enqueue schedules the first step of a freshly created run.
func Enqueue(ctx context.Context, queue jobqueue.Queue, r run.Run, maxAttempts int) error {
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	_, _, err := queue.Enqueue(ctx, jobqueue.EnqueueInput{
		RunID:       r.RunID,
		TenantID:    r.TenantID,
		MemberID:    r.MemberID,
		Kind:        jobqueue.KindExecute,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue execute job for run %s: %w", r.RunID, err)
	}
	return nil
}
