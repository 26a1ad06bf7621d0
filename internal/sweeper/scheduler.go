package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 15m"

// Scheduler runs Service.RunOnce on a cron schedule. A sweep still running
// when the next one is due is skipped.
type Scheduler struct {
	service  *Service
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
}

func NewScheduler(service *Service, spec string, logger *slog.Logger) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweeper schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{service: service, schedule: schedule, spec: spec, logger: logger}, nil
}

// Run blocks until ctx is done, then waits for an in-flight sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.sweep(ctx) }))
	c.Start()
	s.logger.InfoContext(ctx, "sweeper scheduler started", slog.String("schedule", s.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper scheduler stopped")
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary, err := s.service.RunOnce(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep cycle failed", slog.Any("error", err), slog.Any("summary", summary))
		return
	}
	s.logger.InfoContext(ctx, "sweep cycle completed", slog.Any("summary", summary))
}
