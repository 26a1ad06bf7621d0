package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querystudio/querystudio/internal/config"
	jobpostgres "github.com/querystudio/querystudio/internal/jobqueue/postgres"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/orchestrator"
	"github.com/querystudio/querystudio/internal/platform/rest"
	runpostgres "github.com/querystudio/querystudio/internal/run/postgres"
	"github.com/querystudio/querystudio/internal/statusstream"
	"github.com/querystudio/querystudio/internal/tenantdb"
)

func main() {
	cfg, err := config.LoadFromEnv("querystudio-worker")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := runpostgres.Open(context.Background(), runpostgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	platformClient, err := rest.NewFromConfig(cfg.Platform)
	if err != nil {
		logger.Error("failed to initialize platform client", slog.Any("error", err))
		os.Exit(1)
	}

	svc := &orchestrator.Service{
		Queue:    jobpostgres.NewQueue(db),
		Runs:     runpostgres.NewRepository(),
		Platform: platformClient,
		Binder:   tenantdb.NewBinder(db, logger, cfg.Database.ResetTimeout),
		Notifier: statusstream.NewPGNotifier(db, cfg.Stream.Channel),
		Config: orchestrator.Config{
			ConsumerID:         cfg.Worker.ConsumerID,
			Concurrency:        cfg.Worker.Concurrency,
			LeaseDuration:      cfg.Worker.LeaseDuration,
			IdleInterval:       cfg.Worker.IdleInterval,
			StatusPollInterval: cfg.Worker.StatusPollInterval,
			MaxPollDuration:    cfg.Worker.MaxPollDuration,
			MaxAttempts:        cfg.Worker.MaxAttempts,
			BackoffBase:        cfg.Worker.BackoffBase,
			BackoffMax:         cfg.Worker.BackoffMax,
			FolderName:         cfg.Platform.FolderName,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr := cfg.Observability.MetricsAddress; addr != "" {
		metrics := observability.NewMetricsServer(addr)
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("run worker started", slog.String("consumer_id", cfg.Worker.ConsumerID), slog.Int("concurrency", cfg.Worker.Concurrency))
	if err := svc.Run(ctx); err != nil {
		logger.Error("run worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("run worker stopped")
}
