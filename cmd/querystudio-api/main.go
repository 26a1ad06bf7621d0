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

	"github.com/querystudio/querystudio/internal/api"
	"github.com/querystudio/querystudio/internal/auth"
	"github.com/querystudio/querystudio/internal/config"
	jobpostgres "github.com/querystudio/querystudio/internal/jobqueue/postgres"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/platform/rest"
	runpostgres "github.com/querystudio/querystudio/internal/run/postgres"
	"github.com/querystudio/querystudio/internal/statusstream"
	"github.com/querystudio/querystudio/internal/tenantdb"
	"github.com/querystudio/querystudio/internal/workbench"
)

func main() {
	cfg, err := config.LoadFromEnv("querystudio-api")
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

	hub := statusstream.NewHub(cfg.Stream.SubscriberBuffer)
	listener := &statusstream.Listener{
		DSN:     cfg.Database.DSN,
		Channel: cfg.Stream.Channel,
		Target:  hub,
		Logger:  logger,
		Backoff: cfg.Stream.ReconnectBackoff,
	}

	service := &workbench.Service{
		Runs:     runpostgres.NewRepository(),
		Queue:    jobpostgres.NewQueue(db),
		Binder:   tenantdb.NewBinder(db, logger, cfg.Database.ResetTimeout),
		Platform: platformClient,
		Notifier: statusstream.NewPGNotifier(db, cfg.Stream.Channel),
		Config: workbench.Config{
			MaxConcurrentRuns: cfg.Runs.MaxConcurrentRuns,
			MaxAttempts:       cfg.Worker.MaxAttempts,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger:    logger,
		Workbench: service,
		Stream:    hub,
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(func(ctx context.Context) error { return runpostgres.Ping(ctx, db, time.Second) }),
			api.CheckPlatformConfig(cfg),
		),
		DependencyTimeout:  time.Second,
		StreamWriteTimeout: cfg.Stream.WriteTimeout,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if err := listener.Run(ctx); err != nil {
			logger.Error("status listener failed", slog.Any("error", err))
			stop()
		}
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
	<-listenerDone
}
