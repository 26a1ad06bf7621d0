package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querystudio/querystudio/internal/config"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/platform/rest"
	runpostgres "github.com/querystudio/querystudio/internal/run/postgres"
	"github.com/querystudio/querystudio/internal/sweeper"
	"github.com/querystudio/querystudio/internal/tenantdb"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv("querystudio-sweeper")
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

	svc := &sweeper.Service{
		Folders:  runpostgres.NewRepository(),
		Binder:   tenantdb.NewBinder(db, logger, cfg.Database.ResetTimeout),
		Platform: platformClient,
		Config: sweeper.Config{
			MaxAge:      cfg.Sweeper.MaxAge,
			Parallelism: cfg.Sweeper.Parallelism,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		summary, err := svc.RunOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("sweep finished",
			slog.Int("tenants_scanned", summary.TenantsScanned),
			slog.Int("deleted", summary.Deleted),
			slog.Int("failures", summary.Failures),
		)
		return
	}

	scheduler, err := sweeper.NewScheduler(svc, cfg.Sweeper.Schedule, logger)
	if err != nil {
		logger.Error("invalid sweeper schedule", slog.Any("error", err))
		os.Exit(1)
	}
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

	logger.Info("orphan sweeper started", slog.String("schedule", cfg.Sweeper.Schedule))
	if err := scheduler.Run(ctx); err != nil {
		logger.Error("orphan sweeper failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("orphan sweeper stopped")
}
