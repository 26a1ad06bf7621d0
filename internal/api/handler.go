package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querystudio/querystudio/internal/config"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/statusstream"
	"github.com/querystudio/querystudio/internal/workbench"
)

type ReadinessCheck func(ctx context.Context) error

// Workbench is the run service behind the protected routes.
type Workbench interface {
	Lint(req workbench.LintRequest) (workbench.LintResult, error)
	Submit(ctx context.Context, p workbench.Principal, req workbench.SubmitRequest) (workbench.SubmitResult, error)
	Get(ctx context.Context, p workbench.Principal, runID string) (run.Run, error)
	Cancel(ctx context.Context, p workbench.Principal, runID string) (run.Run, error)
	Results(ctx context.Context, p workbench.Principal, runID string, page, pageSize int) (workbench.ResultsPage, error)
}

type StreamHub interface {
	Subscribe(runID string) *statusstream.Subscription
}

type Dependencies struct {
	Logger             *slog.Logger
	Readiness          ReadinessCheck
	AuthMiddleware     func(http.Handler) http.Handler
	DependencyTimeout  time.Duration
	Workbench          Workbench
	Stream             StreamHub
	StreamWriteTimeout time.Duration
	StreamPingInterval time.Duration
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, map[string]any{"status": "down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]func(Dependencies, http.ResponseWriter, *http.Request){
		"POST /v1/lint":              handleLint,
		"POST /v1/runs":              handleSubmitRun,
		"GET /v1/runs/{run}":         handleGetRun,
		"GET /v1/runs/{run}/events":  handleRunEvents,
		"GET /v1/runs/{run}/results": handleRunResults,
		"POST /v1/runs/{run}/cancel": handleCancelRun,
	}
	protected := http.NewServeMux()
	for pattern, handle := range routes {
		protected.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			handle(deps, w, r)
		})
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckDatabase reports whether the run store answers a ping.
func CheckDatabase(ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return errors.New("database is not configured")
		}
		if err := ping(ctx); err != nil {
			return errors.New("database is down")
		}
		return nil
	}
}

func CheckPlatformConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Platform.BaseURL == "" {
			return errors.New("platform base url is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
