package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/querystudio/querystudio/internal/config"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{
		Profile:       config.ProfileTest,
		Service:       config.ServiceConfig{Name: "querystudio-worker"},
		Observability: config.ObservabilityConfig{LogLevel: slog.LevelInfo, LogJSON: true},
	}
	logger := NewLogger(cfg, &buf)
	logger.Info("platform configured",
		slog.String("access_token", "secret-1"),
		slog.String("DSN", "postgres://u:p@db/q"),
		slog.String("tenant_id", "t1"),
	)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v\n%s", err, buf.String())
	}
	if record["access_token"] != redacted || record["DSN"] != redacted {
		t.Fatalf("secrets were not redacted: %v", record)
	}
	if record["tenant_id"] != "t1" || record["service"] != "querystudio-worker" || record["profile"] != "test" {
		t.Fatalf("record = %v", record)
	}
}

func TestLoggerWithTraceAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	LoggerWithTrace(ContextWithTraceID(context.Background(), "trace-9"), base).Info("x")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["trace_id"] != "trace-9" {
		t.Fatalf("trace_id = %v", record["trace_id"])
	}
	if LoggerWithTrace(context.Background(), base) != base {
		t.Fatal("expected the same logger without a trace id")
	}
}
