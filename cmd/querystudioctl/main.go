package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/querystudio/querystudio/internal/cli/querystudioctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("QUERYSTUDIO_CLI_TIMEOUT")), 10*time.Second)
	options := querystudioctl.Options{
		BaseURL:  envOr("QUERYSTUDIO_API_URL", "http://localhost:8080"),
		APIKey:   strings.TrimSpace(os.Getenv("QUERYSTUDIO_API_KEY")),
		TenantID: strings.TrimSpace(os.Getenv("QUERYSTUDIO_TENANT_ID")),
		MemberID: strings.TrimSpace(os.Getenv("QUERYSTUDIO_MEMBER_ID")),
		UserID:   strings.TrimSpace(os.Getenv("QUERYSTUDIO_USER_ID")),
		Timeout:  timeout,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	code := querystudioctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid QUERYSTUDIO_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
