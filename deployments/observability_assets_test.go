package deployments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
)

func TestGrafanaDashboardJSONIsValid(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "grafana", "querystudio_runs_dashboard.json")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dashboard file: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(content, &decoded); err != nil {
		t.Fatalf("dashboard JSON parse error: %v", err)
	}

	title, _ := decoded["title"].(string)
	if strings.TrimSpace(title) == "" {
		t.Fatal("dashboard title is required")
	}
	panels, ok := decoded["panels"].([]any)
	if !ok || len(panels) == 0 {
		t.Fatal("dashboard must include at least one panel")
	}
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	text := readAsset(t, "prometheus", "querystudio_rules.yaml")

	requiredAlerts := []string{
		"QueryStudioHTTPErrorRateHigh",
		"QueryStudioRunFailureRatioHigh",
		"QueryStudioDeadJobsDetected",
		"QueryStudioPlatformErrorRateHigh",
		"QueryStudioTenantBindingResetFailures",
		"QueryStudioSweeperFailing",
		"QueryStudioSweeperStalled",
	}
	for _, alertName := range requiredAlerts {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}

	recordings := readAsset(t, "prometheus", "querystudio_recording_rules.yaml")
	for _, ref := range regexp.MustCompile(`querystudio:[a-z0-9_]+`).FindAllString(text, -1) {
		if !strings.Contains(recordings, "record: "+ref) {
			t.Fatalf("alert references %q which no recording rule defines", ref)
		}
	}
}

func TestPrometheusRecordingRulesContainExpectedRecords(t *testing.T) {
	text := readAsset(t, "prometheus", "querystudio_recording_rules.yaml")

	requiredRecords := []string{
		"querystudio:slo_http_error_rate_5m",
		"querystudio:slo_submission_rejection_ratio_15m",
		"querystudio:slo_submissions_throttled_15m",
		"querystudio:slo_run_failure_ratio_30m",
		"querystudio:slo_jobs_dead_15m",
		"querystudio:slo_job_duration_seconds_p95",
		"querystudio:slo_platform_error_rate_5m",
		"querystudio:slo_platform_latency_seconds_p95",
		"querystudio:slo_binding_reset_failures_15m",
		"querystudio:slo_stream_events_dropped_15m",
		"querystudio:slo_sweeper_failures_24h",
		"querystudio:slo_sweeper_runs_24h",
	}
	for _, recordName := range requiredRecords {
		if !strings.Contains(text, "record: "+recordName) {
			t.Fatalf("recording rules missing record %q", recordName)
		}
	}
}

// Rules and dashboards may only query series the services export.
func TestAssetsReferenceExportedMetrics(t *testing.T) {
	exported := exportedMetricNames(t)
	series := regexp.MustCompile(`\bquerystudio_[a-z0-9_]+`)
	suffix := regexp.MustCompile(`_(bucket|sum|count)$`)

	assets := []string{
		readAsset(t, "prometheus", "querystudio_recording_rules.yaml"),
		readAsset(t, "grafana", "querystudio_runs_dashboard.json"),
	}
	for _, text := range assets {
		for _, name := range series.FindAllString(text, -1) {
			if _, ok := exported[name]; ok {
				continue
			}
			if _, ok := exported[suffix.ReplaceAllString(name, "")]; ok {
				continue
			}
			t.Fatalf("asset references unknown metric %q", name)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	text := readAsset(t, "prometheus", "prometheus-scrape.example.yaml")

	requiredTokens := []string{
		"metrics_path: /v1/metrics",
		"querystudio_rules.yaml",
		"querystudio_recording_rules.yaml",
		"job_name: querystudio-api",
		"job_name: querystudio-worker",
		"job_name: querystudio-sweeper",
	}
	for _, token := range requiredTokens {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func TestAlertmanagerExampleContainsSeverityRouting(t *testing.T) {
	text := readAsset(t, "alertmanager", "alertmanager.example.yaml")

	requiredTokens := []string{
		"receiver: querystudio-default",
		"severity=\"critical\"",
		"severity=\"warning\"",
		"name: querystudio-critical",
		"name: querystudio-warning",
		"inhibit_rules:",
		"group_by: [alertname, service, severity]",
	}
	for _, token := range requiredTokens {
		if !strings.Contains(text, token) {
			t.Fatalf("alertmanager example missing token %q", token)
		}
	}
}

func exportedMetricNames(t *testing.T) map[string]struct{} {
	t.Helper()
	dir := filepath.Join(repoRoot(t), "internal", "observability")
	files, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		t.Fatalf("glob observability sources: %v", err)
	}
	names := map[string]struct{}{}
	pattern := regexp.MustCompile(`Name:\s+"(querystudio_[a-z0-9_]+)"`)
	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}
		content, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		for _, match := range pattern.FindAllStringSubmatch(string(content), -1) {
			names[match[1]] = struct{}{}
		}
	}
	if len(names) == 0 {
		t.Fatal("found no exported metric definitions")
	}
	return names
}

func readAsset(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(append([]string{repoRoot(t), "deployments", "observability"}, parts...)...)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(content)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
