package querystudioctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type Options struct {
	BaseURL    string
	APIKey     string
	TenantID   string
	MemberID   string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type session struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	tenantID string
	memberID string
	userID   string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}

	fs := flag.NewFlagSet("querystudioctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querystudio API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	tenantID := fs.String("tenant-id", defaults.TenantID, "Tenant ID header (used when auth is disabled)")
	memberID := fs.String("member-id", defaults.MemberID, "Member ID header (used when auth is disabled)")
	userID := fs.String("user-id", defaults.UserID, "User ID header (used when auth is disabled)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	s := &session{
		client:   client,
		baseURL:  strings.TrimRight(*baseURL, "/"),
		apiKey:   strings.TrimSpace(*apiKey),
		tenantID: strings.TrimSpace(*tenantID),
		memberID: strings.TrimSpace(*memberID),
		userID:   strings.TrimSpace(*userID),
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	switch command {
	case "health":
		return s.call(ctx, http.MethodGet, "/v1/health", nil)
	case "ready":
		return s.call(ctx, http.MethodGet, "/v1/ready", nil)
	case "lint":
		return s.lint(ctx, rest)
	case "submit":
		return s.submit(ctx, rest)
	case "status":
		return s.withRun(rest, func(runID string) int {
			return s.call(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil)
		})
	case "cancel":
		return s.withRun(rest, func(runID string) int {
			return s.call(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil)
		})
	case "results":
		return s.results(ctx, rest)
	case "watch":
		return s.withRun(rest, func(runID string) int {
			return s.watch(ctx, runID)
		})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func (s *session) lint(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("lint", flag.ContinueOnError)
	fs.SetOutput(s.stderr)
	sqlText := fs.String("sql", "", "SQL text; '-' reads stdin")
	file := fs.String("file", "", "file holding the SQL text")
	cursor := fs.Int("cursor", -1, "cursor character offset")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text, err := s.readSQL(*sqlText, *file)
	if err != nil {
		_, _ = fmt.Fprintf(s.stderr, "read sql: %v\n", err)
		return 2
	}
	body := map[string]any{"sql": text}
	if *cursor >= 0 {
		body["cursor_offset"] = *cursor
	}
	return s.call(ctx, http.MethodPost, "/v1/lint", body)
}

func (s *session) submit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(s.stderr)
	sqlText := fs.String("sql", "", "SQL text; '-' reads stdin")
	file := fs.String("file", "", "file holding the SQL text")
	snippet := fs.String("snippet", "", "snippet name recorded with the run")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text, err := s.readSQL(*sqlText, *file)
	if err != nil {
		_, _ = fmt.Fprintf(s.stderr, "read sql: %v\n", err)
		return 2
	}
	body := map[string]any{"sql_text": text}
	if strings.TrimSpace(*snippet) != "" {
		body["snippet_name"] = *snippet
	}
	return s.call(ctx, http.MethodPost, "/v1/runs", body)
}

func (s *session) results(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("results", flag.ContinueOnError)
	fs.SetOutput(s.stderr)
	page := fs.Int("page", 1, "result page, starting at 1")
	pageSize := fs.Int("page-size", 100, "rows per page (max 500)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return s.withRun(fs.Args(), func(runID string) int {
		query := url.Values{}
		query.Set("page", strconv.Itoa(*page))
		query.Set("page_size", strconv.Itoa(*pageSize))
		return s.call(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/results?"+query.Encode(), nil)
	})
}

// watch prints every status event of a run until the server closes the
// stream. The exit code is 1 unless the run ends ready.
func (s *session) watch(ctx context.Context, runID string) int {
	endpoint, err := url.Parse(s.baseURL + "/v1/runs/" + url.PathEscape(runID) + "/events")
	if err != nil {
		_, _ = fmt.Fprintf(s.stderr, "invalid base url: %v\n", err)
		return 2
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), s.headers())
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			_, _ = fmt.Fprintf(s.stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
			return 1
		}
		_, _ = fmt.Fprintf(s.stderr, "stream failed: %v\n", err)
		return 1
	}
	defer func() { _ = conn.Close() }()

	last := ""
	for {
		var event struct {
			Status       string    `json:"status"`
			Message      string    `json:"message"`
			ErrorMessage string    `json:"error_message"`
			Timestamp    time.Time `json:"timestamp"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			_, _ = fmt.Fprintf(s.stderr, "stream failed: %v\n", err)
			return 1
		}
		last = event.Status
		line := fmt.Sprintf("%s  %-24s %s", event.Timestamp.Format(time.RFC3339), event.Status, event.Message)
		if event.ErrorMessage != "" {
			line += ": " + event.ErrorMessage
		}
		_, _ = fmt.Fprintln(s.stdout, line)
	}
	if last != "ready" {
		return 1
	}
	return 0
}

func (s *session) withRun(args []string, fn func(runID string) int) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		_, _ = fmt.Fprintln(s.stderr, "a single run id is required")
		return 2
	}
	return fn(strings.TrimSpace(args[0]))
}

func (s *session) readSQL(inline, file string) (string, error) {
	switch {
	case inline == "-":
		raw, err := io.ReadAll(s.stdin)
		return string(raw), err
	case inline != "":
		return inline, nil
	case file != "":
		raw, err := os.ReadFile(file)
		return string(raw), err
	default:
		return "", fmt.Errorf("one of -sql or -file is required")
	}
}

func (s *session) headers() http.Header {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("X-API-Key", s.apiKey)
	}
	if s.tenantID != "" {
		header.Set("X-Tenant-ID", s.tenantID)
	}
	if s.memberID != "" {
		header.Set("X-Member-ID", s.memberID)
	}
	if s.userID != "" {
		header.Set("X-User-ID", s.userID)
	}
	return header
}

func (s *session) call(ctx context.Context, method, path string, payload any) int {
	code, responseBody, err := s.doRequest(ctx, method, s.baseURL+path, payload)
	if err != nil {
		_, _ = fmt.Fprintf(s.stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(s.stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(s.stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(s.stdout, string(responseBody))
	}
	return 0
}

func (s *session) doRequest(ctx context.Context, method, endpoint string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header = s.headers()
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querystudioctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                         GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                          GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  lint -sql|-file [-cursor N]    POST /v1/lint")
	_, _ = fmt.Fprintln(w, "  submit -sql|-file [-snippet]   POST /v1/runs")
	_, _ = fmt.Fprintln(w, "  status <run>                   GET /v1/runs/{run}")
	_, _ = fmt.Fprintln(w, "  watch <run>                    stream /v1/runs/{run}/events")
	_, _ = fmt.Fprintln(w, "  results [-page] [-page-size] <run>")
	_, _ = fmt.Fprintln(w, "                                 GET /v1/runs/{run}/results")
	_, _ = fmt.Fprintln(w, "  cancel <run>                   POST /v1/runs/{run}/cancel")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
