// Package rest talks to the platform's JSON REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/querystudio/querystudio/internal/config"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/platform"
	"github.com/querystudio/querystudio/internal/schema"
)

const maxResponseBytes = 8 << 20

// TokenSource yields an access token for a tenant scope. Token exchange is
// handled outside this package.
type TokenSource interface {
	Token(ctx context.Context, scope platform.Scope) (string, error)
}

// StaticTokenSource returns the same token for every scope.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context, platform.Scope) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("access token is not configured")
	}
	return string(s), nil
}

type Config struct {
	BaseURL           string
	Tokens            TokenSource
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	limiter *rate.Limiter
}

// NewFromConfig builds a client authenticated with the configured static
// access token.
func NewFromConfig(cfg config.PlatformConfig) (*Client, error) {
	return New(Config{
		BaseURL:           cfg.BaseURL,
		Tokens:            StaticTokenSource(cfg.AccessToken),
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		tokens:  cfg.Tokens,
		client:  httpClient,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// oneOrMany decodes a list field that the platform renders as null, a
// single object, or an array depending on the result count.
type oneOrMany[T any] []T

func (m *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}
	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*m = items
		return nil
	}
	var item T
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return err
	}
	*m = oneOrMany[T]{item}
	return nil
}

type listResponse[T any] struct {
	Items oneOrMany[T] `json:"items"`
	Count int          `json:"count"`
}

type wireField struct {
	Name      string `json:"name"`
	FieldType string `json:"fieldType"`
	MaxLength int    `json:"maxLength,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Scale     int    `json:"scale,omitempty"`
}

type wireDataExtension struct {
	Key       string      `json:"key"`
	Name      string      `json:"name"`
	FolderID  string      `json:"folderId,omitempty"`
	Fields    []wireField `json:"fields,omitempty"`
	CreatedAt *time.Time  `json:"createdAt,omitempty"`
}

func toWire(de platform.DataExtension) wireDataExtension {
	out := wireDataExtension{Key: de.Key, Name: de.Name, FolderID: de.FolderID}
	for _, col := range de.Fields {
		out.Fields = append(out.Fields, wireField{
			Name:      col.Name,
			FieldType: string(col.Type),
			MaxLength: col.MaxLength,
			Precision: col.Precision,
			Scale:     col.Scale,
		})
	}
	return out
}

func fromWire(w wireDataExtension) platform.DataExtension {
	de := platform.DataExtension{Key: w.Key, Name: w.Name, FolderID: w.FolderID, Fields: columns(w.Fields)}
	if w.CreatedAt != nil {
		de.CreatedAt = w.CreatedAt.UTC()
	}
	return de
}

func columns(fields []wireField) []schema.Column {
	out := make([]schema.Column, 0, len(fields))
	for _, f := range fields {
		out = append(out, schema.Column{
			Name:      f.Name,
			Type:      schema.ParseFieldType(f.FieldType),
			MaxLength: f.MaxLength,
			Precision: f.Precision,
			Scale:     f.Scale,
		})
	}
	return out
}

func (c *Client) FindFolder(ctx context.Context, scope platform.Scope, name string) (platform.Folder, bool, error) {
	var resp listResponse[platform.Folder]
	query := url.Values{"name": {name}}
	if _, err := c.do(ctx, "find_folder", scope, http.MethodGet, "/v1/folders", query, nil, &resp, false); err != nil {
		return platform.Folder{}, false, err
	}
	for _, folder := range resp.Items {
		if strings.EqualFold(folder.Name, name) {
			return folder, true, nil
		}
	}
	return platform.Folder{}, false, nil
}

func (c *Client) CreateFolder(ctx context.Context, scope platform.Scope, name string) (platform.Folder, error) {
	var folder platform.Folder
	body := map[string]string{"name": name, "contentType": "queryactivity"}
	if _, err := c.do(ctx, "create_folder", scope, http.MethodPost, "/v1/folders", nil, body, &folder, false); err != nil {
		return platform.Folder{}, err
	}
	if folder.ID == "" {
		return platform.Folder{}, fmt.Errorf("create folder %q: response carried no id", name)
	}
	return folder, nil
}

func (c *Client) GetDataExtension(ctx context.Context, scope platform.Scope, key string) (platform.DataExtension, bool, error) {
	var resp wireDataExtension
	status, err := c.do(ctx, "get_data_extension", scope, http.MethodGet, dataExtensionPath(key), nil, nil, &resp, true)
	if err != nil {
		return platform.DataExtension{}, false, err
	}
	if status == http.StatusNotFound {
		return platform.DataExtension{}, false, nil
	}
	return fromWire(resp), true, nil
}

func (c *Client) CreateDataExtension(ctx context.Context, scope platform.Scope, de platform.DataExtension) (platform.DataExtension, error) {
	var resp wireDataExtension
	if _, err := c.do(ctx, "create_data_extension", scope, http.MethodPost, "/v1/dataextensions", nil, toWire(de), &resp, false); err != nil {
		return platform.DataExtension{}, err
	}
	created := fromWire(resp)
	if created.Key == "" {
		created.Key = de.Key
	}
	if len(created.Fields) == 0 {
		created.Fields = de.Fields
	}
	return created, nil
}

func (c *Client) DataExtensionFields(ctx context.Context, scope platform.Scope, name string) ([]schema.Column, bool, error) {
	var resp listResponse[wireDataExtension]
	query := url.Values{"name": {name}, "include": {"fields"}}
	if _, err := c.do(ctx, "data_extension_fields", scope, http.MethodGet, "/v1/dataextensions", query, nil, &resp, false); err != nil {
		return nil, false, err
	}
	for _, item := range resp.Items {
		if strings.EqualFold(item.Name, name) {
			return columns(item.Fields), true, nil
		}
	}
	return nil, false, nil
}

func (c *Client) DeleteDataExtension(ctx context.Context, scope platform.Scope, key string) error {
	_, err := c.do(ctx, "delete_data_extension", scope, http.MethodDelete, dataExtensionPath(key), nil, nil, nil, true)
	return err
}

func (c *Client) GetRows(ctx context.Context, scope platform.Scope, key string, page, pageSize int) (platform.RowPage, error) {
	var resp struct {
		Items oneOrMany[struct {
			Values map[string]any `json:"values"`
		}] `json:"items"`
		Count    int `json:"count"`
		Page     int `json:"page"`
		PageSize int `json:"pageSize"`
	}
	query := url.Values{"page": {strconv.Itoa(page)}, "pageSize": {strconv.Itoa(pageSize)}}
	if _, err := c.do(ctx, "get_rows", scope, http.MethodGet, dataExtensionPath(key)+"/rows", query, nil, &resp, false); err != nil {
		return platform.RowPage{}, err
	}
	out := platform.RowPage{
		Rows:      make([]map[string]any, 0, len(resp.Items)),
		TotalRows: resp.Count,
		Page:      page,
		PageSize:  pageSize,
	}
	for _, item := range resp.Items {
		values := item.Values
		if values == nil {
			values = map[string]any{}
		}
		out.Rows = append(out.Rows, values)
	}
	return out, nil
}

func (c *Client) FindQueryDefinition(ctx context.Context, scope platform.Scope, key string) (platform.QueryDefinition, bool, error) {
	var resp listResponse[platform.QueryDefinition]
	query := url.Values{"key": {key}}
	if _, err := c.do(ctx, "find_query_definition", scope, http.MethodGet, "/v1/queries", query, nil, &resp, false); err != nil {
		return platform.QueryDefinition{}, false, err
	}
	for _, qd := range resp.Items {
		if strings.EqualFold(qd.Key, key) {
			return qd, true, nil
		}
	}
	return platform.QueryDefinition{}, false, nil
}

func (c *Client) CreateQueryDefinition(ctx context.Context, scope platform.Scope, qd platform.QueryDefinition) (platform.QueryDefinition, error) {
	if qd.UpdateType == "" {
		qd.UpdateType = platform.UpdateOverwrite
	}
	var created platform.QueryDefinition
	if _, err := c.do(ctx, "create_query_definition", scope, http.MethodPost, "/v1/queries", nil, qd, &created, false); err != nil {
		return platform.QueryDefinition{}, err
	}
	if created.ID == "" {
		return platform.QueryDefinition{}, fmt.Errorf("create query definition %q: response carried no id", qd.Key)
	}
	return created, nil
}

func (c *Client) StartQueryDefinition(ctx context.Context, scope platform.Scope, id string) (string, error) {
	var resp struct {
		TaskID string `json:"taskId"`
	}
	path := "/v1/queries/" + url.PathEscape(id) + "/actions/start"
	if _, err := c.do(ctx, "start_query_definition", scope, http.MethodPost, path, nil, nil, &resp, false); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("start query definition %q: response carried no task id", id)
	}
	return resp.TaskID, nil
}

func (c *Client) DeleteQueryDefinition(ctx context.Context, scope platform.Scope, id string) error {
	_, err := c.do(ctx, "delete_query_definition", scope, http.MethodDelete, "/v1/queries/"+url.PathEscape(id), nil, nil, nil, true)
	return err
}

func (c *Client) TaskStatus(ctx context.Context, scope platform.Scope, taskID string) (platform.Task, error) {
	var task platform.Task
	if _, err := c.do(ctx, "task_status", scope, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, nil, &task, false); err != nil {
		return platform.Task{}, err
	}
	if task.ID == "" {
		task.ID = taskID
	}
	switch state := platform.TaskState(strings.ToLower(string(task.State))); state {
	case platform.TaskQueued, platform.TaskRunning, platform.TaskComplete, platform.TaskError:
		task.State = state
	default:
		return platform.Task{}, fmt.Errorf("task %q: unknown status %q", taskID, task.State)
	}
	return task, nil
}

func (c *Client) ListFolderObjects(ctx context.Context, scope platform.Scope, folderID string) ([]platform.FolderObject, error) {
	var resp listResponse[platform.FolderObject]
	path := "/v1/folders/" + url.PathEscape(folderID) + "/objects"
	if _, err := c.do(ctx, "list_folder_objects", scope, http.MethodGet, path, nil, nil, &resp, false); err != nil {
		return nil, err
	}
	return []platform.FolderObject(resp.Items), nil
}

func dataExtensionPath(key string) string {
	return "/v1/dataextensions/key:" + url.PathEscape(key)
}

// do performs one rate-limited request and decodes a JSON body into out.
// With allowNotFound a 404 is returned as a status instead of an error.
func (c *Client) do(
	ctx context.Context,
	op string,
	scope platform.Scope,
	method, path string,
	query url.Values,
	body any,
	out any,
	allowNotFound bool,
) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%s: wait for rate limiter: %w", op, err)
	}
	token, err := c.tokens.Token(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("%s: resolve access token: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Member-ID", scope.MemberID)

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		observability.ObservePlatformRequest(op, "error", time.Since(started))
		return 0, fmt.Errorf("%s: request platform: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObservePlatformRequest(op, strconv.Itoa(resp.StatusCode), time.Since(started))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: read response body: %w", op, err)
	}
	if resp.StatusCode == http.StatusNotFound && allowNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, &platform.StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return resp.StatusCode, nil
}

func errorMessage(raw []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if len(parsed.Errors) > 0 && parsed.Errors[0].Message != "" {
			return parsed.Errors[0].Message
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

var _ platform.Client = (*Client)(nil)
