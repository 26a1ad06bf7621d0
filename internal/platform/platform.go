// Package platform describes the remote marketing-data platform that runs
// queries. SQL is executed by staging a data extension and a query
// definition that writes into it, then polling the started task.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/querystudio/querystudio/internal/schema"
)

// Scope names the tenant and member every remote call acts for.
type Scope struct {
	TenantID string
	MemberID string
}

type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type DataExtension struct {
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	FolderID  string          `json:"folderId,omitempty"`
	Fields    []schema.Column `json:"fields,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// UpdateOverwrite replaces the target rows on every execution.
const UpdateOverwrite = "Overwrite"

type QueryDefinition struct {
	ID         string    `json:"id,omitempty"`
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	FolderID   string    `json:"folderId,omitempty"`
	QueryText  string    `json:"queryText"`
	TargetKey  string    `json:"targetKey"`
	TargetName string    `json:"targetName,omitempty"`
	UpdateType string    `json:"targetUpdateType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type TaskState string

const (
	TaskQueued   TaskState = "queued"
	TaskRunning  TaskState = "running"
	TaskComplete TaskState = "complete"
	TaskError    TaskState = "error"
)

type Task struct {
	ID           string    `json:"id"`
	State        TaskState `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// RowPage is one page of staged results. Page is 1-based.
type RowPage struct {
	Rows      []map[string]any `json:"rows"`
	TotalRows int              `json:"totalRows"`
	Page      int              `json:"page"`
	PageSize  int              `json:"pageSize"`
}

const (
	ObjectDataExtension   = "data_extension"
	ObjectQueryDefinition = "query_definition"
)

// FolderObject is an entry of a folder listing. ID holds the key of a data
// extension or the id of a query definition.
type FolderObject struct {
	Kind      string    `json:"type"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client is everything the orchestrator and sweeper need from the remote
// platform. Find and Get methods report found=false for absent objects;
// deletes of absent objects succeed.
type Client interface {
	FindFolder(ctx context.Context, scope Scope, name string) (Folder, bool, error)
	CreateFolder(ctx context.Context, scope Scope, name string) (Folder, error)

	GetDataExtension(ctx context.Context, scope Scope, key string) (DataExtension, bool, error)
	CreateDataExtension(ctx context.Context, scope Scope, de DataExtension) (DataExtension, error)
	// DataExtensionFields looks a data extension up by its display name, the
	// way user SQL refers to it.
	DataExtensionFields(ctx context.Context, scope Scope, name string) ([]schema.Column, bool, error)
	DeleteDataExtension(ctx context.Context, scope Scope, key string) error
	GetRows(ctx context.Context, scope Scope, key string, page, pageSize int) (RowPage, error)

	FindQueryDefinition(ctx context.Context, scope Scope, key string) (QueryDefinition, bool, error)
	CreateQueryDefinition(ctx context.Context, scope Scope, qd QueryDefinition) (QueryDefinition, error)
	StartQueryDefinition(ctx context.Context, scope Scope, id string) (taskID string, err error)
	DeleteQueryDefinition(ctx context.Context, scope Scope, id string) error
	TaskStatus(ctx context.Context, scope Scope, taskID string) (Task, error)

	ListFolderObjects(ctx context.Context, scope Scope, folderID string) ([]FolderObject, error)
}

// StatusError is a non-success response from the platform.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: platform returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: platform returned status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err is a platform rejection that retrying
// cannot fix. Transport errors and 5xx responses are not permanent.
func IsPermanent(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Retryable()
	}
	return false
}

// Metadata adapts a Client to schema.Metadata for one scope.
type Metadata struct {
	Client Client
	Scope  Scope
}

func (m Metadata) TableFields(ctx context.Context, table string) ([]schema.Column, bool, error) {
	return m.Client.DataExtensionFields(ctx, m.Scope, table)
}

var _ schema.Metadata = Metadata{}
