// Package run holds the query run domain model: its lifecycle states,
// submission limits and the errors the rest of the system reports.
package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued                Status = "queued"
	StatusCreatingDataExtension Status = "creating_data_extension"
	StatusValidatingQuery       Status = "validating_query"
	StatusExecutingQuery        Status = "executing_query"
	StatusFetchingResults       Status = "fetching_results"
	StatusReady                 Status = "ready"
	StatusFailed                Status = "failed"
	StatusCanceled              Status = "canceled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Pipeline is the forward order of non-terminal work states.
var Pipeline = []Status{
	StatusQueued,
	StatusCreatingDataExtension,
	StatusValidatingQuery,
	StatusExecutingQuery,
	StatusFetchingResults,
	StatusReady,
}

func (s Status) step() int {
	for i, candidate := range Pipeline {
		if candidate == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether from may move to to. The pipeline only
// advances one step at a time; failed and canceled are reachable from any
// non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed, StatusCanceled:
		return true
	}
	fromStep, toStep := from.step(), to.step()
	return fromStep >= 0 && toStep == fromStep+1
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	switch s {
	case StatusQueued, StatusCreatingDataExtension, StatusValidatingQuery, StatusExecutingQuery,
		StatusFetchingResults, StatusReady, StatusFailed, StatusCanceled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown run status %q", raw)
	}
}

// Message is the human text attached to a transition into s.
func (s Status) Message() string {
	switch s {
	case StatusQueued:
		return "Waiting for a worker"
	case StatusCreatingDataExtension:
		return "Creating the result data extension"
	case StatusValidatingQuery:
		return "Creating and validating the query activity"
	case StatusExecutingQuery:
		return "Running the query"
	case StatusFetchingResults:
		return "Fetching results"
	case StatusReady:
		return "Results are ready"
	case StatusFailed:
		return "Query failed"
	case StatusCanceled:
		return "Query was canceled"
	default:
		return string(s)
	}
}

type Run struct {
	RunID             string
	TenantID          string
	MemberID          string
	UserID            string
	SQLText           string
	SnippetName       string
	Status            Status
	StatusMessage     string
	ErrorMessage      string
	DataExtensionKey  string
	QueryDefinitionID string
	TaskID            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// RemoteKey is the deterministic name shared by the staging data
// extension and the query definition of a run.
func RemoteKey(runID string) string {
	return "QS_" + strings.ReplaceAll(strings.ToLower(runID), "-", "")
}

type CreateInput struct {
	RunID       string
	TenantID    string
	MemberID    string
	UserID      string
	SQLText     string
	SnippetName string
}

// TransitionInput moves a run from From to To. Empty optional fields leave
// the stored values untouched.
type TransitionInput struct {
	RunID        string
	From         Status
	To           Status
	Message      string
	ErrorMessage string
}

type RemoteIDs struct {
	DataExtensionKey  string
	QueryDefinitionID string
	TaskID            string
}

type TenantFolder struct {
	TenantID   string
	MemberID   string
	FolderID   string
	FolderName string
}

// Repository persists runs. Every method expects a tenant binding in ctx,
// except ListTenantFolders which needs a system binding.
type Repository interface {
	Create(ctx context.Context, in CreateInput) (Run, error)
	Get(ctx context.Context, runID string) (Run, error)
	// Transition applies a guarded state change. applied is false when the
	// run was already in To, which callers treat as success.
	Transition(ctx context.Context, in TransitionInput) (Run, bool, error)
	SetRemoteIDs(ctx context.Context, runID string, ids RemoteIDs) error
	CountActive(ctx context.Context) (int, error)
	GetTenantFolder(ctx context.Context) (TenantFolder, error)
	PutTenantFolder(ctx context.Context, folder TenantFolder) error
	ListTenantFolders(ctx context.Context) ([]TenantFolder, error)
}

var (
	ErrNotFound          = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid run transition")
)

// InvalidStateError reports an operation issued against a run whose
// current status does not allow it.
type InvalidStateError struct {
	RunID  string
	Status Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("run %s is %s; %s requires a different state", e.RunID, e.Status, e.Op)
}

// TransitionError is returned when a guarded transition finds the run in
// an unexpected state.
type TransitionError struct {
	RunID   string
	From    Status
	To      Status
	Current Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot move %s -> %s, current status is %s", e.RunID, e.From, e.To, e.Current)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
