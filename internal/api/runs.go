package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/querystudio/querystudio/internal/auth"
	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/sqllint"
	"github.com/querystudio/querystudio/internal/workbench"
)

type lintRequest struct {
	SQL           string                  `json:"sql"`
	TableMetadata []sqllint.TableMetadata `json:"table_metadata"`
	CursorOffset  *int                    `json:"cursor_offset"`
}

type submitRunRequest struct {
	SQLText       string                  `json:"sql_text"`
	SnippetName   string                  `json:"snippet_name"`
	TableMetadata []sqllint.TableMetadata `json:"table_metadata"`
}

type runResponse struct {
	RunID         string     `json:"run_id"`
	Status        run.Status `json:"status"`
	StatusMessage string     `json:"status_message"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	SnippetName   string     `json:"snippet_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toRunResponse(r run.Run) runResponse {
	message := r.StatusMessage
	if message == "" {
		message = r.Status.Message()
	}
	return runResponse{
		RunID:         r.RunID,
		Status:        r.Status,
		StatusMessage: message,
		ErrorMessage:  r.ErrorMessage,
		SnippetName:   r.SnippetName,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func handleLint(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(deps, w, r); !ok {
		return
	}
	var request lintRequest
	if !decodeBody(w, r, &request) {
		return
	}
	result, err := deps.Workbench.Lint(workbench.LintRequest{
		SQL:    request.SQL,
		Tables: request.TableMetadata,
		Cursor: request.CursorOffset,
	})
	if err != nil {
		writeWorkbenchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleSubmitRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	principal, ok := authorize(deps, w, r)
	if !ok {
		return
	}
	var request submitRunRequest
	if !decodeBody(w, r, &request) {
		return
	}
	result, err := deps.Workbench.Submit(r.Context(), principal, workbench.SubmitRequest{
		SQLText:     request.SQLText,
		SnippetName: request.SnippetName,
		Tables:      request.TableMetadata,
	})
	if err != nil {
		writeWorkbenchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func handleGetRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	principal, ok := authorize(deps, w, r)
	if !ok {
		return
	}
	current, err := deps.Workbench.Get(r.Context(), principal, r.PathValue("run"))
	if err != nil {
		writeWorkbenchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(current))
}

func handleCancelRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	principal, ok := authorize(deps, w, r)
	if !ok {
		return
	}
	updated, err := deps.Workbench.Cancel(r.Context(), principal, r.PathValue("run"))
	if err != nil {
		writeWorkbenchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": updated.RunID, "status": updated.Status})
}

func handleRunResults(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	principal, ok := authorize(deps, w, r)
	if !ok {
		return
	}
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PAGINATION", err.Error(), false, nil)
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PAGINATION", err.Error(), false, nil)
		return
	}
	result, err := deps.Workbench.Results(r.Context(), principal, r.PathValue("run"), page, pageSize)
	if err != nil {
		writeWorkbenchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

// authorize resolves the caller and checks the runner role. It writes the
// error response itself when ok is false.
func authorize(deps Dependencies, w http.ResponseWriter, r *http.Request) (workbench.Principal, bool) {
	if deps.Workbench == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "RUNS_NOT_CONFIGURED", "run service is not configured", false, nil)
		return workbench.Principal{}, false
	}
	principal, err := principalFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return workbench.Principal{}, false
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return workbench.Principal{}, false
	}
	return principal, true
}

func principalFromRequest(r *http.Request) (workbench.Principal, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" && strings.TrimSpace(identity.MemberID) != "" {
			return workbench.Principal{TenantID: identity.TenantID, MemberID: identity.MemberID, UserID: identity.UserID}, nil
		}
	}
	principal := workbench.Principal{
		TenantID: strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
		MemberID: strings.TrimSpace(r.Header.Get("X-Member-ID")),
		UserID:   strings.TrimSpace(r.Header.Get("X-User-ID")),
	}
	if principal.TenantID == "" || principal.MemberID == "" {
		return workbench.Principal{}, fmt.Errorf("tenant and member context is required")
	}
	return principal, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func writeWorkbenchError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *run.ValidationError
	var policyErr *workbench.PolicyError
	var stateErr *run.InvalidStateError
	switch {
	case errors.As(err, &validationErr):
		writeError(r.Context(), w, http.StatusBadRequest, "VALIDATION_FAILED", "request failed validation", false, map[string]any{
			"violations": validationErr.Violations,
		})
	case errors.As(err, &policyErr):
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_POLICY_VIOLATION", policyErr.Error(), false, map[string]any{
			"diagnostics": policyErr.Diagnostics,
		})
	case errors.Is(err, workbench.ErrTooManyRuns):
		writeError(r.Context(), w, http.StatusTooManyRequests, "TOO_MANY_RUNS", "too many runs are in progress; wait for one to finish", true, nil)
	case errors.Is(err, run.ErrNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "RUN_NOT_FOUND", "run was not found", false, nil)
	case errors.As(err, &stateErr):
		writeError(r.Context(), w, http.StatusConflict, "INVALID_RUN_STATE", stateErr.Error(), false, map[string]any{
			"status": stateErr.Status,
		})
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "request failed", true, map[string]any{"details": err.Error()})
	}
}
