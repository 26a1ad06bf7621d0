package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/tenantdb"
)

const runColumns = `run_id, tenant_id, member_id, user_id, sql_text, snippet_name, status, status_message,
       error_message, data_extension_key, query_definition_id, task_id, created_at, updated_at, completed_at`

// Repository stores runs in query_run. It never touches *sql.DB directly:
// every statement goes through the connection of the tenant binding in ctx
// so row-level security applies.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (run.Run, error) {
	var r run.Run
	var status string
	if err := row.Scan(
		&r.RunID,
		&r.TenantID,
		&r.MemberID,
		&r.UserID,
		&r.SQLText,
		&r.SnippetName,
		&status,
		&r.StatusMessage,
		&r.ErrorMessage,
		&r.DataExtensionKey,
		&r.QueryDefinitionID,
		&r.TaskID,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.CompletedAt,
	); err != nil {
		return run.Run{}, err
	}
	parsed, err := run.ParseStatus(status)
	if err != nil {
		return run.Run{}, err
	}
	r.Status = parsed
	return r, nil
}

func (r *Repository) Create(ctx context.Context, in run.CreateInput) (run.Run, error) {
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return run.Run{}, fmt.Errorf("create run: %w", err)
	}
	query := `
INSERT INTO query_run (run_id, tenant_id, member_id, user_id, sql_text, snippet_name, status, status_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + runColumns

	created, err := scanRun(q.QueryRowContext(ctx, query,
		in.RunID,
		in.TenantID,
		in.MemberID,
		in.UserID,
		in.SQLText,
		in.SnippetName,
		string(run.StatusQueued),
		run.StatusQueued.Message(),
	))
	if err != nil {
		return run.Run{}, fmt.Errorf("create run: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, runID string) (run.Run, error) {
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return run.Run{}, fmt.Errorf("get run: %w", err)
	}
	query := `
SELECT ` + runColumns + `
FROM query_run
WHERE run_id = $1`

	found, err := scanRun(q.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run.Run{}, run.ErrNotFound
		}
		return run.Run{}, fmt.Errorf("get run: %w", err)
	}
	return found, nil
}

func (r *Repository) Transition(ctx context.Context, in run.TransitionInput) (run.Run, bool, error) {
	if !run.CanTransition(in.From, in.To) {
		return run.Run{}, false, fmt.Errorf("%w: %s -> %s", run.ErrInvalidTransition, in.From, in.To)
	}
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return run.Run{}, false, fmt.Errorf("transition run: %w", err)
	}
	message := in.Message
	if message == "" {
		message = in.To.Message()
	}

	query := `
UPDATE query_run
SET status = $3,
    status_message = $4,
    error_message = COALESCE(NULLIF($5, ''), error_message),
    updated_at = NOW(),
    completed_at = CASE WHEN $3::text IN ('ready', 'failed', 'canceled') THEN NOW() ELSE completed_at END
WHERE run_id = $1 AND status = $2
RETURNING ` + runColumns

	updated, err := scanRun(q.QueryRowContext(ctx, query, in.RunID, string(in.From), string(in.To), message, in.ErrorMessage))
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return run.Run{}, false, fmt.Errorf("transition run %s -> %s: %w", in.From, in.To, err)
	}

	current, err := r.Get(ctx, in.RunID)
	if err != nil {
		return run.Run{}, false, err
	}
	if current.Status == in.To {
		return current, false, nil
	}
	return current, false, &run.TransitionError{RunID: in.RunID, From: in.From, To: in.To, Current: current.Status}
}

func (r *Repository) SetRemoteIDs(ctx context.Context, runID string, ids run.RemoteIDs) error {
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return fmt.Errorf("set remote ids: %w", err)
	}
	query := `
UPDATE query_run
SET data_extension_key = COALESCE(NULLIF($2, ''), data_extension_key),
    query_definition_id = COALESCE(NULLIF($3, ''), query_definition_id),
    task_id = COALESCE(NULLIF($4, ''), task_id),
    updated_at = NOW()
WHERE run_id = $1`

	result, err := q.ExecContext(ctx, query, runID, ids.DataExtensionKey, ids.QueryDefinitionID, ids.TaskID)
	if err != nil {
		return fmt.Errorf("set remote ids: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read remote ids rows affected: %w", err)
	}
	if affected == 0 {
		return run.ErrNotFound
	}
	return nil
}

// CountActive counts non-terminal runs visible to the bound tenant scope.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	var count int
	if err := q.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM query_run
WHERE status NOT IN ('ready', 'failed', 'canceled')`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return count, nil
}

func (r *Repository) GetTenantFolder(ctx context.Context) (run.TenantFolder, error) {
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return run.TenantFolder{}, fmt.Errorf("get tenant folder: %w", err)
	}
	binding, _ := tenantdb.FromContext(ctx)
	query := `
SELECT tenant_id, member_id, folder_id, folder_name
FROM tenant_folder
WHERE tenant_id = $1 AND member_id = $2`

	var folder run.TenantFolder
	if err := q.QueryRowContext(ctx, query, binding.TenantID, binding.MemberID).Scan(
		&folder.TenantID,
		&folder.MemberID,
		&folder.FolderID,
		&folder.FolderName,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run.TenantFolder{}, run.ErrNotFound
		}
		return run.TenantFolder{}, fmt.Errorf("get tenant folder: %w", err)
	}
	return folder, nil
}

func (r *Repository) PutTenantFolder(ctx context.Context, folder run.TenantFolder) error {
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return fmt.Errorf("put tenant folder: %w", err)
	}
	query := `
INSERT INTO tenant_folder (tenant_id, member_id, folder_id, folder_name)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, member_id)
DO UPDATE SET folder_id = EXCLUDED.folder_id, folder_name = EXCLUDED.folder_name, updated_at = NOW()`

	if _, err := q.ExecContext(ctx, query, folder.TenantID, folder.MemberID, folder.FolderID, folder.FolderName); err != nil {
		return fmt.Errorf("put tenant folder: %w", err)
	}
	return nil
}

func (r *Repository) ListTenantFolders(ctx context.Context) ([]run.TenantFolder, error) {
	q, err := tenantdb.Querier(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenant folders: %w", err)
	}
	rows, err := q.QueryContext(ctx, `
SELECT tenant_id, member_id, folder_id, folder_name
FROM tenant_folder
ORDER BY tenant_id ASC, member_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenant folders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	folders := make([]run.TenantFolder, 0)
	for rows.Next() {
		var folder run.TenantFolder
		if err := rows.Scan(&folder.TenantID, &folder.MemberID, &folder.FolderID, &folder.FolderName); err != nil {
			return nil, fmt.Errorf("scan tenant folder row: %w", err)
		}
		folders = append(folders, folder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant folder rows: %w", err)
	}
	return folders, nil
}

var _ run.Repository = (*Repository)(nil)
