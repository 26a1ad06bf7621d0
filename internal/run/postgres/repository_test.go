package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/tenantdb"
)

var runColumnNames = []string{
	"run_id", "tenant_id", "member_id", "user_id", "sql_text", "snippet_name", "status", "status_message",
	"error_message", "data_extension_key", "query_definition_id", "task_id", "created_at", "updated_at", "completed_at",
}

func runRow(runID string, status run.Status, now time.Time) []driver.Value {
	var completed any
	if status.Terminal() {
		completed = now
	}
	return []driver.Value{runID, "tenant-1", "member-1", "user-1", "SELECT Name FROM Subscribers", "", string(status),
		status.Message(), "", "", "", "", now, now, completed}
}

func TestCreateRun(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()
	now := time.Now().UTC()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO query_run (run_id, tenant_id, member_id, user_id, sql_text, snippet_name, status, status_message)`)).
			WithArgs("run-1", "tenant-1", "member-1", "user-1", "SELECT Name FROM Subscribers", "", "queued", run.StatusQueued.Message()).
			WillReturnRows(sqlmock.NewRows(runColumnNames).AddRow(runRow("run-1", run.StatusQueued, now)...))

		created, err := repo.Create(ctx, run.CreateInput{
			RunID:    "run-1",
			TenantID: "tenant-1",
			MemberID: "member-1",
			UserID:   "user-1",
			SQLText:  "SELECT Name FROM Subscribers",
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if created.Status != run.StatusQueued {
			t.Fatalf("Status = %q", created.Status)
		}
		if created.CompletedAt != nil {
			t.Fatalf("CompletedAt = %v, want nil", created.CompletedAt)
		}
	})
	assertSQLMock(t, mock)
}

func TestRepositoryRequiresBinding(t *testing.T) {
	repo := NewRepository()
	if _, err := repo.Get(context.Background(), "run-1"); !errors.Is(err, tenantdb.ErrNoBinding) {
		t.Fatalf("Get() error = %v, want %v", err, tenantdb.ErrNoBinding)
	}
}

func TestGetRunReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM query_run
WHERE run_id = $1`)).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, run.ErrNotFound) {
			t.Fatalf("Get() error = %v, want %v", err, run.ErrNotFound)
		}
	})
	assertSQLMock(t, mock)
}

func TestTransitionApplied(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()
	now := time.Now().UTC()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE run_id = $1 AND status = $2`)).
			WithArgs("run-1", "executing_query", "fetching_results", run.StatusFetchingResults.Message(), "").
			WillReturnRows(sqlmock.NewRows(runColumnNames).AddRow(runRow("run-1", run.StatusFetchingResults, now)...))

		updated, applied, err := repo.Transition(ctx, run.TransitionInput{
			RunID: "run-1",
			From:  run.StatusExecutingQuery,
			To:    run.StatusFetchingResults,
		})
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if !applied || updated.Status != run.StatusFetchingResults {
			t.Fatalf("Transition() = %q applied=%v", updated.Status, applied)
		}
	})
	assertSQLMock(t, mock)
}

func TestTransitionAlreadyAppliedIsNoop(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()
	now := time.Now().UTC()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE run_id = $1 AND status = $2`)).
			WithArgs("run-1", "queued", "creating_data_extension", "Creating the result data extension", "").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM query_run
WHERE run_id = $1`)).
			WithArgs("run-1").
			WillReturnRows(sqlmock.NewRows(runColumnNames).AddRow(runRow("run-1", run.StatusCreatingDataExtension, now)...))

		current, applied, err := repo.Transition(ctx, run.TransitionInput{
			RunID: "run-1",
			From:  run.StatusQueued,
			To:    run.StatusCreatingDataExtension,
		})
		if err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if applied {
			t.Fatal("applied should be false for a repeated transition")
		}
		if current.Status != run.StatusCreatingDataExtension {
			t.Fatalf("Status = %q", current.Status)
		}
	})
	assertSQLMock(t, mock)
}

func TestTransitionLostRaceReportsCurrentStatus(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()
	now := time.Now().UTC()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE run_id = $1 AND status = $2`)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM query_run
WHERE run_id = $1`)).
			WithArgs("run-1").
			WillReturnRows(sqlmock.NewRows(runColumnNames).AddRow(runRow("run-1", run.StatusCanceled, now)...))

		_, _, err := repo.Transition(ctx, run.TransitionInput{
			RunID: "run-1",
			From:  run.StatusValidatingQuery,
			To:    run.StatusExecutingQuery,
		})
		var terr *run.TransitionError
		if !errors.As(err, &terr) {
			t.Fatalf("Transition() error = %v, want *run.TransitionError", err)
		}
		if terr.Current != run.StatusCanceled {
			t.Fatalf("Current = %q", terr.Current)
		}
	})
	assertSQLMock(t, mock)
}

func TestTransitionRejectsSkippedStep(t *testing.T) {
	repo := NewRepository()
	_, _, err := repo.Transition(context.Background(), run.TransitionInput{RunID: "run-1", From: run.StatusQueued, To: run.StatusReady})
	if !errors.Is(err, run.ErrInvalidTransition) {
		t.Fatalf("Transition() error = %v, want %v", err, run.ErrInvalidTransition)
	}
}

func TestSetRemoteIDsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectExec(regexp.QuoteMeta(`SET data_extension_key = COALESCE(NULLIF($2, ''), data_extension_key)`)).
			WithArgs("run-1", "QS_abc", "", "").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.SetRemoteIDs(ctx, "run-1", run.RemoteIDs{DataExtensionKey: "QS_abc"})
		if !errors.Is(err, run.ErrNotFound) {
			t.Fatalf("SetRemoteIDs() error = %v, want %v", err, run.ErrNotFound)
		}
	})
	assertSQLMock(t, mock)
}

func TestCountActive(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE status NOT IN ('ready', 'failed', 'canceled')`)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		count, err := repo.CountActive(ctx)
		if err != nil {
			t.Fatalf("CountActive() error = %v", err)
		}
		if count != 3 {
			t.Fatalf("count = %d", count)
		}
	})
	assertSQLMock(t, mock)
}

func TestTenantFolderRoundTrip(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()

	withTenant(t, db, mock, func(ctx context.Context) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM tenant_folder
WHERE tenant_id = $1 AND member_id = $2`)).
			WithArgs("tenant-1", "member-1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (tenant_id, member_id)`)).
			WithArgs("tenant-1", "member-1", "folder-9", "Query Studio").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if _, err := repo.GetTenantFolder(ctx); !errors.Is(err, run.ErrNotFound) {
			t.Fatalf("GetTenantFolder() error = %v, want %v", err, run.ErrNotFound)
		}
		if err := repo.PutTenantFolder(ctx, run.TenantFolder{
			TenantID:   "tenant-1",
			MemberID:   "member-1",
			FolderID:   "folder-9",
			FolderName: "Query Studio",
		}); err != nil {
			t.Fatalf("PutTenantFolder() error = %v", err)
		}
	})
	assertSQLMock(t, mock)
}

func TestListTenantFolders(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository()
	binder := tenantdb.NewBinder(db, nil, 0)

	mock.ExpectExec(`set_config\('app.tenant_id', \$1`).WithArgs("", "", "on").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY tenant_id ASC, member_id ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "member_id", "folder_id", "folder_name"}).
			AddRow("tenant-1", "member-1", "f1", "Query Studio").
			AddRow("tenant-2", "member-7", "f2", "Query Studio"))
	mock.ExpectExec(`set_config\('app.tenant_id', ''`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := binder.WithSystem(context.Background(), func(ctx context.Context) error {
		folders, err := repo.ListTenantFolders(ctx)
		if err != nil {
			return err
		}
		if len(folders) != 2 || folders[1].MemberID != "member-7" {
			t.Fatalf("folders = %+v", folders)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSystem() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func withTenant(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, fn func(ctx context.Context)) {
	t.Helper()
	binder := tenantdb.NewBinder(db, nil, 0)
	mock.ExpectExec(`set_config\('app.tenant_id', \$1`).
		WithArgs("tenant-1", "member-1", "off").
		WillReturnResult(sqlmock.NewResult(0, 1))
	var resetExpected bool
	err := binder.WithTenant(context.Background(), "tenant-1", "member-1", func(ctx context.Context) error {
		fn(ctx)
		mock.ExpectExec(`set_config\('app.tenant_id', ''`).WillReturnResult(sqlmock.NewResult(0, 1))
		resetExpected = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenant() error = %v", err)
	}
	if !resetExpected {
		t.Fatal("tenant operation did not complete")
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
