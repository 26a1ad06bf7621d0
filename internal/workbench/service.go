// Package workbench implements the user-facing run operations: linting,
// submission, status, cancellation and result paging.
package workbench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/querystudio/querystudio/internal/jobqueue"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/orchestrator"
	"github.com/querystudio/querystudio/internal/platform"
	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/sqllint"
	"github.com/querystudio/querystudio/internal/statusstream"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500

	DefaultMaxConcurrentRuns = 5
)

var ErrTooManyRuns = errors.New("too many active runs")

// PolicyError rejects SQL that has blocking diagnostics.
type PolicyError struct {
	Diagnostics []sqllint.Diagnostic
}

func (e *PolicyError) Error() string {
	for _, d := range e.Diagnostics {
		if d.Severity.Blocks() {
			return "sql policy violation: " + d.Message
		}
	}
	return "sql policy violation"
}

type Binder interface {
	WithTenant(ctx context.Context, tenantID, memberID string, fn func(ctx context.Context) error) error
}

// Principal identifies who acts. Tenant and member scope every access.
type Principal struct {
	TenantID string
	MemberID string
	UserID   string
}

type Config struct {
	MaxConcurrentRuns int
	MaxAttempts       int
}

type Service struct {
	Runs     run.Repository
	Queue    jobqueue.Queue
	Binder   Binder
	Platform platform.Client
	Notifier statusstream.Notifier
	Config   Config
	Logger   *slog.Logger
	NewID    func() string
}

type LintRequest struct {
	SQL    string
	Tables []sqllint.TableMetadata
	Cursor *int
}

type LintResult struct {
	Diagnostics []sqllint.Diagnostic `json:"diagnostics"`
	Executable  bool                 `json:"executable"`
}

type SubmitRequest struct {
	SQLText     string
	SnippetName string
	Tables      []sqllint.TableMetadata
}

type SubmitResult struct {
	RunID  string     `json:"run_id"`
	Status run.Status `json:"status"`
}

type ResultsPage struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	TotalRows int      `json:"total_rows"`
	Page      int      `json:"page"`
	PageSize  int      `json:"page_size"`
}

func (s *Service) ensureDefaults() {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Notifier == nil {
		s.Notifier = statusstream.NopNotifier{}
	}
	if s.NewID == nil {
		s.NewID = uuid.NewString
	}
	if s.Config.MaxConcurrentRuns <= 0 {
		s.Config.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
}

func tableInputs(tables []sqllint.TableMetadata) []run.TableInput {
	out := make([]run.TableInput, 0, len(tables))
	for _, table := range tables {
		fields := make([]string, 0, len(table.Fields))
		for _, f := range table.Fields {
			fields = append(fields, f.Name)
		}
		out = append(out, run.TableInput{Name: table.Name, Fields: fields})
	}
	return out
}

// Lint checks SQL without submitting it. An empty text is linted rather
// than rejected so editors get the usual prerequisites.
func (s *Service) Lint(req LintRequest) (LintResult, error) {
	err := run.ValidateSubmission(run.SubmissionInput{SQLText: req.SQL, Tables: tableInputs(req.Tables)})
	var validationErr *run.ValidationError
	if errors.As(err, &validationErr) {
		kept := validationErr.Violations[:0]
		for _, v := range validationErr.Violations {
			if v.Field == "sql_text" && strings.TrimSpace(req.SQL) == "" {
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) > 0 {
			return LintResult{}, &run.ValidationError{Violations: kept}
		}
	}

	diags := sqllint.Lint(req.SQL, sqllint.Context{Tables: req.Tables, Cursor: req.Cursor})
	observeDiagnostics(diags)
	if diags == nil {
		diags = []sqllint.Diagnostic{}
	}
	return LintResult{Diagnostics: diags, Executable: !sqllint.Blocking(diags)}, nil
}

func observeDiagnostics(diags []sqllint.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	counts := make(map[string]int, 3)
	for _, d := range diags {
		counts[string(d.Severity)]++
	}
	observability.ObserveLintDiagnostics(counts)
}

// Submit validates, lints and queues a run.
func (s *Service) Submit(ctx context.Context, p Principal, req SubmitRequest) (SubmitResult, error) {
	s.ensureDefaults()
	if err := run.ValidateSubmission(run.SubmissionInput{
		SQLText:     req.SQLText,
		SnippetName: req.SnippetName,
		Tables:      tableInputs(req.Tables),
	}); err != nil {
		observability.IncrementRunSubmission("invalid")
		return SubmitResult{}, err
	}

	diags := sqllint.Lint(req.SQLText, sqllint.Context{Tables: req.Tables})
	observeDiagnostics(diags)
	if sqllint.Blocking(diags) {
		observability.IncrementRunSubmission("rejected")
		return SubmitResult{}, &PolicyError{Diagnostics: diags}
	}

	var created run.Run
	err := s.Binder.WithTenant(ctx, p.TenantID, p.MemberID, func(ctx context.Context) error {
		active, err := s.Runs.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if active >= s.Config.MaxConcurrentRuns {
			return ErrTooManyRuns
		}
		created, err = s.Runs.Create(ctx, run.CreateInput{
			RunID:       s.NewID(),
			TenantID:    p.TenantID,
			MemberID:    p.MemberID,
			UserID:      p.UserID,
			SQLText:     req.SQLText,
			SnippetName: req.SnippetName,
		})
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		if err := orchestrator.Enqueue(ctx, s.Queue, created, s.Config.MaxAttempts); err != nil {
			s.abandon(ctx, created, err)
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTooManyRuns) {
			observability.IncrementRunSubmission("throttled")
		} else {
			observability.IncrementRunSubmission("error")
		}
		return SubmitResult{}, err
	}

	observability.IncrementRunSubmission("accepted")
	s.Logger.InfoContext(ctx, "run submitted",
		slog.String("run_id", created.RunID),
		slog.String("tenant_id", p.TenantID),
		slog.String("member_id", p.MemberID),
	)
	return SubmitResult{RunID: created.RunID, Status: created.Status}, nil
}

// abandon fails a run whose first job could not be queued.
func (s *Service) abandon(ctx context.Context, r run.Run, cause error) {
	if _, _, err := s.Runs.Transition(ctx, run.TransitionInput{
		RunID:        r.RunID,
		From:         run.StatusQueued,
		To:           run.StatusFailed,
		ErrorMessage: "The run could not be scheduled",
	}); err != nil {
		s.Logger.ErrorContext(ctx, "abandon unscheduled run failed",
			slog.String("run_id", r.RunID), slog.Any("cause", cause), slog.Any("error", err))
	}
}

func (s *Service) Get(ctx context.Context, p Principal, runID string) (run.Run, error) {
	var out run.Run
	err := s.Binder.WithTenant(ctx, p.TenantID, p.MemberID, func(ctx context.Context) error {
		var err error
		out, err = s.Runs.Get(ctx, runID)
		return err
	})
	return out, err
}

// Cancel flips a non-terminal run to canceled. Canceling a finished run is
// a no-op that returns its current state. Workers notice the flip at their
// next step boundary.
func (s *Service) Cancel(ctx context.Context, p Principal, runID string) (run.Run, error) {
	s.ensureDefaults()
	var out run.Run
	err := s.Binder.WithTenant(ctx, p.TenantID, p.MemberID, func(ctx context.Context) error {
		for attempt := 0; attempt < 3; attempt++ {
			current, err := s.Runs.Get(ctx, runID)
			if err != nil {
				return err
			}
			if current.Status.Terminal() {
				out = current
				return nil
			}
			updated, applied, err := s.Runs.Transition(ctx, run.TransitionInput{
				RunID: runID,
				From:  current.Status,
				To:    run.StatusCanceled,
			})
			if errors.Is(err, run.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return fmt.Errorf("cancel run %s: %w", runID, err)
			}
			if applied {
				observability.IncrementRunTransition(string(run.StatusCanceled))
				if err := s.Notifier.Notify(ctx, statusstream.EventFor(updated)); err != nil {
					s.Logger.WarnContext(ctx, "publish cancel event failed", slog.String("run_id", runID), slog.Any("error", err))
				}
			}
			out = updated
			return nil
		}
		return fmt.Errorf("cancel run %s: status kept changing", runID)
	})
	return out, err
}

// Results returns one page of a ready run's rows. Columns come from the
// staging data extension so every row lines up with them.
func (s *Service) Results(ctx context.Context, p Principal, runID string, page, pageSize int) (ResultsPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	r, err := s.Get(ctx, p, runID)
	if err != nil {
		return ResultsPage{}, err
	}
	if r.Status != run.StatusReady {
		return ResultsPage{}, &run.InvalidStateError{RunID: r.RunID, Status: r.Status, Op: "results"}
	}

	scope := platform.Scope{TenantID: r.TenantID, MemberID: r.MemberID}
	key := r.DataExtensionKey
	if key == "" {
		key = run.RemoteKey(r.RunID)
	}
	de, found, err := s.Platform.GetDataExtension(ctx, scope, key)
	if err != nil {
		return ResultsPage{}, fmt.Errorf("load result fields: %w", err)
	}
	if !found {
		return ResultsPage{}, fmt.Errorf("results of run %s are no longer available: %w", runID, run.ErrNotFound)
	}
	rows, err := s.Platform.GetRows(ctx, scope, key, page, pageSize)
	if err != nil {
		return ResultsPage{}, fmt.Errorf("load result rows: %w", err)
	}

	columns := make([]string, 0, len(de.Fields))
	for _, field := range de.Fields {
		columns = append(columns, field.Name)
	}
	out := ResultsPage{
		Columns:   columns,
		Rows:      make([][]any, 0, len(rows.Rows)),
		TotalRows: rows.TotalRows,
		Page:      page,
		PageSize:  pageSize,
	}
	for _, values := range rows.Rows {
		out.Rows = append(out.Rows, align(columns, values))
	}
	return out, nil
}

func align(columns []string, values map[string]any) []any {
	row := make([]any, len(columns))
	for i, name := range columns {
		if v, ok := values[name]; ok {
			row[i] = v
			continue
		}
		for key, v := range values {
			if strings.EqualFold(key, name) {
				row[i] = v
				break
			}
		}
	}
	return row
}
