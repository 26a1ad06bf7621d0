package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querystudio/querystudio/internal/jobqueue"
	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/platform"
	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/schema"
	"github.com/querystudio/querystudio/internal/sqllint"
	"github.com/querystudio/querystudio/internal/statusstream"
)

// failure is a permanent step error. Its message becomes the run's error
// message.
type failure struct {
	message string
}

func (f *failure) Error() string { return f.message }

func failf(format string, args ...any) error {
	return &failure{message: fmt.Sprintf(format, args...)}
}

// stoppedError reports that the run reached a terminal state outside this
// worker, usually through cancellation.
type stoppedError struct {
	Status run.Status
}

func (e *stoppedError) Error() string {
	return "run is " + string(e.Status)
}

func permanent(err error) bool {
	var f *failure
	return errors.As(err, &f) || errors.Is(err, schema.ErrInferenceFailed) || platform.IsPermanent(err)
}

func failureMessage(err error) string {
	var f *failure
	if errors.As(err, &f) {
		return f.message
	}
	var statusErr *platform.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}
	var inferErr *schema.InferenceError
	if errors.As(err, &inferErr) {
		return "Could not determine the result columns: " + inferErr.Reason
	}
	return err.Error()
}

func scopeOf(r run.Run) platform.Scope {
	return platform.Scope{TenantID: r.TenantID, MemberID: r.MemberID}
}

// load returns the run or a stoppedError when it is already terminal.
func (s *Service) load(ctx context.Context, runID string) (run.Run, error) {
	r, err := s.Runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return run.Run{}, failf("run %s no longer exists", runID)
		}
		return run.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if r.Status.Terminal() {
		return run.Run{}, &stoppedError{Status: r.Status}
	}
	return r, nil
}

// advance applies one guarded transition. Losing the race against a
// terminal transition yields a stoppedError.
func (s *Service) advance(ctx context.Context, r run.Run, to run.Status, errorMessage string) (run.Run, error) {
	updated, applied, err := s.Runs.Transition(ctx, run.TransitionInput{
		RunID:        r.RunID,
		From:         r.Status,
		To:           to,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		var transitionErr *run.TransitionError
		if errors.As(err, &transitionErr) && transitionErr.Current.Terminal() {
			return run.Run{}, &stoppedError{Status: transitionErr.Current}
		}
		return run.Run{}, fmt.Errorf("move run %s to %s: %w", r.RunID, to, err)
	}
	if applied {
		s.announce(ctx, updated)
	}
	return updated, nil
}

func (s *Service) announce(ctx context.Context, r run.Run) {
	observability.IncrementRunTransition(string(r.Status))
	ctx, cancel := context.WithTimeout(ctx, s.Config.StoreTimeout)
	defer cancel()
	if err := s.Notifier.Notify(ctx, statusstream.EventFor(r)); err != nil {
		s.Logger.WarnContext(ctx, "publish status event failed", slog.String("run_id", r.RunID), slog.Any("error", err))
	}
}

// execute walks a run from its stored state up to a started remote task.
// Each stage checks for existing remote objects first so a redelivered job
// resumes instead of duplicating work.
func (s *Service) execute(ctx context.Context, job jobqueue.Job) error {
	r, err := s.load(ctx, job.RunID)
	if err != nil {
		return err
	}
	scope := scopeOf(r)
	key := run.RemoteKey(r.RunID)

	if r.Status == run.StatusQueued {
		if r, err = s.advance(ctx, r, run.StatusCreatingDataExtension, ""); err != nil {
			return err
		}
	}

	var querySQL string
	if r.Status == run.StatusCreatingDataExtension || r.Status == run.StatusValidatingQuery {
		folderID, err := s.ensureFolder(ctx, scope)
		if err != nil {
			return err
		}
		prepared, cols, err := s.prepare(ctx, scope, r.SQLText)
		if err != nil {
			return err
		}
		querySQL = prepared

		if r.Status == run.StatusCreatingDataExtension {
			if err := s.ensureDataExtension(ctx, scope, key, folderID, cols); err != nil {
				return err
			}
			if err := s.Runs.SetRemoteIDs(ctx, r.RunID, run.RemoteIDs{DataExtensionKey: key}); err != nil {
				return fmt.Errorf("record data extension: %w", err)
			}
			if r, err = s.advance(ctx, r, run.StatusValidatingQuery, ""); err != nil {
				return err
			}
		}

		if diags := sqllint.Lint(r.SQLText, sqllint.Context{}); sqllint.Blocking(diags) {
			return failf("Query violates SQL policy: %s", firstBlocking(diags))
		}
		qd, err := s.ensureQueryDefinition(ctx, scope, key, folderID, querySQL)
		if err != nil {
			return err
		}
		if err := s.Runs.SetRemoteIDs(ctx, r.RunID, run.RemoteIDs{QueryDefinitionID: qd.ID}); err != nil {
			return fmt.Errorf("record query definition: %w", err)
		}
		r.QueryDefinitionID = qd.ID
		if r, err = s.advance(ctx, r, run.StatusExecutingQuery, ""); err != nil {
			return err
		}
	}

	if r.Status != run.StatusExecutingQuery {
		return nil
	}
	if r.TaskID == "" {
		if r.QueryDefinitionID == "" {
			return failf("run %s has no query definition to start", r.RunID)
		}
		taskID, err := s.Platform.StartQueryDefinition(ctx, scope, r.QueryDefinitionID)
		if err != nil {
			return fmt.Errorf("start query definition: %w", err)
		}
		if err := s.Runs.SetRemoteIDs(ctx, r.RunID, run.RemoteIDs{TaskID: taskID}); err != nil {
			return fmt.Errorf("record task id: %w", err)
		}
	}
	return s.schedulePoll(ctx, r, 1)
}

func (s *Service) poll(ctx context.Context, job jobqueue.Job) error {
	r, err := s.load(ctx, job.RunID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusExecutingQuery && r.Status != run.StatusFetchingResults {
		s.Logger.WarnContext(ctx, "ignoring poll for run outside execution", slog.String("run_id", r.RunID), slog.String("status", string(r.Status)))
		return nil
	}
	scope := scopeOf(r)

	if r.Status == run.StatusExecutingQuery {
		if r.TaskID == "" {
			return failf("run %s is executing without a task id", r.RunID)
		}
		task, err := s.Platform.TaskStatus(ctx, scope, r.TaskID)
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		switch task.State {
		case platform.TaskQueued, platform.TaskRunning:
			return s.schedulePoll(ctx, r, job.Sequence+1)
		case platform.TaskError:
			message := strings.TrimSpace(task.ErrorMessage)
			if message == "" {
				message = "The query failed on the platform"
			}
			return failf("%s", message)
		}
		if r, err = s.advance(ctx, r, run.StatusFetchingResults, ""); err != nil {
			return err
		}
	}

	if _, err := s.Platform.GetRows(ctx, scope, run.RemoteKey(r.RunID), 1, 1); err != nil {
		return fmt.Errorf("probe results: %w", err)
	}
	_, err = s.advance(ctx, r, run.StatusReady, "")
	return err
}

// schedulePoll enqueues poll number sequence, or fails the run once the
// polling budget is spent.
func (s *Service) schedulePoll(ctx context.Context, r run.Run, sequence int) error {
	maxPolls := int(s.Config.MaxPollDuration / s.Config.StatusPollInterval)
	if maxPolls < 1 {
		maxPolls = 1
	}
	if sequence > maxPolls {
		return failf("Query timed out after %s", s.Config.MaxPollDuration.Round(time.Second))
	}
	enqueueCtx, cancel := context.WithTimeout(ctx, s.Config.StoreTimeout)
	defer cancel()
	_, inserted, err := s.Queue.Enqueue(enqueueCtx, jobqueue.EnqueueInput{
		RunID:       r.RunID,
		TenantID:    r.TenantID,
		MemberID:    r.MemberID,
		Kind:        jobqueue.KindPoll,
		Sequence:    sequence,
		Delay:       s.Config.StatusPollInterval,
		MaxAttempts: s.Config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue poll %d: %w", sequence, err)
	}
	if !inserted {
		s.Logger.DebugContext(ctx, "poll already scheduled", slog.String("run_id", r.RunID), slog.Int("sequence", sequence))
	}
	return nil
}

func (s *Service) ensureFolder(ctx context.Context, scope platform.Scope) (string, error) {
	cached, err := s.Runs.GetTenantFolder(ctx)
	if err == nil && cached.FolderID != "" {
		return cached.FolderID, nil
	}
	if err != nil && !errors.Is(err, run.ErrNotFound) {
		return "", fmt.Errorf("load tenant folder: %w", err)
	}

	name := s.Config.FolderName
	folder, found, err := s.Platform.FindFolder(ctx, scope, name)
	if err != nil {
		return "", fmt.Errorf("find folder %q: %w", name, err)
	}
	if !found {
		if folder, err = s.Platform.CreateFolder(ctx, scope, name); err != nil {
			return "", fmt.Errorf("create folder %q: %w", name, err)
		}
	}
	if err := s.Runs.PutTenantFolder(ctx, run.TenantFolder{
		TenantID:   scope.TenantID,
		MemberID:   scope.MemberID,
		FolderID:   folder.ID,
		FolderName: name,
	}); err != nil {
		return "", fmt.Errorf("cache tenant folder: %w", err)
	}
	return folder.ID, nil
}

// prepare expands stars, infers the output columns and aliases every
// select item so the query writes into matching staging fields.
func (s *Service) prepare(ctx context.Context, scope platform.Scope, sqlText string) (string, []schema.Column, error) {
	md := platform.Metadata{Client: s.Platform, Scope: scope}
	expanded, err := schema.ExpandStars(ctx, sqlText, md)
	if err != nil {
		return "", nil, err
	}
	cols, err := schema.Infer(ctx, expanded, md)
	if err != nil {
		return "", nil, err
	}
	aliased, err := schema.Alias(expanded, cols)
	if err != nil {
		return "", nil, err
	}
	return aliased, cols, nil
}

func (s *Service) ensureDataExtension(ctx context.Context, scope platform.Scope, key, folderID string, cols []schema.Column) error {
	if _, found, err := s.Platform.GetDataExtension(ctx, scope, key); err != nil {
		return fmt.Errorf("get data extension %s: %w", key, err)
	} else if found {
		return nil
	}
	if _, err := s.Platform.CreateDataExtension(ctx, scope, platform.DataExtension{
		Key:      key,
		Name:     key,
		FolderID: folderID,
		Fields:   cols,
	}); err != nil {
		return fmt.Errorf("create data extension %s: %w", key, err)
	}
	return nil
}

func (s *Service) ensureQueryDefinition(ctx context.Context, scope platform.Scope, key, folderID, querySQL string) (platform.QueryDefinition, error) {
	qd, found, err := s.Platform.FindQueryDefinition(ctx, scope, key)
	if err != nil {
		return platform.QueryDefinition{}, fmt.Errorf("find query definition %s: %w", key, err)
	}
	if !found {
		qd, err = s.Platform.CreateQueryDefinition(ctx, scope, platform.QueryDefinition{
			Key:        key,
			Name:       key,
			FolderID:   folderID,
			QueryText:  querySQL,
			TargetKey:  key,
			TargetName: key,
			UpdateType: platform.UpdateOverwrite,
		})
		if err != nil {
			return platform.QueryDefinition{}, fmt.Errorf("create query definition %s: %w", key, err)
		}
	}
	if !strings.EqualFold(qd.TargetKey, key) {
		return platform.QueryDefinition{}, failf("query definition %s targets %q instead of its staging data extension", key, qd.TargetKey)
	}
	return qd, nil
}

// failRun moves the run to failed and removes its query definition.
func (s *Service) failRun(ctx context.Context, runID string, cause error, logger *slog.Logger) error {
	message := failureMessage(cause)
	for attempt := 0; attempt < 3; attempt++ {
		r, err := s.load(ctx, runID)
		var stopped *stoppedError
		if errors.As(err, &stopped) {
			return nil
		}
		var f *failure
		if errors.As(err, &f) {
			logger.WarnContext(ctx, "cannot record failure", slog.String("reason", f.message))
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := s.advance(ctx, r, run.StatusFailed, message); err != nil {
			if errors.As(err, &stopped) || errors.Is(err, run.ErrInvalidTransition) {
				continue
			}
			return err
		}
		s.cleanup(ctx, runID, logger)
		return nil
	}
	return fmt.Errorf("record failure of run %s: status kept changing", runID)
}

// cleanup best-effort deletes the run's query definition. The staging data
// extension stays until the sweeper ages it out.
func (s *Service) cleanup(ctx context.Context, runID string, logger *slog.Logger) {
	r, err := s.Runs.Get(ctx, runID)
	if err != nil {
		logger.WarnContext(ctx, "cleanup skipped, run unreadable", slog.Any("error", err))
		return
	}
	if r.QueryDefinitionID == "" {
		return
	}
	if err := s.Platform.DeleteQueryDefinition(ctx, scopeOf(r), r.QueryDefinitionID); err != nil {
		logger.WarnContext(ctx, "delete query definition failed", slog.String("query_definition_id", r.QueryDefinitionID), slog.Any("error", err))
	}
}

func firstBlocking(diags []sqllint.Diagnostic) string {
	for _, d := range diags {
		if d.Severity.Blocks() {
			return d.Message
		}
	}
	return "blocked"
}
