// Package sweeper removes aged remote staging objects left behind by runs.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/platform"
	"github.com/querystudio/querystudio/internal/run"
)

// remoteName matches the objects a run creates, see run.RemoteKey.
var remoteName = regexp.MustCompile(`^QS_[0-9a-f]{32}$`)

type Folders interface {
	ListTenantFolders(ctx context.Context) ([]run.TenantFolder, error)
}

type SystemBinder interface {
	WithSystem(ctx context.Context, fn func(ctx context.Context) error) error
}

type Config struct {
	MaxAge      time.Duration
	Parallelism int
}

type Service struct {
	Folders  Folders
	Binder   SystemBinder
	Platform platform.Client
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
}

type Summary struct {
	TenantsScanned int `json:"tenants_scanned"`
	ObjectsScanned int `json:"objects_scanned"`
	Candidates     int `json:"candidates"`
	Deleted        int `json:"deleted"`
	Failures       int `json:"failures"`
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Config.MaxAge <= 0 {
		s.Config.MaxAge = 24 * time.Hour
	}
	if s.Config.Parallelism <= 0 {
		s.Config.Parallelism = 4
	}
}

// RunOnce sweeps every known tenant folder. A failing tenant or object is
// counted and reported but never stops the rest of the sweep.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	s.ensureDefaults()
	if s.Platform == nil {
		return Summary{}, fmt.Errorf("platform client is required")
	}

	var folders []run.TenantFolder
	err := s.Binder.WithSystem(ctx, func(ctx context.Context) error {
		var err error
		folders, err = s.Folders.ListTenantFolders(ctx)
		return err
	})
	if err != nil {
		observability.ObserveSweep("error", 0, 1)
		return Summary{}, fmt.Errorf("list tenant folders: %w", err)
	}

	cutoff := s.Clock().Add(-s.Config.MaxAge)
	summary := Summary{TenantsScanned: len(folders)}
	var mu sync.Mutex
	var failures []string

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.Config.Parallelism)
	for _, folder := range folders {
		group.Go(func() error {
			result, folderFailures := s.sweepFolder(groupCtx, folder, cutoff)
			mu.Lock()
			defer mu.Unlock()
			summary.ObjectsScanned += result.ObjectsScanned
			summary.Candidates += result.Candidates
			summary.Deleted += result.Deleted
			failures = append(failures, folderFailures...)
			return nil
		})
	}
	_ = group.Wait()

	summary.Failures = len(failures)
	status := "ok"
	if summary.Failures > 0 {
		status = "partial"
	}
	observability.ObserveSweep(status, summary.Deleted, summary.Failures)
	if summary.Failures > 0 {
		sort.Strings(failures)
		return summary, fmt.Errorf("sweep encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	return summary, nil
}

func (s *Service) sweepFolder(ctx context.Context, folder run.TenantFolder, cutoff time.Time) (Summary, []string) {
	scope := platform.Scope{TenantID: folder.TenantID, MemberID: folder.MemberID}
	var summary Summary

	objects, err := s.Platform.ListFolderObjects(ctx, scope, folder.FolderID)
	if err != nil {
		return summary, []string{fmt.Sprintf("tenant %s list folder %s: %v", folder.TenantID, folder.FolderID, err)}
	}
	summary.ObjectsScanned = len(objects)

	// Query definitions go first so none is left pointing at a deleted target.
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].Kind == platform.ObjectQueryDefinition && objects[j].Kind != platform.ObjectQueryDefinition
	})

	var failures []string
	for _, object := range objects {
		if !remoteName.MatchString(object.Name) || object.CreatedAt.IsZero() || !object.CreatedAt.Before(cutoff) {
			continue
		}
		var deleteErr error
		switch object.Kind {
		case platform.ObjectQueryDefinition:
			deleteErr = s.Platform.DeleteQueryDefinition(ctx, scope, object.ID)
		case platform.ObjectDataExtension:
			deleteErr = s.Platform.DeleteDataExtension(ctx, scope, object.ID)
		default:
			continue
		}
		summary.Candidates++
		if deleteErr != nil {
			failures = append(failures, fmt.Sprintf("tenant %s delete %s %s: %v", folder.TenantID, object.Kind, object.Name, deleteErr))
			continue
		}
		summary.Deleted++
		s.Logger.InfoContext(ctx, "swept remote object",
			slog.String("tenant_id", folder.TenantID),
			slog.String("kind", object.Kind),
			slog.String("name", object.Name),
			slog.Time("created_at", object.CreatedAt),
		)
	}
	return summary, failures
}
