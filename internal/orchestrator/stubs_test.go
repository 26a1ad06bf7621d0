package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/querystudio/querystudio/internal/jobqueue"
	"github.com/querystudio/querystudio/internal/platform"
	"github.com/querystudio/querystudio/internal/run"
	"github.com/querystudio/querystudio/internal/schema"
	"github.com/querystudio/querystudio/internal/statusstream"
)

type stubRuns struct {
	mu      sync.Mutex
	runs    map[string]run.Run
	folders map[string]run.TenantFolder
}

func newStubRuns(runs ...run.Run) *stubRuns {
	s := &stubRuns{runs: map[string]run.Run{}, folders: map[string]run.TenantFolder{}}
	for _, r := range runs {
		s.runs[r.RunID] = r
	}
	return s
}

func (s *stubRuns) Create(_ context.Context, in run.CreateInput) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := run.Run{RunID: in.RunID, TenantID: in.TenantID, MemberID: in.MemberID, SQLText: in.SQLText, Status: run.StatusQueued}
	s.runs[r.RunID] = r
	return r, nil
}

func (s *stubRuns) Get(_ context.Context, runID string) (run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.Run{}, run.ErrNotFound
	}
	return r, nil
}

func (s *stubRuns) Transition(_ context.Context, in run.TransitionInput) (run.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[in.RunID]
	if !ok {
		return run.Run{}, false, run.ErrNotFound
	}
	if !run.CanTransition(in.From, in.To) {
		return run.Run{}, false, &run.TransitionError{RunID: in.RunID, From: in.From, To: in.To, Current: r.Status}
	}
	if r.Status != in.From {
		if r.Status == in.To {
			return r, false, nil
		}
		return run.Run{}, false, &run.TransitionError{RunID: in.RunID, From: in.From, To: in.To, Current: r.Status}
	}
	r.Status = in.To
	r.StatusMessage = in.To.Message()
	if in.ErrorMessage != "" {
		r.ErrorMessage = in.ErrorMessage
	}
	r.UpdatedAt = time.Now()
	s.runs[r.RunID] = r
	return r, true, nil
}

func (s *stubRuns) SetRemoteIDs(_ context.Context, runID string, ids run.RemoteIDs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.ErrNotFound
	}
	if ids.DataExtensionKey != "" {
		r.DataExtensionKey = ids.DataExtensionKey
	}
	if ids.QueryDefinitionID != "" {
		r.QueryDefinitionID = ids.QueryDefinitionID
	}
	if ids.TaskID != "" {
		r.TaskID = ids.TaskID
	}
	s.runs[runID] = r
	return nil
}

func (s *stubRuns) CountActive(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *stubRuns) GetTenantFolder(context.Context) (run.TenantFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.folders {
		return f, nil
	}
	return run.TenantFolder{}, run.ErrNotFound
}

func (s *stubRuns) PutTenantFolder(_ context.Context, folder run.TenantFolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[folder.TenantID+"/"+folder.MemberID] = folder
	return nil
}

func (s *stubRuns) ListTenantFolders(context.Context) ([]run.TenantFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.TenantFolder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, f)
	}
	return out, nil
}

func (s *stubRuns) status(runID string) run.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

type stubQueue struct {
	mu      sync.Mutex
	nextID  int64
	jobs    []*jobqueue.Job
	state    map[int64]jobqueue.State
	retries  map[int64]time.Duration
	resolved map[int64]bool
}

func newStubQueue() *stubQueue {
	return &stubQueue{
		state:    map[int64]jobqueue.State{},
		retries:  map[int64]time.Duration{},
		resolved: map[int64]bool{},
	}
}

func (q *stubQueue) Enqueue(_ context.Context, in jobqueue.EnqueueInput) (jobqueue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := jobqueue.DedupeKey(in.Kind, in.RunID, in.Sequence)
	for _, job := range q.jobs {
		if job.DedupeKey == key {
			return *job, false, nil
		}
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	q.nextID++
	job := &jobqueue.Job{
		JobID:       q.nextID,
		RunID:       in.RunID,
		TenantID:    in.TenantID,
		MemberID:    in.MemberID,
		Kind:        in.Kind,
		Sequence:    in.Sequence,
		DedupeKey:   key,
		MaxAttempts: maxAttempts,
	}
	q.jobs = append(q.jobs, job)
	q.state[job.JobID] = jobqueue.StatePending
	return *job, true, nil
}

func (q *stubQueue) Claim(_ context.Context, consumerID string, _ time.Duration) (jobqueue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if q.state[job.JobID] == jobqueue.StatePending {
			q.state[job.JobID] = jobqueue.StateLeased
			job.Attempt++
			job.LeaseOwner = consumerID
			return *job, true, nil
		}
	}
	return jobqueue.Job{}, false, nil
}

// ack settles a lease the same way the postgres queue fences it.
func (q *stubQueue) ack(job jobqueue.Job, state jobqueue.State) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, current := range q.jobs {
		if current.JobID != job.JobID {
			continue
		}
		if q.state[job.JobID] != jobqueue.StateLeased || current.LeaseOwner != job.LeaseOwner || current.Attempt != job.Attempt {
			return jobqueue.ErrLeaseLost
		}
		q.state[job.JobID] = state
		current.LeaseOwner = ""
		return nil
	}
	return jobqueue.ErrLeaseLost
}

func (q *stubQueue) Complete(_ context.Context, job jobqueue.Job) error {
	return q.ack(job, jobqueue.StateDone)
}

func (q *stubQueue) Retry(_ context.Context, job jobqueue.Job, delay time.Duration, _ string) error {
	if err := q.ack(job, jobqueue.StatePending); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries[job.JobID] = delay
	return nil
}

func (q *stubQueue) Dead(_ context.Context, job jobqueue.Job, _ string) error {
	return q.ack(job, jobqueue.StateDead)
}

func (q *stubQueue) RequeueExpired(context.Context) (int, error) { return 0, nil }

func (q *stubQueue) Stranded(context.Context, int) ([]jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := map[string]bool{}
	for _, job := range q.jobs {
		if state := q.state[job.JobID]; state == jobqueue.StatePending || state == jobqueue.StateLeased {
			live[job.RunID] = true
		}
	}
	var out []jobqueue.Job
	for _, job := range q.jobs {
		if q.state[job.JobID] == jobqueue.StateDead && !q.resolved[job.JobID] && !live[job.RunID] {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (q *stubQueue) Resolve(_ context.Context, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolved[jobID] = true
	return nil
}

// expireLease hands a leased job to another consumer, as the lease reaper
// and a second claim would.
func (q *stubQueue) expireLease(jobID int64, owner string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.JobID == jobID {
			job.Attempt++
			job.LeaseOwner = owner
		}
	}
}

// redeliver puts a finished job back to pending, as a lost acknowledgement
// would.
func (q *stubQueue) redeliver(jobID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state[jobID] = jobqueue.StatePending
}

func (q *stubQueue) byKind(kind jobqueue.Kind) []jobqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []jobqueue.Job
	for _, job := range q.jobs {
		if job.Kind == kind {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (q *stubQueue) jobState(jobID int64) jobqueue.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state[jobID]
}

type stubPlatform struct {
	mu sync.Mutex

	tables      map[string][]schema.Column
	folders     map[string]platform.Folder
	extensions  map[string]platform.DataExtension
	definitions map[string]platform.QueryDefinition
	taskStates  []platform.TaskState
	taskError   string

	createFolderErr       error
	beforeCreateQueryDefn func()
	started               int
	deleted               []string
	calls                 []string
}

func newStubPlatform() *stubPlatform {
	return &stubPlatform{
		tables: map[string][]schema.Column{
			"Subscribers": {
				{Name: "SubscriberKey", Type: schema.Text, MaxLength: 100},
				{Name: "EmailAddress", Type: schema.EmailAddress},
				{Name: "Age", Type: schema.Number},
			},
		},
		folders:     map[string]platform.Folder{},
		extensions:  map[string]platform.DataExtension{},
		definitions: map[string]platform.QueryDefinition{},
	}
}

func (p *stubPlatform) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *stubPlatform) FindFolder(_ context.Context, _ platform.Scope, name string) (platform.Folder, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("find_folder")
	f, ok := p.folders[name]
	return f, ok, nil
}

func (p *stubPlatform) CreateFolder(_ context.Context, _ platform.Scope, name string) (platform.Folder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_folder")
	if p.createFolderErr != nil {
		return platform.Folder{}, p.createFolderErr
	}
	f := platform.Folder{ID: "folder-1", Name: name}
	p.folders[name] = f
	return f, nil
}

func (p *stubPlatform) GetDataExtension(_ context.Context, _ platform.Scope, key string) (platform.DataExtension, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	de, ok := p.extensions[key]
	return de, ok, nil
}

func (p *stubPlatform) CreateDataExtension(_ context.Context, _ platform.Scope, de platform.DataExtension) (platform.DataExtension, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_data_extension")
	p.extensions[de.Key] = de
	return de, nil
}

func (p *stubPlatform) DataExtensionFields(_ context.Context, _ platform.Scope, name string) ([]schema.Column, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for table, fields := range p.tables {
		if table == name {
			return fields, true, nil
		}
	}
	return nil, false, nil
}

func (p *stubPlatform) DeleteDataExtension(_ context.Context, _ platform.Scope, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.extensions, key)
	return nil
}

func (p *stubPlatform) GetRows(context.Context, platform.Scope, string, int, int) (platform.RowPage, error) {
	return platform.RowPage{Page: 1, PageSize: 1}, nil
}

func (p *stubPlatform) FindQueryDefinition(_ context.Context, _ platform.Scope, key string) (platform.QueryDefinition, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	qd, ok := p.definitions[key]
	return qd, ok, nil
}

func (p *stubPlatform) CreateQueryDefinition(_ context.Context, _ platform.Scope, qd platform.QueryDefinition) (platform.QueryDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_query_definition")
	if p.beforeCreateQueryDefn != nil {
		p.beforeCreateQueryDefn()
	}
	qd.ID = "qd-" + qd.Key
	p.definitions[qd.Key] = qd
	return qd, nil
}

func (p *stubPlatform) StartQueryDefinition(context.Context, platform.Scope, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("start")
	p.started++
	return "task-1", nil
}

func (p *stubPlatform) DeleteQueryDefinition(_ context.Context, _ platform.Scope, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *stubPlatform) TaskStatus(_ context.Context, _ platform.Scope, taskID string) (platform.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := platform.TaskComplete
	if len(p.taskStates) > 0 {
		state = p.taskStates[0]
		p.taskStates = p.taskStates[1:]
	}
	task := platform.Task{ID: taskID, State: state}
	if state == platform.TaskError {
		task.ErrorMessage = p.taskError
	}
	return task, nil
}

func (p *stubPlatform) ListFolderObjects(context.Context, platform.Scope, string) ([]platform.FolderObject, error) {
	return nil, nil
}

type stubBinder struct {
	mu      sync.Mutex
	tenants []string
	// failures makes that many upcoming binds fail; a negative value fails
	// every bind.
	failures int
}

var errBindUnavailable = errors.New("reserve connection: pool exhausted")

func (b *stubBinder) WithTenant(ctx context.Context, tenantID, memberID string, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.tenants = append(b.tenants, tenantID+"/"+memberID)
	if b.failures != 0 {
		if b.failures > 0 {
			b.failures--
		}
		b.mu.Unlock()
		return errBindUnavailable
	}
	b.mu.Unlock()
	return fn(ctx)
}

func (b *stubBinder) setFailures(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []statusstream.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event statusstream.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) statuses() []run.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]run.Status, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Status)
	}
	return out
}
