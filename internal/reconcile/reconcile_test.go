package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/taskrelay/internal/remote"
	"github.com/agentworkforce/taskrelay/internal/taskstore"
)

// fakeClient is an in-memory remote with scriptable failures.
type fakeClient struct {
	mu sync.Mutex

	projects []remote.Project
	tasks    []remote.Task

	nextID int

	failCreateProject map[string]error
	failCreateTask    map[string]error
	failCloseTask     error
	failListTasks     error

	// createGate, when set, holds CreateProject open until closed.
	createGate chan struct{}

	createdProjects []string
	updatedProjects []string
	createdTasks    []remote.TaskFields
	updatedTasks    []string
	closedTasks     []string
	reopenedTasks   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failCreateProject: map[string]error{},
		failCreateTask:    map[string]error{},
	}
}

func (c *fakeClient) ListProjects(context.Context) ([]remote.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.Project(nil), c.projects...), nil
}

func (c *fakeClient) CreateProject(_ context.Context, name string) (string, error) {
	c.mu.Lock()
	if err := c.failCreateProject[name]; err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.nextID++
	id := fmt.Sprintf("rp%d", c.nextID)
	c.projects = append(c.projects, remote.Project{ID: id, Name: name})
	c.createdProjects = append(c.createdProjects, name)
	gate := c.createGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return id, nil
}

func (c *fakeClient) UpdateProject(_ context.Context, remoteID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatedProjects = append(c.updatedProjects, remoteID)
	return nil
}

func (c *fakeClient) ListTasks(context.Context) ([]remote.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failListTasks != nil {
		return nil, c.failListTasks
	}
	return append([]remote.Task(nil), c.tasks...), nil
}

func (c *fakeClient) CreateTask(_ context.Context, fields remote.TaskFields) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failCreateTask[fields.Content]; err != nil {
		return "", err
	}
	c.nextID++
	id := fmt.Sprintf("rt%d", c.nextID)
	c.createdTasks = append(c.createdTasks, fields)
	return id, nil
}

func (c *fakeClient) UpdateTask(_ context.Context, remoteID string, fields remote.TaskFields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatedTasks = append(c.updatedTasks, remoteID)
	return nil
}

func (c *fakeClient) CloseTask(_ context.Context, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCloseTask != nil {
		return c.failCloseTask
	}
	c.closedTasks = append(c.closedTasks, remoteID)
	return nil
}

func (c *fakeClient) ReopenTask(_ context.Context, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reopenedTasks = append(c.reopenedTasks, remoteID)
	return nil
}

func newTestReconciler(t *testing.T, store taskstore.Store, client remote.Client) *Reconciler {
	t.Helper()
	r, err := New(Options{Store: store, Client: client})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func TestPullProjectsCreatesLocalRows(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.projects = []remote.Project{{ID: "rp1", Name: "Work", Color: remote.ColorValue{Name: "teal"}}}
	r := newTestReconciler(t, store, client)

	results, err := r.PullProjects(context.Background())
	if err != nil {
		t.Fatalf("pull projects: %v", err)
	}
	if len(results) != 1 || results[0].Action != ActionCreated {
		t.Fatalf("unexpected results %+v", results)
	}

	created, err := store.GetProjectByRemoteID("rp1")
	if err != nil {
		t.Fatalf("get pulled project: %v", err)
	}
	if created.Name != "Work" || created.Color != "blue" {
		t.Fatalf("unexpected pulled project %+v", created)
	}
	if created.SyncStatus != taskstore.StatusSynced {
		t.Fatalf("pulled project should land SYNCED, got %s", created.SyncStatus)
	}

	entries, _, err := store.ListSyncLog(taskstore.EntityProject, 10, 0)
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != taskstore.ActionCreate || entries[0].Direction != taskstore.DirectionFromRemote {
		t.Fatalf("unexpected log entries %+v", entries)
	}
}

func TestPullProjectsIsIdempotent(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.projects = []remote.Project{{ID: "rp1", Name: "Work"}}
	r := newTestReconciler(t, store, client)

	if _, err := r.PullProjects(context.Background()); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	results, err := r.PullProjects(context.Background())
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if len(results) != 1 || results[0].Action != ActionUpdated {
		t.Fatalf("second pull should update, got %+v", results)
	}

	projects, err := store.ListProjects()
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected exactly one local project, got %d", len(projects))
	}
}

func TestPullTasksSkipsUnresolvedProject(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.tasks = []remote.Task{{ID: "rt1", ProjectID: "rp-unknown", Content: "stray", Priority: 1}}
	r := newTestReconciler(t, store, client)

	results, err := r.PullTasks(context.Background())
	if err != nil {
		t.Fatalf("pull tasks: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected stray task to be skipped, got %+v", results)
	}
	tasks, _ := store.ListTasks("")
	if len(tasks) != 0 {
		t.Fatalf("expected no local tasks, got %d", len(tasks))
	}
}

func TestPullTasksMapsPriorityAndDue(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.projects = []remote.Project{{ID: "rp1", Name: "Work"}}
	client.tasks = []remote.Task{{
		ID:        "rt1",
		ProjectID: "rp1",
		Content:   "urgent thing",
		Priority:  4,
		Due:       &remote.Due{Datetime: "2026-03-01T09:00:00Z"},
	}}
	r := newTestReconciler(t, store, client)

	outcome, err := r.Reconcile(context.Background(), DirectionFromRemote, KindsAll)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Created != 2 {
		t.Fatalf("expected project and task created, got %+v", outcome)
	}

	task, err := store.GetTaskByRemoteID("rt1")
	if err != nil {
		t.Fatalf("get pulled task: %v", err)
	}
	if task.Priority != 1 {
		t.Fatalf("remote priority 4 should map to local 1, got %d", task.Priority)
	}
	if task.DueDate == nil || task.DueDate.Hour() != 9 {
		t.Fatalf("unexpected due date %+v", task.DueDate)
	}
	if task.SyncStatus != taskstore.StatusSynced {
		t.Fatalf("pulled task should land SYNCED, got %s", task.SyncStatus)
	}
}

func TestPushCreatesPendingProject(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	r := newTestReconciler(t, store, client)

	project, err := store.CreateProject(taskstore.Project{Name: "Work"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	results, err := r.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 || results[0].Action != ActionCreated || results[0].RemoteID == "" {
		t.Fatalf("unexpected push results %+v", results)
	}

	updated, err := store.GetProject(project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if updated.SyncStatus != taskstore.StatusSynced || updated.RemoteID == "" {
		t.Fatalf("pushed project not synced: %+v", updated)
	}

	entries, _, err := store.ListSyncLog(taskstore.EntityProject, 10, 0)
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != taskstore.ActionCreate || entries[0].Direction != taskstore.DirectionToRemote {
		t.Fatalf("unexpected log entries %+v", entries)
	}
}

func TestPushSkipsTaskWhoseProjectHasNoRemoteID(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.failCreateProject["Work"] = errors.New("remote rejected project")
	r := newTestReconciler(t, store, client)

	project, err := store.CreateProject(taskstore.Project{Name: "Work"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := store.CreateTask(taskstore.Task{Text: "dependent", ProjectID: project.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	results, err := r.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	// Only the project result appears; the task was skipped, not errored.
	if len(results) != 1 || results[0].EntityType != taskstore.EntityProject || results[0].Action != ActionError {
		t.Fatalf("unexpected push results %+v", results)
	}

	after, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.SyncStatus != taskstore.StatusPendingUpload {
		t.Fatalf("skipped task should stay PENDING_UPLOAD, got %s", after.SyncStatus)
	}
	if len(client.createdTasks) != 0 {
		t.Fatalf("no task create call expected, got %+v", client.createdTasks)
	}
}

func TestPushIsolatesPerEntityFailures(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.failCreateProject["Bad"] = errors.New("boom")
	r := newTestReconciler(t, store, client)

	names := []string{"A", "Bad", "C"}
	for _, name := range names {
		if _, err := store.CreateProject(taskstore.Project{Name: name}); err != nil {
			t.Fatalf("create project %s: %v", name, err)
		}
	}

	results, err := r.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	var errored, created int
	for _, result := range results {
		switch result.Action {
		case ActionError:
			errored++
		case ActionCreated:
			created++
		}
	}
	if errored != 1 || created != 2 {
		t.Fatalf("expected 2 created and 1 errored, got %+v", results)
	}

	failed, err := store.ListProjectsByStatus(taskstore.StatusError)
	if err != nil {
		t.Fatalf("list errored: %v", err)
	}
	if len(failed) != 1 || failed[0].Name != "Bad" {
		t.Fatalf("unexpected errored projects %+v", failed)
	}

	entries, _, err := store.ListSyncLog(taskstore.EntityProject, 10, 0)
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	var withError int
	for _, entry := range entries {
		if entry.ErrorMessage != "" {
			withError++
		}
	}
	if withError != 1 {
		t.Fatalf("expected one log row with an error message, got %+v", entries)
	}
}

func TestPushCompletionUsesCloseCall(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	r := newTestReconciler(t, store, client)

	project, err := store.CreateProject(taskstore.Project{Name: "Work", RemoteID: "rp1", SyncStatus: taskstore.StatusSynced})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := store.CreateTask(taskstore.Task{
		Text:       "done thing",
		ProjectID:  project.ID,
		RemoteID:   "rt1",
		Completed:  true,
		SyncStatus: taskstore.StatusPendingUpload,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := r.Push(context.Background()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(client.updatedTasks) != 1 || client.updatedTasks[0] != "rt1" {
		t.Fatalf("expected content update for rt1, got %+v", client.updatedTasks)
	}
	if len(client.closedTasks) != 1 || client.closedTasks[0] != "rt1" {
		t.Fatalf("expected exactly one close call, got %+v", client.closedTasks)
	}
	if len(client.reopenedTasks) != 0 {
		t.Fatalf("no reopen expected, got %+v", client.reopenedTasks)
	}

	after, _ := store.GetTask(task.ID)
	if after.SyncStatus != taskstore.StatusSynced {
		t.Fatalf("expected SYNCED after push, got %s", after.SyncStatus)
	}
}

func TestPushCloseFailureMarksTaskError(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.failCloseTask = errors.New("close rejected")
	r := newTestReconciler(t, store, client)

	project, _ := store.CreateProject(taskstore.Project{Name: "Work", RemoteID: "rp1", SyncStatus: taskstore.StatusSynced})
	task, err := store.CreateTask(taskstore.Task{
		Text: "flaky", ProjectID: project.ID, RemoteID: "rt1", Completed: true,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	results, err := r.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 || results[0].Action != ActionError {
		t.Fatalf("unexpected results %+v", results)
	}
	after, _ := store.GetTask(task.ID)
	if after.SyncStatus != taskstore.StatusError {
		t.Fatalf("expected ERROR after close failure, got %s", after.SyncStatus)
	}
}

func TestBidirectionalPushesBeforePull(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.projects = []remote.Project{{ID: "rp9", Name: "Remote Only"}}
	r := newTestReconciler(t, store, client)

	if _, err := store.CreateProject(taskstore.Project{Name: "Local Pending"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	outcome, err := r.Reconcile(context.Background(), DirectionBidirectional, KindsAll)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(client.createdProjects) != 1 || client.createdProjects[0] != "Local Pending" {
		t.Fatalf("expected local pending to be pushed, got %+v", client.createdProjects)
	}

	// The push happened first: the pull then observed both the pre-existing
	// remote project and the freshly created one.
	if outcome.Created != 2 || outcome.Updated != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	projects, _ := store.ListProjects()
	if len(projects) != 2 {
		t.Fatalf("expected 2 local projects after bidirectional pass, got %d", len(projects))
	}
	for _, p := range projects {
		if p.SyncStatus != taskstore.StatusSynced {
			t.Fatalf("project %s not synced: %s", p.Name, p.SyncStatus)
		}
	}
}

func TestReconcileRejectsUnknownInputs(t *testing.T) {
	r := newTestReconciler(t, taskstore.NewMemoryStore(), newFakeClient())

	if _, err := r.Reconcile(context.Background(), "SIDEWAYS", KindsAll); !errors.Is(err, ErrUnknownDirection) {
		t.Fatalf("expected ErrUnknownDirection, got %v", err)
	}
	if _, err := r.Reconcile(context.Background(), DirectionToRemote, "gadgets"); !errors.Is(err, ErrUnknownKinds) {
		t.Fatalf("expected ErrUnknownKinds, got %v", err)
	}
}

func TestReconcileRequiresCredential(t *testing.T) {
	store := taskstore.NewMemoryStore()
	if _, err := store.CreateProject(taskstore.Project{Name: "Pending"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	r, err := New(Options{
		Store:      store,
		Client:     newFakeClient(),
		Credential: remote.StaticTokenSource(""),
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	if _, err := r.Reconcile(context.Background(), DirectionBidirectional, KindsAll); !errors.Is(err, remote.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}

	// Missing credential is a precondition failure, never a per-entity error.
	pending, _ := store.ListProjectsByStatus(taskstore.StatusPendingUpload)
	if len(pending) != 1 {
		t.Fatalf("pending project should be untouched, got %+v", pending)
	}
}

func TestReconcileProjectsOnlySkipsTasks(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.projects = []remote.Project{{ID: "rp1", Name: "Work"}}
	client.tasks = []remote.Task{{ID: "rt1", ProjectID: "rp1", Content: "ignored", Priority: 1}}
	r := newTestReconciler(t, store, client)

	if _, err := r.Reconcile(context.Background(), DirectionFromRemote, KindsProjects); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	tasks, _ := store.ListTasks("")
	if len(tasks) != 0 {
		t.Fatalf("projects-only pull should not touch tasks, got %+v", tasks)
	}
}

func (c *fakeClient) projectCreateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.createdProjects)
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

// brokenProjectStore fails point project reads for configured ids.
type brokenProjectStore struct {
	taskstore.Store
	failGet map[string]error
}

func (s *brokenProjectStore) GetProject(id string) (taskstore.Project, error) {
	if err := s.failGet[id]; err != nil {
		return taskstore.Project{}, err
	}
	return s.Store.GetProject(id)
}

func TestConcurrentReconcilePushesOnce(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.createGate = make(chan struct{})
	r := newTestReconciler(t, store, client)

	if _, err := store.CreateProject(taskstore.Project{Name: "Inbox"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = r.Reconcile(context.Background(), DirectionToRemote, KindsAll)
	}()

	// Wait until the first pass is inside the remote create, then start a
	// second pass. It must block until the first fully completes.
	for i := 0; i < 200 && client.projectCreateCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if client.projectCreateCount() != 1 {
		t.Fatalf("first pass never reached the remote create")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = r.Reconcile(context.Background(), DirectionToRemote, KindsAll)
	}()

	time.Sleep(20 * time.Millisecond)
	close(client.createGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("pass %d failed: %v", i, err)
		}
	}
	if got := client.projectCreateCount(); got != 1 {
		t.Fatalf("pending project was pushed %d times remotely: %v", got, client.createdProjects)
	}
	project, err := store.GetProjectByRemoteID("rp1")
	if err != nil {
		t.Fatalf("pushed project not found: %v", err)
	}
	if project.SyncStatus != taskstore.StatusSynced {
		t.Fatalf("expected SYNCED, got %s", project.SyncStatus)
	}
}

func TestPullAbortKeepsPartialProgress(t *testing.T) {
	store := taskstore.NewMemoryStore()
	client := newFakeClient()
	client.projects = []remote.Project{{ID: "rp1", Name: "Work"}}
	client.failListTasks = &remote.MalformedResponseError{Endpoint: "/tasks", Detail: "neither array nor envelope"}
	r := newTestReconciler(t, store, client)

	outcome, err := r.Reconcile(context.Background(), DirectionFromRemote, KindsAll)
	var malformed *remote.MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}

	// The project pulled before the abort stays committed and is reported
	// in the partial outcome.
	if outcome.Created != 1 || len(outcome.Results) != 1 {
		t.Fatalf("expected partial outcome with the pulled project, got %+v", outcome)
	}
	project, getErr := store.GetProjectByRemoteID("rp1")
	if getErr != nil {
		t.Fatalf("pulled project missing after abort: %v", getErr)
	}
	if project.SyncStatus != taskstore.StatusSynced {
		t.Fatalf("expected SYNCED, got %s", project.SyncStatus)
	}
}

func TestPushReportsProjectLoadFailureDistinctly(t *testing.T) {
	backing := taskstore.NewMemoryStore()
	project, err := backing.CreateProject(taskstore.Project{Name: "Work", RemoteID: "rp1", SyncStatus: taskstore.StatusSynced})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := backing.CreateTask(taskstore.Task{Text: "stuck", ProjectID: project.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	store := &brokenProjectStore{
		Store:   backing,
		failGet: map[string]error{project.ID: errors.New("connection reset")},
	}
	logger := &captureLogger{}
	client := newFakeClient()
	r, err := New(Options{Store: store, Client: client, Logger: logger})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	results, err := r.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("task should be skipped, got %+v", results)
	}
	if !logger.contains("failed to load project") {
		t.Fatalf("expected a store-failure log line, got %v", logger.lines)
	}
	if logger.contains("has no remote id yet") {
		t.Fatalf("store failure was misreported as a missing remote id: %v", logger.lines)
	}

	after, err := backing.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.SyncStatus != taskstore.StatusPendingUpload {
		t.Fatalf("skipped task should stay PENDING_UPLOAD, got %s", after.SyncStatus)
	}
}
