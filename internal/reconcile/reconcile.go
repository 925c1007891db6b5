// Package reconcile implements the synchronization engine that keeps the
// local task store consistent with the remote service. Each public operation
// is one idempotent pass over one direction; per-entity failures are isolated
// into result records so a single bad entity never aborts a batch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/taskrelay/internal/remote"
	"github.com/agentworkforce/taskrelay/internal/taskstore"
)

type Direction string

const (
	DirectionToRemote      Direction = "TO_REMOTE"
	DirectionFromRemote    Direction = "FROM_REMOTE"
	DirectionBidirectional Direction = "BIDIRECTIONAL"
)

type EntityKinds string

const (
	KindsProjects EntityKinds = "projects"
	KindsTasks    EntityKinds = "tasks"
	KindsAll      EntityKinds = "all"
)

var (
	ErrUnknownDirection = errors.New("unknown sync direction")
	ErrUnknownKinds     = errors.New("unknown entity kinds")
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionError   = "error"
)

// SyncResult records one per-entity decision made during a pass.
type SyncResult struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	RemoteID   string `json:"remoteId,omitempty"`
	Action     string `json:"action"`
	Error      string `json:"error,omitempty"`
}

// Outcome aggregates a full pass.
type Outcome struct {
	Direction Direction    `json:"direction"`
	Total     int          `json:"total"`
	Created   int          `json:"created"`
	Updated   int          `json:"updated"`
	Errors    int          `json:"errors"`
	Results   []SyncResult `json:"results"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store      taskstore.Store
	Client     remote.Client
	Credential remote.TokenSource
	Logger     Logger
}

// Reconciler drives pull and push passes against the store and the remote
// client. It holds no entity state between steps; the store is the only
// source of truth it reads from and writes to.
type Reconciler struct {
	store      taskstore.Store
	client     remote.Client
	credential remote.TokenSource
	logger     Logger

	// passMu admits one pass at a time, whoever the caller is. Two
	// concurrent passes would race on the same PENDING_UPLOAD
	// scan-then-act sequence and double-push entities.
	passMu sync.Mutex
}

func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("remote client is required")
	}
	return &Reconciler{
		store:      opts.Store,
		client:     opts.Client,
		credential: opts.Credential,
		logger:     opts.Logger,
	}, nil
}

// Reconcile dispatches one pass for the chosen direction. BIDIRECTIONAL runs
// push before pull so pending local writes win over a stale remote read in
// the same pass. Partial progress is retained when a pull aborts midway.
func (r *Reconciler) Reconcile(ctx context.Context, direction Direction, kinds EntityKinds) (Outcome, error) {
	switch kinds {
	case KindsProjects, KindsTasks, KindsAll:
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownKinds, kinds)
	}
	r.passMu.Lock()
	defer r.passMu.Unlock()
	if err := r.checkCredential(ctx); err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Direction: direction, Results: []SyncResult{}}
	switch direction {
	case DirectionToRemote:
		results, err := r.push(ctx)
		outcome.Add(results)
		return outcome, err
	case DirectionFromRemote:
		return r.pullSequence(ctx, outcome, kinds)
	case DirectionBidirectional:
		results, err := r.push(ctx)
		outcome.Add(results)
		if err != nil {
			return outcome, err
		}
		return r.pullSequence(ctx, outcome, kinds)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownDirection, direction)
	}
}

// pullSequence always pulls projects first: tasks resolve their owner by the
// project's remote id, so projects must land before tasks are attempted.
func (r *Reconciler) pullSequence(ctx context.Context, outcome Outcome, kinds EntityKinds) (Outcome, error) {
	results, err := r.pullProjects(ctx)
	outcome.Add(results)
	if err != nil {
		return outcome, err
	}
	if kinds == KindsProjects {
		return outcome, nil
	}
	results, err = r.pullTasks(ctx)
	outcome.Add(results)
	return outcome, err
}

// PullProjects lists all remote projects and creates or updates the matching
// local rows. The remote is authoritative for data it owns, so pulled rows
// land as SYNCED. Local projects absent from the listing are left alone.
func (r *Reconciler) PullProjects(ctx context.Context) ([]SyncResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return r.pullProjects(ctx)
}

func (r *Reconciler) pullProjects(ctx context.Context) ([]SyncResult, error) {
	remoteProjects, err := r.client.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]SyncResult, 0, len(remoteProjects))
	for _, rp := range remoteProjects {
		local, err := r.store.GetProjectByRemoteID(rp.ID)
		switch {
		case errors.Is(err, taskstore.ErrNotFound):
			created, err := r.store.CreateProject(taskstore.Project{
				Name:       rp.Name,
				Color:      remote.ColorToLocal(rp.Color),
				RemoteID:   rp.ID,
				SyncStatus: taskstore.StatusSynced,
			})
			if err != nil {
				return results, err
			}
			r.appendLog(taskstore.EntityProject, created.ID, taskstore.ActionCreate, taskstore.DirectionFromRemote, rp.ID, "")
			results = append(results, SyncResult{
				EntityType: taskstore.EntityProject,
				EntityID:   created.ID,
				RemoteID:   rp.ID,
				Action:     ActionCreated,
			})
		case err != nil:
			return results, err
		default:
			local.Name = rp.Name
			local.SyncStatus = taskstore.StatusSynced
			if _, err := r.store.UpdateProject(local); err != nil {
				return results, err
			}
			r.appendLog(taskstore.EntityProject, local.ID, taskstore.ActionUpdate, taskstore.DirectionFromRemote, rp.ID, "")
			results = append(results, SyncResult{
				EntityType: taskstore.EntityProject,
				EntityID:   local.ID,
				RemoteID:   rp.ID,
				Action:     ActionUpdated,
			})
		}
	}
	return results, nil
}

// PullTasks lists all remote tasks and creates or updates the matching local
// rows. A task whose owning project has no local counterpart yet is skipped
// with a warning; sequencing projects before tasks is the caller's job.
func (r *Reconciler) PullTasks(ctx context.Context) ([]SyncResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return r.pullTasks(ctx)
}

func (r *Reconciler) pullTasks(ctx context.Context) ([]SyncResult, error) {
	remoteTasks, err := r.client.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]SyncResult, 0, len(remoteTasks))
	for _, rt := range remoteTasks {
		project, err := r.store.GetProjectByRemoteID(rt.ProjectID)
		if errors.Is(err, taskstore.ErrNotFound) || errors.Is(err, taskstore.ErrInvalidInput) {
			r.logf("skipping remote task %s: no local project for remote project %q", rt.ID, rt.ProjectID)
			continue
		}
		if err != nil {
			return results, err
		}

		due, ok := rt.Due.Time()
		if !ok {
			r.logf("remote task %s has unparseable due date; dropping it", rt.ID)
			due = nil
		}

		local, err := r.store.GetTaskByRemoteID(rt.ID)
		switch {
		case errors.Is(err, taskstore.ErrNotFound):
			created, err := r.store.CreateTask(taskstore.Task{
				Text:       rt.Content,
				Notes:      rt.Description,
				Completed:  rt.Completed,
				Priority:   remote.PriorityToLocal(rt.Priority),
				DueDate:    due,
				ProjectID:  project.ID,
				RemoteID:   rt.ID,
				SyncStatus: taskstore.StatusSynced,
			})
			if err != nil {
				return results, err
			}
			r.appendLog(taskstore.EntityTask, created.ID, taskstore.ActionCreate, taskstore.DirectionFromRemote, rt.ID, "")
			results = append(results, SyncResult{
				EntityType: taskstore.EntityTask,
				EntityID:   created.ID,
				RemoteID:   rt.ID,
				Action:     ActionCreated,
			})
		case err != nil:
			return results, err
		default:
			local.Text = rt.Content
			local.Notes = rt.Description
			local.Completed = rt.Completed
			local.Priority = remote.PriorityToLocal(rt.Priority)
			local.DueDate = due
			local.ProjectID = project.ID
			local.SyncStatus = taskstore.StatusSynced
			if _, err := r.store.UpdateTask(local); err != nil {
				return results, err
			}
			r.appendLog(taskstore.EntityTask, local.ID, taskstore.ActionUpdate, taskstore.DirectionFromRemote, rt.ID, "")
			results = append(results, SyncResult{
				EntityType: taskstore.EntityTask,
				EntityID:   local.ID,
				RemoteID:   rt.ID,
				Action:     ActionUpdated,
			})
		}
	}
	return results, nil
}

// Push uploads every PENDING_UPLOAD entity, projects before tasks because a
// task needs its project's remote id. A remote failure marks that one entity
// ERROR and moves on. A task whose project has no remote id yet stays
// PENDING_UPLOAD and is retried once its project makes it up.
func (r *Reconciler) Push(ctx context.Context) ([]SyncResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return r.push(ctx)
}

func (r *Reconciler) push(ctx context.Context) ([]SyncResult, error) {
	if err := r.checkCredential(ctx); err != nil {
		return nil, err
	}
	results := []SyncResult{}

	projects, err := r.store.ListProjectsByStatus(taskstore.StatusPendingUpload)
	if err != nil {
		return results, err
	}
	for _, p := range projects {
		results = append(results, r.pushProject(ctx, p))
	}

	tasks, err := r.store.ListTasksByStatus(taskstore.StatusPendingUpload)
	if err != nil {
		return results, err
	}
	for _, task := range tasks {
		project, err := r.store.GetProject(task.ProjectID)
		if err != nil {
			r.logf("failed to load project %s for pending task %s: %v", task.ProjectID, task.ID, err)
			continue
		}
		if project.RemoteID == "" {
			r.logf("skipping push of task %s: project %s has no remote id yet", task.ID, task.ProjectID)
			continue
		}
		results = append(results, r.pushTask(ctx, task, project))
	}
	return results, nil
}

func (r *Reconciler) pushProject(ctx context.Context, p taskstore.Project) SyncResult {
	action := taskstore.ActionUpdate
	if p.RemoteID == "" {
		action = taskstore.ActionCreate
	}

	var callErr error
	if p.RemoteID == "" {
		remoteID, err := r.client.CreateProject(ctx, p.Name)
		if err == nil {
			p.RemoteID = remoteID
		}
		callErr = err
	} else {
		callErr = r.client.UpdateProject(ctx, p.RemoteID, p.Name)
	}

	if callErr != nil {
		p.SyncStatus = taskstore.StatusError
		if _, err := r.store.UpdateProject(p); err != nil {
			r.logf("failed to mark project %s as errored: %v", p.ID, err)
		}
		r.appendLog(taskstore.EntityProject, p.ID, action, taskstore.DirectionToRemote, p.RemoteID, callErr.Error())
		return SyncResult{
			EntityType: taskstore.EntityProject,
			EntityID:   p.ID,
			RemoteID:   p.RemoteID,
			Action:     ActionError,
			Error:      callErr.Error(),
		}
	}

	p.SyncStatus = taskstore.StatusSynced
	if _, err := r.store.UpdateProject(p); err != nil {
		r.logf("failed to mark project %s as synced: %v", p.ID, err)
	}
	r.appendLog(taskstore.EntityProject, p.ID, action, taskstore.DirectionToRemote, p.RemoteID, "")
	resultAction := ActionUpdated
	if action == taskstore.ActionCreate {
		resultAction = ActionCreated
	}
	return SyncResult{
		EntityType: taskstore.EntityProject,
		EntityID:   p.ID,
		RemoteID:   p.RemoteID,
		Action:     resultAction,
	}
}

func (r *Reconciler) pushTask(ctx context.Context, task taskstore.Task, project taskstore.Project) SyncResult {
	action := taskstore.ActionUpdate
	if task.RemoteID == "" {
		action = taskstore.ActionCreate
	}

	fields := remote.TaskFields{
		Content:     task.Text,
		Description: task.Notes,
		ProjectID:   project.RemoteID,
		Priority:    remote.PriorityToRemote(task.Priority),
	}
	if task.DueDate != nil {
		fields.DueDatetime = task.DueDate.UTC().Format(time.RFC3339)
	}

	var callErr error
	if task.RemoteID == "" {
		remoteID, err := r.client.CreateTask(ctx, fields)
		if err == nil {
			task.RemoteID = remoteID
		}
		callErr = err
	} else {
		callErr = r.client.UpdateTask(ctx, task.RemoteID, fields)
	}

	// Completion is not part of the content payload; the remote models it as
	// separate close/reopen operations issued after the content lands.
	if callErr == nil {
		if task.Completed {
			callErr = r.client.CloseTask(ctx, task.RemoteID)
		} else {
			callErr = r.client.ReopenTask(ctx, task.RemoteID)
		}
	}

	if callErr != nil {
		task.SyncStatus = taskstore.StatusError
		if _, err := r.store.UpdateTask(task); err != nil {
			r.logf("failed to mark task %s as errored: %v", task.ID, err)
		}
		r.appendLog(taskstore.EntityTask, task.ID, action, taskstore.DirectionToRemote, task.RemoteID, callErr.Error())
		return SyncResult{
			EntityType: taskstore.EntityTask,
			EntityID:   task.ID,
			RemoteID:   task.RemoteID,
			Action:     ActionError,
			Error:      callErr.Error(),
		}
	}

	task.SyncStatus = taskstore.StatusSynced
	if _, err := r.store.UpdateTask(task); err != nil {
		r.logf("failed to mark task %s as synced: %v", task.ID, err)
	}
	r.appendLog(taskstore.EntityTask, task.ID, action, taskstore.DirectionToRemote, task.RemoteID, "")
	resultAction := ActionUpdated
	if action == taskstore.ActionCreate {
		resultAction = ActionCreated
	}
	return SyncResult{
		EntityType: taskstore.EntityTask,
		EntityID:   task.ID,
		RemoteID:   task.RemoteID,
		Action:     resultAction,
	}
}

func (r *Reconciler) checkCredential(ctx context.Context) error {
	if r.credential == nil {
		return nil
	}
	_, err := r.credential.Token(ctx)
	return err
}

func (r *Reconciler) appendLog(entityType, entityID, action, direction, remoteID, errorMessage string) {
	_, err := r.store.AppendSyncLog(taskstore.SyncLogEntry{
		EntityType:   entityType,
		EntityID:     entityID,
		Action:       action,
		Direction:    direction,
		RemoteID:     remoteID,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		r.logf("failed to append sync log for %s %s: %v", entityType, entityID, err)
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

// Add folds per-entity results into the aggregate counters.
func (o *Outcome) Add(results []SyncResult) {
	for _, result := range results {
		o.Results = append(o.Results, result)
		o.Total++
		switch result.Action {
		case ActionCreated:
			o.Created++
		case ActionUpdated:
			o.Updated++
		case ActionError:
			o.Errors++
		}
	}
}
