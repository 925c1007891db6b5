// Package taskstore holds the local replica of projects and tasks together
// with the per-entity sync state the reconciliation engine operates on.
package taskstore

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicateRemoteID = errors.New("remote id already mapped")
)

// SyncStatus tracks whether a local entity has been propagated to the remote.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "SYNCED"
	StatusPendingUpload SyncStatus = "PENDING_UPLOAD"
	StatusError         SyncStatus = "ERROR"
)

type Project struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Color      string     `json:"color"`
	RemoteID   string     `json:"remoteId,omitempty"`
	SyncStatus SyncStatus `json:"syncStatus"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Task struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Completed  bool              `json:"completed"`
	Priority   int               `json:"priority"`
	Notes      string            `json:"notes,omitempty"`
	DueDate    *time.Time        `json:"dueDate,omitempty"`
	ProjectID  string            `json:"projectId"`
	RemoteID   string            `json:"remoteId,omitempty"`
	SyncStatus SyncStatus        `json:"syncStatus"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

const (
	EntityProject = "project"
	EntityTask    = "task"
)

const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
)

const (
	DirectionToRemote   = "TO_REMOTE"
	DirectionFromRemote = "FROM_REMOTE"
)

// SyncLogEntry is one append-only audit row per create/update decision made
// by the reconciler. EntityID references either a project or a task; the
// relational schema keeps two nullable owner columns so either parent can
// cascade its rows on delete.
type SyncLogEntry struct {
	ID           string    `json:"id"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	Action       string    `json:"action"`
	Direction    string    `json:"direction"`
	RemoteID     string    `json:"remoteId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// StatusSummary reports entity counts grouped by sync status per kind.
type StatusSummary struct {
	Projects map[SyncStatus]int `json:"projects"`
	Tasks    map[SyncStatus]int `json:"tasks"`
}

// Store is the contract the engine and the HTTP layer share. Every mutation
// is a single-entity atomic upsert; scans are snapshot reads.
type Store interface {
	CreateProject(p Project) (Project, error)
	GetProject(id string) (Project, error)
	GetProjectByRemoteID(remoteID string) (Project, error)
	UpdateProject(p Project) (Project, error)
	ListProjects() ([]Project, error)
	ListProjectsByStatus(status SyncStatus) ([]Project, error)
	DeleteProject(id string) error

	CreateTask(task Task) (Task, error)
	GetTask(id string) (Task, error)
	GetTaskByRemoteID(remoteID string) (Task, error)
	UpdateTask(task Task) (Task, error)
	ListTasks(projectID string) ([]Task, error)
	ListTasksByStatus(status SyncStatus) ([]Task, error)
	DeleteTask(id string) error

	AppendSyncLog(entry SyncLogEntry) (SyncLogEntry, error)
	ListSyncLog(entityType string, limit, offset int) ([]SyncLogEntry, int, error)
	StatusCounts() (StatusSummary, error)

	Close() error
}

var idCounter uint64

func newEntityID(prefix string) string {
	n := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func validStatus(status SyncStatus) bool {
	switch status {
	case StatusSynced, StatusPendingUpload, StatusError:
		return true
	}
	return false
}

func normalizeProject(p *Project) error {
	if p.Name == "" {
		return fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}
	if p.SyncStatus == "" {
		p.SyncStatus = StatusPendingUpload
	}
	if !validStatus(p.SyncStatus) {
		return fmt.Errorf("%w: unknown sync status %q", ErrInvalidInput, p.SyncStatus)
	}
	return nil
}

func normalizeTask(task *Task) error {
	if task.Text == "" {
		return fmt.Errorf("%w: task text is required", ErrInvalidInput)
	}
	if task.ProjectID == "" {
		return fmt.Errorf("%w: task project id is required", ErrInvalidInput)
	}
	if task.Priority == 0 {
		task.Priority = 4
	}
	if task.Priority < 1 || task.Priority > 4 {
		return fmt.Errorf("%w: task priority must be 1..4, got %d", ErrInvalidInput, task.Priority)
	}
	if task.SyncStatus == "" {
		task.SyncStatus = StatusPendingUpload
	}
	if !validStatus(task.SyncStatus) {
		return fmt.Errorf("%w: unknown sync status %q", ErrInvalidInput, task.SyncStatus)
	}
	return nil
}

func validLogEntry(entry SyncLogEntry) error {
	if entry.EntityType != EntityProject && entry.EntityType != EntityTask {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, entry.EntityType)
	}
	if entry.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if entry.Action != ActionCreate && entry.Action != ActionUpdate {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, entry.Action)
	}
	if entry.Direction != DirectionToRemote && entry.Direction != DirectionFromRemote {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, entry.Direction)
	}
	return nil
}
