package taskstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and the memory storage
// profile. All methods are safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string]Project
	tasks    map[string]Task
	log      []SyncLogEntry
	logSeq   uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: map[string]Project{},
		tasks:    map[string]Task{},
	}
}

func (s *MemoryStore) CreateProject(p Project) (Project, error) {
	if err := normalizeProject(&p); err != nil {
		return Project{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.RemoteID != "" && s.projectByRemoteIDLocked(p.RemoteID) != nil {
		return Project{}, fmt.Errorf("%w: project remote id %s", ErrDuplicateRemoteID, p.RemoteID)
	}
	if p.ID == "" {
		p.ID = newEntityID("proj")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.projects[p.ID] = p
	return p, nil
}

func (s *MemoryStore) GetProject(id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) GetProjectByRemoteID(remoteID string) (Project, error) {
	if strings.TrimSpace(remoteID) == "" {
		return Project{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.projectByRemoteIDLocked(remoteID); p != nil {
		return *p, nil
	}
	return Project{}, ErrNotFound
}

func (s *MemoryStore) UpdateProject(p Project) (Project, error) {
	if err := normalizeProject(&p); err != nil {
		return Project{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.projects[p.ID]
	if !ok {
		return Project{}, ErrNotFound
	}
	if p.RemoteID != "" {
		if other := s.projectByRemoteIDLocked(p.RemoteID); other != nil && other.ID != p.ID {
			return Project{}, fmt.Errorf("%w: project remote id %s", ErrDuplicateRemoteID, p.RemoteID)
		}
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.projects[p.ID] = p
	return p, nil
}

func (s *MemoryStore) ListProjects() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sortProjects(out)
	return out, nil
}

func (s *MemoryStore) ListProjectsByStatus(status SyncStatus) ([]Project, error) {
	if !validStatus(status) {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, 0)
	for _, p := range s.projects {
		if p.SyncStatus == status {
			out = append(out, p)
		}
	}
	sortProjects(out)
	return out, nil
}

func (s *MemoryStore) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	taskIDs := map[string]bool{}
	for taskID, task := range s.tasks {
		if task.ProjectID == id {
			taskIDs[taskID] = true
			delete(s.tasks, taskID)
		}
	}
	kept := s.log[:0]
	for _, entry := range s.log {
		if entry.EntityType == EntityProject && entry.EntityID == id {
			continue
		}
		if entry.EntityType == EntityTask && taskIDs[entry.EntityID] {
			continue
		}
		kept = append(kept, entry)
	}
	s.log = kept
	return nil
}

func (s *MemoryStore) CreateTask(task Task) (Task, error) {
	if err := normalizeTask(&task); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[task.ProjectID]; !ok {
		return Task{}, fmt.Errorf("%w: project %s", ErrNotFound, task.ProjectID)
	}
	if task.RemoteID != "" && s.taskByRemoteIDLocked(task.RemoteID) != nil {
		return Task{}, fmt.Errorf("%w: task remote id %s", ErrDuplicateRemoteID, task.RemoteID)
	}
	if task.ID == "" {
		task.ID = newEntityID("task")
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = task
	return task, nil
}

func (s *MemoryStore) GetTask(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (s *MemoryStore) GetTaskByRemoteID(remoteID string) (Task, error) {
	if strings.TrimSpace(remoteID) == "" {
		return Task{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if task := s.taskByRemoteIDLocked(remoteID); task != nil {
		return *task, nil
	}
	return Task{}, ErrNotFound
}

func (s *MemoryStore) UpdateTask(task Task) (Task, error) {
	if err := normalizeTask(&task); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if _, ok := s.projects[task.ProjectID]; !ok {
		return Task{}, fmt.Errorf("%w: project %s", ErrNotFound, task.ProjectID)
	}
	if task.RemoteID != "" {
		if other := s.taskByRemoteIDLocked(task.RemoteID); other != nil && other.ID != task.ID {
			return Task{}, fmt.Errorf("%w: task remote id %s", ErrDuplicateRemoteID, task.RemoteID)
		}
	}
	task.CreatedAt = current.CreatedAt
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = task
	return task, nil
}

func (s *MemoryStore) ListTasks(projectID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		out = append(out, task)
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) ListTasksByStatus(status SyncStatus) ([]Task, error) {
	if !validStatus(status) {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0)
	for _, task := range s.tasks {
		if task.SyncStatus == status {
			out = append(out, task)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	kept := s.log[:0]
	for _, entry := range s.log {
		if entry.EntityType == EntityTask && entry.EntityID == id {
			continue
		}
		kept = append(kept, entry)
	}
	s.log = kept
	return nil
}

func (s *MemoryStore) AppendSyncLog(entry SyncLogEntry) (SyncLogEntry, error) {
	if err := validLogEntry(entry); err != nil {
		return SyncLogEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	entry.ID = fmt.Sprintf("log_%d", s.logSeq)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.log = append(s.log, entry)
	return entry, nil
}

func (s *MemoryStore) ListSyncLog(entityType string, limit, offset int) ([]SyncLogEntry, int, error) {
	if entityType != "" && entityType != EntityProject && entityType != EntityTask {
		return nil, 0, ErrInvalidInput
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := make([]SyncLogEntry, 0, len(s.log))
	for i := len(s.log) - 1; i >= 0; i-- {
		entry := s.log[i]
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		filtered = append(filtered, entry)
	}
	total := len(filtered)
	if offset >= total {
		return []SyncLogEntry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *MemoryStore) StatusCounts() (StatusSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := StatusSummary{
		Projects: map[SyncStatus]int{},
		Tasks:    map[SyncStatus]int{},
	}
	for _, p := range s.projects {
		summary.Projects[p.SyncStatus]++
	}
	for _, task := range s.tasks {
		summary.Tasks[task.SyncStatus]++
	}
	return summary, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) projectByRemoteIDLocked(remoteID string) *Project {
	for _, p := range s.projects {
		if p.RemoteID == remoteID {
			found := p
			return &found
		}
	}
	return nil
}

func (s *MemoryStore) taskByRemoteIDLocked(remoteID string) *Task {
	for _, task := range s.tasks {
		if task.RemoteID == remoteID {
			found := task
			return &found
		}
	}
	return nil
}

func sortProjects(projects []Project) {
	sort.Slice(projects, func(i, j int) bool {
		if !projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].CreatedAt.Before(projects[j].CreatedAt)
		}
		return projects[i].ID < projects[j].ID
	})
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
