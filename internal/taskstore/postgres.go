package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresProjectsTable = "taskrelay_projects"
	postgresTasksTable    = "taskrelay_tasks"
	postgresSyncLogTable  = "taskrelay_sync_log"
	postgresOpTimeout     = 5 * time.Second

	pqUniqueViolation = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists the local replica in Postgres. Schema is created
// lazily on first use so the DSN is only dialed when the store is touched.
type PostgresStore struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresStore) projectsTable() string {
	return s.tablePrefix + postgresProjectsTable
}

func (s *PostgresStore) tasksTable() string {
	return s.tablePrefix + postgresTasksTable
}

func (s *PostgresStore) syncLogTable() string {
	return s.tablePrefix + postgresSyncLogTable
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					color TEXT NOT NULL DEFAULT '',
					remote_id TEXT,
					sync_status TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(s.projectsTable())),
			fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (remote_id) WHERE remote_id IS NOT NULL",
				quoteIdentifier(s.projectsTable()+"_remote_id_idx"),
				quoteIdentifier(s.projectsTable()),
			),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					text TEXT NOT NULL,
					completed BOOLEAN NOT NULL DEFAULT FALSE,
					priority INTEGER NOT NULL DEFAULT 4,
					notes TEXT NOT NULL DEFAULT '',
					due_date TIMESTAMPTZ,
					project_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
					remote_id TEXT,
					sync_status TEXT NOT NULL,
					metadata TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(s.tasksTable()), quoteIdentifier(s.projectsTable())),
			fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (remote_id) WHERE remote_id IS NOT NULL",
				quoteIdentifier(s.tasksTable()+"_remote_id_idx"),
				quoteIdentifier(s.tasksTable()),
			),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (project_id)",
				quoteIdentifier(s.tasksTable()+"_project_id_idx"),
				quoteIdentifier(s.tasksTable()),
			),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					entity_type TEXT NOT NULL,
					project_id TEXT REFERENCES %s (id) ON DELETE CASCADE,
					task_id TEXT REFERENCES %s (id) ON DELETE CASCADE,
					action TEXT NOT NULL,
					direction TEXT NOT NULL,
					remote_id TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(s.syncLogTable()), quoteIdentifier(s.projectsTable()), quoteIdentifier(s.tasksTable())),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) CreateProject(p Project) (Project, error) {
	if err := normalizeProject(&p); err != nil {
		return Project{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Project{}, err
	}
	if p.ID == "" {
		p.ID = newEntityID("proj")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, color, remote_id, sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`, quoteIdentifier(s.projectsTable()))
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Color, p.RemoteID, string(p.SyncStatus), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Project{}, mapUniqueViolation(err)
	}
	return p, nil
}

func (s *PostgresStore) GetProject(id string) (Project, error) {
	if err := s.ensureReady(); err != nil {
		return Project{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, name, color, COALESCE(remote_id, ''), sync_status, created_at, updated_at
		FROM %s WHERE id = $1`, quoteIdentifier(s.projectsTable()))
	return scanProject(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetProjectByRemoteID(remoteID string) (Project, error) {
	if strings.TrimSpace(remoteID) == "" {
		return Project{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Project{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, name, color, COALESCE(remote_id, ''), sync_status, created_at, updated_at
		FROM %s WHERE remote_id = $1`, quoteIdentifier(s.projectsTable()))
	return scanProject(s.db.QueryRowContext(ctx, query, remoteID))
}

func (s *PostgresStore) UpdateProject(p Project) (Project, error) {
	if err := normalizeProject(&p); err != nil {
		return Project{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Project{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s
		SET name = $2, color = $3, remote_id = NULLIF($4, ''), sync_status = $5, updated_at = $6
		WHERE id = $1
		RETURNING created_at`, quoteIdentifier(s.projectsTable()))
	err := s.db.QueryRowContext(ctx, query, p.ID, p.Name, p.Color, p.RemoteID, string(p.SyncStatus), p.UpdatedAt).Scan(&p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, mapUniqueViolation(err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects() ([]Project, error) {
	return s.listProjectsWhere("", nil)
}

func (s *PostgresStore) ListProjectsByStatus(status SyncStatus) ([]Project, error) {
	if !validStatus(status) {
		return nil, ErrInvalidInput
	}
	return s.listProjectsWhere("WHERE sync_status = $1", []any{string(status)})
}

func (s *PostgresStore) listProjectsWhere(where string, args []any) ([]Project, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, name, color, COALESCE(remote_id, ''), sync_status, created_at, updated_at
		FROM %s %s ORDER BY created_at, id`, quoteIdentifier(s.projectsTable()), where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Project, 0)
	for rows.Next() {
		var p Project
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &p.Color, &p.RemoteID, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.SyncStatus = SyncStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteProject(id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(s.projectsTable()))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateTask(task Task) (Task, error) {
	if err := normalizeTask(&task); err != nil {
		return Task{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	if task.ID == "" {
		task.ID = newEntityID("task")
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return Task{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, text, completed, priority, notes, due_date, project_id, remote_id, sync_status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)`, quoteIdentifier(s.tasksTable()))
	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.Text, task.Completed, task.Priority, task.Notes, task.DueDate,
		task.ProjectID, task.RemoteID, string(task.SyncStatus), metadata, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return Task{}, mapTaskWriteError(err)
	}
	return task, nil
}

func (s *PostgresStore) GetTask(id string) (Task, error) {
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("%s WHERE id = $1", s.selectTasksQuery())
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetTaskByRemoteID(remoteID string) (Task, error) {
	if strings.TrimSpace(remoteID) == "" {
		return Task{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("%s WHERE remote_id = $1", s.selectTasksQuery())
	return scanTask(s.db.QueryRowContext(ctx, query, remoteID))
}

func (s *PostgresStore) UpdateTask(task Task) (Task, error) {
	if err := normalizeTask(&task); err != nil {
		return Task{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return Task{}, err
	}
	task.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s
		SET text = $2, completed = $3, priority = $4, notes = $5, due_date = $6,
			project_id = $7, remote_id = NULLIF($8, ''), sync_status = $9, metadata = $10, updated_at = $11
		WHERE id = $1
		RETURNING created_at`, quoteIdentifier(s.tasksTable()))
	err = s.db.QueryRowContext(ctx, query,
		task.ID, task.Text, task.Completed, task.Priority, task.Notes, task.DueDate,
		task.ProjectID, task.RemoteID, string(task.SyncStatus), metadata, task.UpdatedAt).Scan(&task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, mapTaskWriteError(err)
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(projectID string) ([]Task, error) {
	if projectID == "" {
		return s.listTasksWhere("", nil)
	}
	return s.listTasksWhere("WHERE project_id = $1", []any{projectID})
}

func (s *PostgresStore) ListTasksByStatus(status SyncStatus) ([]Task, error) {
	if !validStatus(status) {
		return nil, ErrInvalidInput
	}
	return s.listTasksWhere("WHERE sync_status = $1", []any{string(status)})
}

func (s *PostgresStore) listTasksWhere(where string, args []any) ([]Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("%s %s ORDER BY created_at, id", s.selectTasksQuery(), where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Task, 0)
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTask(id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(s.tasksTable()))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendSyncLog(entry SyncLogEntry) (SyncLogEntry, error) {
	if err := validLogEntry(entry); err != nil {
		return SyncLogEntry{}, err
	}
	if err := s.ensureReady(); err != nil {
		return SyncLogEntry{}, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var projectID, taskID any
	if entry.EntityType == EntityProject {
		projectID = entry.EntityID
	} else {
		taskID = entry.EntityID
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (entity_type, project_id, task_id, action, direction, remote_id, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`, quoteIdentifier(s.syncLogTable()))
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		entry.EntityType, projectID, taskID, entry.Action, entry.Direction,
		entry.RemoteID, entry.ErrorMessage, entry.Timestamp).Scan(&id)
	if err != nil {
		return SyncLogEntry{}, err
	}
	entry.ID = fmt.Sprintf("log_%d", id)
	return entry, nil
}

func (s *PostgresStore) ListSyncLog(entityType string, limit, offset int) ([]SyncLogEntry, int, error) {
	if entityType != "" && entityType != EntityProject && entityType != EntityTask {
		return nil, 0, ErrInvalidInput
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if err := s.ensureReady(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	where := ""
	args := []any{}
	if entityType != "" {
		where = "WHERE entity_type = $1"
		args = append(args, entityType)
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", quoteIdentifier(s.syncLogTable()), where)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, entity_type, COALESCE(project_id, ''), COALESCE(task_id, ''), action, direction, remote_id, error_message, created_at
		FROM %s %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, quoteIdentifier(s.syncLogTable()), where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]SyncLogEntry, 0, limit)
	for rows.Next() {
		var entry SyncLogEntry
		var id int64
		var projectID, taskID string
		if err := rows.Scan(&id, &entry.EntityType, &projectID, &taskID, &entry.Action, &entry.Direction, &entry.RemoteID, &entry.ErrorMessage, &entry.Timestamp); err != nil {
			return nil, 0, err
		}
		entry.ID = fmt.Sprintf("log_%d", id)
		if entry.EntityType == EntityProject {
			entry.EntityID = projectID
		} else {
			entry.EntityID = taskID
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

func (s *PostgresStore) StatusCounts() (StatusSummary, error) {
	if err := s.ensureReady(); err != nil {
		return StatusSummary{}, err
	}
	summary := StatusSummary{
		Projects: map[SyncStatus]int{},
		Tasks:    map[SyncStatus]int{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	for _, target := range []struct {
		table  string
		counts map[SyncStatus]int
	}{
		{s.projectsTable(), summary.Projects},
		{s.tasksTable(), summary.Tasks},
	} {
		query := fmt.Sprintf("SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status", quoteIdentifier(target.table))
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return StatusSummary{}, err
		}
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return StatusSummary{}, err
			}
			target.counts[SyncStatus(status)] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return StatusSummary{}, err
		}
		rows.Close()
	}
	return summary, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) selectTasksQuery() string {
	return fmt.Sprintf(`
		SELECT id, text, completed, priority, notes, due_date, project_id, COALESCE(remote_id, ''), sync_status, metadata, created_at, updated_at
		FROM %s`, quoteIdentifier(s.tasksTable()))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var p Project
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.Color, &p.RemoteID, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	p.SyncStatus = SyncStatus(status)
	return p, nil
}

func scanTask(row rowScanner) (Task, error) {
	task, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func scanTaskRow(row rowScanner) (Task, error) {
	var task Task
	var status, metadata string
	var dueDate sql.NullTime
	err := row.Scan(&task.ID, &task.Text, &task.Completed, &task.Priority, &task.Notes, &dueDate,
		&task.ProjectID, &task.RemoteID, &status, &metadata, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	task.SyncStatus = SyncStatus(status)
	if dueDate.Valid {
		due := dueDate.Time.UTC()
		task.DueDate = &due
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
			return Task{}, err
		}
	}
	return task, nil
}

func marshalMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateRemoteID, pqErr.Constraint)
	}
	return err
}

func mapTaskWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateRemoteID, pqErr.Constraint)
		case "23503": // foreign key violation: owning project is gone
			return fmt.Errorf("%w: project for task", ErrNotFound)
		}
	}
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
