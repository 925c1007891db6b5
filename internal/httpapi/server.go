// Package httpapi exposes the task store and the synchronization engine over
// HTTP. Handlers are thin: validate input, call into the store or engine,
// notify the change trigger after a write commits.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/taskrelay/internal/reconcile"
	"github.com/agentworkforce/taskrelay/internal/remote"
	"github.com/agentworkforce/taskrelay/internal/taskstore"
	"github.com/agentworkforce/taskrelay/internal/trigger"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	store       taskstore.Store
	reconciler  *reconcile.Reconciler
	broadcaster *trigger.Broadcaster
	cfg         ServerConfig
	schemas     *requestSchemas
}

func NewServer(store taskstore.Store, reconciler *reconcile.Reconciler, broadcaster *trigger.Broadcaster, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		store:       store,
		reconciler:  reconciler,
		broadcaster: broadcaster,
		cfg:         cfg,
		schemas:     schemas,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "projects" && r.Method == http.MethodGet:
		s.handleListProjects(w, r)
	case len(parts) == 2 && parts[1] == "projects" && r.Method == http.MethodPost:
		s.handleCreateProject(w, r)
	case len(parts) == 3 && parts[1] == "projects" && r.Method == http.MethodGet:
		s.handleGetProject(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "projects" && r.Method == http.MethodPut:
		s.handleUpdateProject(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "projects" && r.Method == http.MethodDelete:
		s.handleDeleteProject(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodGet:
		s.handleListTasks(w, r)
	case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodPost:
		s.handleCreateTask(w, r)
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodGet:
		s.handleGetTask(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodPut:
		s.handleUpdateTask(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodDelete:
		s.handleDeleteTask(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "toggle" && r.Method == http.MethodPost:
		s.handleToggleTask(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		s.handleSyncStatus(w, r)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "log" && r.Method == http.MethodGet:
		s.handleSyncLog(w, r)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "ws" && r.Method == http.MethodGet:
		s.handleWebsocket(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

type projectBody struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body projectBody
	if !s.decodeValidatedBody(w, r, s.schemas.projectWrite, correlationID, &body) {
		return
	}
	created, err := s.store.CreateProject(taskstore.Project{
		Name:       body.Name,
		Color:      body.Color,
		SyncStatus: taskstore.StatusPendingUpload,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.broadcaster.OnLocalChange()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, id string) {
	project, err := s.store.GetProject(id)
	if err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request, id string) {
	correlationID := getCorrelationID(r)
	var body projectBody
	if !s.decodeValidatedBody(w, r, s.schemas.projectWrite, correlationID, &body) {
		return
	}
	project, err := s.store.GetProject(id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	project.Name = body.Name
	if body.Color != "" {
		project.Color = body.Color
	}
	project.SyncStatus = taskstore.StatusPendingUpload
	updated, err := s.store.UpdateProject(project)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.broadcaster.OnLocalChange()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteProject(id); err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	s.broadcaster.OnLocalChange()
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type taskBody struct {
	Text      string            `json:"text"`
	ProjectID string            `json:"projectId"`
	Priority  int               `json:"priority"`
	Notes     string            `json:"notes"`
	DueDate   string            `json:"dueDate"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(strings.TrimSpace(r.URL.Query().Get("projectId")))
	if err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body taskBody
	if !s.decodeValidatedBody(w, r, s.schemas.taskCreate, correlationID, &body) {
		return
	}
	dueDate, ok := parseDueDate(body.DueDate)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid dueDate", correlationID)
		return
	}
	created, err := s.store.CreateTask(taskstore.Task{
		Text:       body.Text,
		ProjectID:  body.ProjectID,
		Priority:   body.Priority,
		Notes:      body.Notes,
		DueDate:    dueDate,
		Metadata:   body.Metadata,
		SyncStatus: taskstore.StatusPendingUpload,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.broadcaster.OnLocalChange()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.store.GetTask(id)
	if err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, id string) {
	correlationID := getCorrelationID(r)
	var body taskBody
	if !s.decodeValidatedBody(w, r, s.schemas.taskUpdate, correlationID, &body) {
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	dueDate, ok := parseDueDate(body.DueDate)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid dueDate", correlationID)
		return
	}
	task.Text = body.Text
	if body.Priority != 0 {
		task.Priority = body.Priority
	}
	task.Notes = body.Notes
	task.DueDate = dueDate
	if body.Metadata != nil {
		task.Metadata = body.Metadata
	}
	task.SyncStatus = taskstore.StatusPendingUpload
	updated, err := s.store.UpdateTask(task)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.broadcaster.OnLocalChange()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteTask(id); err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	s.broadcaster.OnLocalChange()
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request, id string) {
	correlationID := getCorrelationID(r)
	task, err := s.store.GetTask(id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	task.Completed = !task.Completed
	task.SyncStatus = taskstore.StatusPendingUpload
	updated, err := s.store.UpdateTask(task)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.broadcaster.OnLocalChange()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		Direction   string `json:"direction"`
		EntityKinds string `json:"entityKinds"`
	}
	if !s.decodeValidatedBody(w, r, s.schemas.syncRequest, correlationID, &body) {
		return
	}
	kinds := reconcile.EntityKinds(body.EntityKinds)
	if body.EntityKinds == "" {
		kinds = reconcile.KindsAll
	}

	outcome, err := s.reconciler.Reconcile(r.Context(), reconcile.Direction(body.Direction), kinds)
	if err != nil {
		status, code := syncErrorStatus(err)
		writeJSON(w, status, map[string]any{
			"code":          code,
			"message":       err.Error(),
			"correlationId": correlationID,
			"outcome":       outcome,
		})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	counts, err := s.store.StatusCounts()
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	recent, _, err := s.store.ListSyncLog("", 10, 0)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projects":  counts.Projects,
		"tasks":     counts.Tasks,
		"recentLog": recent,
		"syncing":   s.broadcaster.Running(),
		"listeners": s.broadcaster.ListenerCount(),
	})
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	entityType := strings.TrimSpace(r.URL.Query().Get("entityType"))
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	offset := parseBoundedInt(r.URL.Query().Get("offset"), 0, 0, 1_000_000)
	entries, total, err := s.store.ListSyncLog(entityType, limit, offset)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

func syncErrorStatus(err error) (int, string) {
	var malformed *remote.MalformedResponseError
	var apiErr *remote.APIError
	switch {
	case errors.Is(err, remote.ErrNoCredential):
		return http.StatusServiceUnavailable, "remote_credential_missing"
	case errors.Is(err, reconcile.ErrUnknownDirection), errors.Is(err, reconcile.ErrUnknownKinds):
		return http.StatusBadRequest, "bad_request"
	case errors.As(err, &malformed):
		return http.StatusBadGateway, "malformed_remote_response"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "remote_call_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, taskstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, taskstore.ErrDuplicateRemoteID):
		writeError(w, http.StatusConflict, "duplicate_remote_id", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func parseDueDate(raw string) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC()
		return &ts, true
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		ts = ts.UTC()
		return &ts, true
	}
	return nil, false
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
