// Package remote wraps the third-party task service API behind a typed
// client. All payload decoding happens at this boundary so the engine only
// ever sees well-formed values or a MalformedResponseError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError reports a non-2xx response from the remote service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote api %d: %s", e.StatusCode, e.Message)
}

// MalformedResponseError reports a payload shape the client does not
// recognize. It aborts the pull operation that hit it.
type MalformedResponseError struct {
	Endpoint string
	Detail   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.Endpoint, e.Detail)
}

// Project is the remote representation of a project.
type Project struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Color ColorValue `json:"color"`
}

// Task is the remote representation of a task. Priority uses the remote
// numbering (4 = highest). Due may carry a datetime, a bare date, or nothing.
type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Completed   bool   `json:"completed"`
	Due         *Due   `json:"due"`
}

type Due struct {
	Date     string `json:"date"`
	Datetime string `json:"datetime"`
}

// Time resolves the due fields to a concrete time, preferring the full
// datetime over the date-only form.
func (d *Due) Time() (*time.Time, bool) {
	if d == nil {
		return nil, true
	}
	if raw := strings.TrimSpace(d.Datetime); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = ts.UTC()
			return &ts, true
		}
		return nil, false
	}
	if raw := strings.TrimSpace(d.Date); raw != "" {
		if ts, err := time.Parse("2006-01-02", raw); err == nil {
			ts = ts.UTC()
			return &ts, true
		}
		return nil, false
	}
	return nil, true
}

// TaskFields is the content payload for task create/update calls. Completion
// is deliberately absent: the remote models it as separate close/reopen
// operations.
type TaskFields struct {
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Priority    int    `json:"priority"`
	DueDatetime string `json:"due_datetime,omitempty"`
}

// Client is the surface the reconciler consumes.
type Client interface {
	ListProjects(ctx context.Context) ([]Project, error)
	CreateProject(ctx context.Context, name string) (string, error)
	UpdateProject(ctx context.Context, remoteID, name string) error
	ListTasks(ctx context.Context) ([]Task, error)
	CreateTask(ctx context.Context, fields TaskFields) (string, error)
	UpdateTask(ctx context.Context, remoteID string, fields TaskFields) error
	CloseTask(ctx context.Context, remoteID string) error
	ReopenTask(ctx context.Context, remoteID string) error
}

type HTTPClientOptions struct {
	BaseURL     string
	TokenSource TokenSource
	HTTPClient  *http.Client
	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type HTTPClient struct {
	baseURL     string
	tokenSource TokenSource
	httpClient  *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.todoist.com/rest/v2"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:     baseURL,
		tokenSource: opts.TokenSource,
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

func (c *HTTPClient) ListProjects(ctx context.Context) ([]Project, error) {
	payload, err := c.do(ctx, http.MethodGet, "/projects", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeListPayload("/projects", payload)
	if err != nil {
		return nil, err
	}
	projects := make([]Project, 0, len(items))
	for _, item := range items {
		var p Project
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, &MalformedResponseError{Endpoint: "/projects", Detail: err.Error()}
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func (c *HTTPClient) CreateProject(ctx context.Context, name string) (string, error) {
	payload, err := c.do(ctx, http.MethodPost, "/projects", map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	return decodeCreatedID("/projects", payload)
}

func (c *HTTPClient) UpdateProject(ctx context.Context, remoteID, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/projects/"+remoteID, map[string]any{"name": name})
	return err
}

func (c *HTTPClient) ListTasks(ctx context.Context) ([]Task, error) {
	payload, err := c.do(ctx, http.MethodGet, "/tasks", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeListPayload("/tasks", payload)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(items))
	for _, item := range items {
		var task Task
		if err := json.Unmarshal(item, &task); err != nil {
			return nil, &MalformedResponseError{Endpoint: "/tasks", Detail: err.Error()}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (c *HTTPClient) CreateTask(ctx context.Context, fields TaskFields) (string, error) {
	payload, err := c.do(ctx, http.MethodPost, "/tasks", fields)
	if err != nil {
		return "", err
	}
	return decodeCreatedID("/tasks", payload)
}

func (c *HTTPClient) UpdateTask(ctx context.Context, remoteID string, fields TaskFields) error {
	_, err := c.do(ctx, http.MethodPost, "/tasks/"+remoteID, fields)
	return err
}

func (c *HTTPClient) CloseTask(ctx context.Context, remoteID string) error {
	_, err := c.do(ctx, http.MethodPost, "/tasks/"+remoteID+"/close", nil)
	return err
}

func (c *HTTPClient) ReopenTask(ctx context.Context, remoteID string) error {
	_, err := c.do(ctx, http.MethodPost, "/tasks/"+remoteID+"/reopen", nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.tokenSource == nil {
		return nil, ErrNoCredential
	}
	token, err := c.tokenSource.Token(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoCredential
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

// decodeListPayload accepts the two shapes the remote is known to produce:
// a bare JSON array, or an envelope object carrying the array under "items"
// (older deployments use "results"). Anything else is malformed.
func decodeListPayload(endpoint string, payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &MalformedResponseError{Endpoint: endpoint, Detail: "empty body"}
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &MalformedResponseError{Endpoint: endpoint, Detail: err.Error()}
		}
		return items, nil
	case '{':
		var envelope struct {
			Items   []json.RawMessage `json:"items"`
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, &MalformedResponseError{Endpoint: endpoint, Detail: err.Error()}
		}
		if envelope.Items != nil {
			return envelope.Items, nil
		}
		if envelope.Results != nil {
			return envelope.Results, nil
		}
		return nil, &MalformedResponseError{Endpoint: endpoint, Detail: "object envelope without items"}
	default:
		return nil, &MalformedResponseError{Endpoint: endpoint, Detail: "neither array nor envelope"}
	}
}

func decodeCreatedID(endpoint string, payload []byte) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", &MalformedResponseError{Endpoint: endpoint, Detail: err.Error()}
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &MalformedResponseError{Endpoint: endpoint, Detail: "create response missing id"}
	}
	return out.ID, nil
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
