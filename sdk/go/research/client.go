// Package research is a Go client for the research pipeline REST API.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the research REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Submission is the payload required to create a new research task.
type Submission struct {
	Topic       string `json:"topic"`
	ContentType string `json:"content_type"`
	Tone        string `json:"tone"`
	Length      string `json:"length,omitempty"`
	Depth       string `json:"depth,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Receipt is returned when a task has been accepted.
type Receipt struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Stage is one executed pipeline stage.
type Stage struct {
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Artifact is the final output of a task.
type Artifact struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// TaskError describes why a task failed.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// Task is the client-side view of a research task.
type Task struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id,omitempty"`
	Topic        string     `json:"topic"`
	ContentType  string     `json:"content_type"`
	Tone         string     `json:"tone"`
	Status       string     `json:"status"`
	CurrentStage string     `json:"current_stage,omitempty"`
	Stages       []Stage    `json:"stages"`
	Artifact     *Artifact  `json:"artifact,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool {
	switch t.Status {
	case "completed", "failed", "partial":
		return true
	}
	return false
}

// ListFilter narrows ListTasks results. Zero values are omitted.
type ListFilter struct {
	Statuses  []string
	SessionID string
	Query     string
	Limit     int
	Offset    int
}

// SystemStatus mirrors GET /api/v1/status.
type SystemStatus struct {
	StoreDegraded bool           `json:"store_degraded"`
	StoreBackend  string         `json:"store_backend"`
	StoreError    string         `json:"store_error,omitempty"`
	TaskCounts    map[string]int `json:"task_counts_by_state"`
	Total         int            `json:"total"`
	SuccessRate   float64        `json:"success_rate"`
	InFlight      int            `json:"in_flight"`
	Sessions      int            `json:"sessions"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	TaskID     string
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("research api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("research api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the research API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit creates a research task. A rejected submission returns an *APIError
// whose TaskID identifies the task recorded as failed.
func (c *Client) Submit(ctx context.Context, submission Submission) (Receipt, error) {
	var receipt Receipt
	if err := c.send(ctx, http.MethodPost, "/api/v1/research", nil, submission, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (c *Client) ListTasks(ctx context.Context, filter ListFilter) ([]Task, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.SessionID != "" {
		query.Set("session_id", filter.SessionID)
	}
	if filter.Query != "" {
		query.Set("q", filter.Query)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Cancel requests cancellation of a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil, nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Purge deletes a finished task.
func (c *Client) Purge(ctx context.Context, taskID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, nil, nil)
}

// Status returns the aggregated system status.
func (c *Client) Status(ctx context.Context) (SystemStatus, error) {
	var status SystemStatus
	if err := c.send(ctx, http.MethodGet, "/api/v1/status", nil, nil, &status); err != nil {
		return SystemStatus{}, err
	}
	return status, nil
}

// Wait polls the task until it is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		envelope := struct {
			TaskID string    `json:"task_id"`
			Error  *APIError `json:"error"`
		}{Error: apiErr}
		if len(data) > 0 && json.Unmarshal(data, &envelope) == nil {
			apiErr.TaskID = envelope.TaskID
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
