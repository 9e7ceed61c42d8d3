package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const maxResponseSize = 4 << 20

// APIError is a non-2xx response of the task API.
//
// Status 409 covers two cases. A move or delete that lost a race with another
// write unwraps to domain.ErrConcurrencyConflict and is safe to retry after
// reloading the board. A replayed create carries Message "Duplicate request"
// and, once the first create committed, the id of its task in TaskID.
// Other failures are 500.
type APIError struct {
	Status  int
	Message string
	TaskID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("taskboard api: %d %s", e.Status, e.Message)
}

// Unwrap maps the response onto the matching domain error so callers can use
// errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		if strings.HasPrefix(e.Message, "Project") {
			return domain.ErrProjectNotFound
		}
		return domain.ErrTaskNotFound
	case http.StatusForbidden:
		return domain.ErrAccessDenied
	case http.StatusConflict:
		if e.Message == "Duplicate request" {
			return nil
		}
		return domain.ErrConcurrencyConflict
	case http.StatusBadRequest:
		if e.Message == "Invalid column" {
			return domain.ErrInvalidColumn
		}
		return domain.ErrInvalidTask
	}
	return nil
}

type envelope struct {
	Success bool                   `json:"success"`
	Data    sonic.NoCopyRawMessage `json:"data,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Client calls the task API as one user.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New returns a client for the API at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ListTasks returns the tasks of a project.
func (c *Client) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	var out struct {
		Tasks []domain.Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/tasks", nil, &out)
	return out.Tasks, err
}

// MoveTask asks the server to move a task and returns the authoritative task.
func (c *Client) MoveTask(ctx context.Context, intent domain.MoveIntent) (domain.Task, error) {
	var out struct {
		Task domain.Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(intent.TaskID)+"/move", intent, &out)
	return out.Task, err
}

// CreateTask creates a task at the end of its column.
func (c *Client) CreateTask(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	var out struct {
		Task domain.Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "/api/tasks", in, &out)
	return out.Task, err
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	var env envelope
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, &env); err != nil {
			if resp.StatusCode >= 300 {
				return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			}
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{Status: resp.StatusCode, Message: env.Message}
		if resp.StatusCode == http.StatusConflict && len(env.Data) > 0 {
			var dup struct {
				TaskID string `json:"taskId"`
			}
			if sonic.Unmarshal(env.Data, &dup) == nil {
				apiErr.TaskID = dup.TaskID
			}
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return sonic.Unmarshal(env.Data, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}
