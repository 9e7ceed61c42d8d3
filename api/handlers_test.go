package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
)

type stubTasks struct {
	moveFn   func(ctx context.Context, userID string, intent domain.MoveIntent) (domain.MoveResult, error)
	createFn func(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error)
	listFn   func(ctx context.Context, userID, projectID string) ([]domain.Task, error)
	deleteFn func(ctx context.Context, userID, taskID string) error
	creates  int
}

func (s *stubTasks) Get(ctx context.Context, userID, taskID string) (domain.Task, error) {
	if taskID == "missing" {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return domain.Task{ID: taskID, ProjectID: "p1"}, nil
}

func (s *stubTasks) List(ctx context.Context, userID, projectID string) ([]domain.Task, error) {
	return s.listFn(ctx, userID, projectID)
}

func (s *stubTasks) Create(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
	s.creates++
	return s.createFn(ctx, userID, in)
}

func (s *stubTasks) Update(ctx context.Context, userID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if patch.Empty() {
		return domain.Task{}, domain.ErrInvalidTask
	}
	return domain.Task{ID: taskID, Title: *patch.Title}, nil
}

func (s *stubTasks) Move(ctx context.Context, userID string, intent domain.MoveIntent) (domain.MoveResult, error) {
	return s.moveFn(ctx, userID, intent)
}

func (s *stubTasks) Delete(ctx context.Context, userID, taskID string) error {
	return s.deleteFn(ctx, userID, taskID)
}

type stubAuth struct{ err error }

func (a stubAuth) UserIDFromRequest(r *http.Request) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "user-1", nil
}

func newTestServer(t *testing.T, tasks Tasks, deduper Deduper) *echo.Echo {
	t.Helper()
	logger, _ := test.NewNullLogger()
	e := echo.New()
	e.JSONSerializer = SonicSerializer{}
	Register(e, Deps{Tasks: tasks, Auth: stubAuth{}, Deduper: deduper, Logger: logger})
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type movedEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Task domain.Task `json:"task"`
	} `json:"data"`
}

func TestMoveTaskSuccess(t *testing.T) {
	var got domain.MoveIntent
	tasks := &stubTasks{moveFn: func(ctx context.Context, userID string, intent domain.MoveIntent) (domain.MoveResult, error) {
		got = intent
		return domain.MoveResult{
			Task:      domain.Task{ID: intent.TaskID, ProjectID: "p1", Column: intent.Column, Order: 0, Creator: &domain.UserRef{ID: "u1", Username: "ada"}},
			OldColumn: "todo",
			NewColumn: intent.Column,
		}, nil
	}}
	e := newTestServer(t, tasks, nil)

	rec := do(e, http.MethodPut, "/api/tasks/t1/move", `{"taskId":"t1","column":"done","destinationIndex":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got != (domain.MoveIntent{TaskID: "t1", Column: "done", DestinationIndex: 0}) {
		t.Fatalf("unexpected intent %+v", got)
	}
	var resp movedEnvelope
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Data.Task.ID != "t1" || resp.Data.Task.Column != "done" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"order":0`) {
		t.Fatalf("order 0 must be serialized: %s", rec.Body.String())
	}
	if resp.Data.Task.Creator == nil || resp.Data.Task.Creator.Username != "ada" {
		t.Fatalf("expected expanded creator in %s", rec.Body.String())
	}
}

func TestMoveTaskErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{name: "not_found", err: domain.ErrTaskNotFound, status: http.StatusNotFound, msg: "Task not found"},
		{name: "denied", err: domain.ErrAccessDenied, status: http.StatusForbidden, msg: "Access denied"},
		{name: "column", err: domain.ErrInvalidColumn, status: http.StatusBadRequest, msg: "Invalid column"},
		{name: "conflict", err: fmt.Errorf("commit move: %w", domain.ErrConcurrencyConflict), status: http.StatusConflict},
		{name: "store", err: &domain.StoreError{Op: "commit move", Err: errors.New("disk on fire")}, status: http.StatusInternalServerError, msg: "Server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := &stubTasks{moveFn: func(context.Context, string, domain.MoveIntent) (domain.MoveResult, error) {
				return domain.MoveResult{}, tt.err
			}}
			e := newTestServer(t, tasks, nil)
			rec := do(e, http.MethodPut, "/api/tasks/t1/move", `{"column":"done","destinationIndex":2}`)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			var resp movedEnvelope
			if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success {
				t.Fatalf("expected success=false")
			}
			if tt.msg != "" && resp.Message != tt.msg {
				t.Fatalf("expected message %q, got %q", tt.msg, resp.Message)
			}
			if strings.Contains(rec.Body.String(), "disk on fire") {
				t.Fatalf("store error leaked to client")
			}
		})
	}
}

func TestMoveTaskRejectsBadRequests(t *testing.T) {
	tasks := &stubTasks{moveFn: func(context.Context, string, domain.MoveIntent) (domain.MoveResult, error) {
		t.Fatalf("service must not be called")
		return domain.MoveResult{}, nil
	}}
	e := newTestServer(t, tasks, nil)

	for _, body := range []string{`{"destinationIndex":1}`, `{"column":"done","destinationIndex":"x"}`, `{"taskId":"other","column":"done"}`, `not json`} {
		if rec := do(e, http.MethodPut, "/api/tasks/t1/move", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, Deps{Tasks: &stubTasks{}, Auth: stubAuth{err: errMissingAuthorization}, Logger: logger})

	rec := do(e, http.MethodGet, "/api/projects/p1/tasks", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListTasks(t *testing.T) {
	tasks := &stubTasks{listFn: func(ctx context.Context, userID, projectID string) ([]domain.Task, error) {
		if projectID != "p1" || userID != "user-1" {
			t.Fatalf("unexpected args %s %s", userID, projectID)
		}
		return []domain.Task{{ID: "a", Order: 0}, {ID: "b", Order: 1}}, nil
	}}
	e := newTestServer(t, tasks, nil)

	rec := do(e, http.MethodGet, "/api/projects/p1/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data struct {
			Tasks []domain.Task `json:"tasks"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data.Tasks) != 2 || resp.Data.Tasks[1].ID != "b" {
		t.Fatalf("unexpected tasks %s", rec.Body.String())
	}
}

func TestCreateTaskIdempotency(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	broken := true
	tasks := &stubTasks{createFn: func(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
		if broken {
			return domain.Task{}, &domain.StoreError{Op: "insert task", Err: errors.New("boom")}
		}
		return domain.Task{ID: "new", ProjectID: in.ProjectID, Title: in.Title}, nil
	}}
	e := newTestServer(t, tasks, NewRedisDeduper(client, time.Minute))
	body := `{"project":"p1","title":"Ship","idempotencyKey":"k1"}`

	if rec := do(e, http.MethodPost, "/api/tasks", body); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if mr.Exists("taskboard:create:p1:user-1:k1") {
		t.Fatalf("failed create must release its key")
	}

	broken = false
	if rec := do(e, http.MethodPost, "/api/tasks", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(e, http.MethodPost, "/api/tasks", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", rec.Code)
	}
	if want := `{"success":false,"data":{"taskId":"new"},"message":"Duplicate request"}`; strings.TrimSpace(rec.Body.String()) != want {
		t.Fatalf("unexpected replay body %s", rec.Body.String())
	}
	other := `{"project":"p2","title":"Ship","idempotencyKey":"k1"}`
	if rec := do(e, http.MethodPost, "/api/tasks", other); rec.Code != http.StatusCreated {
		t.Fatalf("same key in another project must create, got %d", rec.Code)
	}
	if tasks.creates != 3 {
		t.Fatalf("replay must not reach the service, creates=%d", tasks.creates)
	}
}

func TestCreateTaskGzipBody(t *testing.T) {
	tasks := &stubTasks{createFn: func(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
		return domain.Task{ID: "new", Title: in.Title}, nil
	}}
	e := newTestServer(t, tasks, nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"project":"p1","title":"zipped"}`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), "zipped") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("plain"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}

	for _, enc := range []string{"br", "gzip, gzip"} {
		req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"project":"p1","title":"x"}`))
		req.Header.Set(echo.HeaderContentEncoding, enc)
		req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnsupportedMediaType || !strings.Contains(rec.Body.String(), `"success":false`) {
			t.Fatalf("expected 415 envelope for %q, got %d %s", enc, rec.Code, rec.Body.String())
		}
	}
}

func TestDeleteAndGetTask(t *testing.T) {
	tasks := &stubTasks{deleteFn: func(ctx context.Context, userID, taskID string) error {
		return nil
	}}
	e := newTestServer(t, tasks, nil)

	rec := do(e, http.MethodDelete, "/api/tasks/t1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("unexpected delete response %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodGet, "/api/tasks/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPut, "/api/tasks/t1", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPut, "/api/tasks/t1", `{"title":"new"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for update, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := echo.New()
	healthy := true
	Register(e, Deps{Tasks: &stubTasks{}, Auth: stubAuth{}, Logger: logger, Health: func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("redis down")
	}})

	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	healthy = false
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
