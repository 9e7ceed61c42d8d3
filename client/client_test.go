package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api"
	"taskboard/domain"
	"taskboard/storage"
	"taskboard/stream"
)

// bearerAuth treats the bearer token as the user id.
type bearerAuth struct{}

func (bearerAuth) UserIDFromRequest(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

func newBoardServer(t *testing.T) (*stream.Hub, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.UpsertProject(ctx, domain.Project{ID: "p1", Title: "Board", Owner: "olive", Members: []domain.Member{{UserID: "max", Role: "member"}}}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}

	logger, _ := test.NewNullLogger()
	hub := stream.NewHub(16)
	svc := domain.NewTaskService(store, store, store, hub, logger)
	for _, title := range []string{"A", "B", "C"} {
		if _, err := svc.Create(ctx, "olive", domain.NewTask{ProjectID: "p1", Column: "todo", Title: title}); err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
	}

	e := echo.New()
	e.JSONSerializer = api.SonicSerializer{}
	api.Register(e, api.Deps{Tasks: svc, Auth: bearerAuth{}, Logger: logger})
	sh := &stream.Handler{Hub: hub, Auth: bearerAuth{}, Access: domain.ProjectAuthorizer{Projects: store}, Logger: logger}
	sh.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return hub, srv
}

func titles(tasks []domain.Task) []string {
	out := []string{}
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func TestBoardsConvergeThroughServer(t *testing.T) {
	hub, srv := newBoardServer(t)
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mover := NewBoard(New(srv.URL, "olive"), "p1", logger)
	viewer := NewBoard(New(srv.URL, "max"), "p1", logger)
	for _, b := range []*Board{mover, viewer} {
		if err := b.Load(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	if got := titles(viewer.State.Column("todo")); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected initial board %v", got)
	}

	go func() { _ = viewer.Follow(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("p1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	c := mover.State.Column("todo")[2]
	if err := mover.Move(ctx, c.ID, "done", 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := titles(mover.State.Column("todo")); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("unexpected mover todo %v", got)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(viewer.State.Column("done")) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := titles(viewer.State.Column("done")); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("viewer did not converge, done=%v", got)
	}
	if got := titles(viewer.State.Column("todo")); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("viewer did not converge, todo=%v", got)
	}
}

func TestClientErrorsMapToDomain(t *testing.T) {
	_, srv := newBoardServer(t)
	ctx := context.Background()

	outsider := New(srv.URL, "eve")
	if _, err := outsider.ListTasks(ctx, "p1"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	owner := New(srv.URL, "olive")
	if _, err := owner.MoveTask(ctx, domain.MoveIntent{TaskID: "missing", Column: "todo"}); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
	tasks, err := owner.ListTasks(ctx, "p1")
	if err != nil || len(tasks) != 3 {
		t.Fatalf("list: %v %d", err, len(tasks))
	}
	if _, err := owner.MoveTask(ctx, domain.MoveIntent{TaskID: tasks[0].ID, Column: "nowhere"}); !errors.Is(err, domain.ErrInvalidColumn) {
		t.Fatalf("expected invalid column, got %v", err)
	}

	created, err := owner.CreateTask(ctx, domain.NewTask{ProjectID: "p1", Title: "D"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Column != domain.DefaultColumn || created.Order != 3 {
		t.Fatalf("expected append to default column, got %s/%d", created.Column, created.Order)
	}
	if err := owner.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := owner.DeleteTask(ctx, created.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected task not found on second delete, got %v", err)
	}
}

func TestReadEvents(t *testing.T) {
	raw := ":ok\n\n" +
		"event: task-deleted\ndata: {\"taskId\":\"t1\",\"column\":\"todo\"}\n\n" +
		": ping\n\n" +
		"event: comment-added\ndata: {}\n\n" +
		"event: task-moved\ndata: {\"task\":{\"id\":\"t2\",\"column\":\"done\",\"order\":0},\"oldColumn\":\"todo\",\"newColumn\":\"done\"}\n\n"
	var got []domain.Event
	err := readEvents(strings.NewReader(raw), func(ev domain.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if del, ok := got[0].(domain.TaskDeleted); !ok || del.TaskID != "t1" {
		t.Fatalf("unexpected first event %#v", got[0])
	}
	if mv, ok := got[1].(domain.TaskMoved); !ok || mv.Task.ID != "t2" || mv.NewColumn != "done" {
		t.Fatalf("unexpected second event %#v", got[1])
	}
}

func TestConflictResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"success":false,"data":{"taskId":"t-9"},"message":"Duplicate request"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"message":"Task was modified concurrently, please retry"}`))
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, "olive")
	ctx := context.Background()

	_, err := c.CreateTask(ctx, domain.NewTask{ProjectID: "p1", Title: "D", IdempotencyKey: "k1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.TaskID != "t-9" {
		t.Fatalf("expected duplicate naming t-9, got %v", err)
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatal("duplicate create must not read as a conflict")
	}

	_, err = c.MoveTask(ctx, domain.MoveIntent{TaskID: "t1", Column: "done"})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
