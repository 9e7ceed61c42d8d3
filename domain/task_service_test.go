package domain

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestService(t *testing.T) (*TaskService, *fakeStore, *recordingPublisher) {
	t.Helper()
	st := newFakeStore()
	st.addProject(Project{ID: "p1", Owner: "owner", Members: []Member{{UserID: "member", Role: RoleMember}}})
	st.users["owner"] = UserRef{ID: "owner", Username: "olive", Email: "olive@example.com"}
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	clock := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	seq := 0
	nextID := func() string {
		seq++
		return "new-" + string(rune('0'+seq))
	}
	svc := NewTaskService(st, st, st, pub, logger, WithClock(clock), WithIDGenerator(nextID))
	return svc, st, pub
}

func columnIDs(st *fakeStore, column string) []string {
	var out []string
	for _, task := range st.column("p1", column) {
		out = append(out, task.ID)
	}
	return out
}

func assertDense(t *testing.T, st *fakeStore, column string) {
	t.Helper()
	for i, task := range st.column("p1", column) {
		if task.Order != i {
			t.Fatalf("column %s not dense: %s has order %d at rank %d", column, task.ID, task.Order, i)
		}
	}
}

func TestMoveSameColumn(t *testing.T) {
	svc, st, pub := newTestService(t)
	st.seed("p1", "todo", "A", "B", "C", "D")

	res, err := svc.Move(context.Background(), "owner", MoveIntent{TaskID: "C", Column: "todo", DestinationIndex: 0})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if want := []string{"C", "A", "B", "D"}; !reflect.DeepEqual(columnIDs(st, "todo"), want) {
		t.Fatalf("expected %v, got %v", want, columnIDs(st, "todo"))
	}
	assertDense(t, st, "todo")
	if res.Task.ID != "C" || res.Task.Order != 0 || res.OldColumn != "todo" || res.NewColumn != "todo" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Siblings) != 2 {
		t.Fatalf("expected A and B as renumbered siblings, got %d", len(res.Siblings))
	}
	if st.commits != 1 {
		t.Fatalf("expected a single batch commit, got %d", st.commits)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	moved, ok := pub.events[0].(TaskMoved)
	if !ok || moved.Task.ID != "C" || moved.OldColumn != "todo" || moved.NewColumn != "todo" {
		t.Fatalf("unexpected event %#v", pub.events[0])
	}
}

func TestMoveCrossColumn(t *testing.T) {
	svc, st, pub := newTestService(t)
	st.seed("p1", "todo", "A", "B")
	st.seed("p1", "done", "X", "Y")

	res, err := svc.Move(context.Background(), "member", MoveIntent{TaskID: "A", Column: "done", DestinationIndex: 1})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if want := []string{"B"}; !reflect.DeepEqual(columnIDs(st, "todo"), want) {
		t.Fatalf("expected source %v, got %v", want, columnIDs(st, "todo"))
	}
	if want := []string{"X", "A", "Y"}; !reflect.DeepEqual(columnIDs(st, "done"), want) {
		t.Fatalf("expected destination %v, got %v", want, columnIDs(st, "done"))
	}
	assertDense(t, st, "todo")
	assertDense(t, st, "done")
	if res.Task.Column != "done" || res.Task.Order != 1 {
		t.Fatalf("unexpected moved task %+v", res.Task)
	}
	ev := pub.events[0].(TaskMoved)
	if ev.OldColumn != "todo" || ev.NewColumn != "done" {
		t.Fatalf("unexpected event columns %+v", ev)
	}
}

func TestMoveExpandsUsers(t *testing.T) {
	svc, st, _ := newTestService(t)
	st.seed("p1", "todo", "A")
	a := st.tasks["A"]
	a.Creator = &UserRef{ID: "owner"}
	st.tasks["A"] = a

	res, err := svc.Move(context.Background(), "owner", MoveIntent{TaskID: "A", Column: "review"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Task.Creator == nil || res.Task.Creator.Username != "olive" {
		t.Fatalf("expected creator to be expanded, got %+v", res.Task.Creator)
	}
}

func TestMoveFailures(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		intent  MoveIntent
		wantErr error
	}{
		{name: "task_not_found", user: "owner", intent: MoveIntent{TaskID: "missing", Column: "todo"}, wantErr: ErrTaskNotFound},
		{name: "access_denied", user: "stranger", intent: MoveIntent{TaskID: "A", Column: "todo"}, wantErr: ErrAccessDenied},
		{name: "invalid_column", user: "owner", intent: MoveIntent{TaskID: "A", Column: "nope"}, wantErr: ErrInvalidColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, pub := newTestService(t)
			st.seed("p1", "todo", "A", "B")

			_, err := svc.Move(context.Background(), tt.user, tt.intent)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if st.commits != 0 {
				t.Fatalf("expected no writes before validation, got %d commits", st.commits)
			}
			if len(pub.events) != 0 {
				t.Fatalf("expected no broadcast on failure")
			}
		})
	}
}

func TestMoveStoreFailureIsAtomicAndSilent(t *testing.T) {
	svc, st, pub := newTestService(t)
	st.seed("p1", "todo", "A", "B", "C")
	st.failCommit = errors.New("table unavailable")

	_, err := svc.Move(context.Background(), "owner", MoveIntent{TaskID: "C", Column: "todo", DestinationIndex: 0})

	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(columnIDs(st, "todo"), want) {
		t.Fatalf("expected column untouched, got %v", columnIDs(st, "todo"))
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no broadcast on failure")
	}
}

func TestMoveRetriesOnConflict(t *testing.T) {
	svc, st, pub := newTestService(t)
	st.seed("p1", "todo", "A", "B", "C")
	st.seed("p1", "done", "X")
	// Another writer edits B between our read and our commit.
	st.beforeCommit = func(f *fakeStore) {
		b := f.tasks["B"]
		b.Title = "edited elsewhere"
		b.Version = bump(b.Version)
		f.tasks["B"] = b
	}

	res, err := svc.Move(context.Background(), "owner", MoveIntent{TaskID: "A", Column: "done", DestinationIndex: 1})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if st.commits != 2 {
		t.Fatalf("expected one retry, got %d commits", st.commits)
	}
	if want := []string{"X", "A"}; !reflect.DeepEqual(columnIDs(st, "done"), want) {
		t.Fatalf("expected %v, got %v", want, columnIDs(st, "done"))
	}
	if want := []string{"B", "C"}; !reflect.DeepEqual(columnIDs(st, "todo"), want) {
		t.Fatalf("expected %v, got %v", want, columnIDs(st, "todo"))
	}
	assertDense(t, st, "done")
	assertDense(t, st, "todo")
	if st.tasks["B"].Title != "edited elsewhere" {
		t.Fatalf("expected concurrent edit to survive the retry")
	}
	if res.Task.Order != 1 || len(pub.events) != 1 {
		t.Fatalf("unexpected result %+v / %d events", res.Task, len(pub.events))
	}
}

func TestMoveGivesUpAfterMaxAttempts(t *testing.T) {
	svc, st, _ := newTestService(t)
	svc.maxAttempts = 2
	st.seed("p1", "todo", "A", "B")
	st.conflictNext = 5

	_, err := svc.Move(context.Background(), "owner", MoveIntent{TaskID: "B", Column: "todo", DestinationIndex: 0})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	if st.commits != 2 {
		t.Fatalf("expected 2 attempts, got %d", st.commits)
	}
}

func TestMovePublishFailureDoesNotFailMove(t *testing.T) {
	svc, st, pub := newTestService(t)
	logger, hook := test.NewNullLogger()
	svc.logger = logger
	pub.err = errors.New("redis down")
	st.seed("p1", "todo", "A", "B")

	if _, err := svc.Move(context.Background(), "owner", MoveIntent{TaskID: "B", Column: "todo", DestinationIndex: 0}); err != nil {
		t.Fatalf("move: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.ErrorLevel || entry.Message != "publish event failed" {
		t.Fatalf("expected publish failure to be logged, got %+v", entry)
	}
}

func TestCreateAppendsToColumn(t *testing.T) {
	svc, st, pub := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "owner", NewTask{ProjectID: "p1", Column: "review", Title: "  first  "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(ctx, "owner", NewTask{ProjectID: "p1", Column: "review", Title: "second"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Order != 0 || second.Order != 1 {
		t.Fatalf("expected orders 0 and 1, got %d and %d", first.Order, second.Order)
	}
	if first.Title != "first" || first.Priority != PriorityMedium || first.Status != StatusActive {
		t.Fatalf("unexpected defaults %+v", first)
	}
	if first.Creator == nil || first.Creator.Username != "olive" {
		t.Fatalf("expected expanded creator, got %+v", first.Creator)
	}
	assertDense(t, st, "review")
	if len(pub.events) != 2 || pub.events[0].EventName() != EventTaskCreated {
		t.Fatalf("unexpected events %+v", pub.events)
	}
}

func TestCreateDefaultsToTodo(t *testing.T) {
	svc, st, _ := newTestService(t)
	st.seed("p1", "todo", "A")

	task, err := svc.Create(context.Background(), "owner", NewTask{ProjectID: "p1", Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Column != DefaultColumn || task.Order != 1 {
		t.Fatalf("expected todo[1], got %s[%d]", task.Column, task.Order)
	}
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		in      NewTask
		wantErr error
	}{
		{name: "blank_title", user: "owner", in: NewTask{ProjectID: "p1", Title: "   "}, wantErr: ErrInvalidTask},
		{name: "bad_priority", user: "owner", in: NewTask{ProjectID: "p1", Title: "t", Priority: "whenever"}, wantErr: ErrInvalidTask},
		{name: "unknown_project", user: "owner", in: NewTask{ProjectID: "nope", Title: "t"}, wantErr: ErrProjectNotFound},
		{name: "stranger", user: "stranger", in: NewTask{ProjectID: "p1", Title: "t"}, wantErr: ErrAccessDenied},
		{name: "bad_column", user: "owner", in: NewTask{ProjectID: "p1", Title: "t", Column: "nope"}, wantErr: ErrInvalidColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			if _, err := svc.Create(context.Background(), tt.user, tt.in); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDeleteCompactsColumn(t *testing.T) {
	svc, st, pub := newTestService(t)
	st.seed("p1", "todo", "A", "B", "C")

	if err := svc.Delete(context.Background(), "owner", "B"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if want := []string{"A", "C"}; !reflect.DeepEqual(columnIDs(st, "todo"), want) {
		t.Fatalf("expected %v, got %v", want, columnIDs(st, "todo"))
	}
	assertDense(t, st, "todo")
	ev, ok := pub.events[0].(TaskDeleted)
	if !ok || ev.TaskID != "B" || ev.Column != "todo" {
		t.Fatalf("unexpected event %#v", pub.events[0])
	}
}

func TestDeleteMissingTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.Delete(context.Background(), "owner", "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdateLeavesOrderAlone(t *testing.T) {
	svc, st, pub := newTestService(t)
	st.seed("p1", "todo", "A", "B")
	title := "renamed"
	status := StatusCompleted

	task, err := svc.Update(context.Background(), "owner", "B", TaskPatch{Title: &title, Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if task.Title != "renamed" || task.Order != 1 || task.Column != "todo" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completedAt to be set")
	}
	if pub.events[0].EventName() != EventTaskUpdated {
		t.Fatalf("unexpected event %s", pub.events[0].EventName())
	}

	active := StatusActive
	task, err = svc.Update(context.Background(), "owner", "B", TaskPatch{Status: &active})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if task.CompletedAt != nil {
		t.Fatalf("expected completedAt to be cleared")
	}
}

func TestUpdateRejectsEmptyPatch(t *testing.T) {
	svc, st, _ := newTestService(t)
	st.seed("p1", "todo", "A")
	if _, err := svc.Update(context.Background(), "owner", "A", TaskPatch{}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestListSortsByColumnAndOrder(t *testing.T) {
	svc, st, _ := newTestService(t)
	st.seed("p1", "todo", "A", "B")
	st.seed("p1", "done", "X")

	tasks, err := svc.List(context.Background(), "member", "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, task := range tasks {
		got = append(got, task.ID)
	}
	if want := []string{"X", "A", "B"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
