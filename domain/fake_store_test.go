package domain

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]Task
	projects map[string]Project
	users    map[string]UserRef

	commits      int
	failCommit   error
	conflictNext int
	// beforeCommit runs once, inside CommitBatch, before versions are checked.
	beforeCommit func(f *fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    map[string]Task{},
		projects: map[string]Project{},
		users:    map[string]UserRef{},
	}
}

func (f *fakeStore) addProject(p Project) {
	if p.Columns == nil {
		p.Columns = DefaultColumns()
	}
	f.projects[p.ID] = p
}

func (f *fakeStore) seed(projectID, column string, ids ...string) {
	for i, id := range ids {
		f.tasks[id] = Task{ID: id, ProjectID: projectID, Column: column, Order: i, Title: id, Version: "1"}
	}
}

func (f *fakeStore) column(projectID, column string) []Task {
	var out []Task
	for _, t := range f.tasks {
		if t.ProjectID == projectID && t.Column == column {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) ListColumn(ctx context.Context, projectID, column string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.column(projectID, column), nil
}

func (f *fakeStore) ListProjectTasks(ctx context.Context, projectID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tasks[t.ID]; exists {
		return errors.New("duplicate task")
	}
	t.Version = "1"
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tasks[t.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if cur.Version != t.Version {
		return ErrConcurrencyConflict
	}
	t.Column, t.Order = cur.Column, cur.Order
	t.Version = bump(cur.Version)
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) CommitBatch(ctx context.Context, b Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	if hook := f.beforeCommit; hook != nil {
		f.beforeCommit = nil
		hook(f)
	}
	if f.failCommit != nil {
		return f.failCommit
	}
	if f.conflictNext > 0 {
		f.conflictNext--
		return ErrConcurrencyConflict
	}
	for _, t := range append(append([]Task{}, b.Updates...), b.Deletes...) {
		if cur, ok := f.tasks[t.ID]; !ok || cur.Version != t.Version {
			return ErrConcurrencyConflict
		}
	}
	for _, t := range b.Updates {
		t.Version = bump(t.Version)
		f.tasks[t.ID] = t
	}
	for _, t := range b.Deletes {
		delete(f.tasks, t.ID)
	}
	return nil
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (*Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) LookupUsers(ctx context.Context, ids []string) (map[string]UserRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]UserRef{}
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func bump(v string) string {
	n, _ := strconv.Atoi(v)
	return strconv.Itoa(n + 1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, projectID string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}
