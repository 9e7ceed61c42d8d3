// Package client keeps a viewer's copy of a board in step with the server:
// moves are applied locally before the request is sent, rolled back when it
// fails, and reconciled with the events streamed for the project.
package client

import (
	"errors"
	"sort"
	"sync"

	"taskboard/domain"
)

// ErrUnknownTask is returned when a move names a task the state does not hold.
var ErrUnknownTask = errors.New("task not in local state")

// Snapshot is the position of every task in the columns a move touched,
// taken before the move was applied.
type Snapshot struct {
	TaskID    string
	Columns   []string
	positions map[string]domain.TaskRef
}

// State is the local task list of one project.
type State struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// NewState returns an empty state.
func NewState() *State {
	return &State{tasks: make(map[string]domain.Task)}
}

// Load replaces the state with tasks.
func (s *State) Load(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
}

// Tasks returns every task ordered by column and order.
func (s *State) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Column != out[j].Column {
			return out[i].Column < out[j].Column
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Column returns the tasks of column in order.
func (s *State) Column(column string) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Task
	for _, ref := range s.columnRefs(column) {
		out = append(out, s.tasks[ref.ID].Clone())
	}
	return out
}

// Task returns the task with id.
func (s *State) Task(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// BeginMove applies a move locally using the same renumbering as the server
// and returns a snapshot of the affected columns for Restore.
func (s *State) BeginMove(taskID, column string, index int) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	snap := &Snapshot{TaskID: taskID, Columns: []string{t.Column}, positions: make(map[string]domain.TaskRef)}
	if column != t.Column {
		snap.Columns = append(snap.Columns, column)
	}
	for _, c := range snap.Columns {
		for _, ref := range s.columnRefs(c) {
			snap.positions[ref.ID] = ref
		}
	}
	s.relocate(taskID, column, index)
	return snap, nil
}

// Restore puts every task of the snapshot back where it was. Tasks deleted
// since the snapshot stay deleted and the columns are compacted.
func (s *State) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ref := range snap.positions {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		s.tasks[id] = withPosition(t, ref.Column, ref.Order)
	}
	for _, c := range snap.Columns {
		for i, ref := range s.columnRefs(c) {
			if ref.Order != i {
				s.tasks[ref.ID] = withPosition(s.tasks[ref.ID], c, i)
			}
		}
	}
}

// Apply reconciles the state with an authoritative event. It reports whether
// anything changed; applying the same event twice changes nothing the second
// time.
func (s *State) Apply(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e := ev.(type) {
	case domain.TaskCreated:
		return s.put(e.Task)
	case domain.TaskUpdated:
		return s.put(e.Task)
	case domain.TaskMoved:
		prev, known := s.tasks[e.Task.ID]
		changed := s.put(e.Task)
		if known {
			// put the sibling orders back where the move left them
			s.tasks[e.Task.ID] = withPosition(s.tasks[e.Task.ID], prev.Column, prev.Order)
		} else {
			s.tasks[e.Task.ID] = withPosition(s.tasks[e.Task.ID], e.Task.Column, -1)
		}
		if s.relocate(e.Task.ID, e.Task.Column, e.Task.Order) {
			changed = true
		}
		return changed
	case domain.TaskDeleted:
		t, ok := s.tasks[e.TaskID]
		if !ok {
			return false
		}
		refs := s.columnRefs(t.Column)
		delete(s.tasks, e.TaskID)
		s.assign(domain.ComputeRemoval(refs, e.TaskID))
		return true
	case domain.ProjectDeleted:
		if len(s.tasks) == 0 {
			return false
		}
		s.tasks = make(map[string]domain.Task)
		return true
	}
	return false
}

// put stores t and reports whether it differed from the held copy.
func (s *State) put(t domain.Task) bool {
	prev, ok := s.tasks[t.ID]
	s.tasks[t.ID] = t.Clone()
	return !ok || !sameTask(prev, t)
}

// relocate moves taskID to index of column and densely renumbers the
// columns involved. It reports whether any position changed.
func (s *State) relocate(taskID, column string, index int) bool {
	t := s.tasks[taskID]
	source := s.columnRefs(t.Column)
	dest := source
	if column != t.Column {
		dest = s.columnRefs(column)
	}
	if !containsID(source, taskID) {
		source = append(source, t.Ref())
		domain.SortRefs(source)
	}
	return s.assign(domain.ComputeReorder(source, dest, taskID, column, index))
}

func (s *State) assign(plan domain.Plan) bool {
	changed := false
	for _, a := range plan.Assignments {
		t, ok := s.tasks[a.TaskID]
		if !ok || (t.Column == a.Column && t.Order == a.Order) {
			continue
		}
		s.tasks[a.TaskID] = withPosition(t, a.Column, a.Order)
		changed = true
	}
	return changed
}

// columnRefs returns the refs of column sorted by order, ties broken by id.
func (s *State) columnRefs(column string) []domain.TaskRef {
	var refs []domain.TaskRef
	for _, t := range s.tasks {
		if t.Column == column {
			refs = append(refs, t.Ref())
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Order != refs[j].Order {
			return refs[i].Order < refs[j].Order
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}

func withPosition(t domain.Task, column string, order int) domain.Task {
	t.Column = column
	t.Order = order
	return t
}

func containsID(refs []domain.TaskRef, id string) bool {
	for _, r := range refs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func sameTask(a, b domain.Task) bool {
	if a.Column != b.Column || a.Order != b.Order || a.Title != b.Title ||
		a.Description != b.Description || a.Priority != b.Priority || a.Status != b.Status ||
		a.AssigneeID() != b.AssigneeID() || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
