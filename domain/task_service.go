package domain

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultMaxAttempts = 5

// TaskService coordinates task mutations: it owns every write of order and column.
type TaskService struct {
	tasks    TaskStore
	projects ProjectStore
	access   ProjectAccess
	users    UserDirectory
	pub      Publisher
	logger   *log.Logger

	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// Option customises a TaskService.
type Option func(*TaskService)

// WithMaxAttempts bounds the read-compute-commit retries on version conflicts.
func WithMaxAttempts(n int) Option {
	return func(s *TaskService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithAccess replaces the default owner/member authorization.
func WithAccess(a ProjectAccess) Option {
	return func(s *TaskService) { s.access = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *TaskService) { s.newID = fn }
}

func NewTaskService(tasks TaskStore, projects ProjectStore, users UserDirectory, pub Publisher, logger *log.Logger, opts ...Option) *TaskService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &TaskService{
		tasks:       tasks,
		projects:    projects,
		users:       users,
		pub:         pub,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.access == nil {
		s.access = ProjectAuthorizer{Projects: projects}
	}
	return s
}

// authorize loads the project and checks access. NotFound and AccessDenied are
// reported before anything is written.
func (s *TaskService) authorize(ctx context.Context, userID, projectID string) (*Project, error) {
	p, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, storeErr("get project", err)
	}
	if p == nil {
		return nil, ErrProjectNotFound
	}
	ok, err := s.access.HasProjectAccess(ctx, userID, projectID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, err
		}
		return nil, storeErr("check access", err)
	}
	if !ok {
		return nil, ErrAccessDenied
	}
	return p, nil
}

func (s *TaskService) loadTask(ctx context.Context, id string) (*Task, error) {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, storeErr("get task", err)
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Get returns one task with its users expanded.
func (s *TaskService) Get(ctx context.Context, userID, taskID string) (Task, error) {
	t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if _, err := s.authorize(ctx, userID, t.ProjectID); err != nil {
		return Task{}, err
	}
	out := []Task{*t}
	s.expand(ctx, out)
	return out[0], nil
}

// List returns the project's tasks sorted by column and order.
func (s *TaskService) List(ctx context.Context, userID, projectID string) ([]Task, error) {
	if _, err := s.authorize(ctx, userID, projectID); err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListProjectTasks(ctx, projectID)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Column != tasks[j].Column {
			return tasks[i].Column < tasks[j].Column
		}
		return tasks[i].Order < tasks[j].Order
	})
	s.expand(ctx, tasks)
	return tasks, nil
}

// Create appends a new task at the end of its column.
func (s *TaskService) Create(ctx context.Context, userID string, in NewTask) (Task, error) {
	in.Normalize()
	if in.Title == "" || in.ProjectID == "" || !ValidPriority(in.Priority) {
		return Task{}, ErrInvalidTask
	}
	p, err := s.authorize(ctx, userID, in.ProjectID)
	if err != nil {
		return Task{}, err
	}
	if !p.HasColumn(in.Column) {
		return Task{}, ErrInvalidColumn
	}

	column, err := s.tasks.ListColumn(ctx, in.ProjectID, in.Column)
	if err != nil {
		return Task{}, storeErr("list column", err)
	}
	now := s.now().UTC()
	t := Task{
		ID:          s.newID(),
		ProjectID:   in.ProjectID,
		Column:      in.Column,
		Order:       NextOrder(refsOf(column)),
		Title:       in.Title,
		Description: in.Description,
		Creator:     &UserRef{ID: userID},
		Priority:    in.Priority,
		Status:      StatusActive,
		Tags:        in.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.AssigneeID != "" {
		t.Assignee = &UserRef{ID: in.AssigneeID}
	}
	if in.DueDate != nil {
		d := in.DueDate.UTC()
		t.DueDate = &d
	}
	if err := s.tasks.InsertTask(ctx, t); err != nil {
		return Task{}, storeErr("insert task", err)
	}

	out := []Task{t}
	s.expand(ctx, out)
	s.publish(ctx, t.ProjectID, TaskCreated{Task: out[0]})
	s.logger.WithFields(log.Fields{"task": t.ID, "project": t.ProjectID, "column": t.Column, "order": t.Order}).Debug("task created")
	return out[0], nil
}

// Update applies descriptive changes. Order and column are never touched here.
func (s *TaskService) Update(ctx context.Context, userID, taskID string, patch TaskPatch) (Task, error) {
	if patch.Empty() {
		return Task{}, ErrInvalidTask
	}
	for attempt := 1; ; attempt++ {
		t, err := s.loadTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if _, err := s.authorize(ctx, userID, t.ProjectID); err != nil {
			return Task{}, err
		}
		if err := patch.ApplyTo(t, s.now()); err != nil {
			return Task{}, err
		}
		err = s.tasks.UpdateTask(ctx, *t)
		if errors.Is(err, ErrConcurrencyConflict) && attempt < s.maxAttempts {
			s.logger.WithFields(log.Fields{"task": taskID, "attempt": attempt}).Warn("task update conflict, retrying")
			continue
		}
		if err != nil {
			return Task{}, storeErr("update task", err)
		}
		updated, err := s.loadTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		out := []Task{*updated}
		s.expand(ctx, out)
		s.publish(ctx, updated.ProjectID, TaskUpdated{Task: out[0]})
		return out[0], nil
	}
}

// Move relocates a task and renumbers every affected column densely from 0.
// All writes of one attempt are committed as a single versioned batch; a
// version conflict re-reads the columns and recomputes the plan.
func (s *TaskService) Move(ctx context.Context, userID string, intent MoveIntent) (MoveResult, error) {
	t, err := s.loadTask(ctx, intent.TaskID)
	if err != nil {
		return MoveResult{}, err
	}
	p, err := s.authorize(ctx, userID, t.ProjectID)
	if err != nil {
		return MoveResult{}, err
	}
	if !p.HasColumn(intent.Column) {
		return MoveResult{}, ErrInvalidColumn
	}

	fields := log.Fields{"task": intent.TaskID, "project": t.ProjectID, "to": intent.Column, "index": intent.DestinationIndex}
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if t, err = s.loadTask(ctx, intent.TaskID); err != nil {
				return MoveResult{}, err
			}
		}
		oldColumn := t.Column
		plan, batch, err := s.planMove(ctx, t, intent)
		if err != nil {
			return MoveResult{}, err
		}
		err = s.tasks.CommitBatch(ctx, batch)
		if errors.Is(err, ErrConcurrencyConflict) && attempt < s.maxAttempts {
			s.logger.WithFields(fields).WithField("attempt", attempt).Warn("move conflict, retrying")
			continue
		}
		if err != nil {
			s.logger.WithFields(fields).WithError(err).Error("move failed")
			return MoveResult{}, storeErr("commit move", err)
		}

		moved, err := s.loadTask(ctx, intent.TaskID)
		if err != nil {
			return MoveResult{}, err
		}
		expanded := []Task{*moved}
		s.expand(ctx, expanded)
		res := MoveResult{Task: expanded[0], OldColumn: oldColumn, NewColumn: intent.Column}
		for _, u := range batch.Updates {
			if u.ID != intent.TaskID {
				res.Siblings = append(res.Siblings, u)
			}
		}
		s.publish(ctx, moved.ProjectID, TaskMoved{Task: res.Task, OldColumn: oldColumn, NewColumn: intent.Column})
		s.logger.WithFields(fields).WithFields(log.Fields{
			"from":    oldColumn,
			"order":   plan.Index,
			"writes":  len(batch.Updates),
			"attempt": attempt,
		}).Debug("task moved")
		return res, nil
	}
}

func (s *TaskService) planMove(ctx context.Context, t *Task, intent MoveIntent) (Plan, Batch, error) {
	source, err := s.tasks.ListColumn(ctx, t.ProjectID, t.Column)
	if err != nil {
		return Plan{}, Batch{}, storeErr("list column", err)
	}
	byID := indexTasks(source)
	byID[t.ID] = *t

	dest := source
	if intent.Column != t.Column {
		if dest, err = s.tasks.ListColumn(ctx, t.ProjectID, intent.Column); err != nil {
			return Plan{}, Batch{}, storeErr("list column", err)
		}
		for id, d := range indexTasks(dest) {
			byID[id] = d
		}
	}

	sourceRefs := refsOf(source)
	if !containsRef(sourceRefs, t.ID) {
		// The column listing lagged behind the task read; trust the task.
		sourceRefs = append(sourceRefs, t.Ref())
		SortRefs(sourceRefs)
	}
	plan := ComputeReorder(sourceRefs, refsOf(dest), t.ID, intent.Column, intent.DestinationIndex)

	now := s.now().UTC()
	batch := Batch{ProjectID: t.ProjectID}
	for _, a := range plan.Changed() {
		task, ok := byID[a.TaskID]
		if !ok {
			continue
		}
		task.Column = a.Column
		task.Order = a.Order
		if a.TaskID == t.ID {
			task.UpdatedAt = now
		}
		batch.Updates = append(batch.Updates, task)
	}
	return plan, batch, nil
}

// Delete removes a task and compacts the remaining orders of its column.
func (s *TaskService) Delete(ctx context.Context, userID, taskID string) error {
	for attempt := 1; ; attempt++ {
		t, err := s.loadTask(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.authorize(ctx, userID, t.ProjectID); err != nil {
			return err
		}
		column, err := s.tasks.ListColumn(ctx, t.ProjectID, t.Column)
		if err != nil {
			return storeErr("list column", err)
		}
		byID := indexTasks(column)
		plan := ComputeRemoval(refsOf(column), taskID)
		batch := Batch{ProjectID: t.ProjectID, Deletes: []Task{*t}}
		for _, a := range plan.Changed() {
			if sib, ok := byID[a.TaskID]; ok {
				sib.Order = a.Order
				batch.Updates = append(batch.Updates, sib)
			}
		}
		err = s.tasks.CommitBatch(ctx, batch)
		if errors.Is(err, ErrConcurrencyConflict) && attempt < s.maxAttempts {
			s.logger.WithFields(log.Fields{"task": taskID, "attempt": attempt}).Warn("delete conflict, retrying")
			continue
		}
		if err != nil {
			return storeErr("commit delete", err)
		}
		s.publish(ctx, t.ProjectID, TaskDeleted{TaskID: taskID, Column: t.Column})
		return nil
	}
}

func (s *TaskService) publish(ctx context.Context, projectID string, ev Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, projectID, ev); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"project": projectID, "event": ev.EventName()}).Error("publish event failed")
	}
}

// expand fills assignee and creator details in place. Lookup failures leave the
// bare ids in place.
func (s *TaskService) expand(ctx context.Context, tasks []Task) {
	if s.users == nil || len(tasks) == 0 {
		return
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, t := range tasks {
		for _, id := range []string{t.AssigneeID(), t.CreatorID()} {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return
	}
	users, err := s.users.LookupUsers(ctx, ids)
	if err != nil {
		s.logger.WithError(err).Warn("user lookup failed")
		return
	}
	for i := range tasks {
		if tasks[i].Assignee != nil {
			if u, ok := users[tasks[i].Assignee.ID]; ok {
				tasks[i].Assignee = &u
			}
		}
		if tasks[i].Creator != nil {
			if u, ok := users[tasks[i].Creator.ID]; ok {
				tasks[i].Creator = &u
			}
		}
	}
}

func refsOf(tasks []Task) []TaskRef {
	refs := make([]TaskRef, len(tasks))
	for i, t := range tasks {
		refs[i] = t.Ref()
	}
	return refs
}

func indexTasks(tasks []Task) map[string]Task {
	out := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out
}
