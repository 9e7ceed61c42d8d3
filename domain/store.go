package domain

import "context"

// Batch is an atomic set of task writes within one project.
type Batch struct {
	ProjectID string
	// Updates are written conditionally on each task's Version.
	Updates []Task
	// Deletes are removed conditionally on each task's Version.
	Deletes []Task
}

// Empty reports whether the batch carries no writes.
func (b Batch) Empty() bool { return len(b.Updates) == 0 && len(b.Deletes) == 0 }

// TaskStore is the persistence boundary for tasks.
type TaskStore interface {
	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListColumn returns the tasks of one column sorted by order.
	ListColumn(ctx context.Context, projectID, column string) ([]Task, error)
	// ListProjectTasks returns every task of a project sorted by column and order.
	ListProjectTasks(ctx context.Context, projectID string) ([]Task, error)
	InsertTask(ctx context.Context, t Task) error
	// UpdateTask writes descriptive fields conditionally on t.Version.
	UpdateTask(ctx context.Context, t Task) error
	// CommitBatch applies all writes or none. A stale Version yields ErrConcurrencyConflict.
	CommitBatch(ctx context.Context, b Batch) error
}

// ProjectStore reads projects.
type ProjectStore interface {
	// GetProject returns nil, nil when the project does not exist.
	GetProject(ctx context.Context, id string) (*Project, error)
}

// ProjectAccess decides whether a user may read and write a project.
type ProjectAccess interface {
	HasProjectAccess(ctx context.Context, userID, projectID string) (bool, error)
}

// UserDirectory resolves user references for responses.
type UserDirectory interface {
	LookupUsers(ctx context.Context, ids []string) (map[string]UserRef, error)
}

// Publisher delivers events to the viewers of a project.
type Publisher interface {
	Publish(ctx context.Context, projectID string, ev Event) error
}

// ProjectAuthorizer derives access from the project's owner and member list.
type ProjectAuthorizer struct {
	Projects ProjectStore
}

// HasProjectAccess implements ProjectAccess.
func (a ProjectAuthorizer) HasProjectAccess(ctx context.Context, userID, projectID string) (bool, error) {
	p, err := a.Projects.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, ErrProjectNotFound
	}
	return p.HasAccess(userID), nil
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, projectID string, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, projectID string, ev Event) error {
	return f(ctx, projectID, ev)
}
