package client

import (
	"context"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// API is the part of Client a Board uses.
type API interface {
	ListTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	MoveTask(ctx context.Context, intent domain.MoveIntent) (domain.Task, error)
	Stream(ctx context.Context, projectID string, fn func(domain.Event) error) error
}

// Board ties the local state of one project to the API.
type Board struct {
	ProjectID string
	State     *State
	API       API
	Logger    *log.Logger
	// OnError is called when a move is rolled back.
	OnError func(intent domain.MoveIntent, err error)
	// OnChange is called after an event changed the state.
	OnChange func(ev domain.Event)
}

// NewBoard returns a board with empty state. A nil logger uses the standard
// logrus logger.
func NewBoard(api API, projectID string, logger *log.Logger) *Board {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Board{ProjectID: projectID, State: NewState(), API: api, Logger: logger}
}

// Load fetches the tasks of the project into the state.
func (b *Board) Load(ctx context.Context) error {
	tasks, err := b.API.ListTasks(ctx, b.ProjectID)
	if err != nil {
		return err
	}
	b.State.Load(tasks)
	return nil
}

// Move applies the move locally, then asks the server. When the server
// refuses, every task of the touched columns goes back to where it was.
func (b *Board) Move(ctx context.Context, taskID, column string, index int) error {
	intent := domain.MoveIntent{TaskID: taskID, Column: column, DestinationIndex: index}
	snap, err := b.State.BeginMove(taskID, column, index)
	if err != nil {
		return err
	}
	task, err := b.API.MoveTask(ctx, intent)
	if err != nil {
		b.State.Restore(snap)
		b.Logger.WithFields(log.Fields{
			"task":   taskID,
			"column": column,
			"index":  index,
		}).WithError(err).Warn("move rolled back")
		if b.OnError != nil {
			b.OnError(intent, err)
		}
		return err
	}
	b.State.Apply(domain.TaskMoved{Task: task, OldColumn: snap.Columns[0], NewColumn: column})
	return nil
}

// Follow applies streamed events to the state until the stream ends.
func (b *Board) Follow(ctx context.Context) error {
	return b.API.Stream(ctx, b.ProjectID, func(ev domain.Event) error {
		if b.State.Apply(ev) && b.OnChange != nil {
			b.OnChange(ev)
		}
		return nil
	})
}
