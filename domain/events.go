package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

const (
	EventTaskCreated    = "task-created"
	EventTaskUpdated    = "task-updated"
	EventTaskMoved      = "task-moved"
	EventTaskDeleted    = "task-deleted"
	EventProjectUpdated = "project-updated"
	EventProjectDeleted = "project-deleted"
	EventMemberAdded    = "member-added"
	EventMemberRemoved  = "member-removed"
)

// Event is a project-scoped mutation delivered to board viewers. The set of
// implementations is closed; subscribers switch on the concrete type.
type Event interface {
	EventName() string
	event()
}

type TaskCreated struct {
	Task Task `json:"task"`
}

type TaskUpdated struct {
	Task Task `json:"task"`
}

type TaskMoved struct {
	Task      Task   `json:"task"`
	OldColumn string `json:"oldColumn"`
	NewColumn string `json:"newColumn"`
}

type TaskDeleted struct {
	TaskID string `json:"taskId"`
	Column string `json:"column,omitempty"`
}

type ProjectUpdated struct {
	Project Project `json:"project"`
}

type ProjectDeleted struct {
	ProjectID string `json:"projectId"`
}

type MemberAdded struct {
	Project Project `json:"project"`
	UserID  string  `json:"userId"`
}

type MemberRemoved struct {
	Project Project `json:"project"`
	UserID  string  `json:"userId"`
}

func (TaskCreated) EventName() string    { return EventTaskCreated }
func (TaskUpdated) EventName() string    { return EventTaskUpdated }
func (TaskMoved) EventName() string      { return EventTaskMoved }
func (TaskDeleted) EventName() string    { return EventTaskDeleted }
func (ProjectUpdated) EventName() string { return EventProjectUpdated }
func (ProjectDeleted) EventName() string { return EventProjectDeleted }
func (MemberAdded) EventName() string    { return EventMemberAdded }
func (MemberRemoved) EventName() string  { return EventMemberRemoved }

func (TaskCreated) event()    {}
func (TaskUpdated) event()    {}
func (TaskMoved) event()      {}
func (TaskDeleted) event()    {}
func (ProjectUpdated) event() {}
func (ProjectDeleted) event() {}
func (MemberAdded) event()    {}
func (MemberRemoved) event()  {}

// Envelope is the wire form of an event on the relay channel and event queue.
type Envelope struct {
	Event     string                 `json:"event"`
	ProjectID string                 `json:"projectId"`
	Data      sonic.NoCopyRawMessage `json:"data"`
}

// EncodeEvent marshals ev into an envelope for projectID.
func EncodeEvent(projectID string, ev Event) ([]byte, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventName(), err)
	}
	return sonic.Marshal(Envelope{Event: ev.EventName(), ProjectID: projectID, Data: data})
}

// DecodeEnvelope parses an envelope and its event payload.
func DecodeEnvelope(payload []byte) (string, Event, error) {
	var env Envelope
	if err := sonic.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	ev, err := DecodeEvent(env.Event, env.Data)
	if err != nil {
		return "", nil, err
	}
	return env.ProjectID, ev, nil
}

// DecodeEvent parses the payload of the named event.
func DecodeEvent(name string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch name {
	case EventTaskCreated:
		var v TaskCreated
		err = sonic.Unmarshal(data, &v)
		ev = v
	case EventTaskUpdated:
		var v TaskUpdated
		err = sonic.Unmarshal(data, &v)
		ev = v
	case EventTaskMoved:
		var v TaskMoved
		err = sonic.Unmarshal(data, &v)
		ev = v
	case EventTaskDeleted:
		var v TaskDeleted
		err = sonic.Unmarshal(data, &v)
		ev = v
	case EventProjectUpdated:
		var v ProjectUpdated
		err = sonic.Unmarshal(data, &v)
		ev = v
	case EventProjectDeleted:
		var v ProjectDeleted
		err = sonic.Unmarshal(data, &v)
		ev = v
	case EventMemberAdded:
		var v MemberAdded
		err = sonic.Unmarshal(data, &v)
		ev = v
	case EventMemberRemoved:
		var v MemberRemoved
		err = sonic.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return ev, nil
}
