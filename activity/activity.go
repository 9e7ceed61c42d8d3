// Package activity archives the events copied onto the storage queue into a
// per-project activity table.
package activity

import (
	"fmt"
	"math"
	"time"

	"taskboard/domain"
)

// Entry is one archived event.
type Entry struct {
	ProjectID string
	MessageID string
	Event     string
	TaskID    string
	Column    string
	Order     int
	At        time.Time
	// Payload is the envelope as it was queued.
	Payload string
}

// RowKey sorts entries of a project newest first. The message id keeps
// redelivered messages on the same row.
func (e Entry) RowKey() string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-e.At.UnixNano(), e.MessageID)
}

// EntryFromEnvelope decodes a queued envelope.
func EntryFromEnvelope(messageID, payload string, at time.Time) (Entry, error) {
	projectID, ev, err := domain.DecodeEnvelope([]byte(payload))
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ProjectID: projectID, MessageID: messageID, Event: ev.EventName(), At: at.UTC(), Payload: payload}
	switch v := ev.(type) {
	case domain.TaskCreated:
		e.TaskID, e.Column, e.Order = v.Task.ID, v.Task.Column, v.Task.Order
	case domain.TaskUpdated:
		e.TaskID, e.Column, e.Order = v.Task.ID, v.Task.Column, v.Task.Order
	case domain.TaskMoved:
		e.TaskID, e.Column, e.Order = v.Task.ID, v.NewColumn, v.Task.Order
	case domain.TaskDeleted:
		e.TaskID, e.Column, e.Order = v.TaskID, v.Column, -1
	}
	return e, nil
}
