package domain

import (
	"slices"
	"strings"
	"time"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"

	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusArchived  = "archived"

	DefaultColumn = "todo"
)

// UserRef is the denormalized view of a user embedded in task responses.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Task represents a single card on a project board.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project"`
	Column      string     `json:"column"`
	Order       int        `json:"order"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Assignee    *UserRef   `json:"assignee,omitempty"`
	Creator     *UserRef   `json:"creator,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	// Version is the store concurrency token (ETag or row version).
	Version string `json:"-"`
}

// Ref returns the ordering view of the task.
func (t Task) Ref() TaskRef {
	return TaskRef{ID: t.ID, Column: t.Column, Order: t.Order}
}

// AssigneeID returns the assignee identifier or an empty string.
func (t Task) AssigneeID() string {
	if t.Assignee == nil {
		return ""
	}
	return t.Assignee.ID
}

// CreatorID returns the creator identifier or an empty string.
func (t Task) CreatorID() string {
	if t.Creator == nil {
		return ""
	}
	return t.Creator.ID
}

// SetStatus changes the status and keeps CompletedAt in step with it.
func (t *Task) SetStatus(status string, now time.Time) {
	t.Status = status
	if status == StatusCompleted {
		if t.CompletedAt == nil {
			ts := now.UTC()
			t.CompletedAt = &ts
		}
		return
	}
	t.CompletedAt = nil
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.Assignee != nil {
		a := *t.Assignee
		out.Assignee = &a
	}
	if t.Creator != nil {
		c := *t.Creator
		out.Creator = &c
	}
	if t.Tags != nil {
		out.Tags = slices.Clone(t.Tags)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// ValidPriority reports whether p is one of the known priorities.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ValidStatus reports whether s is one of the known task statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// NewTask carries the fields accepted when a task is created.
type NewTask struct {
	ProjectID      string     `json:"project"`
	Column         string     `json:"column,omitempty"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	AssigneeID     string     `json:"assignee,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

// Normalize trims text fields and fills defaults.
func (n *NewTask) Normalize() {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	n.ProjectID = strings.TrimSpace(n.ProjectID)
	if n.Column == "" {
		n.Column = DefaultColumn
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	n.Tags = trimTags(n.Tags)
}

// TaskPatch carries descriptive field updates. Nil fields are left untouched.
// Column and order are deliberately absent: they change only through moves.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	AssigneeID  *string    `json:"assignee,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.AssigneeID == nil &&
		p.Priority == nil && p.Status == nil && p.Tags == nil && p.DueDate == nil
}

// ApplyTo validates the patch and applies it to t.
func (p TaskPatch) ApplyTo(t *Task, now time.Time) error {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return ErrInvalidTask
		}
		t.Title = title
	}
	if p.Description != nil {
		t.Description = strings.TrimSpace(*p.Description)
	}
	if p.AssigneeID != nil {
		if *p.AssigneeID == "" {
			t.Assignee = nil
		} else {
			t.Assignee = &UserRef{ID: *p.AssigneeID}
		}
	}
	if p.Priority != nil {
		if !ValidPriority(*p.Priority) {
			return ErrInvalidTask
		}
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		if !ValidStatus(*p.Status) {
			return ErrInvalidTask
		}
		t.SetStatus(*p.Status, now)
	}
	if p.Tags != nil {
		t.Tags = trimTags(p.Tags)
	}
	if p.DueDate != nil {
		d := p.DueDate.UTC()
		t.DueDate = &d
	}
	t.UpdatedAt = now.UTC()
	return nil
}

func trimTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// MoveIntent is a request to relocate a task to a (column, index) pair.
type MoveIntent struct {
	TaskID           string `json:"taskId"`
	Column           string `json:"column"`
	DestinationIndex int    `json:"destinationIndex"`
}

// MoveResult is the authoritative outcome of a move.
type MoveResult struct {
	Task      Task   `json:"task"`
	OldColumn string `json:"oldColumn"`
	NewColumn string `json:"newColumn"`
	// Siblings holds every other task whose order changed.
	Siblings []Task `json:"-"`
}
