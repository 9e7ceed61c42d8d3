package domain

import "sort"

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Column is a named lane on a project board.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Order int    `json:"order"`
}

// Member grants a user access to a project.
type Member struct {
	UserID string `json:"user"`
	Role   string `json:"role"`
}

// Project owns the columns tasks are placed in.
type Project struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner"`
	Members     []Member `json:"members"`
	Columns     []Column `json:"columns"`
	Color       string   `json:"color,omitempty"`
	Archived    bool     `json:"isArchived,omitempty"`
}

// DefaultColumns returns the columns given to projects created without any.
func DefaultColumns() []Column {
	return []Column{
		{ID: "todo", Title: "To Do", Order: 0},
		{ID: "in-progress", Title: "In Progress", Order: 1},
		{ID: "review", Title: "Review", Order: 2},
		{ID: "done", Title: "Done", Order: 3},
	}
}

// HasAccess reports whether userID owns or is a member of the project.
func (p Project) HasAccess(userID string) bool {
	if userID == "" {
		return false
	}
	if p.Owner == userID {
		return true
	}
	for _, m := range p.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// HasColumn reports whether id names one of the project's columns.
func (p Project) HasColumn(id string) bool {
	for _, c := range p.Columns {
		if c.ID == id {
			return true
		}
	}
	return false
}

// SortedColumns returns the columns ordered by their display order.
func (p Project) SortedColumns() []Column {
	out := make([]Column, len(p.Columns))
	copy(out, p.Columns)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
