package domain

import "sort"

// TaskRef is the ordering view of a task.
type TaskRef struct {
	ID     string `json:"id"`
	Column string `json:"column"`
	Order  int    `json:"order"`
}

// Assignment is one entry of a renumbering plan.
type Assignment struct {
	TaskID string
	Column string
	Order  int
	// Changed is true when column or order differ from the input the plan was computed from.
	Changed bool
}

// Plan is the renumbering produced for one move, removal or insertion.
type Plan struct {
	TaskID     string
	FromColumn string
	ToColumn   string
	// Index is the clamped destination rank of the moved task, -1 for removals.
	Index       int
	Assignments []Assignment
}

// Changed returns only the assignments that must be persisted.
func (p Plan) Changed() []Assignment {
	out := make([]Assignment, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		if a.Changed {
			out = append(out, a)
		}
	}
	return out
}

// Column returns the resulting sequence of the given column, in order.
func (p Plan) Column(column string) []TaskRef {
	var out []TaskRef
	for _, a := range p.Assignments {
		if a.Column == column {
			out = append(out, TaskRef{ID: a.TaskID, Column: a.Column, Order: a.Order})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Lookup returns the assignment for taskID.
func (p Plan) Lookup(taskID string) (Assignment, bool) {
	for _, a := range p.Assignments {
		if a.TaskID == taskID {
			return a, true
		}
	}
	return Assignment{}, false
}

// SortRefs orders refs by ascending order, keeping input order for ties.
func SortRefs(refs []TaskRef) {
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Order < refs[j].Order })
}

// IsDense reports whether the orders of refs are exactly 0..n-1 without duplicates.
func IsDense(refs []TaskRef) bool {
	seen := make([]bool, len(refs))
	for _, r := range refs {
		if r.Order < 0 || r.Order >= len(refs) || seen[r.Order] {
			return false
		}
		seen[r.Order] = true
	}
	return true
}

// NextOrder returns the order for a task appended to column.
func NextOrder(column []TaskRef) int {
	if len(column) == 0 {
		return 0
	}
	maxOrder := column[0].Order
	for _, r := range column[1:] {
		if r.Order > maxOrder {
			maxOrder = r.Order
		}
	}
	return maxOrder + 1
}

// ComputeReorder computes the dense renumbering for moving taskID to
// destIndex within destColumn. source and dest must be sorted by order; when
// the move stays inside one column, dest is ignored and source is used for
// both sides. destIndex is clamped into range, never rejected.
func ComputeReorder(source, dest []TaskRef, taskID, destColumn string, destIndex int) Plan {
	moving, found := findRef(source, taskID)
	if !found {
		moving, found = findRef(dest, taskID)
	}
	fromColumn := destColumn
	if found {
		fromColumn = moving.Column
	}

	plan := Plan{TaskID: taskID, FromColumn: fromColumn, ToColumn: destColumn}
	if fromColumn == destColumn {
		column := source
		if !found || !containsRef(source, taskID) {
			column = dest
		}
		remaining := withoutRef(column, taskID)
		plan.Index = clampIndex(destIndex, len(remaining))
		resulting := insertRef(remaining, TaskRef{ID: taskID, Column: destColumn, Order: moving.Order}, plan.Index)
		plan.Assignments = renumber(resulting, destColumn, taskID, fromColumn, found)
		return plan
	}

	remainingSource := withoutRef(source, taskID)
	plan.Assignments = renumber(remainingSource, fromColumn, "", "", false)

	remainingDest := withoutRef(dest, taskID)
	plan.Index = clampIndex(destIndex, len(remainingDest))
	resulting := insertRef(remainingDest, TaskRef{ID: taskID, Column: destColumn, Order: moving.Order}, plan.Index)
	plan.Assignments = append(plan.Assignments, renumber(resulting, destColumn, taskID, fromColumn, found)...)
	return plan
}

// ComputeRemoval computes the compaction of column after taskID is removed.
func ComputeRemoval(column []TaskRef, taskID string) Plan {
	from := ""
	if ref, ok := findRef(column, taskID); ok {
		from = ref.Column
	} else if len(column) > 0 {
		from = column[0].Column
	}
	return Plan{
		TaskID:      taskID,
		FromColumn:  from,
		Index:       -1,
		Assignments: renumber(withoutRef(column, taskID), from, "", "", false),
	}
}

// renumber assigns order = position to every ref. movingID, when set, is
// compared against its original column as well as its order.
func renumber(refs []TaskRef, column, movingID, movingFrom string, movingKnown bool) []Assignment {
	out := make([]Assignment, len(refs))
	for i, r := range refs {
		changed := r.Order != i || r.Column != column
		if r.ID == movingID {
			changed = !movingKnown || r.Order != i || movingFrom != column
		}
		out[i] = Assignment{TaskID: r.ID, Column: column, Order: i, Changed: changed}
	}
	return out
}

func findRef(refs []TaskRef, id string) (TaskRef, bool) {
	for _, r := range refs {
		if r.ID == id {
			return r, true
		}
	}
	return TaskRef{}, false
}

func containsRef(refs []TaskRef, id string) bool {
	_, ok := findRef(refs, id)
	return ok
}

func withoutRef(refs []TaskRef, id string) []TaskRef {
	out := make([]TaskRef, 0, len(refs))
	for _, r := range refs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func insertRef(refs []TaskRef, ref TaskRef, index int) []TaskRef {
	out := make([]TaskRef, 0, len(refs)+1)
	out = append(out, refs[:index]...)
	out = append(out, ref)
	return append(out, refs[index:]...)
}

func clampIndex(index, n int) int {
	if index < 0 {
		return 0
	}
	if index > n {
		return n
	}
	return index
}
