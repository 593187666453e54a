package domain

import "time"

// ColumnID identifies one of the fixed board columns.
type ColumnID string

const (
	ColumnTodo       ColumnID = "todo"
	ColumnInProgress ColumnID = "inprogress"
	ColumnDone       ColumnID = "done"
)

// Columns lists the board columns in display order.
var Columns = []ColumnID{ColumnTodo, ColumnInProgress, ColumnDone}

// Valid reports whether c is one of the board columns.
func (c ColumnID) Valid() bool {
	switch c {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	}
	return false
}

// NormalizeColumn returns c when it is a known column and the first column otherwise.
func NormalizeColumn(c ColumnID) ColumnID {
	if c.Valid() {
		return c
	}
	return Columns[0]
}

// Task represents a single board item.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ColumnID    ColumnID  `json:"columnId"`
	Order       int       `json:"order"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TaskPatch carries partial updates for a task. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string
	Description *string
	ColumnID    *ColumnID
	Order       *int
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.ColumnID == nil && p.Order == nil
}

// Apply copies the non-nil fields of p onto t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ColumnID != nil {
		t.ColumnID = *p.ColumnID
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
}

// LessTask orders tasks by Order, then creation time, then id.
func LessTask(a, b Task) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
