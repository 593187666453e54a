package client

import (
	"sync"

	"taskboard/domain"
)

// Board is the client's local view of the columns. It is provisional: every
// authoritative snapshot replaces it wholesale.
type Board struct {
	mu      sync.Mutex
	columns map[domain.ColumnID][]domain.Task
}

// NewBoard returns an empty board with every known column present.
func NewBoard() *Board {
	b := &Board{}
	b.reset()
	return b
}

func (b *Board) reset() {
	b.columns = make(map[domain.ColumnID][]domain.Task, len(domain.Columns))
	for _, c := range domain.Columns {
		b.columns[c] = []domain.Task{}
	}
}

// Column returns a copy of the tasks in column c.
func (b *Board) Column(c domain.ColumnID) []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Task{}, b.columns[c]...)
}

// Snapshot returns a copy of every column.
func (b *Board) Snapshot() map[domain.ColumnID][]domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[domain.ColumnID][]domain.Task, len(b.columns))
	for c, tasks := range b.columns {
		out[c] = append([]domain.Task{}, tasks...)
	}
	return out
}

// Apply folds a server event into the view. It reports whether the event is
// ambiguous and the caller must request a fresh snapshot.
func (b *Board) Apply(ev domain.ServerEvent) (resync bool) {
	switch e := ev.(type) {
	case domain.TasksEvent:
		b.replace(e.Tasks)
	case domain.TaskCreatedEvent:
		b.add(e.Task)
	case domain.TaskUpdatedEvent:
		b.upsert(e.Task)
	case domain.TaskDeletedEvent:
		b.remove(e.TaskID)
	case domain.TaskMovedEvent:
		return true
	}
	return false
}

func (b *Board) replace(tasks []domain.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	for _, t := range tasks {
		if _, ok := b.columns[t.ColumnID]; !ok {
			continue
		}
		b.columns[t.ColumnID] = append(b.columns[t.ColumnID], t)
	}
}

func (b *Board) add(t domain.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.columns[t.ColumnID]; !ok {
		return
	}
	if col, _ := b.locate(t.ID); col != "" {
		return
	}
	b.columns[t.ColumnID] = append(b.columns[t.ColumnID], t)
}

// upsert replaces a task in place, or moves it to the end of its new column
// when the column changed.
func (b *Board) upsert(t domain.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.columns[t.ColumnID]; !ok {
		return
	}
	col, idx := b.locate(t.ID)
	switch {
	case col == t.ColumnID:
		b.columns[col][idx] = t
	case col != "":
		b.columns[col] = deleteAt(b.columns[col], idx)
		fallthrough
	default:
		b.columns[t.ColumnID] = append(b.columns[t.ColumnID], t)
	}
}

func (b *Board) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	col, idx := b.locate(id)
	if col == "" {
		return false
	}
	b.columns[col] = deleteAt(b.columns[col], idx)
	return true
}

// Move applies an optimistic drag result. It returns the command to send and
// false when the task is unknown or dropped where it already is.
func (b *Board) Move(taskID string, dest domain.ColumnID, destIndex int) (domain.MoveTaskCommand, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.columns[dest]; !ok {
		return domain.MoveTaskCommand{}, false
	}
	src, srcIndex := b.locate(taskID)
	if src == "" {
		return domain.MoveTaskCommand{}, false
	}
	limit := len(b.columns[dest])
	if src == dest {
		limit--
	}
	destIndex = min(max(destIndex, 0), limit)
	if src == dest && srcIndex == destIndex {
		return domain.MoveTaskCommand{}, false
	}

	task := b.columns[src][srcIndex]
	b.columns[src] = deleteAt(b.columns[src], srcIndex)
	task.ColumnID = dest
	b.columns[dest] = insertAt(b.columns[dest], destIndex, task)

	return domain.MoveTaskCommand{
		TaskID:       taskID,
		SourceColumn: src,
		DestColumn:   dest,
		SourceIndex:  srcIndex,
		DestIndex:    destIndex,
	}, true
}

// locate must be called with b.mu held.
func (b *Board) locate(id string) (domain.ColumnID, int) {
	for _, c := range domain.Columns {
		for i, t := range b.columns[c] {
			if t.ID == id {
				return c, i
			}
		}
	}
	return "", -1
}

func deleteAt(tasks []domain.Task, i int) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)-1)
	out = append(out, tasks[:i]...)
	return append(out, tasks[i+1:]...)
}

func insertAt(tasks []domain.Task, i int, t domain.Task) []domain.Task {
	if i > len(tasks) {
		i = len(tasks)
	}
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks[:i]...)
	out = append(out, t)
	return append(out, tasks[i:]...)
}
