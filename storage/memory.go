package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskboard/domain"
)

// Memory is a process-local Store. It is used for development and tests.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	now   func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]domain.Task), now: time.Now}
}

func (m *Memory) List(ctx context.Context, owner string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := []domain.Task{}
	for _, t := range m.tasks {
		if t.Owner == owner {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return domain.LessTask(tasks[i], tasks[j]) })
	return tasks, nil
}

func (m *Memory) Create(ctx context.Context, task domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.now().UTC()
	}
	if _, exists := m.tasks[task.ID]; exists {
		return domain.Task{}, domain.NewStoreError("create", errDuplicateID(task.ID))
	}
	m.tasks[task.ID] = task
	return task, nil
}

func (m *Memory) UpdateByID(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	patch.Apply(&t)
	m.tasks[id] = t
	return t, nil
}

func (m *Memory) DeleteByID(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	delete(m.tasks, id)
	return t, nil
}

func (m *Memory) FindByID(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

type errDuplicateID string

func (e errDuplicateID) Error() string { return "task " + string(e) + " already exists" }
