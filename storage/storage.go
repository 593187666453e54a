package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"taskboard/domain"
)

// Store is the durable task collection used by the broker.
type Store interface {
	// List returns the tasks owned by owner sorted by order ascending.
	List(ctx context.Context, owner string) ([]domain.Task, error)
	// Create persists a new task. Empty ids and zero creation times are filled in.
	Create(ctx context.Context, task domain.Task) (domain.Task, error)
	// UpdateByID applies patch to the task and returns the stored result.
	UpdateByID(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	// DeleteByID removes the task and returns what was deleted.
	DeleteByID(ctx context.Context, id string) (domain.Task, error)
	// FindByID returns a single task.
	FindByID(ctx context.Context, id string) (domain.Task, error)
}

const (
	edmInt64 = "Edm.Int64"
)

// Tables stores tasks in Azure Table Storage, partitioned by owner.
type Tables struct {
	taskTable *aztables.Client
	now       func() time.Time
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tasksTable string) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Tables{taskTable: svc.NewClient(tasksTable), now: time.Now}, nil
}

type taskEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	ColumnID      string `json:"ColumnId"`
	Order         int    `json:"Order"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

type taskEntityUpdate struct {
	PartitionKey string  `json:"PartitionKey"`
	RowKey       string  `json:"RowKey"`
	Title        *string `json:"Title,omitempty"`
	Description  *string `json:"Description,omitempty"`
	ColumnID     *string `json:"ColumnId,omitempty"`
	Order        *int    `json:"Order,omitempty"`
}

func entityFromTask(t domain.Task) taskEntity {
	return taskEntity{
		PartitionKey:  t.Owner,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		ColumnID:      string(t.ColumnID),
		Order:         t.Order,
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
	}
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		ColumnID:    domain.ColumnID(e.ColumnID),
		Order:       e.Order,
		Owner:       e.PartitionKey,
		CreatedAt:   time.Unix(0, e.CreatedAt).UTC(),
	}
}

func updateFromPatch(owner, id string, p domain.TaskPatch) taskEntityUpdate {
	upd := taskEntityUpdate{PartitionKey: owner, RowKey: id, Title: p.Title, Description: p.Description, Order: p.Order}
	if p.ColumnID != nil {
		col := string(*p.ColumnID)
		upd.ColumnID = &col
	}
	return upd
}

// quoteODataString renders s as an OData string literal.
func quoteODataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (s *Tables) query(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.task())
		}
	}
	return tasks, nil
}

// List retrieves all tasks for the provided owner.
func (s *Tables) List(ctx context.Context, owner string) ([]domain.Task, error) {
	tasks, err := s.query(ctx, "PartitionKey eq "+quoteODataString(owner))
	if err != nil {
		return nil, domain.NewStoreError("list", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return domain.LessTask(tasks[i], tasks[j]) })
	return tasks, nil
}

// FindByID looks a task up by row key across all owners.
func (s *Tables) FindByID(ctx context.Context, id string) (domain.Task, error) {
	tasks, err := s.query(ctx, "RowKey eq "+quoteODataString(id))
	if err != nil {
		return domain.Task{}, domain.NewStoreError("find", err)
	}
	if len(tasks) == 0 {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return tasks[0], nil
}

// Create inserts a new task entity.
func (s *Tables) Create(ctx context.Context, task domain.Task) (domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	payload, err := json.Marshal(entityFromTask(task))
	if err != nil {
		return domain.Task{}, domain.NewStoreError("create", err)
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, domain.NewStoreError("create", err)
	}
	return task, nil
}

// UpdateByID merges the patch into the stored entity. Concurrent writers are
// not detected; the last merge wins.
func (s *Tables) UpdateByID(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	task, err := s.FindByID(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if patch.Empty() {
		return task, nil
	}
	payload, err := json.Marshal(updateFromPatch(task.Owner, id, patch))
	if err != nil {
		return domain.Task{}, domain.NewStoreError("update", err)
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, domain.NewStoreError("update", err)
	}
	patch.Apply(&task)
	return task, nil
}

// DeleteByID removes the task entity.
func (s *Tables) DeleteByID(ctx context.Context, id string) (domain.Task, error) {
	task, err := s.FindByID(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.DeleteEntity(ctx, task.Owner, task.ID, nil); err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, domain.NewStoreError("delete", err)
	}
	return task, nil
}
