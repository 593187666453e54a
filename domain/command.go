package domain

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// Client command names.
const (
	CmdGetTasks   = "getTasks"
	CmdCreateTask = "createTask"
	CmdUpdateTask = "updateTask"
	CmdMoveTask   = "moveTask"
	CmdDeleteTask = "deleteTask"
)

// strictAPI rejects unknown fields in every frame and payload.
var strictAPI = sonic.Config{
	DisallowUnknownFields: true,
	CopyString:            true,
	ValidateString:        true,
}.Froze()

var validate = validator.New()

// Envelope is the wire frame shared by commands and events.
type Envelope struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// Command is the closed set of commands a client may send.
type Command interface {
	CommandName() string
}

// GetTasksCommand requests the caller's task snapshot.
type GetTasksCommand struct{}

// CreateTaskCommand creates a new task owned by the caller.
type CreateTaskCommand struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description,omitempty"`
	ColumnID    ColumnID `json:"columnId,omitempty"`
}

// UpdateTaskCommand patches a task by id. Owner and CreatedAt are accepted so
// clients may send back a full record, but they are never applied.
type UpdateTaskCommand struct {
	ID          string     `json:"id" validate:"required"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	ColumnID    *ColumnID  `json:"columnId,omitempty"`
	Order       *int       `json:"order,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// MoveTaskCommand moves a task between or within columns.
type MoveTaskCommand struct {
	TaskID       string   `json:"taskId" validate:"required"`
	SourceColumn ColumnID `json:"sourceColumn" validate:"omitempty,oneof=todo inprogress done"`
	DestColumn   ColumnID `json:"destColumn" validate:"required,oneof=todo inprogress done"`
	SourceIndex  int      `json:"sourceIndex" validate:"gte=0"`
	DestIndex    int      `json:"destIndex" validate:"gte=0"`
}

// DeleteTaskCommand removes a task by id.
type DeleteTaskCommand struct {
	TaskID string
}

func (GetTasksCommand) CommandName() string   { return CmdGetTasks }
func (CreateTaskCommand) CommandName() string { return CmdCreateTask }
func (UpdateTaskCommand) CommandName() string { return CmdUpdateTask }
func (MoveTaskCommand) CommandName() string   { return CmdMoveTask }
func (DeleteTaskCommand) CommandName() string { return CmdDeleteTask }

// Patch converts the command into a store patch.
func (c UpdateTaskCommand) Patch() TaskPatch {
	return TaskPatch{Title: c.Title, Description: c.Description, ColumnID: c.ColumnID, Order: c.Order}
}

// ParseCommand decodes a client frame into a Command. Unknown command names,
// unknown fields and invalid payloads are reported as *ValidationError.
func ParseCommand(raw []byte) (Command, error) {
	var env Envelope
	if err := strictAPI.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Reason: "malformed frame"}
	}
	switch env.Event {
	case CmdGetTasks:
		return GetTasksCommand{}, nil
	case CmdCreateTask:
		var cmd CreateTaskCommand
		if err := decodePayload(env, &cmd); err != nil {
			return nil, err
		}
		cmd.Title = strings.TrimSpace(cmd.Title)
		if err := validate.Struct(cmd); err != nil {
			return nil, &ValidationError{Command: env.Event, Reason: "title is required"}
		}
		return cmd, nil
	case CmdUpdateTask:
		var cmd UpdateTaskCommand
		if err := decodePayload(env, &cmd); err != nil {
			return nil, err
		}
		if err := validate.Struct(cmd); err != nil {
			return nil, &ValidationError{Command: env.Event, Reason: "id is required"}
		}
		if cmd.Title != nil && strings.TrimSpace(*cmd.Title) == "" {
			return nil, &ValidationError{Command: env.Event, Reason: "title must not be empty"}
		}
		if cmd.ColumnID != nil && !cmd.ColumnID.Valid() {
			return nil, &ValidationError{Command: env.Event, Reason: "unknown column " + string(*cmd.ColumnID)}
		}
		if cmd.Patch().Empty() {
			return nil, &ValidationError{Command: env.Event, Reason: "no fields to update"}
		}
		return cmd, nil
	case CmdMoveTask:
		var cmd MoveTaskCommand
		if err := decodePayload(env, &cmd); err != nil {
			return nil, err
		}
		if err := validate.Struct(cmd); err != nil {
			return nil, &ValidationError{Command: env.Event, Reason: err.Error()}
		}
		return cmd, nil
	case CmdDeleteTask:
		var id string
		if err := decodePayload(env, &id); err != nil {
			return nil, err
		}
		if strings.TrimSpace(id) == "" {
			return nil, &ValidationError{Command: env.Event, Reason: "task id is required"}
		}
		return DeleteTaskCommand{TaskID: id}, nil
	case "":
		return nil, &ValidationError{Reason: "missing event name"}
	default:
		return nil, &ValidationError{Reason: "unknown command " + env.Event}
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &ValidationError{Command: env.Event, Reason: "missing payload"}
	}
	if err := strictAPI.Unmarshal(env.Data, v); err != nil {
		return &ValidationError{Command: env.Event, Reason: "malformed payload"}
	}
	return nil
}

// EncodeCommand builds the wire frame for cmd.
func EncodeCommand(cmd Command) ([]byte, error) {
	var data any
	switch c := cmd.(type) {
	case GetTasksCommand:
	case DeleteTaskCommand:
		data = c.TaskID
	default:
		data = c
	}
	return encodeFrame(cmd.CommandName(), data)
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeFrame(name string, data any) ([]byte, error) {
	return sonic.Marshal(outFrame{Event: name, Data: data})
}
