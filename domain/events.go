package domain

import "fmt"

// Server event names.
const (
	EventOnlineUsers = "onlineUsers"
	EventTasks       = "tasks"
	EventTaskCreated = "taskCreated"
	EventTaskUpdated = "taskUpdated"
	EventTaskMoved   = "taskMoved"
	EventTaskDeleted = "taskDeleted"
	EventError       = "error"
)

// ServerEvent is the closed set of events the server emits.
type ServerEvent interface {
	EventName() string
}

type OnlineUsersEvent struct{ Count int }

type TasksEvent struct{ Tasks []Task }

type TaskCreatedEvent struct{ Task Task }

type TaskUpdatedEvent struct{ Task Task }

type TaskMovedEvent struct {
	TaskID     string   `json:"taskId"`
	DestColumn ColumnID `json:"destColumn"`
	DestIndex  int      `json:"destIndex"`
}

type TaskDeletedEvent struct{ TaskID string }

type ErrorEvent struct {
	Message string `json:"message"`
}

func (OnlineUsersEvent) EventName() string { return EventOnlineUsers }
func (TasksEvent) EventName() string       { return EventTasks }
func (TaskCreatedEvent) EventName() string { return EventTaskCreated }
func (TaskUpdatedEvent) EventName() string { return EventTaskUpdated }
func (TaskMovedEvent) EventName() string   { return EventTaskMoved }
func (TaskDeletedEvent) EventName() string { return EventTaskDeleted }
func (ErrorEvent) EventName() string       { return EventError }

// EncodeEvent builds the wire frame for ev.
func EncodeEvent(ev ServerEvent) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case OnlineUsersEvent:
		data = e.Count
	case TasksEvent:
		tasks := e.Tasks
		if tasks == nil {
			tasks = []Task{}
		}
		data = tasks
	case TaskCreatedEvent:
		data = e.Task
	case TaskUpdatedEvent:
		data = e.Task
	case TaskMovedEvent:
		data = e
	case TaskDeletedEvent:
		data = e.TaskID
	case ErrorEvent:
		data = e
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
	return encodeFrame(ev.EventName(), data)
}

// ParseEvent decodes a server frame into a ServerEvent.
func ParseEvent(raw []byte) (ServerEvent, error) {
	var env Envelope
	if err := strictAPI.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Event {
	case EventOnlineUsers:
		var n int
		if err := strictAPI.Unmarshal(env.Data, &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return OnlineUsersEvent{Count: n}, nil
	case EventTasks:
		var tasks []Task
		if err := strictAPI.Unmarshal(env.Data, &tasks); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return TasksEvent{Tasks: tasks}, nil
	case EventTaskCreated, EventTaskUpdated:
		var t Task
		if err := strictAPI.Unmarshal(env.Data, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if env.Event == EventTaskCreated {
			return TaskCreatedEvent{Task: t}, nil
		}
		return TaskUpdatedEvent{Task: t}, nil
	case EventTaskMoved:
		var ev TaskMovedEvent
		if err := strictAPI.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ev, nil
	case EventTaskDeleted:
		var id string
		if err := strictAPI.Unmarshal(env.Data, &id); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return TaskDeletedEvent{TaskID: id}, nil
	case EventError:
		var ev ErrorEvent
		if err := strictAPI.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

// BoardEvent is the journal record written for each applied mutation.
type BoardEvent struct {
	Type      string `json:"type"`
	TaskID    string `json:"taskId"`
	UserID    string `json:"userId"`
	Task      *Task  `json:"task,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
