package domain

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestNormalizeColumn(t *testing.T) {
	tests := map[ColumnID]ColumnID{
		"":           ColumnTodo,
		"archive":    ColumnTodo,
		"todo":       ColumnTodo,
		"inprogress": ColumnInProgress,
		"done":       ColumnDone,
	}
	for in, want := range tests {
		if got := NormalizeColumn(in); got != want {
			t.Fatalf("NormalizeColumn(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLessTaskOrdersByOrderThenCreation(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []Task{
		{ID: "c", Order: 1, CreatedAt: base},
		{ID: "b", Order: 0, CreatedAt: base.Add(time.Second)},
		{ID: "a", Order: 0, CreatedAt: base.Add(time.Second)},
		{ID: "d", Order: 0, CreatedAt: base},
	}
	sort.Slice(tasks, func(i, j int) bool { return LessTask(tasks[i], tasks[j]) })
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if got := strings.Join(ids, ","); got != "d,a,b,c" {
		t.Fatalf("unexpected order %s", got)
	}
}

func TestTaskEncodingIncludesZeroOrder(t *testing.T) {
	raw, err := EncodeEvent(TaskCreatedEvent{Task: Task{ID: "t1", Title: "Title", ColumnID: ColumnTodo}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"order":0`) {
		t.Fatalf("expected order field to be present, got %s", raw)
	}
}

func TestEventRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	task := Task{ID: "t1", Title: "Write spec", ColumnID: ColumnTodo, Owner: "u1", CreatedAt: created}
	events := []ServerEvent{
		OnlineUsersEvent{Count: 0},
		OnlineUsersEvent{Count: 3},
		TasksEvent{Tasks: []Task{task}},
		TaskCreatedEvent{Task: task},
		TaskUpdatedEvent{Task: task},
		TaskMovedEvent{TaskID: "t1", DestColumn: ColumnDone, DestIndex: 2},
		TaskDeletedEvent{TaskID: "t1"},
		ErrorEvent{Message: "task not found"},
	}
	for _, ev := range events {
		raw, err := EncodeEvent(ev)
		if err != nil {
			t.Fatalf("encode %s: %v", ev.EventName(), err)
		}
		got, err := ParseEvent(raw)
		if err != nil {
			t.Fatalf("parse %s (%s): %v", ev.EventName(), raw, err)
		}
		if got.EventName() != ev.EventName() {
			t.Fatalf("expected %s, got %s", ev.EventName(), got.EventName())
		}
		switch want := ev.(type) {
		case TasksEvent:
			gotTasks := got.(TasksEvent).Tasks
			if len(gotTasks) != 1 || gotTasks[0].ID != "t1" || !gotTasks[0].CreatedAt.Equal(created) {
				t.Fatalf("unexpected tasks %+v", gotTasks)
			}
		case TaskCreatedEvent:
			if got.(TaskCreatedEvent).Task.Title != want.Task.Title {
				t.Fatalf("unexpected task %+v", got)
			}
		case TaskUpdatedEvent:
			if got.(TaskUpdatedEvent).Task.Owner != want.Task.Owner {
				t.Fatalf("unexpected task %+v", got)
			}
		default:
			if got != ev {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, ev)
			}
		}
	}
}

func TestEncodeEmptySnapshotIsArray(t *testing.T) {
	raw, err := EncodeEvent(TasksEvent{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"event":"tasks","data":[]}` {
		t.Fatalf("unexpected frame %s", raw)
	}
}
