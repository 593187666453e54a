package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/oauth2"

	"taskboard/api"
	"taskboard/broker"
	"taskboard/domain"
	"taskboard/internal/testutil"
	"taskboard/storage"
)

var boardSecret = []byte("board-secret")

type countingStore struct {
	*storage.Memory
	lists atomic.Int32
}

func (s *countingStore) List(ctx context.Context, owner string) ([]domain.Task, error) {
	s.lists.Add(1)
	return s.Memory.List(ctx, owner)
}

type boardServer struct {
	url    string
	store  *countingStore
	broker *broker.Broker
	srv    *httptest.Server
}

func startBoardServer(t *testing.T) *boardServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := &countingStore{Memory: storage.NewMemory()}
	b := broker.New(store, broker.Options{Logger: logger})
	e := echo.New()
	api.Register(e, b, api.NewAuth(nil, api.AuthOptions{Secret: boardSecret, Logger: logger}), api.Options{Logger: logger})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &boardServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		store:  store,
		broker: b,
		srv:    srv,
	}
}

func tokenSource(t *testing.T, secret []byte, user string) oauth2.TokenSource {
	t.Helper()
	token, err := testutil.Token(secret, testutil.TokenClaims{Subject: user})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

func testOptions(t *testing.T, url string, ts oauth2.TokenSource) Options {
	logger, _ := test.NewNullLogger()
	return Options{
		URL:         url,
		TokenSource: ts,
		Retry:       RetryPolicy{Delay: 10 * time.Millisecond, MaxAttempts: 5},
		Logger:      logger,
	}
}

func startClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("client did not stop")
		}
	})
	return c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientsStayInSync(t *testing.T) {
	srv := startBoardServer(t)
	a := startClient(t, testOptions(t, srv.url, tokenSource(t, boardSecret, "u1")))
	b := startClient(t, testOptions(t, srv.url, tokenSource(t, boardSecret, "u1")))

	created := make(chan domain.Task, 1)
	off := a.On(domain.EventTaskCreated, func(ev domain.ServerEvent) {
		created <- ev.(domain.TaskCreatedEvent).Task
	})
	defer off()

	waitUntil(t, "both clients online", func() bool { return a.OnlineUsers() == 2 && b.OnlineUsers() == 2 })
	waitUntil(t, "initial snapshots", func() bool { return srv.store.lists.Load() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.CreateTask(ctx, "  Write docs ", "", domain.ColumnTodo); err != nil {
		t.Fatalf("create: %v", err)
	}

	var task domain.Task
	select {
	case task = <-created:
	case <-ctx.Done():
		t.Fatalf("taskCreated never reached the listener")
	}
	if task.Title != "Write docs" || task.Owner != "u1" {
		t.Fatalf("unexpected task %+v", task)
	}
	waitUntil(t, "task on the second board", func() bool { return len(b.Board().Column(domain.ColumnTodo)) == 1 })

	before := srv.store.lists.Load()
	if err := b.MoveTask(ctx, task.ID, domain.ColumnDone, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if done := b.Board().Column(domain.ColumnDone); len(done) != 1 || done[0].ID != task.ID {
		t.Fatalf("expected the move to apply locally at once, got %+v", done)
	}

	waitUntil(t, "move on the first board", func() bool {
		done := a.Board().Column(domain.ColumnDone)
		return len(done) == 1 && done[0].ID == task.ID
	})
	waitUntil(t, "one resync per client", func() bool { return srv.store.lists.Load() == before+2 })
	time.Sleep(100 * time.Millisecond)
	if got := srv.store.lists.Load(); got != before+2 {
		t.Fatalf("expected exactly one snapshot request per client, got %d", got-before)
	}
	if len(a.Board().Column(domain.ColumnTodo)) != 0 {
		t.Fatalf("expected the todo column to be empty after resync")
	}
}

func TestSameColumnReorderSnapsBackAfterResync(t *testing.T) {
	srv := startBoardServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, title := range []string{"a", "b", "c"} {
		if _, err := srv.store.Memory.Create(ctx, domain.Task{Title: title, ColumnID: domain.ColumnTodo, Owner: "u1"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	server, err := srv.store.Memory.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	c := startClient(t, testOptions(t, srv.url, tokenSource(t, boardSecret, "u1")))
	waitUntil(t, "initial snapshot", func() bool { return len(c.Board().Column(domain.ColumnTodo)) == 3 })

	before := srv.store.lists.Load()
	first := server[0].ID
	if err := c.MoveTask(ctx, first, domain.ColumnTodo, 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	if todo := c.Board().Column(domain.ColumnTodo); todo[2].ID != first {
		t.Fatalf("expected the reorder to apply locally at once, got %+v", todo)
	}

	// order is not persisted, so the resync restores the stored order
	waitUntil(t, "resync after move", func() bool { return srv.store.lists.Load() == before+1 })
	waitUntil(t, "stored order on the board", func() bool {
		todo := c.Board().Column(domain.ColumnTodo)
		if len(todo) != len(server) {
			return false
		}
		for i := range todo {
			if todo[i].ID != server[i].ID {
				return false
			}
		}
		return true
	})
}

func TestClientStopsOnRejectedCredential(t *testing.T) {
	srv := startBoardServer(t)

	tests := []struct {
		name   string
		ts     oauth2.TokenSource
		reason string
	}{
		{"invalid token", tokenSource(t, []byte("wrong-secret"), "u1"), "invalid token"},
		{"no token", nil, "no token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var failures atomic.Int32
			opts := testOptions(t, srv.url, tt.ts)
			opts.OnAuthFailure = func(error) { failures.Add(1) }

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := New(opts).Run(ctx)

			var authErr *domain.AuthenticationError
			if !errors.As(err, &authErr) {
				t.Fatalf("expected authentication error, got %v", err)
			}
			if authErr.Reason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, authErr.Reason)
			}
			if failures.Load() != 1 {
				t.Fatalf("expected one auth failure callback, got %d", failures.Load())
			}
		})
	}
	if srv.broker.OnlineUsers() != 0 {
		t.Fatalf("rejected clients must not be admitted")
	}
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	srv := startBoardServer(t)
	srv.srv.Close()

	opts := testOptions(t, srv.url, tokenSource(t, boardSecret, "u1"))
	opts.Retry = RetryPolicy{Delay: time.Millisecond, MaxAttempts: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := New(opts).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "giving up after 2 attempts") {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
}

func TestClientReconnectsQuietlyAfterShortOutage(t *testing.T) {
	srv := startBoardServer(t)
	var lost atomic.Int32
	opts := testOptions(t, srv.url, tokenSource(t, boardSecret, "u1"))
	opts.GracePeriod = time.Second
	opts.OnConnectionLost = func() { lost.Add(1) }
	c := startClient(t, opts)

	waitUntil(t, "initial snapshot", func() bool { return srv.store.lists.Load() == 1 })
	srv.broker.Shutdown()
	waitUntil(t, "resync after reconnect", func() bool { return srv.store.lists.Load() == 2 })
	waitUntil(t, "presence after reconnect", func() bool { return c.OnlineUsers() == 1 })

	if lost.Load() != 0 {
		t.Fatalf("short outages must not be reported")
	}
}

func TestListenersCanBeRemoved(t *testing.T) {
	c := New(Options{})
	var calls atomic.Int32
	off1 := c.On(domain.EventTasks, func(domain.ServerEvent) { calls.Add(1) })
	off2 := c.On(domain.EventTasks, func(domain.ServerEvent) { calls.Add(1) })
	if c.ListenerCount(domain.EventTasks) != 2 {
		t.Fatalf("expected two listeners")
	}

	c.emit(domain.TasksEvent{})
	off1()
	off1()
	c.emit(domain.TasksEvent{})
	off2()

	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if c.ListenerCount(domain.EventTasks) != 0 {
		t.Fatalf("expected listeners to be gone")
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	if err := c.CreateTask(ctx, "   ", "", domain.ColumnTodo); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected empty title error, got %v", err)
	}
	if err := c.CreateTask(ctx, "Task", "", domain.ColumnTodo); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := c.MoveTask(ctx, "missing", domain.ColumnDone, 0); !errors.Is(err, ErrNoop) {
		t.Fatalf("expected noop, got %v", err)
	}
	if err := c.DeleteTask(ctx, "t1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}
