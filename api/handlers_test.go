package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/broker"
	"taskboard/domain"
	"taskboard/internal/testutil"
	"taskboard/storage"
)

type recordingBroker struct {
	served int
}

func (r *recordingBroker) Serve(context.Context, broker.Transport, string) error {
	r.served++
	return nil
}

func (r *recordingBroker) OnlineUsers() int { return 7 }

func newTestServer(t *testing.T, b Broker) *httptest.Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	e := echo.New()
	Register(e, b, newTestAuth(t), Options{AllowedOrigins: []string{"http://localhost:5173"}, Logger: logger})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestRootAndHealth(t *testing.T) {
	srv := newTestServer(t, &recordingBroker{})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "Task Board API Running" {
		t.Fatalf("unexpected root response %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Status      string `json:"status"`
		OnlineUsers int    `json:"onlineUsers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.OnlineUsers != 7 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestWebsocketRejectsMissingAndInvalidTokens(t *testing.T) {
	b := &recordingBroker{}
	srv := newTestServer(t, b)

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"no token", srv.URL + "/ws", "Authentication error: no token"},
		{"invalid token", srv.URL + "/ws?token=a.b.c", "Authentication error: invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tt.url)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized || string(body) != tt.want {
				t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
			}
		})
	}
	if b.served != 0 {
		t.Fatalf("rejected connections must never be admitted")
	}
}

func TestWebsocketDialFailsWithoutToken(t *testing.T) {
	srv := newTestServer(t, &recordingBroker{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %#v", resp)
	}
}

func TestWebsocketServesBoard(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := broker.New(storage.NewMemory(), broker.Options{Logger: logger})
	srv := newTestServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token := signTestToken(t, testutil.TokenClaims{Subject: "u1"})
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{echo.HeaderAuthorization: []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	next := func() domain.ServerEvent {
		t.Helper()
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		ev, err := domain.ParseEvent(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		return ev
	}

	if ev, ok := next().(domain.OnlineUsersEvent); !ok || ev.Count != 1 {
		t.Fatalf("expected onlineUsers(1), got %#v", ev)
	}

	create, _ := domain.EncodeCommand(domain.CreateTaskCommand{Title: "Ship it", ColumnID: domain.ColumnInProgress})
	if err := conn.Write(ctx, websocket.MessageText, create); err != nil {
		t.Fatalf("write: %v", err)
	}
	created, ok := next().(domain.TaskCreatedEvent)
	if !ok || created.Task.Title != "Ship it" || created.Task.Owner != "u1" {
		t.Fatalf("unexpected created event %#v", created)
	}

	get, _ := domain.EncodeCommand(domain.GetTasksCommand{})
	if err := conn.Write(ctx, websocket.MessageText, get); err != nil {
		t.Fatalf("write: %v", err)
	}
	snapshot, ok := next().(domain.TasksEvent)
	if !ok || len(snapshot.Tasks) != 1 || snapshot.Tasks[0].ColumnID != domain.ColumnInProgress {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:5173", " https://board.example.com ", "*.example.org", ""})
	want := []string{"localhost:5173", "board.example.com", "*.example.org"}
	if len(got) != len(want) {
		t.Fatalf("unexpected patterns %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected patterns %v", got)
		}
	}
}
