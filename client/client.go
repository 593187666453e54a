package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"taskboard/domain"
)

var (
	// ErrNotConnected is returned by commands issued while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyTitle rejects task creation without a title.
	ErrEmptyTitle = errors.New("title must not be empty")
	// ErrNoop is returned by MoveTask when the drop changes nothing.
	ErrNoop = errors.New("move changes nothing")
)

const authErrorPrefix = "Authentication error: "

// Listener receives server events after they were applied to the board.
type Listener func(domain.ServerEvent)

// Options configure a Client.
type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:5000/ws.
	URL         string
	TokenSource oauth2.TokenSource
	Retry       RetryPolicy
	GracePeriod time.Duration
	HTTPClient  *http.Client
	Logger      *log.Logger

	// OnAuthFailure is called when the server refuses the credential. The
	// client stops instead of retrying; the caller should discard the
	// credential and log in again.
	OnAuthFailure        func(error)
	OnConnectionLost     func()
	OnConnectionRestored func()
}

// Client keeps a local board in sync with the server.
type Client struct {
	opts     Options
	board    *Board
	notifier *DisconnectNotifier
	online   atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn

	listenersMu sync.Mutex
	listeners   map[string]map[uint64]Listener
	nextID      uint64
}

// New creates a client. Run must be called to connect.
func New(opts Options) *Client {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Client{
		opts:      opts,
		board:     NewBoard(),
		notifier:  NewDisconnectNotifier(opts.GracePeriod, opts.OnConnectionLost, opts.OnConnectionRestored),
		listeners: make(map[string]map[uint64]Listener),
	}
}

// Board returns the local view.
func (c *Client) Board() *Board { return c.board }

// OnlineUsers returns the last presence count received.
func (c *Client) OnlineUsers() int { return int(c.online.Load()) }

// On registers fn for the named server event. The returned func removes it.
func (c *Client) On(event string, fn Listener) (off func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextID++
	id := c.nextID
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[uint64]Listener)
	}
	c.listeners[event][id] = fn
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners[event], id)
		if len(c.listeners[event]) == 0 {
			delete(c.listeners, event)
		}
	}
}

// ListenerCount returns the number of listeners registered for event.
func (c *Client) ListenerCount(event string) int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners[event])
}

// Run connects and keeps reconnecting until ctx is done, the retry policy is
// exhausted, or the server rejects the credential.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.notifier.Stop()
			return nil
		}
		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) {
			c.opts.Logger.WithError(err).Warn("credential rejected")
			if c.opts.OnAuthFailure != nil {
				c.opts.OnAuthFailure(err)
			}
			return err
		}
		if connected {
			attempt = 0
			c.notifier.Disconnected()
		}
		attempt++
		if !c.opts.Retry.Allow(attempt) {
			return fmt.Errorf("giving up after %d attempts: %w", attempt-1, err)
		}
		c.opts.Logger.WithError(err).WithField("attempt", attempt).Debug("reconnecting")
		select {
		case <-ctx.Done():
			c.notifier.Stop()
			return nil
		case <-time.After(c.opts.Retry.Delay):
		}
	}
}

// session runs one connection. connected reports whether the handshake
// succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	c.setConn(conn)
	c.notifier.Connected()
	defer func() {
		c.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := c.Resync(ctx); err != nil {
		return true, err
	}
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		ev, err := domain.ParseEvent(raw)
		if err != nil {
			c.opts.Logger.WithError(err).Warn("dropping unreadable event")
			continue
		}
		c.handle(ctx, ev)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.TokenSource != nil {
		tok, err := c.opts.TokenSource.Token()
		if err != nil {
			return nil, domain.NewAuthenticationError("no token")
		}
		header.Set(echo.HeaderAuthorization, tok.Type()+" "+tok.AccessToken)
	}
	conn, resp, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header, HTTPClient: c.opts.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, domain.NewAuthenticationError(authReason(resp))
		}
		return nil, err
	}
	return conn, nil
}

func authReason(resp *http.Response) string {
	if resp.Body == nil {
		return "invalid token"
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if reason, ok := strings.CutPrefix(strings.TrimSpace(string(body)), authErrorPrefix); ok && reason != "" {
		return reason
	}
	return "invalid token"
}

func (c *Client) handle(ctx context.Context, ev domain.ServerEvent) {
	if online, ok := ev.(domain.OnlineUsersEvent); ok {
		c.online.Store(int64(online.Count))
	}
	if errEv, ok := ev.(domain.ErrorEvent); ok {
		c.opts.Logger.WithField("message", errEv.Message).Warn("server reported an error")
	}
	if c.board.Apply(ev) {
		if err := c.Resync(ctx); err != nil {
			c.opts.Logger.WithError(err).Warn("resync failed")
		}
	}
	c.emit(ev)
}

func (c *Client) emit(ev domain.ServerEvent) {
	c.listenersMu.Lock()
	fns := make([]Listener, 0, len(c.listeners[ev.EventName()]))
	for _, fn := range c.listeners[ev.EventName()] {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Resync requests a fresh authoritative snapshot.
func (c *Client) Resync(ctx context.Context) error {
	return c.send(ctx, domain.GetTasksCommand{})
}

// CreateTask asks the server to create a task. The title is trimmed and must
// not be empty.
func (c *Client) CreateTask(ctx context.Context, title, description string, column domain.ColumnID) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	return c.send(ctx, domain.CreateTaskCommand{Title: title, Description: description, ColumnID: column})
}

// MoveTask applies the move to the local board and sends it. The local view
// stays provisional until the next snapshot.
func (c *Client) MoveTask(ctx context.Context, taskID string, dest domain.ColumnID, destIndex int) error {
	cmd, ok := c.board.Move(taskID, dest, destIndex)
	if !ok {
		return ErrNoop
	}
	return c.send(ctx, cmd)
}

// UpdateTask sends the full task record; the server applies its mutable fields.
func (c *Client) UpdateTask(ctx context.Context, t domain.Task) error {
	title, desc, col, order := t.Title, t.Description, t.ColumnID, t.Order
	created := t.CreatedAt
	return c.send(ctx, domain.UpdateTaskCommand{
		ID:          t.ID,
		Title:       &title,
		Description: &desc,
		ColumnID:    &col,
		Order:       &order,
		Owner:       t.Owner,
		CreatedAt:   &created,
	})
}

// DeleteTask asks the server to delete a task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.send(ctx, domain.DeleteTaskCommand{TaskID: taskID})
}

func (c *Client) send(ctx context.Context, cmd domain.Command) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := domain.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
