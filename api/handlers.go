package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/broker"
)

const (
	defaultReadLimit = 64 << 10
	rootMessage      = "Task Board API Running"
)

// Broker is the synchronization core the websocket endpoint hands
// authenticated connections to.
type Broker interface {
	Serve(ctx context.Context, t broker.Transport, userID string) error
	OnlineUsers() int
}

// Authenticator resolves the caller identity of a connection attempt.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Options configure the HTTP surface.
type Options struct {
	AllowedOrigins []string
	ReadLimit      int64
	Logger         *log.Logger
}

// Register wires up the board endpoints on the given Echo instance.
func Register(e *echo.Echo, b Broker, auth Authenticator, opts Options) {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, rootMessage)
	})
	e.GET("/healthz", health(b))
	e.GET("/ws", serveBoard(b, auth, originPatterns(opts.AllowedOrigins), opts))
}

func health(b Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "onlineUsers": b.OnlineUsers()})
	}
}

func serveBoard(b Broker, auth Authenticator, patterns []string, opts Options) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.Authenticate(c.Request())
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{OriginPatterns: patterns})
		if err != nil {
			// Accept has already written the handshake failure.
			opts.Logger.WithError(err).WithField("user", userID).Debug("websocket upgrade failed")
			return nil
		}
		conn.SetReadLimit(opts.ReadLimit)

		err = b.Serve(c.Request().Context(), &wsTransport{conn: conn}, userID)
		if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
			opts.Logger.WithError(err).WithField("user", userID).Debug("connection ended")
		}
		return nil
	}
}

// originPatterns turns configured origins into host patterns understood by
// the websocket handshake.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, payload []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

func (t *wsTransport) Close(code broker.CloseCode, reason string) error {
	status := websocket.StatusNormalClosure
	switch code {
	case broker.CloseSlowConsumer:
		status = websocket.StatusPolicyViolation
	case broker.CloseGoingAway:
		status = websocket.StatusGoingAway
	}
	return t.conn.Close(status, reason)
}
