package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

var errNotOwner = fmt.Errorf("task owned by another user: %w", domain.ErrTaskNotFound)

// Storage is the task store consumed by the broker.
type Storage interface {
	List(ctx context.Context, owner string) ([]domain.Task, error)
	Create(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateByID(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteByID(ctx context.Context, id string) (domain.Task, error)
	FindByID(ctx context.Context, id string) (domain.Task, error)
}

// Journal records applied mutations for downstream consumers.
type Journal interface {
	Append(ctx context.Context, ev domain.BoardEvent) error
}

// Backplane carries mutation events between broker instances.
type Backplane interface {
	Publish(ctx context.Context, d Delivery) error
	Run(ctx context.Context, deliver func(Delivery)) error
}

// Transport is one persistent client connection carrying text frames.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close(code CloseCode, reason string) error
}

// Options configure a Broker. Zero values fall back to defaults.
type Options struct {
	Scope        Scope
	SendBuffer   int
	WriteTimeout time.Duration
	Logger       *log.Logger
	Journal      Journal
	Backplane    Backplane
}

// Broker accepts commands from admitted sessions, applies them to the store
// and fans the resulting events out.
type Broker struct {
	store        Storage
	hub          *Hub
	scope        Scope
	sendBuffer   int
	writeTimeout time.Duration
	logger       *log.Logger
	journal      Journal
	backplane    Backplane
	now          func() time.Time
}

// New creates a Broker over store.
func New(store Storage, opts Options) *Broker {
	if store == nil {
		panic("broker.New: store is nil")
	}
	if opts.Scope == "" {
		opts.Scope = ScopeGlobal
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Broker{
		store:        store,
		hub:          NewHub(opts.Scope, opts.Logger),
		scope:        opts.Scope,
		sendBuffer:   opts.SendBuffer,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		journal:      opts.Journal,
		backplane:    opts.Backplane,
		now:          time.Now,
	}
}

// OnlineUsers returns the number of admitted sessions on this instance.
func (b *Broker) OnlineUsers() int {
	return b.hub.Count()
}

// Run consumes the backplane until ctx is done. Without a backplane it just
// waits for ctx.
func (b *Broker) Run(ctx context.Context) error {
	if b.backplane == nil {
		<-ctx.Done()
		return nil
	}
	return b.backplane.Run(ctx, b.hub.Deliver)
}

// Shutdown asks every session to close.
func (b *Broker) Shutdown() {
	b.hub.CloseAll(CloseGoingAway, "server shutting down")
}

// Serve admits an authenticated connection and processes its commands in
// arrival order until the transport fails or ctx is done.
func (b *Broker) Serve(ctx context.Context, t Transport, userID string) error {
	s := newSession(userID, b.sendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		b.writeLoop(ctx, t, s)
	}()

	b.hub.Admit(s)
	defer func() {
		b.hub.Remove(s)
		s.close(CloseNormal, "")
		<-writerDone
	}()

	for {
		raw, err := t.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.Dispatch(ctx, s, raw)
	}
}

func (b *Broker) writeLoop(ctx context.Context, t Transport, s *Session) {
	for {
		select {
		case <-ctx.Done():
			closeTransport(t, s, "")
			return
		case <-s.done:
			closeTransport(t, s, "")
			return
		case payload := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
			err := t.Write(wctx, payload)
			cancel()
			if err != nil {
				b.logger.WithError(err).WithField("session", s.ID).Debug("write failed")
				closeTransport(t, s, "write failed")
				return
			}
		}
	}
}

// closeTransport closes t with the code the session was closed with, or as
// going away when the session is still open.
func closeTransport(t Transport, s *Session, reason string) {
	select {
	case <-s.done:
		_ = t.Close(s.code, s.why)
	default:
		_ = t.Close(CloseGoingAway, reason)
	}
}

// Dispatch handles a single raw command frame from s. A command runs to
// completion even when the session goes away mid-way.
func (b *Broker) Dispatch(ctx context.Context, s *Session, raw []byte) {
	cmd, err := domain.ParseCommand(raw)
	name := "invalid"
	if err == nil {
		name = cmd.CommandName()
	}
	metrics, ctx := newCommandMetrics(context.WithoutCancel(ctx), b.logger, name, s.UserID)
	if err != nil {
		metrics.SetErrorStage("parse")
		b.replyError(s, err)
		metrics.End(err)
		return
	}
	err = b.handle(ctx, s, cmd, metrics)
	if err != nil {
		b.replyError(s, err)
	}
	metrics.End(err)
}

func (b *Broker) handle(ctx context.Context, s *Session, cmd domain.Command, m *commandMetrics) error {
	switch c := cmd.(type) {
	case domain.GetTasksCommand:
		start := time.Now()
		tasks, err := b.store.List(ctx, s.UserID)
		m.ObserveStore(time.Since(start))
		if err != nil {
			m.SetErrorStage("store")
			return err
		}
		m.SetTasksReturned(len(tasks))
		return b.reply(s, domain.TasksEvent{Tasks: tasks})

	case domain.CreateTaskCommand:
		task := domain.Task{
			Title:       c.Title,
			Description: c.Description,
			ColumnID:    domain.NormalizeColumn(c.ColumnID),
			Order:       0,
			Owner:       s.UserID,
		}
		start := time.Now()
		created, err := b.store.Create(ctx, task)
		m.ObserveStore(time.Since(start))
		if err != nil {
			m.SetErrorStage("store")
			return err
		}
		b.publish(ctx, created.Owner, domain.TaskCreatedEvent{Task: created})
		b.record(ctx, domain.EventTaskCreated, created.ID, s.UserID, &created)
		return nil

	case domain.MoveTaskCommand:
		if err := b.authorize(ctx, s, c.TaskID, m); err != nil {
			return err
		}
		b.logger.WithFields(log.Fields{
			"task":          c.TaskID,
			"source_column": c.SourceColumn,
			"source_index":  c.SourceIndex,
			"dest_column":   c.DestColumn,
			"dest_index":    c.DestIndex,
		}).Debug("moving task")
		dest := c.DestColumn
		start := time.Now()
		moved, err := b.store.UpdateByID(ctx, c.TaskID, domain.TaskPatch{ColumnID: &dest})
		m.ObserveStore(time.Since(start))
		if err != nil {
			m.SetErrorStage("store")
			return err
		}
		b.publish(ctx, moved.Owner, domain.TaskMovedEvent{TaskID: moved.ID, DestColumn: c.DestColumn, DestIndex: c.DestIndex})
		b.record(ctx, domain.EventTaskMoved, moved.ID, s.UserID, &moved)
		return nil

	case domain.UpdateTaskCommand:
		if err := b.authorize(ctx, s, c.ID, m); err != nil {
			return err
		}
		start := time.Now()
		updated, err := b.store.UpdateByID(ctx, c.ID, c.Patch())
		m.ObserveStore(time.Since(start))
		if err != nil {
			m.SetErrorStage("store")
			return err
		}
		b.publish(ctx, updated.Owner, domain.TaskUpdatedEvent{Task: updated})
		b.record(ctx, domain.EventTaskUpdated, updated.ID, s.UserID, &updated)
		return nil

	case domain.DeleteTaskCommand:
		// A missing task is a no-op, a foreign one is reported as missing.
		if err := b.authorize(ctx, s, c.TaskID, m); errors.Is(err, errNotOwner) || (err != nil && !errors.Is(err, domain.ErrTaskNotFound)) {
			return err
		}
		start := time.Now()
		deleted, err := b.store.DeleteByID(ctx, c.TaskID)
		m.ObserveStore(time.Since(start))
		owner := deleted.Owner
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			owner = s.UserID
		case err != nil:
			m.SetErrorStage("store")
			return err
		}
		b.publish(ctx, owner, domain.TaskDeletedEvent{TaskID: c.TaskID})
		if err == nil {
			b.record(ctx, domain.EventTaskDeleted, c.TaskID, s.UserID, nil)
		}
		return nil
	}
	return &domain.ValidationError{Reason: fmt.Sprintf("unsupported command %s", cmd.CommandName())}
}

// authorize rejects mutations of tasks owned by another identity when the
// broker runs in owner scope. In global scope any task may be changed.
func (b *Broker) authorize(ctx context.Context, s *Session, id string, m *commandMetrics) error {
	if b.scope != ScopeOwner {
		return nil
	}
	start := time.Now()
	task, err := b.store.FindByID(ctx, id)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("authorize")
		return err
	}
	if task.Owner != s.UserID {
		m.SetErrorStage("authorize")
		return errNotOwner
	}
	return nil
}

func (b *Broker) reply(s *Session, ev domain.ServerEvent) error {
	payload, err := domain.EncodeEvent(ev)
	if err != nil {
		return err
	}
	b.hub.Send(s, payload)
	return nil
}

func (b *Broker) replyError(s *Session, err error) {
	entry := b.logger.WithError(err).WithFields(log.Fields{"session": s.ID, "user": s.UserID})
	var storeErr *domain.StoreError
	if errors.As(err, &storeErr) {
		entry.Error("command failed")
	} else {
		entry.Debug("command rejected")
	}
	if rerr := b.reply(s, domain.ErrorEvent{Message: errorMessage(err)}); rerr != nil {
		b.logger.WithError(rerr).Error("encode error reply")
	}
}

// errorMessage renders err for the client without store internals.
func errorMessage(err error) string {
	var storeErr *domain.StoreError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return domain.ErrTaskNotFound.Error()
	case errors.As(err, &storeErr):
		return fmt.Sprintf("could not %s tasks", storeErr.Op)
	}
	return err.Error()
}

func (b *Broker) publish(ctx context.Context, owner string, ev domain.ServerEvent) {
	payload, err := domain.EncodeEvent(ev)
	if err != nil {
		b.logger.WithError(err).WithField("event", ev.EventName()).Error("encode event")
		return
	}
	d := Delivery{Owner: owner, Payload: payload}
	b.hub.Deliver(d)
	if b.backplane == nil {
		return
	}
	if err := b.backplane.Publish(ctx, d); err != nil {
		b.logger.WithError(err).WithField("event", ev.EventName()).Warn("backplane publish failed, other instances miss the event")
	}
}

func (b *Broker) record(ctx context.Context, eventType, taskID, userID string, task *domain.Task) {
	if b.journal == nil {
		return
	}
	ev := domain.BoardEvent{Type: eventType, TaskID: taskID, UserID: userID, Task: task, Timestamp: b.now().UnixMilli()}
	if err := b.journal.Append(ctx, ev); err != nil {
		b.logger.WithError(err).WithFields(log.Fields{"event": eventType, "task": taskID}).Error("journal append failed")
	}
}
