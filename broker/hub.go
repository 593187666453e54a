package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Scope controls which sessions receive mutation events.
type Scope string

const (
	// ScopeGlobal delivers every mutation to every admitted session.
	ScopeGlobal Scope = "global"
	// ScopeOwner delivers a mutation only to sessions of the task owner.
	ScopeOwner Scope = "owner"
)

// ParseScope validates a configured scope name. Empty means global.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeOwner:
		return ScopeOwner, nil
	}
	return "", fmt.Errorf("unknown broadcast scope %q", s)
}

// CloseCode tells a transport why the broker is closing it.
type CloseCode int

const (
	CloseNormal CloseCode = iota
	CloseSlowConsumer
	CloseGoingAway
)

// Delivery is a mutation event addressed to the board. Owner is the identity
// owning the affected task and is used for owner scoped delivery.
type Delivery struct {
	Owner   string
	Payload []byte
}

// Session is one admitted connection.
type Session struct {
	ID     string
	UserID string

	send   chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	code   CloseCode
	why    string
}

func newSession(userID string, buffer int) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) enqueue(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// close marks the session for teardown and interrupts any in-flight write.
// Only the first call has effect.
func (s *Session) close(code CloseCode, reason string) {
	s.once.Do(func() {
		s.code = code
		s.why = reason
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Hub is the registry of admitted sessions and the presence tracker.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	scope    Scope
	logger   *log.Logger
}

// NewHub returns an empty hub.
func NewHub(scope Scope, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{sessions: make(map[string]*Session), scope: scope, logger: logger}
}

// Count returns the number of admitted sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Admit registers s and broadcasts the new presence count.
func (h *Hub) Admit(s *Session) int {
	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.broadcastPresence(n)
	h.mu.Unlock()

	h.logger.WithFields(log.Fields{"session": s.ID, "user": s.UserID, "online": n}).Info("session admitted")
	return n
}

// Remove unregisters s and broadcasts the new presence count. Removing an
// unknown session changes nothing.
func (h *Hub) Remove(s *Session) int {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		n := len(h.sessions)
		h.mu.Unlock()
		return n
	}
	delete(h.sessions, s.ID)
	n := len(h.sessions)
	h.broadcastPresence(n)
	h.mu.Unlock()

	h.logger.WithFields(log.Fields{"session": s.ID, "user": s.UserID, "online": n}).Info("session removed")
	return n
}

// Deliver fans a mutation event out to the local sessions in scope. Deliveries
// are serialized so every session observes them in the same order.
func (h *Hub) Deliver(d Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if h.scope == ScopeOwner && s.UserID != d.Owner {
			continue
		}
		h.offer(s, d.Payload)
	}
}

// Send queues payload for s alone.
func (h *Hub) Send(s *Session, payload []byte) {
	h.offer(s, payload)
}

// CloseAll asks every session to close with the given code.
func (h *Hub) CloseAll(code CloseCode, reason string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.close(code, reason)
	}
}

// broadcastPresence must be called with h.mu held.
func (h *Hub) broadcastPresence(n int) {
	payload, err := domain.EncodeEvent(domain.OnlineUsersEvent{Count: n})
	if err != nil {
		h.logger.WithError(err).Error("encode presence")
		return
	}
	for _, s := range h.sessions {
		h.offer(s, payload)
	}
}

func (h *Hub) offer(s *Session, payload []byte) {
	if s.enqueue(payload) {
		return
	}
	h.logger.WithFields(log.Fields{"session": s.ID, "user": s.UserID}).Warn("outbound queue full, disconnecting session")
	s.close(CloseSlowConsumer, "outbound queue full")
}
