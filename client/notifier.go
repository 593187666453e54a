package client

import (
	"sync"
	"time"
)

const defaultGracePeriod = 2 * time.Second

// DisconnectNotifier debounces connection loss so that short blips stay
// invisible. OnLost fires once the connection has been down for the whole
// grace period; OnRestored fires on the next reconnect after that.
type DisconnectNotifier struct {
	grace      time.Duration
	onLost     func()
	onRestored func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	lost  bool
}

// NewDisconnectNotifier creates a notifier. Nil callbacks are ignored.
func NewDisconnectNotifier(grace time.Duration, onLost, onRestored func()) *DisconnectNotifier {
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &DisconnectNotifier{grace: grace, onLost: onLost, onRestored: onRestored}
}

// Disconnected arms the grace timer unless it is already running.
func (n *DisconnectNotifier) Disconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil || n.lost {
		return
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.grace, func() { n.fire(gen) })
}

// Connected cancels a pending timer and reports restoration if loss was
// already announced.
func (n *DisconnectNotifier) Connected() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
	wasLost := n.lost
	n.lost = false
	n.mu.Unlock()

	if wasLost && n.onRestored != nil {
		n.onRestored()
	}
}

// Stop cancels any pending notification.
func (n *DisconnectNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
}

func (n *DisconnectNotifier) fire(gen uint64) {
	n.mu.Lock()
	// a timer that lost the race with Connected or Stop
	if gen != n.gen {
		n.mu.Unlock()
		return
	}
	n.timer = nil
	n.lost = true
	n.mu.Unlock()

	if n.onLost != nil {
		n.onLost()
	}
}
