// Package signal tracks the environmental integrity conditions of an exam
// client: camera liveness, fullscreen presence and window focus.
package signal

import (
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Start on a monitor that has already been stopped.
var ErrStopped = errors.New("signal: monitor stopped")

// Transition is the direction of a state change.
type Transition string

const (
	Activated   Transition = "activated"
	Deactivated Transition = "deactivated"
)

// State is the current reading of one monitor.
type State struct {
	Active    bool
	ChangedAt time.Time
}

// Change is delivered to subscribers on every transition.
type Change struct {
	Transition Transition
	At         time.Time
}

// Listener receives transitions. It runs on the monitor's goroutine and must
// not block.
type Listener func(Change)

// EnvironmentSignal is implemented by every monitor. IsActive is false
// before Start and after Stop. Stop is idempotent and safe for concurrent use.
type EnvironmentSignal interface {
	Start() error
	Stop()
	IsActive() bool
	State() State
	Subscribe(fn Listener) (unsubscribe func())
}

// notifier holds the boolean state and the subscriber list shared by all
// monitors.
type notifier struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

func newNotifier() notifier {
	return notifier{listeners: make(map[int]Listener), now: time.Now}
}

func (n *notifier) IsActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Active
}

func (n *notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *notifier) Subscribe(fn Listener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// set records active and notifies subscribers when it differs from the
// previous reading. Listeners are called without the lock held.
func (n *notifier) set(active bool) bool {
	n.mu.Lock()
	if n.state.Active == active {
		n.mu.Unlock()
		return false
	}
	at := n.now()
	n.state = State{Active: active, ChangedAt: at}
	fns := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	change := Change{Transition: Deactivated, At: at}
	if active {
		change.Transition = Activated
	}
	for _, fn := range fns {
		fn(change)
	}
	return true
}
