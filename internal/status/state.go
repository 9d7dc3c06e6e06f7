// Package status tracks the daemon's connection state.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/inline/internal/bus"
)

// EventChanged is published on every accepted transition.
const EventChanged = "status.changed"

// State represents a daemon connection state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Open, AuthRequired, Reconnecting, Error},
	Open:         {Reconnecting, AuthRequired, Error},
	Reconnecting: {Connecting, AuthRequired, Error},
	Error:        {Booting, Connecting},
}

// Machine tracks and enforces daemon state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	lastErr string
	bus     *bus.Bus
	now     func() time.Time
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	m := &Machine{current: Booting, bus: b, now: time.Now}
	m.since = m.now()
	return m
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State     State
	Since     time.Time
	LastError string
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Since: m.since, LastError: m.lastErr}
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail moves to Error and remembers why.
func (m *Machine) Fail(cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return m.transition(Error, msg)
}

func (m *Machine) transition(to State, lastErr string) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := StatusChange{From: m.current, To: to, Err: lastErr}
	m.current = to
	m.since = m.now()
	if lastErr != "" {
		m.lastErr = lastErr
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: EventChanged, Timestamp: time.Now(), Payload: change})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
	Err  string
}
