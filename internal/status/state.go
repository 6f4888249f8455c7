package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
)

// State is the connection state of a protocol client.
type State string

const (
	Preparing State = "PREPARING"
	Prepared  State = "PREPARED"
	Syncing   State = "SYNCING"
	Error     State = "ERROR"
	Stopped   State = "STOPPED"
)

// Healthy reports whether rooms can be read from a client in this state.
func (s State) Healthy() bool {
	return s == Prepared || s == Syncing
}

// Unhealthy reports whether the client needs the recovery ladder.
func (s State) Unhealthy() bool {
	return s == Error || s == Stopped
}

// validTransitions defines allowed connection state transitions. Syncing
// may repeat: every successful /sync response re-enters it.
var validTransitions = map[State][]State{
	Stopped:   {Preparing},
	Preparing: {Prepared, Error, Stopped},
	Prepared:  {Syncing, Error, Stopped},
	Syncing:   {Syncing, Error, Stopped},
	Error:     {Syncing, Prepared, Preparing, Stopped},
}

// Machine tracks and enforces connection state transitions for one client.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	userID  string
}

// NewMachine creates a machine starting in Stopped. Transitions are
// published on b (when non-nil) tagged with userID.
func NewMachine(b *bus.Bus, userID string) *Machine {
	return &Machine{
		current: Stopped,
		bus:     b,
		userID:  userID,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil && from != to {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnectionState,
			UserID:    m.userID,
			Timestamp: time.Now(),
			Payload: StatusChange{
				UserID: m.userID,
				From:   from,
				To:     to,
			},
		})
	}
	return nil
}

// Force sets the state without validation. Used when the client is torn
// down from an arbitrary state.
func (m *Machine) Force(to State) {
	m.mu.Lock()
	from := m.current
	m.current = to
	m.mu.Unlock()
	if m.bus != nil && from != to {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnectionState,
			UserID:    m.userID,
			Timestamp: time.Now(),
			Payload:   StatusChange{UserID: m.userID, From: from, To: to},
		})
	}
}

// StatusChange is the payload for connection state events.
type StatusChange struct {
	UserID string
	From   State
	To     State
}
