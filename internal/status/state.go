package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmarquesp/wahub/internal/bus"
)

// State represents a session lifecycle state.
type State string

const (
	Initializing  State = "INITIALIZING"
	QRScanPending State = "QR_SCAN_PENDING"
	Syncing       State = "SYNCING"
	Ready         State = "READY"
	Disconnected  State = "DISCONNECTED"
	Failed        State = "FAILED"
)

// validTransitions defines allowed state transitions. DISCONNECTED and
// FAILED re-enter the lifecycle only through INITIALIZING (restore or
// re-create); QR_SCAN_PENDING allows a self-loop for refreshed codes.
var validTransitions = map[State][]State{
	Initializing:  {QRScanPending, Syncing, Ready, Disconnected, Failed},
	QRScanPending: {QRScanPending, Syncing, Ready, Disconnected, Failed},
	Syncing:       {Ready, Disconnected, Failed},
	Ready:         {Syncing, Disconnected, Failed},
	Disconnected:  {Initializing, Failed},
	Failed:        {Initializing},
}

// Active reports whether a state counts against the per-user session limit.
func Active(s State) bool {
	return s == Ready || s == Syncing
}

// Restorable reports whether a persisted session should be reconnected at
// process startup.
func Restorable(s State) bool {
	return s == Ready || s == Syncing || s == Disconnected
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	_, ok := validTransitions[s]
	return ok
}

// Machine tracks and enforces one session's state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	sessionID string
	userID    string
	bus       *bus.Bus
}

// NewMachine creates a state machine for one session, starting in Initializing.
func NewMachine(sessionID, userID string, b *bus.Bus) *Machine {
	return &Machine{
		current:   Initializing,
		sessionID: sessionID,
		userID:    userID,
		bus:       b,
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
		return fmt.Errorf("session %s: invalid transition from %s to %s", m.sessionID, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionStatus,
			Timestamp: time.Now(),
			Payload: bus.StatusEvent{
				SessionID: m.sessionID,
				UserID:    m.userID,
				From:      string(from),
				To:        string(to),
			},
		})
	}
	return nil
}
