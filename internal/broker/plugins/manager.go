// Package plugins implements the activation-state machine the
// plugin-aware WebSocket driver consults before it will put a request on
// the wire.
package plugins

import (
	"fmt"
	"sync"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// State is a backend plugin's activation state.
type State int

const (
	// StateUnknown never appears in the table itself — it is the implicit
	// state of a callsign before Dispatch or SetState first creates an entry.
	StateUnknown State = iota
	// StateActivating means a status query or activate request is in
	// flight; requests queue rather than send.
	StateActivating
	// StateActivated means the plugin is live; requests send immediately.
	StateActivated
	// StateMissing is fatal: the plugin does not exist.
	StateMissing
	// StateDeactivated means the plugin exists but is not currently running.
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StateActivating:
		return "Activating"
	case StateActivated:
		return "Activated"
	case StateMissing:
		return "Missing"
	case StateDeactivated:
		return "Deactivated"
	default:
		return "Unknown"
	}
}

// Action tells the plugin-aware driver what to do with the request it just
// handed to Dispatch, beyond whatever error Dispatch also returned.
type Action int

const (
	// ActionSend means the plugin is activated; shape and send normally.
	ActionSend Action = iota
	// ActionQueryStatus means the request was queued and a status-query
	// control frame must be emitted; the call itself does not error.
	ActionQueryStatus
	// ActionActivate means the request was queued and an activation
	// control frame must be emitted; the call itself does not error.
	ActionActivate
	// ActionWait means the request was queued for a later flush, but the
	// current call must fail now with ServiceNotReady (caller may retry).
	ActionWait
	// ActionReject means the plugin is fatally missing; the request is not
	// queued and the current call fails now with ServiceError.
	ActionReject
)

type entry struct {
	state   State
	pending []types.BrokerRequest
}

// Manager tracks activation state per callsign and the requests queued
// against a callsign that is not yet ready to receive them.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Manager; every callsign starts implicitly Unknown.
func New() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Dispatch runs the activation state machine for a request against
// callsign. It returns the action the driver must take and, for the two
// states that fail the current call outright, the error to surface via
// the response forwarder.
func (m *Manager) Dispatch(callsign string, req types.BrokerRequest) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[callsign]
	if !ok {
		e = &entry{state: StateActivating, pending: []types.BrokerRequest{req}}
		m.entries[callsign] = e
		return ActionQueryStatus, nil
	}

	switch e.state {
	case StateMissing:
		return ActionReject, types.NewError(types.CodeServiceError, fmt.Sprintf("plugin %q is missing", callsign))
	case StateActivating:
		e.pending = append(e.pending, req)
		return ActionWait, types.NewError(types.CodeServiceNotReady, fmt.Sprintf("plugin %q is activating", callsign))
	case StateActivated:
		return ActionSend, nil
	default: // StateDeactivated
		e.pending = append(e.pending, req)
		e.state = StateActivating
		return ActionActivate, nil
	}
}

// SetState records a state-change or status/activate response for callsign.
// If the new state is Activated, it returns and clears the callsign's
// pending list for the driver to flush through the normal send path. If the
// new state is Missing it also drains the pending list, for the driver to
// fail each entry; Missing is fatal, so nothing queued can ever be sent.
// Any other transition returns nil.
func (m *Manager) SetState(callsign string, state State) []types.BrokerRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[callsign]
	if !ok {
		m.entries[callsign] = &entry{state: state}
		return nil
	}
	e.state = state
	if (state != StateActivated && state != StateMissing) || len(e.pending) == 0 {
		return nil
	}
	pending := e.pending
	e.pending = nil
	return pending
}

// State reports the current state of callsign, or StateUnknown if no entry
// has ever been created for it.
func (m *Manager) State(callsign string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[callsign]
	if !ok {
		return StateUnknown
	}
	return e.state
}

// PendingLen reports how many requests are queued for callsign. Test-only
// convenience.
func (m *Manager) PendingLen(callsign string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[callsign]
	if !ok {
		return 0
	}
	return len(e.pending)
}
