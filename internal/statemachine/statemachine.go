// Package statemachine holds the participant state machine. The timing
// core only ever raises ErrorEvent; the participant drives the rest.
package statemachine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// State of a participant.
type State int

const (
	StateStartup State = iota
	StateIdle
	StateInitializing
	StateReady
	StateRunning
	StateError
	StateShutdown
)

var stateNames = [...]string{"FS_STARTUP", "FS_IDLE", "FS_INITIALIZING", "FS_READY", "FS_RUNNING", "FS_ERROR", "FS_SHUTDOWN"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("FS_UNKNOWN(%d)", int(s))
	}
	return stateNames[s]
}

// Event drives a transition.
type Event string

const (
	EventStartupDone Event = "startup_done"
	EventInitialize  Event = "initialize"
	EventInitDone    Event = "init_done"
	EventStart       Event = "start"
	EventStop        Event = "stop"
	EventError       Event = "error"
	EventRestart     Event = "restart"
	EventShutdown    Event = "shutdown"
)

type transition struct {
	from []State
	to   State
}

var transitions = map[Event]transition{
	EventStartupDone: {from: []State{StateStartup}, to: StateIdle},
	EventInitialize:  {from: []State{StateIdle}, to: StateInitializing},
	EventInitDone:    {from: []State{StateInitializing}, to: StateReady},
	EventStart:       {from: []State{StateReady}, to: StateRunning},
	EventStop:        {from: []State{StateInitializing, StateReady, StateRunning}, to: StateIdle},
	EventError:       {from: []State{StateStartup, StateIdle, StateInitializing, StateReady, StateRunning}, to: StateError},
	EventRestart:     {from: []State{StateError}, to: StateStartup},
	EventShutdown:    {from: []State{StateStartup, StateIdle, StateError}, to: StateShutdown},
}

// StateMachine is what the timing core needs from the participant state
// machine.
type StateMachine interface {
	ErrorEvent() error
}

// Listener is called after every transition, outside the lock.
type Listener func(from, to State, ev Event)

// Machine is the participant state machine.
type Machine struct {
	mu          sync.Mutex
	state       State
	errorEvents int
	listeners   []Listener
	logger      *slog.Logger
}

// New returns a machine in FS_STARTUP.
func New(name string) *Machine {
	return &Machine{
		state:  StateStartup,
		logger: slog.With("component", "statemachine", "participant", name),
	}
}

// OnTransition registers l.
func (m *Machine) OnTransition(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrorEvents returns how often ErrorEvent was called.
func (m *Machine) ErrorEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorEvents
}

// Fire applies ev. An event that is not allowed in the current state
// returns ErrInvalidState and leaves the state untouched.
func (m *Machine) Fire(ev Event) error {
	tr, ok := transitions[ev]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", types.ErrInvalidArgument, ev)
	}

	m.mu.Lock()
	from := m.state
	allowed := false
	for _, s := range tr.from {
		if s == from {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("%w: event %s not allowed in %s", types.ErrInvalidState, ev, from)
	}
	m.state = tr.to
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("state changed", "from", from.String(), "to", tr.to.String(), "event", string(ev))
	for _, l := range listeners {
		l(from, tr.to, ev)
	}
	return nil
}

// ErrorEvent moves the participant to FS_ERROR. Calling it while already
// in FS_ERROR is counted but otherwise a no-op.
func (m *Machine) ErrorEvent() error {
	m.mu.Lock()
	m.errorEvents++
	already := m.state == StateError
	m.mu.Unlock()
	if already {
		return nil
	}
	return m.Fire(EventError)
}
