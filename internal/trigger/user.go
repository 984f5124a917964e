package trigger

import (
	"fmt"
	"sync"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Triggerable is handed to user code; each Trigger call advances the
// simulation by one cycle.
type Triggerable interface {
	Trigger() int64
	SetInitialSimulationTime(t int64) error
}

// StepTrigger is implemented by user code driving the master in
// USER_IMPLEMENTATION mode.
type StepTrigger interface {
	RegisterTrigger(cycleTime int64, t Triggerable) error
	UnregisterTrigger(t Triggerable) error
}

// User delegates ticking to user code.
type User struct {
	base
	trigger StepTrigger

	timeMu    sync.Mutex
	current   int64
	triggered bool
}

// NewUser creates a user strategy around trigger.
func NewUser(trigger StepTrigger) (*User, error) {
	if trigger == nil {
		return nil, fmt.Errorf("%w: no user step trigger", types.ErrInvalidArgument)
	}
	return &User{trigger: trigger}, nil
}

func (s *User) Start() error          { return nil }
func (s *User) Stop() error           { return nil }
func (s *User) NeedsTrigger() bool    { return true }
func (s *User) NeedsCompletion() bool { return false }
func (s *User) SupportsDummy() bool   { return false }

// Register registers the listener and hands the strategy to user code.
func (s *User) Register(cycleTime int64, l Listener) error {
	if err := s.base.Register(cycleTime, l); err != nil {
		return err
	}
	if err := s.trigger.RegisterTrigger(cycleTime, s); err != nil {
		s.base.Unregister(l)
		return fmt.Errorf("user trigger registration: %w", err)
	}
	return nil
}

// Unregister withdraws the strategy from user code and drops the listener.
func (s *User) Unregister(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", types.ErrInvalidArgument)
	}
	s.mu.Lock()
	registered := s.listener == l
	s.mu.Unlock()
	if !registered {
		return fmt.Errorf("%w: listener is not registered", types.ErrUnexpected)
	}

	err := s.trigger.UnregisterTrigger(s)
	if berr := s.base.Unregister(l); err == nil {
		err = berr
	}
	return err
}

// Trigger fires the listener with the current simulation time, advances it
// by one cycle and returns the fired time.
func (s *User) Trigger() int64 {
	s.timeMu.Lock()
	s.triggered = true
	now := s.current
	s.current += s.cycle()
	s.timeMu.Unlock()

	s.fire(now)
	return now
}

// SetInitialSimulationTime is only allowed before the first Trigger.
func (s *User) SetInitialSimulationTime(t int64) error {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	if s.triggered {
		return fmt.Errorf("%w: simulation already triggered", types.ErrUnexpected)
	}
	s.current = t
	return nil
}
