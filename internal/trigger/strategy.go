// ============================================================================
// FEP Timing - Step Trigger Strategies
// ============================================================================
//
// Package: internal/trigger
// File: strategy.go
// Purpose: Produces the simulation time ticks the timing master schedules on.
//
// Variants:
//   ┌──────────┬──────────────┬─────────────────┬───────────────┐
//   │ Variant  │ NeedsTrigger │ NeedsCompletion │ SupportsDummy │
//   ├──────────┼──────────────┼─────────────────┼───────────────┤
//   │ Internal │ yes          │ yes             │ yes           │
//   │ AFAP     │ no           │ yes             │ no            │
//   │ External │ yes          │ no              │ no            │
//   │ User     │ yes          │ no              │ no            │
//   └──────────┴──────────────┴─────────────────┴───────────────┘
//
// Lifecycle:
//   Register(cycle, listener) → Start() → ticks → Stop() → Unregister(listener)
//   Stop joins every goroutine before it returns and may be called any number
//   of times, also without a prior Start.
//
// ============================================================================

package trigger

import (
	"fmt"
	"sync"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Listener receives the ticks of a strategy.
type Listener interface {
	OnTrigger(simTime int64)
}

// Strategy is a source of simulation time ticks.
type Strategy interface {
	Register(cycleTime int64, l Listener) error
	Unregister(l Listener) error
	Start() error
	Stop() error

	NeedsTrigger() bool
	NeedsCompletion() bool
	SupportsDummy() bool
}

// base holds the listener registration shared by every variant.
type base struct {
	mu        sync.Mutex
	listener  Listener
	cycleTime int64
}

func (b *base) Register(cycleTime int64, l Listener) error {
	if cycleTime <= 0 || l == nil {
		return fmt.Errorf("%w: cycle time %d, listener set %t", types.ErrInvalidArgument, cycleTime, l != nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return fmt.Errorf("%w: strategy already has a listener", types.ErrAlreadyRegistered)
	}
	b.listener = l
	b.cycleTime = cycleTime
	return nil
}

func (b *base) Unregister(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", types.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != l {
		return fmt.Errorf("%w: listener is not registered", types.ErrUnexpected)
	}
	b.listener = nil
	b.cycleTime = 0
	return nil
}

func (b *base) cycle() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cycleTime
}

func (b *base) fire(simTime int64) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.OnTrigger(simTime)
	}
}

// runner owns the optional goroutine of a strategy.
type runner struct {
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (r *runner) start(work func(stopCh <-chan struct{})) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go func(stopCh chan struct{}) {
		defer r.wg.Done()
		work(stopCh)
	}(r.stopCh)
}

func (r *runner) stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	r.stopCh = nil
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	r.wg.Wait()
}

// AFAP runs as fast as possible: the master advances as soon as every due
// step acknowledged.
type AFAP struct {
	base
}

// NewAFAP creates an AFAP strategy.
func NewAFAP() *AFAP {
	return &AFAP{}
}

func (s *AFAP) Start() error          { return nil }
func (s *AFAP) Stop() error           { return nil }
func (s *AFAP) NeedsTrigger() bool    { return false }
func (s *AFAP) NeedsCompletion() bool { return true }
func (s *AFAP) SupportsDummy() bool   { return false }
