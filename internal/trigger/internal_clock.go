package trigger

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Internal ticks on the local wall clock, scaled by a speed factor.
type Internal struct {
	base
	run runner

	// real time µs per simulated second; 0 disables pacing
	realTimeScale int64
}

// NewInternal creates an internal clock. A speed factor of 1 runs in real
// time, 2 twice as fast; a factor of (almost) 0 disables pacing.
func NewInternal(speedFactor float64) (*Internal, error) {
	s := &Internal{realTimeScale: 1000000}
	switch {
	case speedFactor < 0 || math.IsNaN(speedFactor):
		return nil, fmt.Errorf("%w: speed factor %v", types.ErrInvalidArgument, speedFactor)
	case speedFactor < 1e-9:
		s.realTimeScale = 0
	default:
		s.realTimeScale = int64(1000000.0 / speedFactor)
	}
	return s, nil
}

func (s *Internal) NeedsTrigger() bool    { return true }
func (s *Internal) NeedsCompletion() bool { return true }
func (s *Internal) SupportsDummy() bool   { return true }

// Start spawns the clock goroutine.
func (s *Internal) Start() error {
	cycle := s.cycle()
	if cycle <= 0 {
		return fmt.Errorf("%w: no listener registered", types.ErrInvalidState)
	}
	s.run.start(func(stopCh <-chan struct{}) { s.work(stopCh, cycle) })
	return nil
}

// Stop joins the clock goroutine.
func (s *Internal) Stop() error {
	s.run.stop()
	return nil
}

func (s *Internal) work(stopCh <-chan struct{}, cycle int64) {
	next := int64(0)
	ref := time.Now()
	realCycle := time.Duration(s.realTimeScale*cycle/1000000) * time.Microsecond

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		// behind schedule means no sleep, never a dropped tick
		if wait := time.Until(ref); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if realCycle == 0 {
			runtime.Gosched()
		}

		s.fire(next)
		next += cycle
		ref = ref.Add(realCycle)
	}
}
