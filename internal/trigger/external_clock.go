package trigger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// StepTriggerSignal is the input an external clock publishes on. The payload
// is currentTime_us and validity_us, both little endian int64.
const (
	StepTriggerSignal     = "_StepTrigger"
	StepTriggerSignalType = "tFEP_StepTrigger"
	StepTriggerSize       = 16
)

// External follows time samples received from an outside clock. A tick is
// fired once the received validity window covers it.
type External struct {
	base
	run runner

	mu       sync.Mutex
	next     int64 // -1 until the first update
	nextRef  time.Time
	runLimit int64
	updated  chan struct{}

	adapter  transport.Adapter
	handle   *transport.Handle
	listener transport.ListenerID
}

// NewExternal creates an external clock strategy.
func NewExternal() *External {
	return &External{next: -1, updated: make(chan struct{}, 1)}
}

func (s *External) NeedsTrigger() bool    { return true }
func (s *External) NeedsCompletion() bool { return false }
func (s *External) SupportsDummy() bool   { return false }

// Attach subscribes to the step trigger signal of adapter.
func (s *External) Attach(adapter transport.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: nil adapter", types.ErrInvalidArgument)
	}
	h, err := adapter.RegisterSignal(transport.Signal{
		Name:      StepTriggerSignal,
		Type:      StepTriggerSignalType,
		Size:      StepTriggerSize,
		Direction: transport.Input,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", StepTriggerSignal, err)
	}
	id, err := adapter.RegisterDataListener(h, func(smp transport.Sample) {
		_ = s.Update(smp.Data)
	})
	if err != nil {
		adapter.UnregisterSignal(h)
		return fmt.Errorf("listen on %s: %w", StepTriggerSignal, err)
	}
	s.adapter, s.handle, s.listener = adapter, h, id
	return nil
}

// Detach undoes Attach.
func (s *External) Detach() error {
	if s.adapter == nil {
		return nil
	}
	err := s.adapter.UnregisterDataListener(s.handle, s.listener)
	if uerr := s.adapter.UnregisterSignal(s.handle); err == nil {
		err = uerr
	}
	s.adapter, s.handle = nil, nil
	return err
}

// EncodeStepTrigger builds an external clock payload.
func EncodeStepTrigger(currentTime, validity int64) []byte {
	buf := make([]byte, StepTriggerSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(currentTime))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(validity))
	return buf
}

// Update consumes one external clock sample.
func (s *External) Update(payload []byte) error {
	if len(payload) < StepTriggerSize {
		return fmt.Errorf("%w: step trigger needs %d bytes, got %d", types.ErrInvalidArgument, StepTriggerSize, len(payload))
	}
	current := int64(binary.LittleEndian.Uint64(payload[0:8]))
	validity := int64(binary.LittleEndian.Uint64(payload[8:16]))

	s.mu.Lock()
	if s.next < 0 {
		s.nextRef = time.Now()
		s.next = current
	}
	s.runLimit = current + validity
	s.mu.Unlock()

	select {
	case s.updated <- struct{}{}:
	default:
	}
	return nil
}

// Start spawns the tick goroutine and forgets any earlier time reference.
func (s *External) Start() error {
	cycle := s.cycle()
	if cycle <= 0 {
		return fmt.Errorf("%w: no listener registered", types.ErrInvalidState)
	}
	s.mu.Lock()
	s.next = -1
	s.runLimit = 0
	s.mu.Unlock()
	s.run.start(func(stopCh <-chan struct{}) { s.work(stopCh, cycle) })
	return nil
}

// Stop joins the tick goroutine.
func (s *External) Stop() error {
	s.run.stop()
	return nil
}

// wait blocks for an update, shutdown or 10ms. It returns false on shutdown.
func (s *External) wait(stopCh <-chan struct{}) bool {
	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-s.updated:
	case <-timer.C:
	}
	return true
}

func (s *External) work(stopCh <-chan struct{}, cycle int64) {
	for {
		s.mu.Lock()
		started := s.next >= 0
		s.mu.Unlock()
		if started {
			break
		}
		if !s.wait(stopCh) {
			return
		}
	}

	for {
		s.mu.Lock()
		thisTime := s.next
		thisRef := s.nextRef
		s.next += cycle
		s.nextRef = s.nextRef.Add(time.Duration(cycle) * time.Microsecond)
		for thisTime >= s.runLimit {
			s.mu.Unlock()
			if !s.wait(stopCh) {
				return
			}
			s.mu.Lock()
		}
		s.mu.Unlock()

		if wait := time.Until(thisRef); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		s.fire(thisTime)
	}
}
