// ============================================================================
// FEP Participant - Signal Registry and User Data Access
// ============================================================================
//
// Package: internal/dataaccess
// File: access.go
// Purpose: Registers user signals on the transport, keeps a sample buffer
//          per input and lets step code read and publish samples.
//
// Flow:
//   RegisterSignal(input)  → transport listener → SampleBuffer.Update
//   RegisterSignal(output) → CreateUserDataSample → TransmitData
//
// ============================================================================

package dataaccess

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// DefaultBacklog is the number of samples kept per input unless the timing
// configuration says otherwise.
const DefaultBacklog = 1

// Registry resolves signal names to handles.
type Registry interface {
	GetSignalHandleFromName(name string, dir transport.Direction) (*transport.Handle, error)
	SetSignalSampleBacklog(h *transport.Handle, backlog int) error
}

// UserDataAccess is the sample level access used by step data access.
type UserDataAccess interface {
	GetSampleBuffer(h *transport.Handle) (*SampleBuffer, error)
	LockDataAtUpperBound(h *transport.Handle, upper int64) (*Sample, bool, error)
	UnlockData(smp *Sample) error
	CreateUserDataSample(h *transport.Handle) (*Sample, error)
	TransmitData(smp *Sample, sync bool) error
}

type signalKey struct {
	name string
	dir  transport.Direction
}

type inputState struct {
	buffer   *SampleBuffer
	listener transport.ListenerID
}

// Access implements Registry and UserDataAccess on top of a transport.
type Access struct {
	adapter transport.Adapter
	logger  *slog.Logger

	mu      sync.RWMutex
	handles map[signalKey]*transport.Handle
	inputs  map[*transport.Handle]*inputState
}

// New creates an Access for adapter.
func New(adapter transport.Adapter) *Access {
	return &Access{
		adapter: adapter,
		logger:  slog.With("component", "dataaccess", "participant", adapter.Name()),
		handles: make(map[signalKey]*transport.Handle),
		inputs:  make(map[*transport.Handle]*inputState),
	}
}

// RegisterSignal registers sig on the transport. Inputs get a sample buffer
// fed by the transport.
func (a *Access) RegisterSignal(sig transport.Signal) (*transport.Handle, error) {
	h, err := a.adapter.RegisterSignal(sig)
	if err != nil {
		return nil, err
	}

	if sig.Direction == transport.Input {
		st := &inputState{buffer: NewSampleBuffer(h, DefaultBacklog)}
		id, err := a.adapter.RegisterDataListener(h, func(smp transport.Sample) {
			if err := st.buffer.Update(smp.Time, smp.Data); err != nil {
				a.logger.Warn("dropped sample", "signal", smp.Signal, "time", smp.Time, "error", err)
			}
		})
		if err != nil {
			a.adapter.UnregisterSignal(h)
			return nil, err
		}
		st.listener = id
		a.mu.Lock()
		a.inputs[h] = st
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.handles[signalKey{sig.Name, sig.Direction}] = h
	a.mu.Unlock()
	return h, nil
}

// UnregisterSignal undoes RegisterSignal.
func (a *Access) UnregisterSignal(h *transport.Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", types.ErrInvalidArgument)
	}
	a.mu.Lock()
	st := a.inputs[h]
	delete(a.inputs, h)
	delete(a.handles, signalKey{h.Name(), h.Signal().Direction})
	a.mu.Unlock()

	if st != nil {
		a.adapter.UnregisterDataListener(h, st.listener)
	}
	return a.adapter.UnregisterSignal(h)
}

func (a *Access) GetSignalHandleFromName(name string, dir transport.Direction) (*transport.Handle, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.handles[signalKey{name, dir}]
	if !ok {
		return nil, fmt.Errorf("%w: %s signal %q", types.ErrNotFound, dir, name)
	}
	return h, nil
}

func (a *Access) SetSignalSampleBacklog(h *transport.Handle, backlog int) error {
	buf, err := a.GetSampleBuffer(h)
	if err != nil {
		return err
	}
	return buf.SetBacklog(backlog)
}

func (a *Access) GetSampleBuffer(h *transport.Handle) (*SampleBuffer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.inputs[h]
	if !ok {
		return nil, fmt.Errorf("%w: no sample buffer for %v", types.ErrNotFound, handleName(h))
	}
	return st.buffer, nil
}

func (a *Access) LockDataAtUpperBound(h *transport.Handle, upper int64) (*Sample, bool, error) {
	buf, err := a.GetSampleBuffer(h)
	if err != nil {
		return nil, false, err
	}
	return buf.LockDataAtUpperBound(upper)
}

func (a *Access) UnlockData(smp *Sample) error {
	if smp == nil {
		return fmt.Errorf("%w: nil sample", types.ErrInvalidArgument)
	}
	buf, err := a.GetSampleBuffer(smp.Handle)
	if err != nil {
		return err
	}
	return buf.UnlockData(smp)
}

// CreateUserDataSample returns a zeroed sample sized for h.
func (a *Access) CreateUserDataSample(h *transport.Handle) (*Sample, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handle", types.ErrInvalidArgument)
	}
	return &Sample{Handle: h, Data: make([]byte, h.Signal().Size)}, nil
}

// TransmitData publishes smp. The transport delivers in order, so sync has
// no further effect.
func (a *Access) TransmitData(smp *Sample, sync bool) error {
	if smp == nil || smp.Handle == nil {
		return fmt.Errorf("%w: sample without signal", types.ErrInvalidArgument)
	}
	return a.adapter.TransmitData(smp.Handle, smp.Data, smp.Time)
}

func handleName(h *transport.Handle) string {
	if h == nil {
		return "<nil>"
	}
	return h.Name()
}
