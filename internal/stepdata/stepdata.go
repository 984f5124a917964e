// ============================================================================
// FEP Timing - Step Data Access
// ============================================================================
//
// Package: internal/stepdata
// File: stepdata.go
// Purpose: Input validation before and output staging after one step.
//
// Per step:
//   ValidateInputs(t)      wait for every input to have a sample in
//                          [t - validAge, t + delay], strongest policy first
//   step callback          reads inputs, writes staged outputs
//   TransmitAllOutputs()   publish staged outputs stamped t + cycle,
//                          unless a policy asked to skip this step
//
// Input policies (checked Error → Skip → Warn → Ignore):
//   ┌──────────┬──────────────────────────────────────────────────────┐
//   │ Ignore   │ nothing                                              │
//   │ Warn     │ Warning incident                                     │
//   │ Skip     │ Critical_Global incident, outputs suppressed         │
//   │ Error    │ Critical_Global incident, outputs suppressed,        │
//   │          │ state machine error, remaining inputs not checked    │
//   └──────────┴──────────────────────────────────────────────────────┘
//
// ============================================================================

package stepdata

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audi/fep-participant-sub001/internal/dataaccess"
	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/statemachine"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Access is the view step code gets of its inputs and outputs.
type Access interface {
	// CopyRecentData copies the newest input sample not after the current
	// simulation time into dst.
	CopyRecentData(h *transport.Handle, dst *dataaccess.Sample) error
	// CopyDataBefore copies the newest input sample not after upper.
	CopyDataBefore(h *transport.Handle, upper int64, dst *dataaccess.Sample) error
	// TransmitData stages smp if it is a configured output, otherwise
	// publishes it right away stamped with the end of the step.
	TransmitData(smp *dataaccess.Sample) error
}

type input struct {
	name     string
	validAge int64
	delay    int64
	strategy types.InputViolationStrategy
	buffer   *dataaccess.SampleBuffer
}

type output struct {
	name   string
	sample *dataaccess.Sample
}

// StepDataAccess is owned by exactly one task.
type StepDataAccess struct {
	data      dataaccess.UserDataAccess
	stm       statemachine.StateMachine
	incidents incident.Handler
	origin    string

	skip     atomic.Bool
	currTime atomic.Int64

	mu       sync.Mutex
	cycle    int64
	waitTime int64
	inputs   []input
	outputs  map[*transport.Handle]*output
}

// New creates the step data access of the step named origin.
func New(origin string, data dataaccess.UserDataAccess, stm statemachine.StateMachine, incidents incident.Handler) *StepDataAccess {
	return &StepDataAccess{
		data:      data,
		stm:       stm,
		incidents: incidents,
		origin:    origin,
		outputs:   make(map[*transport.Handle]*output),
	}
}

// ConfigureInput adds an input checked before every step.
func (s *StepDataAccess) ConfigureInput(name string, cfg types.InputConfig, h *transport.Handle) error {
	if cfg.Delay < 0 || cfg.ValidAge < 0 || !cfg.Strategy.Valid() {
		return fmt.Errorf("%w: input %q", types.ErrInvalidArgument, name)
	}
	buf, err := s.data.GetSampleBuffer(h)
	if err != nil {
		return fmt.Errorf("input %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, input{
		name:     name,
		validAge: cfg.ValidAge,
		delay:    cfg.Delay,
		strategy: cfg.Strategy,
		buffer:   buf,
	})
	sort.SliceStable(s.inputs, func(i, j int) bool {
		return s.inputs[i].strategy > s.inputs[j].strategy
	})
	return nil
}

// ConfigureOutput stages a zeroed sample for the output h.
func (s *StepDataAccess) ConfigureOutput(name string, h *transport.Handle) error {
	smp, err := s.data.CreateUserDataSample(h)
	if err != nil {
		return fmt.Errorf("output %q: %w", name, err)
	}
	s.mu.Lock()
	s.outputs[h] = &output{name: name, sample: smp}
	s.mu.Unlock()
	return nil
}

// SetCycleTime sets the offset added to output sample times.
func (s *StepDataAccess) SetCycleTime(cycle int64) {
	s.mu.Lock()
	s.cycle = cycle
	s.mu.Unlock()
}

// SetWaitTimeForInputs sets the real time budget, in µs, that all inputs
// of one step share.
func (s *StepDataAccess) SetWaitTimeForInputs(wait int64) {
	s.mu.Lock()
	s.waitTime = wait
	s.mu.Unlock()
}

// SetSkip suppresses the outputs of the current step.
func (s *StepDataAccess) SetSkip() { s.skip.Store(true) }

// Skipped reports whether the outputs of the current step are suppressed.
func (s *StepDataAccess) Skipped() bool { return s.skip.Load() }

// CurrentTime returns the simulation time of the current step.
func (s *StepDataAccess) CurrentTime() int64 { return s.currTime.Load() }

// ValidateInputs waits for every input and applies its policy when it is
// not satisfied. It returns ErrCancelled when stop closed while waiting or
// when an Error policy fired.
func (s *StepDataAccess) ValidateInputs(curr int64, stop <-chan struct{}) error {
	s.currTime.Store(curr)

	s.mu.Lock()
	inputs := append([]input(nil), s.inputs...)
	deadline := time.Now().Add(time.Duration(s.waitTime) * time.Microsecond)
	s.mu.Unlock()

	for _, in := range inputs {
		err := in.buffer.WaitUntilInTimeWindow(curr-in.validAge, curr+in.delay, deadline, stop)
		if err == nil {
			continue
		}
		if errors.Is(err, types.ErrCancelled) {
			return err
		}
		if err := s.applyInputViolation(in.name, in.strategy); err != nil {
			return err
		}
	}
	return nil
}

func (s *StepDataAccess) applyInputViolation(name string, strategy types.InputViolationStrategy) error {
	const code = types.IncidentStepListenerInputValidityViolation
	switch strategy {
	case types.ISWarnAboutInputValidityViolation:
		s.incidents.InvokeIncident(code, types.SeverityWarning,
			fmt.Sprintf("Input %s does not meet required valid age.", name), s.origin)
	case types.ISSkipOutputPublish:
		s.SetSkip()
		s.incidents.InvokeIncident(code, types.SeverityCriticalGlobal,
			fmt.Sprintf("Input %s does not meet required valid age. CAUTION: defined outputs will not be published!", name), s.origin)
	case types.ISSetStmToError:
		s.incidents.InvokeIncident(code, types.SeverityCriticalGlobal,
			fmt.Sprintf("Input %s does not meet required valid age. FATAL: changing state to FS_ERROR - continuation not possible!", name), s.origin)
		s.SetSkip()
		s.stm.ErrorEvent()
		return fmt.Errorf("%w: input %s violated its valid age", types.ErrCancelled, name)
	}
	return nil
}

// TransmitAllOutputs publishes every staged output unless the step was
// skipped, then clears the skip flag.
func (s *StepDataAccess) TransmitAllOutputs() error {
	defer s.skip.Store(false)
	if s.skip.Load() {
		return nil
	}

	s.mu.Lock()
	stamp := s.currTime.Load() + s.cycle
	outs := make([]*output, 0, len(s.outputs))
	for _, o := range s.outputs {
		outs = append(outs, o)
	}
	s.mu.Unlock()
	sort.Slice(outs, func(i, j int) bool { return outs[i].name < outs[j].name })

	for _, o := range outs {
		o.sample.Time = stamp
		if err := s.data.TransmitData(o.sample, true); err != nil {
			return fmt.Errorf("%w: output %s: %v", types.ErrFailed, o.name, err)
		}
	}
	return nil
}

func (s *StepDataAccess) CopyRecentData(h *transport.Handle, dst *dataaccess.Sample) error {
	return s.CopyDataBefore(h, s.currTime.Load(), dst)
}

func (s *StepDataAccess) CopyDataBefore(h *transport.Handle, upper int64, dst *dataaccess.Sample) error {
	if dst == nil {
		return fmt.Errorf("%w: nil destination sample", types.ErrInvalidArgument)
	}
	smp, valid, err := s.data.LockDataAtUpperBound(h, upper)
	if err != nil {
		return err
	}
	dst.Handle = h
	dst.Time = smp.Time
	dst.Data = append(dst.Data[:0], smp.Data...)
	if err := s.data.UnlockData(smp); err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w: %s never received a sample", types.ErrOutOfSync, h.Name())
	}
	return nil
}

func (s *StepDataAccess) TransmitData(smp *dataaccess.Sample) error {
	if smp == nil {
		return fmt.Errorf("%w: nil sample", types.ErrInvalidArgument)
	}
	s.mu.Lock()
	o, staged := s.outputs[smp.Handle]
	if staged {
		copy(o.sample.Data, smp.Data)
	}
	cycle := s.cycle
	s.mu.Unlock()
	if staged {
		return nil
	}
	smp.Time = s.currTime.Load() + cycle
	return s.data.TransmitData(smp, true)
}
