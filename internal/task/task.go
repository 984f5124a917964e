// ============================================================================
// FEP Timing - Task
// ============================================================================
//
// Package: internal/task
// File: task.go
// Purpose: Runs one registered step listener on its own goroutine.
//
// Tick handling:
//   SimTimeProgress(sum, t)  called by the timing client for every tick
//     ├─ sum % cycle != 0   → not due, nothing happens
//     ├─ previous step busy → trigger violation policy
//     └─ release barrier    → worker runs the step for t
//
// Worker:
//   barrier → lock working → ValidateInputs → step(t) → runtime check
//           → unlock → TransmitAllOutputs → TriggerAck{uuid, runtime, t}
//
// The busy check is a TryLock on the working mutex. It is best effort: a
// step that is just about to take the lock is not seen as busy.
//
// A trigger violation under TS_SET_STM_TO_ERROR shuts the worker down
// without releasing the barrier. No acknowledgement follows, so a master
// waiting for completion is only stopped by its acknowledgement timeout.
//
// ============================================================================

package task

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audi/fep-participant-sub001/internal/dataaccess"
	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/statemachine"
	"github.com/audi/fep-participant-sub001/internal/stepdata"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// incident origin of every task incident
const origin = "StepListener"

// StepFunc is the user callback of a step listener.
type StepFunc func(simTime int64, data stepdata.Access)

// Signals holds the resolved handles of a step's inputs and outputs.
type Signals struct {
	Inputs  map[string]*transport.Handle
	Outputs map[string]*transport.Handle
}

// Observer is told about every executed step.
type Observer interface {
	StepExecuted(step string, simTime int64, runtime time.Duration)
	StepViolation(step, kind string)
}

// Violation kinds reported to the observer.
const (
	ViolationRuntime = "runtime"
	ViolationTrigger = "trigger"
)

// Task executes one step listener.
type Task struct {
	name      string
	uuid      string
	user      dataaccess.UserDataAccess
	data      atomic.Pointer[stepdata.StepDataAccess]
	adapter   transport.Adapter
	stm       statemachine.StateMachine
	incidents incident.Handler
	observer  Observer
	logger    *slog.Logger

	cfgMu    sync.Mutex
	cfg      types.StepConfig
	fn       StepFunc
	ack      *transport.Handle
	strategy atomic.Int32

	curr    atomic.Int64
	barrier chan struct{}
	working sync.Mutex

	runMu    sync.Mutex
	stopCh   chan struct{}
	stopOnce *sync.Once
	wg       sync.WaitGroup
}

// New creates a task. The task owns a fresh step data access built on data.
func New(name, uuid string, data dataaccess.UserDataAccess, adapter transport.Adapter,
	stm statemachine.StateMachine, incidents incident.Handler) *Task {
	t := &Task{
		name:      name,
		uuid:      uuid,
		user:      data,
		adapter:   adapter,
		stm:       stm,
		incidents: incidents,
		logger:    slog.With("component", "task", "step", name),
		barrier:   make(chan struct{}, 1),
	}
	t.data.Store(stepdata.New(name, data, stm, incidents))
	return t
}

// stepData returns the step data access of the applied configuration.
func (t *Task) stepData() *stepdata.StepDataAccess { return t.data.Load() }

func (t *Task) running() bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.stopCh != nil
}

func (t *Task) Name() string { return t.name }
func (t *Task) UUID() string { return t.uuid }

// SetObserver installs o; nil removes it.
func (t *Task) SetObserver(o Observer) {
	t.cfgMu.Lock()
	t.observer = o
	t.cfgMu.Unlock()
}

// Config returns a copy of the applied configuration.
func (t *Task) Config() types.StepConfig {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	return t.cfg.Clone()
}

// CycleTime returns the configured cycle time.
func (t *Task) CycleTime() int64 {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	return t.cfg.CycleTime
}

// Configure applies cfg. It fails with ErrInvalidState while the worker
// runs. Inputs and outputs are set up on a fresh step data access that
// replaces the current one only when everything succeeded, so a failed call
// keeps the previous configuration. Every input and output of cfg needs a
// handle in sig.
func (t *Task) Configure(cfg types.StepConfig, sig Signals) error {
	if t.running() {
		return fmt.Errorf("%w: task %s is running", types.ErrInvalidState, t.name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for name := range cfg.Inputs {
		if sig.Inputs[name] == nil {
			return fmt.Errorf("%w: input %q of step %s has no signal handle", types.ErrInvalidArgument, name, t.name)
		}
	}
	for name := range cfg.Outputs {
		if sig.Outputs[name] == nil {
			return fmt.Errorf("%w: output %q of step %s has no signal handle", types.ErrInvalidArgument, name, t.name)
		}
	}

	next := stepdata.New(t.name, t.user, t.stm, t.incidents)
	next.SetCycleTime(cfg.CycleTime)
	next.SetWaitTimeForInputs(cfg.MaxInputWaitTime)
	for _, name := range sortedKeys(cfg.Inputs) {
		if err := next.ConfigureInput(name, cfg.Inputs[name], sig.Inputs[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(cfg.Outputs) {
		if err := next.ConfigureOutput(name, sig.Outputs[name]); err != nil {
			return err
		}
	}

	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()
	t.cfg = cfg.Clone()
	t.strategy.Store(int32(cfg.RuntimeViolationStrategy))
	t.data.Store(next)
	return nil
}

// SetScheduleFunc sets the step callback.
func (t *Task) SetScheduleFunc(fn StepFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: nil step function", types.ErrFailed)
	}
	t.cfgMu.Lock()
	t.fn = fn
	t.cfgMu.Unlock()
	return nil
}

// Create spawns the worker. ack is the raw output acknowledgements are
// sent on.
func (t *Task) Create(ack *transport.Handle) error {
	t.cfgMu.Lock()
	fn := t.fn
	configured := t.cfg.CycleTime > 0
	t.ack = ack
	t.cfgMu.Unlock()
	if fn == nil || !configured {
		return fmt.Errorf("%w: task %s is not configured", types.ErrInvalidState, t.name)
	}

	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.stopCh != nil {
		return fmt.Errorf("%w: task %s is already running", types.ErrInvalidState, t.name)
	}
	t.stopCh = make(chan struct{})
	t.stopOnce = &sync.Once{}
	select {
	case <-t.barrier:
	default:
	}

	t.wg.Add(1)
	go t.run(t.stopCh, fn)
	return nil
}

// Destroy signals shutdown and waits for the worker.
func (t *Task) Destroy() {
	t.runMu.Lock()
	stopCh, once := t.stopCh, t.stopOnce
	t.stopCh, t.stopOnce = nil, nil
	t.runMu.Unlock()
	if stopCh == nil {
		return
	}
	once.Do(func() { close(stopCh) })
	t.wg.Wait()
}

// shutdown stops the worker from inside; Destroy still has to be called.
func (t *Task) shutdown() {
	t.runMu.Lock()
	stopCh, once := t.stopCh, t.stopOnce
	t.runMu.Unlock()
	if stopCh != nil {
		once.Do(func() { close(stopCh) })
	}
}

// SimTimeProgress is called for every tick. sum is the simulation time
// accumulated since start, curr the tick's simulation time.
func (t *Task) SimTimeProgress(sum, curr int64) {
	t.curr.Store(curr)
	cycle := t.CycleTime()
	if cycle <= 0 || sum%cycle != 0 {
		return
	}

	if t.working.TryLock() {
		t.working.Unlock()
	} else if fatal := t.applyTriggerViolation(); fatal {
		return
	}

	select {
	case t.barrier <- struct{}{}:
	default:
	}
}

func (t *Task) run(stopCh <-chan struct{}, fn StepFunc) {
	defer t.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-t.barrier:
		}
		select {
		case <-stopCh:
			return
		default:
		}

		t.step(stopCh, fn)
	}
}

func (t *Task) step(stopCh <-chan struct{}, fn StepFunc) {
	t.working.Lock()
	simTime := t.curr.Load()
	data := t.stepData()
	if err := data.ValidateInputs(simTime, stopCh); err != nil {
		t.working.Unlock()
		t.logger.Debug("inputs not valid", "sim_time", simTime, "error", err)
		return
	}

	start := time.Now()
	fn(simTime, data)
	used := time.Since(start)

	var err error
	t.cfgMu.Lock()
	maxRuntime := t.cfg.MaxRuntime
	obs := t.observer
	ack := t.ack
	t.cfgMu.Unlock()
	if maxRuntime > 0 && used.Microseconds() > maxRuntime {
		err = t.applyRuntimeViolation()
	}
	t.working.Unlock()

	if obs != nil {
		obs.StepExecuted(t.name, simTime, used)
	}
	if err != nil {
		return
	}

	if err := data.TransmitAllOutputs(); err != nil {
		t.incidents.InvokeIncident(types.IncidentStepListenerTransmitOutputsFail, types.SeverityWarning,
			fmt.Sprintf("%s: Transmission of output signals failed.", t.name), origin)
	}
	if err := t.sendAck(ack, used, simTime); err != nil {
		t.incidents.InvokeIncident(types.IncidentStepListenerTransmitAcknowledgementFail, types.SeverityWarning,
			fmt.Sprintf("%s: Transmission of acknowledgement failed.", t.name), origin)
	}
}

func (t *Task) sendAck(ack *transport.Handle, used time.Duration, simTime int64) error {
	payload, err := types.TriggerAck{
		UUID:            t.uuid,
		OperationalTime: used.Microseconds(),
		CurrSimTime:     simTime,
	}.MarshalBinary()
	if err != nil {
		return err
	}
	if ack == nil {
		return fmt.Errorf("%w: no acknowledgement signal", types.ErrInvalidState)
	}
	return t.adapter.TransmitData(ack, payload, simTime)
}

func (t *Task) violation(kind string) {
	t.cfgMu.Lock()
	obs := t.observer
	t.cfgMu.Unlock()
	if obs != nil {
		obs.StepViolation(t.name, kind)
	}
}

// applyTriggerViolation reports a tick that arrived while the previous
// step was still running. It returns true when the task was shut down.
func (t *Task) applyTriggerViolation() bool {
	const code = types.IncidentStepListenerRuntimeViolation
	msg := fmt.Sprintf("%s: Received trigger before previous step was finished.", t.name)

	switch types.TimeViolationStrategy(t.strategy.Load()) {
	case types.TSWarnAboutRuntimeViolation:
		t.incidents.InvokeIncident(code, types.SeverityWarning, msg, origin)
	case types.TSSkipOutputPublish:
		t.incidents.InvokeIncident(code, types.SeverityCriticalGlobal,
			msg+" CAUTION: defined outputs will not be published this step!", origin)
		t.stepData().SetSkip()
	case types.TSSetStmToError:
		t.incidents.InvokeIncident(code, types.SeverityCriticalGlobal,
			msg+" FATAL: changing state to FS_ERROR - continuation of simulation not possible!", origin)
		t.stepData().SetSkip()
		t.stm.ErrorEvent()
		t.shutdown()
		t.violation(ViolationTrigger)
		return true
	default:
		return false
	}
	t.violation(ViolationTrigger)
	return false
}

// applyRuntimeViolation reports a step that exceeded its maximum runtime.
func (t *Task) applyRuntimeViolation() error {
	const code = types.IncidentStepListenerRuntimeViolation
	msg := fmt.Sprintf("Step Listener %q computation time exceeded configured maximum runtime.", t.name)

	switch types.TimeViolationStrategy(t.strategy.Load()) {
	case types.TSWarnAboutRuntimeViolation:
		t.incidents.InvokeIncident(code, types.SeverityWarning, msg, origin)
	case types.TSSkipOutputPublish:
		t.incidents.InvokeIncident(code, types.SeverityCriticalGlobal,
			msg+" CAUTION: defined outputs will not be published this step!", origin)
		t.stepData().SetSkip()
	case types.TSSetStmToError:
		t.incidents.InvokeIncident(code, types.SeverityCriticalGlobal,
			msg+" FATAL: changing state to FS_ERROR - continuation of simulation not possible!", origin)
		t.stepData().SetSkip()
		t.stm.ErrorEvent()
		t.shutdown()
		t.violation(ViolationRuntime)
		return fmt.Errorf("%w: step %s exceeded its maximum runtime", types.ErrCancelled, t.name)
	default:
		return nil
	}
	t.violation(ViolationRuntime)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
