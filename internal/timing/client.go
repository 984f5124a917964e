// ============================================================================
// FEP Timing - Timing Client
// ============================================================================
//
// Package: internal/timing
// File: client.go
// Purpose: Schedules the step listeners of one participant. Every tick of
//          the timing master is fanned out to the tasks; each due task runs
//          its step and acknowledges it on the _Ack signal.
//
// Lifecycle:
//   RegisterStepListener* → Configure → Start → ticks … → Stop → Reset
//
// Configure:
//   1. timing file (property TimingClient.strTimingConfig), when set
//   2. step overrides and input backlogs of the entry named like us
//   3. signal handles for every input and output of every step
//   4. master name, trigger watchdog, _Ack output, _Trigger input
//
// ============================================================================

package timing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audi/fep-participant-sub001/internal/config"
	"github.com/audi/fep-participant-sub001/internal/dataaccess"
	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/property"
	"github.com/audi/fep-participant-sub001/internal/statemachine"
	"github.com/audi/fep-participant-sub001/internal/task"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

const clientOrigin = "TimingClient"

// DefaultSystemTimeout is the trigger watchdog timeout in seconds.
const DefaultSystemTimeout int64 = 300

// Timing is the step listener surface offered to participant code.
type Timing interface {
	RegisterStepListener(name string, cfg types.StepConfig, fn task.StepFunc) error
	UnregisterStepListener(name string) error
	GetTime() int64
	SetSystemTimeout(seconds int64) error
}

// ClientOptions wires a client to its participant.
type ClientOptions struct {
	Name         string
	Transport    transport.Adapter
	Registry     dataaccess.Registry
	Data         dataaccess.UserDataAccess
	Properties   *property.Tree
	StateMachine statemachine.StateMachine
	Incidents    incident.Handler
	Observer     Observer
}

type stepEntry struct {
	task     *task.Task
	defaults types.StepConfig
}

// Client is the timing client of one participant.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger

	mu         sync.RWMutex
	steps      map[string]*stepEntry
	running    bool
	masterName string

	ackHandle  *transport.Handle
	tickHandle *transport.Handle
	tickID     transport.ListenerID
	commandID  transport.ListenerID

	tickMu   sync.Mutex
	sum      int64
	curr     atomic.Int64
	watchdog *watchdog
}

var _ Timing = (*Client)(nil)

// NewClient creates a client and subscribes it to GetSchedule commands.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Name == "" || opts.Transport == nil || opts.Registry == nil || opts.Data == nil ||
		opts.Properties == nil || opts.StateMachine == nil || opts.Incidents == nil {
		return nil, fmt.Errorf("%w: incomplete timing client options", types.ErrInvalidArgument)
	}
	c := &Client{
		opts:   opts,
		logger: slog.With("component", "timing-client", "participant", opts.Name),
		steps:  make(map[string]*stepEntry),
	}
	c.watchdog = newWatchdog(c.systemTimeoutExpired)
	if _, ok := opts.Properties.GetPropertyValue(property.TimingClientSystemTimeout); !ok {
		if err := opts.Properties.SetPropertyValue(property.TimingClientSystemTimeout, DefaultSystemTimeout); err != nil {
			return nil, err
		}
	}
	c.commandID = opts.Transport.RegisterCommandListener(c.onCommand)
	return c, nil
}

// Close drops the command subscription.
func (c *Client) Close() {
	c.opts.Transport.UnregisterCommandListener(c.commandID)
}

// RegisterStepListener adds a step. Its uuid is generated here.
func (c *Client) RegisterStepListener(name string, cfg types.StepConfig, fn task.StepFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("%w: cannot register step listener %q while running", types.ErrInvalidState, name)
	}
	if _, ok := c.steps[name]; ok {
		return fmt.Errorf("%w: step listener %q already registered", types.ErrResourceInUse, name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	t := task.New(name, uuid.New().String(), c.opts.Data, c.opts.Transport,
		c.opts.StateMachine, c.opts.Incidents)
	if err := t.Configure(withoutSignals(cfg), task.Signals{}); err != nil {
		return err
	}
	if err := t.SetScheduleFunc(fn); err != nil {
		return err
	}
	if c.opts.Observer != nil {
		t.SetObserver(c.opts.Observer)
	}
	c.steps[name] = &stepEntry{task: t, defaults: cfg.Clone()}
	c.logger.Debug("step listener registered", "step", name, "uuid", t.UUID(), "cycle_us", cfg.CycleTime)
	return nil
}

// UnregisterStepListener removes a step.
func (c *Client) UnregisterStepListener(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("%w: cannot unregister step listener %q while running", types.ErrInvalidState, name)
	}
	if _, ok := c.steps[name]; !ok {
		return fmt.Errorf("%w: step listener %q", types.ErrNotFound, name)
	}
	delete(c.steps, name)
	return nil
}

// GetTime returns the simulation time of the last tick.
func (c *Client) GetTime() int64 {
	return c.curr.Load()
}

// SetSystemTimeout sets the trigger watchdog timeout used by the next
// Configure.
func (c *Client) SetSystemTimeout(seconds int64) error {
	return c.opts.Properties.SetPropertyValue(property.TimingClientSystemTimeout, seconds)
}

// StepUUID returns the uuid of the named step.
func (c *Client) StepUUID(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.steps[name]
	if !ok {
		return "", false
	}
	return e.task.UUID(), true
}

// Configure applies the timing configuration and registers the protocol
// signals. It fails with ErrInvalidState while the client is running.
func (c *Client) Configure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("%w: cannot configure timing client while running", types.ErrInvalidState)
	}

	configs := make(map[string]types.StepConfig, len(c.steps))
	for name, e := range c.steps {
		configs[name] = e.defaults.Clone()
	}

	timeout, err := c.opts.Properties.Int64(property.TimingClientSystemTimeout, DefaultSystemTimeout)
	if err != nil {
		return err
	}

	var backlogs map[string]int
	if path := c.opts.Properties.String(property.TimingClientConfigFile); path != "" {
		file, err := config.LoadTimingConfig(path)
		if err != nil {
			return fmt.Errorf("%w: Failed to load timing configuration file %q - reason: %s", types.ErrUnexpected, path, err)
		}
		if entry, ok := file.Participant(c.opts.Name); ok {
			for name, cfg := range entry.Steps {
				if _, known := c.steps[name]; !known {
					return fmt.Errorf("%w: To be configured StepListener %q was not registered - check given configuration", types.ErrNotFound, name)
				}
				configs[name] = cfg
			}
			backlogs = entry.InputBacklogs
			if entry.SystemTimeout >= 0 {
				timeout = entry.SystemTimeout
			}
		}
	}

	for _, name := range sortedNames(configs) {
		cfg := configs[name]
		sig, err := c.resolveSignals(name, cfg)
		if err != nil {
			return err
		}
		if err := c.steps[name].task.Configure(cfg, sig); err != nil {
			return fmt.Errorf("configure step listener %q: %w", name, err)
		}
	}
	for _, name := range sortedNames(backlogs) {
		h, err := c.opts.Registry.GetSignalHandleFromName(name, transport.Input)
		if err != nil {
			return fmt.Errorf("%w: Could not get handle for signal %q during signal sample configuration", types.ErrNotFound, name)
		}
		if err := c.opts.Registry.SetSignalSampleBacklog(h, backlogs[name]); err != nil {
			return fmt.Errorf("Could not set signal sample backlog for %q: %w", name, err)
		}
	}

	c.masterName = c.opts.Properties.String(property.TimingMasterParticipant)
	if len(c.steps) > 0 && c.masterName == "" {
		return fmt.Errorf("%w: No Timing Master configured!", types.ErrUnexpected)
	}
	if len(c.steps) > 0 && timeout > 0 {
		c.watchdog.setTimeout(time.Duration(timeout) * time.Second)
	} else {
		c.watchdog.setTimeout(0)
	}

	return c.registerSignals()
}

func (c *Client) resolveSignals(step string, cfg types.StepConfig) (task.Signals, error) {
	sig := task.Signals{
		Inputs:  make(map[string]*transport.Handle, len(cfg.Inputs)),
		Outputs: make(map[string]*transport.Handle, len(cfg.Outputs)),
	}
	for _, name := range sortedNames(cfg.Inputs) {
		h, err := c.opts.Registry.GetSignalHandleFromName(name, transport.Input)
		if err != nil {
			return sig, fmt.Errorf("%w: Could not get a handle for input signal %q which is part of StepListener %q configuration.", types.ErrFailed, name, step)
		}
		sig.Inputs[name] = h
	}
	for _, name := range sortedNames(cfg.Outputs) {
		h, err := c.opts.Registry.GetSignalHandleFromName(name, transport.Output)
		if err != nil {
			return sig, fmt.Errorf("%w: Could not get a handle for output signal %q which is part of StepListener %q configuration.", types.ErrFailed, name, step)
		}
		sig.Outputs[name] = h
	}
	return sig, nil
}

func (c *Client) registerSignals() error {
	if c.ackHandle != nil {
		return nil
	}
	ack, err := c.opts.Transport.RegisterSignal(ackSignal(transport.Output))
	if err != nil {
		return fmt.Errorf("%w: Failed register the timing step acknowledgement signal: %v", types.ErrUnexpected, err)
	}
	tick, err := c.opts.Transport.RegisterSignal(tickSignal(transport.Input))
	if err != nil {
		c.opts.Transport.UnregisterSignal(ack)
		return fmt.Errorf("%w: Failed to register the timing trigger signal: %v", types.ErrUnexpected, err)
	}
	id, err := c.opts.Transport.RegisterDataListener(tick, c.onTick)
	if err != nil {
		c.opts.Transport.UnregisterSignal(tick)
		c.opts.Transport.UnregisterSignal(ack)
		return fmt.Errorf("%w: Failed to register the data listener for the timing trigger signal: %v", types.ErrUnexpected, err)
	}
	c.ackHandle, c.tickHandle, c.tickID = ack, tick, id
	return nil
}

// Reset unregisters the protocol signals.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchdog.setTimeout(0)
	if c.ackHandle == nil {
		return nil
	}
	err := c.opts.Transport.UnregisterDataListener(c.tickHandle, c.tickID)
	if uerr := c.opts.Transport.UnregisterSignal(c.tickHandle); err == nil {
		err = uerr
	}
	if uerr := c.opts.Transport.UnregisterSignal(c.ackHandle); err == nil {
		err = uerr
	}
	c.ackHandle, c.tickHandle = nil, nil
	return err
}

// Start resets the time and spawns the tasks.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.ackHandle == nil {
		return fmt.Errorf("%w: timing client is not configured", types.ErrInvalidState)
	}

	c.tickMu.Lock()
	c.sum = 0
	c.curr.Store(0)
	c.tickMu.Unlock()

	started := make([]*task.Task, 0, len(c.steps))
	for _, name := range sortedNames(c.steps) {
		t := c.steps[name].task
		if err := t.Create(c.ackHandle); err != nil {
			for _, s := range started {
				s.Destroy()
			}
			return fmt.Errorf("start step listener %q: %w", name, err)
		}
		started = append(started, t)
	}
	c.watchdog.start()
	c.running = true
	c.logger.Info("timing client started", "steps", len(c.steps), "master", c.masterName)
	return nil
}

// Stop joins every task and the watchdog.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.steps {
		e.task.Destroy()
	}
	c.watchdog.stop()
	c.running = false
	c.curr.Store(0)
	return nil
}

func (c *Client) onTick(smp transport.Sample) {
	var tick types.TriggerTick
	if err := tick.UnmarshalBinary(smp.Data); err != nil {
		c.logger.Warn("dropped malformed tick", "sender", smp.Sender, "error", err)
		return
	}
	c.Update(tick)
}

// Update consumes one tick of the timing master.
func (c *Client) Update(tick types.TriggerTick) {
	c.watchdog.touch(time.Now())
	if c.opts.Observer != nil {
		c.opts.Observer.TickReceived(tick)
	}

	c.mu.RLock()
	tasks := make([]*task.Task, 0, len(c.steps))
	for _, e := range c.steps {
		tasks = append(tasks, e.task)
	}
	c.mu.RUnlock()

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	curr := c.curr.Load()
	if curr > 0 && len(tasks) > 0 && curr+tick.SimTimeStep != tick.CurrentTime {
		c.opts.Incidents.InvokeIncident(types.IncidentTimingClientTriggerSkip, types.SeverityCriticalGlobal,
			"Timing Client received a trigger out of order! Fatal Error!", clientOrigin)
		c.opts.StateMachine.ErrorEvent()
		return
	}
	c.curr.Store(tick.CurrentTime)
	c.sum += tick.SimTimeStep
	for _, t := range tasks {
		t.SimTimeProgress(c.sum, tick.CurrentTime)
	}
}

// CheckSystemTimeout fires the trigger watchdog when no tick arrived within
// the system timeout. It reports whether it fired.
func (c *Client) CheckSystemTimeout(now time.Time) bool {
	return c.watchdog.check(now)
}

func (c *Client) systemTimeoutExpired() {
	c.opts.Incidents.InvokeIncident(types.IncidentTimingClientTriggerTimeout, types.SeverityCriticalGlobal,
		"Timing Client did not receive any triggers from Timing Master during system timeout.", clientOrigin)
	c.opts.StateMachine.ErrorEvent()
}

func (c *Client) onCommand(msg transport.Message) {
	if msg.Kind != transport.KindGetSchedule {
		return
	}
	cmd, err := decodeGetSchedule(msg)
	if err != nil {
		c.logger.Warn("dropped malformed command", "sender", msg.Sender, "error", err)
		return
	}
	c.HandleGetSchedule(cmd)
}

// HandleGetSchedule answers the timing master with the schedule of every
// step. Commands from anyone but the configured master raise a
// misconfiguration incident.
func (c *Client) HandleGetSchedule(cmd types.GetScheduleCommand) {
	c.mu.RLock()
	master := c.masterName
	empty := len(c.steps) == 0
	c.mu.RUnlock()
	if empty {
		return
	}
	if cmd.Sender != master {
		c.opts.Incidents.InvokeIncident(types.IncidentTimingClientMasterMisconfiguration, types.SeverityWarning,
			"Received GetScheduleCommand from Timing Master with wrong name - check configuration or check for multiple Timing Masters in system!",
			clientOrigin)
		return
	}

	var list []types.ScheduleConfig
	c.FillScheduleList(&list)
	msg, err := scheduleMessage(types.ScheduleNotification{Sender: c.opts.Name, Receiver: cmd.Sender, Schedules: list})
	if err == nil {
		err = c.opts.Transport.TransmitNotification(msg)
	}
	if err != nil {
		c.opts.Incidents.InvokeIncident(types.IncidentTimingClientNotifFail, types.SeverityCriticalGlobal,
			"Timing Client failed to transmit Scheduling notification. Timing Client will not be considered as part of system by Timing Master.",
			clientOrigin)
	}
}

// FillScheduleList appends the (uuid, cycle time) pair of every step.
func (c *Client) FillScheduleList(list *[]types.ScheduleConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range sortedNames(c.steps) {
		t := c.steps[name].task
		*list = append(*list, types.ScheduleConfig{UUID: t.UUID(), CycleTime: t.CycleTime()})
	}
}

// Steps returns the applied configuration of every step keyed by name.
func (c *Client) Steps() map[string]types.StepConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.StepConfig, len(c.steps))
	for name, e := range c.steps {
		out[name] = e.task.Config()
	}
	return out
}

func withoutSignals(cfg types.StepConfig) types.StepConfig {
	out := cfg.Clone()
	out.Inputs = map[string]types.InputConfig{}
	out.Outputs = map[string]types.OutputConfig{}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
