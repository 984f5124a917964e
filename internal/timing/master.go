// ============================================================================
// FEP Timing - Timing Master
// ============================================================================
//
// Package: internal/timing
// File: master.go
// Purpose: Drives the federation. Collects the schedules of every client,
//          folds them into one schedule map and broadcasts a tick for every
//          slot with a due step.
//
// Worker modes (by strategy capability):
//   ┌──────────────────────┬────────────────────────────────────────────┐
//   │ trigger + completion │ SYSTEM_TIME: tick, wait for acks, next     │
//   │ completion only      │ AFAP: wait for acks, next                  │
//   │ trigger only         │ EXTERNAL_CLOCK, USER_IMPLEMENTATION        │
//   └──────────────────────┴────────────────────────────────────────────┘
//
// Schedule window:
//   Configure broadcasts GetSchedule; notifications merge into the set until
//   Start. WaitForSchedules lets the caller wait for a quorum first.
//
// ============================================================================

package timing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/property"
	"github.com/audi/fep-participant-sub001/internal/schedule"
	"github.com/audi/fep-participant-sub001/internal/snapshot"
	"github.com/audi/fep-participant-sub001/internal/statemachine"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/internal/trigger"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

const masterOrigin = "TimingMaster"

// DefaultAckWaitTimeout is the acknowledgement watchdog timeout in seconds.
const DefaultAckWaitTimeout int64 = 10

// workerWait bounds every blocking wait of the worker.
const workerWait = 100 * time.Millisecond

// Role tells whether a participant drives the federation.
type Role int

const (
	RoleParticipant Role = iota
	RoleMaster
)

// ScheduleSource lists the schedule of the co-located client.
type ScheduleSource interface {
	FillScheduleList(list *[]types.ScheduleConfig)
}

// MasterOptions wires a master to its participant.
type MasterOptions struct {
	Role         Role
	Name         string
	Client       ScheduleSource
	Transport    transport.Adapter
	Properties   *property.Tree
	StateMachine statemachine.StateMachine
	Incidents    incident.Handler
	Observer     Observer
	UserTrigger  trigger.StepTrigger
	Snapshot     *snapshot.Manager
}

// Master is the timing master. Every method is a no-op unless the role is
// RoleMaster.
type Master struct {
	opts   MasterOptions
	logger *slog.Logger

	mu         sync.Mutex
	mode       types.TriggerMode
	strategy   trigger.Strategy
	external   *trigger.External
	ackTimeout int64
	tickHandle *transport.Handle
	ackHandle  *transport.Handle
	ackID      transport.ListenerID
	notifID    transport.ListenerID
	subscribed bool

	schedMu      sync.Mutex
	schedules    map[string]int64
	schedUpdated chan struct{}

	// complMu serializes every schedule map access
	complMu   sync.Mutex
	smap      *schedule.Map
	completed chan struct{}
	tick      chan struct{}

	tickOut   atomic.Pointer[transport.Handle]
	current   atomic.Int64
	sinceTick int64 // worker only
	initial   bool  // worker only

	runMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	watchdog *watchdog
}

// NewMaster creates a master.
func NewMaster(opts MasterOptions) (*Master, error) {
	if opts.Role == RoleMaster && (opts.Name == "" || opts.Client == nil || opts.Transport == nil ||
		opts.Properties == nil || opts.StateMachine == nil || opts.Incidents == nil) {
		return nil, fmt.Errorf("%w: incomplete timing master options", types.ErrInvalidArgument)
	}
	m := &Master{
		opts:         opts,
		logger:       slog.With("component", "timing-master", "participant", opts.Name),
		schedules:    make(map[string]int64),
		schedUpdated: make(chan struct{}, 1),
		smap:         schedule.NewMap(),
		completed:    make(chan struct{}, 1),
		tick:         make(chan struct{}, 1),
	}
	m.watchdog = newWatchdog(m.ackTimeoutExpired)
	return m, nil
}

// IsMaster reports whether this participant drives the federation.
func (m *Master) IsMaster() bool {
	return m.opts.Role == RoleMaster
}

// Configure builds the trigger strategy, registers the protocol signals
// and asks every client for its schedule.
func (m *Master) Configure() error {
	if !m.IsMaster() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schedMu.Lock()
	m.schedules = make(map[string]int64)
	m.schedMu.Unlock()

	strategy, err := m.buildStrategy()
	if err != nil {
		return err
	}
	if !strategy.NeedsTrigger() && !strategy.NeedsCompletion() {
		return fmt.Errorf("%w: Trigger has invalid combination (Neither waiting for ticks nor for completition).", types.ErrUnexpected)
	}
	m.strategy = strategy

	if !m.subscribed {
		m.notifID = m.opts.Transport.RegisterNotificationListener(m.onNotification)
		m.subscribed = true
	}

	if strategy.NeedsCompletion() && m.ackHandle == nil {
		h, err := m.opts.Transport.RegisterSignal(ackSignal(transport.Input))
		if err != nil {
			return fmt.Errorf("register %s: %w", AckSignal, err)
		}
		id, err := m.opts.Transport.RegisterDataListener(h, m.onAck)
		if err != nil {
			m.opts.Transport.UnregisterSignal(h)
			return fmt.Errorf("listen on %s: %w", AckSignal, err)
		}
		m.ackHandle, m.ackID = h, id
	}
	if m.tickHandle == nil {
		h, err := m.opts.Transport.RegisterSignal(tickSignal(transport.Output))
		if err != nil {
			return fmt.Errorf("register %s: %w", TickSignal, err)
		}
		m.tickHandle = h
		m.tickOut.Store(h)
	}

	msg, err := getScheduleMessage(m.opts.Name)
	if err == nil {
		err = m.opts.Transport.TransmitCommand(msg)
	}
	if err != nil {
		return fmt.Errorf("%w: broadcast get schedule: %v", types.ErrFailed, err)
	}
	m.logger.Info("timing master configured", "trigger_mode", m.mode)
	return nil
}

func (m *Master) buildStrategy() (trigger.Strategy, error) {
	props := m.opts.Properties
	mode := types.TriggerMode(props.String(property.TimingMasterTriggerMode))
	m.mode = mode
	m.ackTimeout = 0

	readAckTimeout := func() error {
		v, err := props.Int64(property.TimingMasterAckWaitTimeout, DefaultAckWaitTimeout)
		if err != nil {
			return err
		}
		if v <= 0 {
			return fmt.Errorf("%w: Acknowledgement wait timeout is set to invalid value.", types.ErrInvalidArgument)
		}
		m.ackTimeout = v
		return nil
	}

	switch mode {
	case "":
		return nil, fmt.Errorf("%w: TriggerMode is required, but it is unset or empty.", types.ErrInvalidArgument)
	case types.TriggerModeAFAP:
		if err := readAckTimeout(); err != nil {
			return nil, err
		}
		return trigger.NewAFAP(), nil
	case types.TriggerModeSystemTime:
		if err := readAckTimeout(); err != nil {
			return nil, err
		}
		speed, err := props.Float64(property.TimingMasterSpeedFactor, 1)
		if err != nil {
			return nil, err
		}
		return trigger.NewInternal(speed)
	case types.TriggerModeUser:
		if m.opts.UserTrigger == nil {
			return nil, fmt.Errorf("%w: TriggerMode was set to %q, but no trigger class was set.", types.ErrInvalidArgument, types.TriggerModeUser)
		}
		return trigger.NewUser(m.opts.UserTrigger)
	case types.TriggerModeExternal:
		ext := trigger.NewExternal()
		if m.external != nil {
			m.external.Detach()
		}
		if err := ext.Attach(m.opts.Transport); err != nil {
			return nil, err
		}
		m.external = ext
		return ext, nil
	default:
		return nil, fmt.Errorf("%w: TriggerMode has invalid value.", types.ErrInvalidArgument)
	}
}

// Reset drops the strategy and the protocol signals.
func (m *Master) Reset() error {
	if !m.IsMaster() {
		return nil
	}
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	keep := func(e error) {
		if err == nil {
			err = e
		}
	}
	m.strategy = nil
	m.watchdog.setTimeout(0)
	if m.external != nil {
		keep(m.external.Detach())
		m.external = nil
	}
	if m.tickHandle != nil {
		keep(m.opts.Transport.UnregisterSignal(m.tickHandle))
		m.tickHandle = nil
		m.tickOut.Store(nil)
	}
	if m.ackHandle != nil {
		keep(m.opts.Transport.UnregisterDataListener(m.ackHandle, m.ackID))
		keep(m.opts.Transport.UnregisterSignal(m.ackHandle))
		m.ackHandle = nil
	}
	if m.subscribed {
		m.opts.Transport.UnregisterNotificationListener(m.notifID)
		m.subscribed = false
	}
	return err
}

func (m *Master) onNotification(msg transport.Message) {
	if msg.Kind != transport.KindSchedule {
		return
	}
	n, err := decodeSchedule(msg)
	if err != nil {
		m.logger.Warn("dropped malformed schedule notification", "sender", msg.Sender, "error", err)
		return
	}
	m.HandleScheduleNotification(n)
}

// HandleScheduleNotification merges the schedule of one client.
func (m *Master) HandleScheduleNotification(n types.ScheduleNotification) {
	if !m.IsMaster() {
		return
	}
	m.mergeSchedules(n.Schedules)
	m.logger.Debug("schedule received", "sender", n.Sender, "steps", len(n.Schedules))
}

func (m *Master) mergeSchedules(list []types.ScheduleConfig) {
	m.schedMu.Lock()
	for _, sc := range list {
		if _, ok := m.schedules[sc.UUID]; !ok {
			m.schedules[sc.UUID] = sc.CycleTime
		}
	}
	m.schedMu.Unlock()
	select {
	case m.schedUpdated <- struct{}{}:
	default:
	}
}

// CollectedSchedules returns the schedule set collected so far.
func (m *Master) CollectedSchedules() []types.ScheduleConfig {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	out := make([]types.ScheduleConfig, 0, len(m.schedules))
	for id, cycle := range m.schedules {
		out = append(out, types.ScheduleConfig{UUID: id, CycleTime: cycle})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// WaitForSchedules blocks until at least expected steps were collected or
// ctx is done.
func (m *Master) WaitForSchedules(ctx context.Context, expected int) error {
	if !m.IsMaster() {
		return nil
	}
	for {
		m.schedMu.Lock()
		n := len(m.schedules)
		m.schedMu.Unlock()
		if n >= expected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: collected %d of %d schedules: %v", types.ErrTimeout, n, expected, ctx.Err())
		case <-m.schedUpdated:
		}
	}
}

// Start resolves the schedule map and starts ticking.
func (m *Master) Start() error {
	if !m.IsMaster() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strategy == nil {
		return fmt.Errorf("%w: timing master is not configured", types.ErrInvalidState)
	}
	m.runMu.Lock()
	running := m.stopCh != nil
	m.runMu.Unlock()
	if running {
		return nil
	}

	var local []types.ScheduleConfig
	m.opts.Client.FillScheduleList(&local)
	m.mergeSchedules(local)
	set := m.CollectedSchedules()

	minTrigger, err := m.opts.Properties.Int64(property.TimingMasterMinTriggerTime, 0)
	if err != nil {
		return err
	}
	if minTrigger > 0 && m.strategy.SupportsDummy() {
		set = append(set, types.ScheduleConfig{UUID: types.DummyStepUUID, CycleTime: minTrigger * 1000})
	}

	m.complMu.Lock()
	ok := m.smap.Configure(set)
	slots, cycle := m.smap.Length(), m.smap.CycleTime()
	m.complMu.Unlock()
	if !ok {
		m.opts.Incidents.InvokeIncident(types.IncidentGeneralCritical, types.SeverityCriticalGlobal,
			"ERROR: Schedule map will not be computed because the resulting lcm and gcd values of the given timing frequencies will be very large. Small frequencies should be rounded up or down.",
			masterOrigin)
		m.opts.StateMachine.ErrorEvent()
		return fmt.Errorf("%w: schedule map too large", types.ErrFailed)
	}
	if slots == 0 {
		return fmt.Errorf("%w: no step listener in the federation", types.ErrInvalidState)
	}

	if m.strategy.NeedsTrigger() {
		m.current.Store(-1)
	} else {
		m.current.Store(0)
	}
	m.initial = true
	m.sinceTick = 0
	drain(m.tick)
	drain(m.completed)

	if err := m.strategy.Register(cycle, m); err != nil {
		return err
	}
	m.writeSnapshot(set, cycle)
	if m.opts.Observer != nil {
		m.opts.Observer.ScheduleConfigured(slots, cycle)
	}

	m.runMu.Lock()
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.work(m.stopCh, m.strategy.NeedsTrigger(), m.strategy.NeedsCompletion())
	m.runMu.Unlock()

	if err := m.strategy.Start(); err != nil {
		m.stopWorker()
		m.strategy.Unregister(m)
		return err
	}
	if m.ackTimeout > 0 {
		m.watchdog.setTimeout(time.Duration(m.ackTimeout) * time.Second)
		m.watchdog.start()
	}
	m.logger.Info("timing master started", "slots", slots, "cycle_us", cycle, "steps", len(set))
	return nil
}

func (m *Master) writeSnapshot(set []types.ScheduleConfig, cycle int64) {
	if m.opts.Snapshot == nil {
		return
	}
	m.complMu.Lock()
	slots := m.smap.Slots()
	m.complMu.Unlock()
	err := m.opts.Snapshot.Write(snapshot.Schedule{
		Master:      m.opts.Name,
		TriggerMode: m.mode,
		CycleTime:   cycle,
		Steps:       set,
		Slots:       slots,
	})
	if err != nil {
		m.logger.Warn("schedule snapshot not written", "path", m.opts.Snapshot.Path(), "error", err)
	}
}

// Stop stops the strategy, the watchdog and the worker.
func (m *Master) Stop() error {
	if !m.IsMaster() {
		return nil
	}
	m.mu.Lock()
	strategy := m.strategy
	m.mu.Unlock()

	var err error
	if strategy != nil {
		err = strategy.Stop()
	}
	m.watchdog.stop()
	if m.stopWorker() && strategy != nil {
		strategy.Unregister(m)
	}
	return err
}

func (m *Master) stopWorker() bool {
	m.runMu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.runMu.Unlock()
	if stopCh == nil {
		return false
	}
	close(stopCh)
	m.wg.Wait()
	return true
}

// OnTrigger is called by the strategy for every tick.
func (m *Master) OnTrigger(simTime int64) {
	if cur := m.current.Load(); cur < 0 {
		m.current.CompareAndSwap(cur, simTime)
	}
	select {
	case m.tick <- struct{}{}:
	default:
	}
}

func (m *Master) work(stopCh <-chan struct{}, needTrigger, needCompletion bool) {
	defer m.wg.Done()
	waitComplete := false
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		if needCompletion && waitComplete {
			if !m.waitCompletion(stopCh) {
				return
			}
		}
		if needTrigger {
			if !m.waitTick(stopCh) {
				return
			}
		}
		waitComplete = m.DoNextSchedule()
	}
}

// waitCompletion returns false on shutdown.
func (m *Master) waitCompletion(stopCh <-chan struct{}) bool {
	timer := time.NewTimer(workerWait)
	defer timer.Stop()
	for {
		m.complMu.Lock()
		done := m.smap.IsCurrentScheduleComplete()
		m.complMu.Unlock()
		if done {
			return true
		}
		select {
		case <-stopCh:
			return false
		case <-m.completed:
		case <-timer.C:
			timer.Reset(workerWait)
		}
	}
}

// waitTick returns false on shutdown.
func (m *Master) waitTick(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return false
	case <-m.tick:
		return true
	}
}

// DoNextSchedule advances to the next slot and sends a tick when any step
// is due there. It reports whether the master has to wait for
// acknowledgements before the next slot.
func (m *Master) DoNextSchedule() bool {
	m.complMu.Lock()
	if m.initial {
		m.initial = false
	} else {
		m.smap.IncrementCurrentSchedule()
	}
	due := m.smap.IsStepInCurrentSchedule()
	configured := m.smap.IsConfiguredStepInCurrentSchedule()
	cycle := m.smap.CycleTime()
	m.complMu.Unlock()

	needComplete := false
	if due {
		needComplete = configured
		m.sendTick(types.TriggerTick{CurrentTime: m.current.Load(), SimTimeStep: m.sinceTick})
		m.sinceTick = 0
	}
	m.sinceTick += cycle
	m.current.Add(cycle)
	return needComplete
}

func (m *Master) sendTick(tick types.TriggerTick) {
	payload, _ := tick.MarshalBinary()
	h := m.tickOut.Load()
	if h == nil {
		return
	}
	if err := m.opts.Transport.TransmitData(h, payload, tick.CurrentTime); err != nil {
		m.logger.Warn("tick not sent", "sim_time", tick.CurrentTime, "error", err)
		return
	}
	if m.opts.Observer != nil {
		m.opts.Observer.TickSent(tick)
	}
}

func (m *Master) onAck(smp transport.Sample) {
	if len(smp.Data) != types.TriggerAckSize {
		return
	}
	var ack types.TriggerAck
	if err := ack.UnmarshalBinary(smp.Data); err != nil {
		return
	}
	m.HandleAck(ack)
}

// HandleAck marks the acknowledged step in the current slot.
func (m *Master) HandleAck(ack types.TriggerAck) {
	if !m.IsMaster() {
		return
	}
	m.watchdog.touch(time.Now())
	if m.opts.Observer != nil {
		m.opts.Observer.AckReceived(ack)
	}
	m.complMu.Lock()
	marked := m.smap.MarkStepForCurrentSchedule(ack.UUID)
	m.complMu.Unlock()
	if marked {
		select {
		case m.completed <- struct{}{}:
		default:
		}
	}
}

// CheckAckTimeout fires the acknowledgement watchdog when no ack arrived
// within the timeout. It reports whether it fired.
func (m *Master) CheckAckTimeout(now time.Time) bool {
	return m.watchdog.check(now)
}

func (m *Master) ackTimeoutExpired() {
	m.opts.Incidents.InvokeIncident(types.IncidentTimingMasterAckReceptionTimeout, types.SeverityCriticalGlobal,
		"Timing Master did not receive any acknowledgements during the configured timeout.", masterOrigin)
	m.opts.StateMachine.ErrorEvent()
}

// Schedule returns the slots of the resolved schedule.
func (m *Master) Schedule() []schedule.Slot {
	m.complMu.Lock()
	defer m.complMu.Unlock()
	return m.smap.Slots()
}

// CurrentTime returns the simulation time of the next slot.
func (m *Master) CurrentTime() int64 {
	return m.current.Load()
}

// TriggerMode returns the configured trigger mode.
func (m *Master) TriggerMode() types.TriggerMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
