// ============================================================================
// FEP Participant - Wiring and Lifecycle
// ============================================================================
//
// Package: internal/participant
// File: participant.go
// Purpose: Assembles one participant from its configuration and drives it
//          through the state machine.
//
// Components:
//   ┌──────────────┐   ticks/acks    ┌──────────────┐
//   │ TimingMaster │ ◄─────────────► │ TimingClient │ ── Tasks ── Jobs
//   └──────────────┘    transport    └──────────────┘
//          │                                │
//          └──────── observers ─────────────┘
//                    metrics, trace
//
//   Incidents fan out to the log, the in-memory history, the journal and
//   the metrics collector.
//
// Lifecycle:
//   New      FS_STARTUP -> FS_IDLE
//   Start    FS_IDLE -> FS_INITIALIZING (configure, collect schedules)
//            -> FS_READY -> FS_RUNNING (start client, then master)
//   Stop     -> FS_IDLE
//   Close    releases every resource
//
// ============================================================================

package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audi/fep-participant-sub001/internal/config"
	"github.com/audi/fep-participant-sub001/internal/dataaccess"
	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/jobcheck"
	"github.com/audi/fep-participant-sub001/internal/metrics"
	"github.com/audi/fep-participant-sub001/internal/monitor"
	"github.com/audi/fep-participant-sub001/internal/property"
	"github.com/audi/fep-participant-sub001/internal/schedule"
	"github.com/audi/fep-participant-sub001/internal/snapshot"
	"github.com/audi/fep-participant-sub001/internal/statemachine"
	"github.com/audi/fep-participant-sub001/internal/storage/journal"
	"github.com/audi/fep-participant-sub001/internal/timing"
	"github.com/audi/fep-participant-sub001/internal/trace"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/internal/trigger"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Options carries what cannot come from the configuration file.
type Options struct {
	// Transport connects the participant; nil builds a gRPC adapter from
	// the transport section.
	Transport transport.Adapter
	// Metrics is shared by every participant of a process.
	Metrics *metrics.Collector
	// UserTrigger drives a master in USER_IMPLEMENTATION mode.
	UserTrigger trigger.StepTrigger
}

// Participant is one member of a federation.
type Participant struct {
	cfg    *config.Config
	logger *slog.Logger

	adapter    transport.Adapter
	ownAdapter *transport.GrpcAdapter

	props     *property.Tree
	stm       *statemachine.Machine
	history   *incident.History
	incidents *incident.Dispatcher
	journal   *journal.Journal
	trace     *trace.Store
	metrics   *metrics.Collector
	monitor   *monitor.Server

	access *dataaccess.Access
	client *timing.Client
	master *timing.Master

	mu       sync.Mutex
	checkers map[string]*jobcheck.Checker
	closed   bool
}

// New assembles a participant. It ends in FS_IDLE.
func New(cfg *config.Config, opts Options) (*Participant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", types.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	name := cfg.Participant.Name
	p := &Participant{
		cfg:      cfg,
		logger:   slog.With("component", "participant", "participant", name),
		props:    property.NewTree(),
		stm:      statemachine.New(name),
		history:  incident.NewHistory(incident.DefaultHistorySize),
		metrics:  opts.Metrics,
		checkers: make(map[string]*jobcheck.Checker),
	}
	if err := cfg.Apply(p.props); err != nil {
		return nil, fmt.Errorf("apply config: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			p.release()
		}
	}()

	p.adapter = opts.Transport
	if p.adapter == nil {
		a := transport.NewGrpcAdapter(transport.GrpcConfig{
			Name:        name,
			ListenAddr:  cfg.Transport.Listen,
			Peers:       cfg.Transport.Peers,
			CallTimeout: time.Duration(cfg.Transport.CallTimeout) * time.Millisecond,
		})
		if err := a.Start(); err != nil {
			return nil, fmt.Errorf("start transport: %w", err)
		}
		p.adapter, p.ownAdapter = a, a
	}

	p.incidents = incident.NewDispatcher(name, incident.NewLogStrategy(nil), p.history)
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("open incident journal: %w", err)
		}
		p.journal = j
		p.incidents.Add(incident.NewJournalStrategy(j))
	}
	if p.metrics != nil {
		p.incidents.Add(p.metrics)
	}

	var observers timing.Observers
	if p.metrics != nil {
		observers = append(observers, p.metrics)
	}
	if cfg.Trace.Enabled {
		store, err := trace.Open(cfg.Trace.Path, name)
		if err != nil {
			return nil, err
		}
		p.trace = store
		observers = append(observers, store)
	}
	var observer timing.Observer
	if len(observers) > 0 {
		observer = observers
	}

	p.access = dataaccess.New(p.adapter)
	client, err := timing.NewClient(timing.ClientOptions{
		Name:         name,
		Transport:    p.adapter,
		Registry:     p.access,
		Data:         p.access,
		Properties:   p.props,
		StateMachine: p.stm,
		Incidents:    p.incidents,
		Observer:     observer,
	})
	if err != nil {
		return nil, err
	}
	p.client = client

	role := timing.RoleParticipant
	if cfg.IsMaster() {
		role = timing.RoleMaster
	}
	var snap *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		snap = snapshot.NewManager(cfg.Snapshot.Path)
	}
	p.master, err = timing.NewMaster(timing.MasterOptions{
		Role:         role,
		Name:         name,
		Client:       client,
		Transport:    p.adapter,
		Properties:   p.props,
		StateMachine: p.stm,
		Incidents:    p.incidents,
		Observer:     observer,
		UserTrigger:  opts.UserTrigger,
		Snapshot:     snap,
	})
	if err != nil {
		return nil, err
	}

	for _, spec := range cfg.Steps {
		if err := p.addConfiguredStep(spec); err != nil {
			return nil, err
		}
	}

	if cfg.Monitor.Enabled {
		p.monitor = monitor.New(p)
	}
	p.stm.OnTransition(func(from, to statemachine.State, ev statemachine.Event) {
		p.logger.Info("state changed", "from", from.String(), "to", to.String(), "event", string(ev))
	})
	if err := p.stm.Fire(statemachine.EventStartupDone); err != nil {
		return nil, err
	}
	ok = true
	return p, nil
}

func (p *Participant) addConfiguredStep(spec config.StepSpec) error {
	cfg, err := spec.StepConfig()
	if err != nil {
		return err
	}
	work := time.Duration(spec.WorkUs) * time.Microsecond
	return p.AddJob(spec.Name, cfg, jobcheck.Funcs{
		Exec: func(int64) error {
			busyWait(work)
			return nil
		},
	})
}

// busyWait keeps the goroutine on its CPU for d, like a computation would.
func busyWait(d time.Duration) {
	if d <= 0 {
		return
	}
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}

// AddJob registers job as a step listener. The runtime budget of cfg is
// enforced around the execute phase of the job.
func (p *Participant) AddJob(name string, cfg types.StepConfig, job jobcheck.Job) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", types.ErrInvalidArgument)
	}
	checker := jobcheck.New(name, cfg.RuntimeViolationStrategy, time.Duration(cfg.MaxRuntime)*time.Microsecond,
		p.incidents, p.stm.ErrorEvent)
	if p.metrics != nil {
		checker.OnViolation = p.metrics.StepViolation
	}

	stepCfg := cfg.Clone()
	stepCfg.MaxRuntime = 0
	if err := p.client.RegisterStepListener(name, stepCfg, checker.Step(job)); err != nil {
		return err
	}
	p.mu.Lock()
	p.checkers[name] = checker
	p.mu.Unlock()
	return nil
}

// Timing exposes the timing client for plain step callbacks.
func (p *Participant) Timing() timing.Timing { return p.client }

// Start configures the timing components, lets the master collect the
// schedules and starts ticking.
func (p *Participant) Start(ctx context.Context) error {
	if err := p.stm.Fire(statemachine.EventInitialize); err != nil {
		return err
	}
	if err := p.initialize(ctx); err != nil {
		p.stm.Fire(statemachine.EventStop)
		return err
	}
	if err := p.stm.Fire(statemachine.EventInitDone); err != nil {
		return err
	}

	if err := p.client.Start(); err != nil {
		p.stm.Fire(statemachine.EventStop)
		return fmt.Errorf("start timing client: %w", err)
	}
	if err := p.master.Start(); err != nil {
		p.client.Stop()
		p.stm.Fire(statemachine.EventStop)
		return fmt.Errorf("start timing master: %w", err)
	}
	if err := p.stm.Fire(statemachine.EventStart); err != nil {
		return err
	}
	if p.monitor != nil && p.monitor.Addr() == "" {
		if err := p.monitor.Start(p.cfg.Monitor.Addr); err != nil {
			p.logger.Warn("monitor not started", "error", err)
		}
	}
	p.logger.Info("participant running", "role", p.role(), "steps", len(p.client.Steps()))
	return nil
}

func (p *Participant) initialize(ctx context.Context) error {
	if err := p.client.Configure(); err != nil {
		return fmt.Errorf("configure timing client: %w", err)
	}
	if err := p.master.Configure(); err != nil {
		return fmt.Errorf("configure timing master: %w", err)
	}
	if !p.master.IsMaster() {
		return nil
	}

	window := time.Duration(p.cfg.Timing.ScheduleWindowMs) * time.Millisecond
	wctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	expected := p.cfg.Timing.ExpectedSteps
	if expected <= 0 {
		// no quorum: collect whatever arrives within the window
		<-wctx.Done()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	if err := p.master.WaitForSchedules(wctx, expected); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("starting with an incomplete schedule", "error", err,
			"collected", len(p.master.CollectedSchedules()), "expected", expected)
	}
	return nil
}

// Stop stops ticking and returns to FS_IDLE.
func (p *Participant) Stop() error {
	err := p.master.Stop()
	if cerr := p.client.Stop(); err == nil {
		err = cerr
	}
	switch p.stm.State() {
	case statemachine.StateInitializing, statemachine.StateReady, statemachine.StateRunning:
		if ferr := p.stm.Fire(statemachine.EventStop); err == nil {
			err = ferr
		}
	}
	return err
}

// Close stops the participant and releases every resource.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.Stop()
	if rerr := p.master.Reset(); err == nil {
		err = rerr
	}
	if rerr := p.client.Reset(); err == nil {
		err = rerr
	}
	p.client.Close()
	if p.stm.State() != statemachine.StateShutdown {
		p.stm.Fire(statemachine.EventShutdown)
	}
	if rerr := p.release(); err == nil {
		err = rerr
	}
	return err
}

func (p *Participant) release() error {
	var errs []error
	if p.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, p.monitor.Shutdown(ctx))
		cancel()
	}
	if p.trace != nil {
		errs = append(errs, p.trace.Close())
	}
	if p.journal != nil {
		errs = append(errs, p.journal.Close())
	}
	if p.ownAdapter != nil {
		errs = append(errs, p.ownAdapter.Close())
	}
	return errors.Join(errs...)
}

func (p *Participant) role() string {
	if p.master.IsMaster() {
		return "master"
	}
	return "participant"
}

// Name returns the participant name.
func (p *Participant) Name() string { return p.cfg.Participant.Name }

// State returns the state machine state.
func (p *Participant) State() statemachine.State { return p.stm.State() }

// Master returns the timing master; it is inert on plain participants.
func (p *Participant) Master() *timing.Master { return p.master }

// Client returns the timing client.
func (p *Participant) Client() *timing.Client { return p.client }

// Trace returns the trace store, or nil when tracing is disabled.
func (p *Participant) Trace() *trace.Store { return p.trace }

// Monitor returns the monitor, or nil when disabled.
func (p *Participant) Monitor() *monitor.Server { return p.monitor }

// JobCancelled reports whether the job called name was cancelled by a
// fatal runtime violation.
func (p *Participant) JobCancelled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.checkers[name]
	return ok && c.Cancelled()
}

// Status implements monitor.Source.
func (p *Participant) Status() monitor.Status {
	st := monitor.Status{
		Participant: p.Name(),
		Role:        p.role(),
		State:       p.stm.State().String(),
		SimTime:     p.client.GetTime(),
		ErrorEvents: p.stm.ErrorEvents(),
		Steps:       len(p.client.Steps()),
	}
	if p.master.IsMaster() {
		st.TriggerMode = p.master.TriggerMode()
		st.SimTime = p.master.CurrentTime()
	}
	return st
}

// Steps implements monitor.Source.
func (p *Participant) Steps() map[string]types.StepConfig { return p.client.Steps() }

// Schedule implements monitor.Source.
func (p *Participant) Schedule() []schedule.Slot { return p.master.Schedule() }

// Incidents implements monitor.Source.
func (p *Participant) Incidents() []incident.Incident { return p.history.All() }
