package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/audi/fep-participant-sub001/internal/dataaccess"
	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/stepdata"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

type mockStateMachine struct {
	mock.Mock
}

func (m *mockStateMachine) ErrorEvent() error {
	return m.Called().Error(0)
}

type fixture struct {
	task    *Task
	access  *dataaccess.Access
	stm     *mockStateMachine
	history *incident.History
	ack     *transport.Handle
	acks    chan types.TriggerAck
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := transport.NewBus()
	ep, err := bus.Connect("p1")
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	master, err := bus.Connect("master")
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	f := &fixture{
		stm:     &mockStateMachine{},
		history: incident.NewHistory(32),
		acks:    make(chan types.TriggerAck, 16),
	}

	ackSig := transport.Signal{Name: "_Ack", Size: types.TriggerAckSize, Raw: true}
	ackSig.Direction = transport.Output
	f.ack, err = ep.RegisterSignal(ackSig)
	require.NoError(t, err)
	ackSig.Direction = transport.Input
	in, err := master.RegisterSignal(ackSig)
	require.NoError(t, err)
	_, err = master.RegisterDataListener(in, func(smp transport.Sample) {
		var ack types.TriggerAck
		if ack.UnmarshalBinary(smp.Data) == nil {
			f.acks <- ack
		}
	})
	require.NoError(t, err)

	f.access = dataaccess.New(ep)
	f.task = New("step", uuid.New().String(), f.access, ep, f.stm, incident.NewDispatcher("p1", f.history))
	t.Cleanup(f.task.Destroy)
	return f
}

func (f *fixture) start(t *testing.T, cfg types.StepConfig, fn StepFunc) {
	t.Helper()
	require.NoError(t, f.task.Configure(cfg, Signals{}))
	require.NoError(t, f.task.SetScheduleFunc(fn))
	require.NoError(t, f.task.Create(f.ack))
}

func (f *fixture) nextAck(t *testing.T) types.TriggerAck {
	t.Helper()
	select {
	case ack := <-f.acks:
		return ack
	case <-time.After(2 * time.Second):
		t.Fatal("no acknowledgement received")
		return types.TriggerAck{}
	}
}

func (f *fixture) noAck(t *testing.T) {
	t.Helper()
	select {
	case ack := <-f.acks:
		t.Fatalf("unexpected acknowledgement for %d", ack.CurrSimTime)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfigureValidation(t *testing.T) {
	f := newFixture(t)
	good := types.NewStepConfig(1000)
	require.NoError(t, f.task.Configure(good, Signals{}))

	withInput := types.NewStepConfig(1000)
	withInput.Inputs["in"] = types.InputConfig{Strategy: types.ISUnknown}

	missingHandle := types.NewStepConfig(1000)
	missingHandle.Outputs["out"] = types.OutputConfig{}

	tests := []struct {
		name   string
		mutate func(c *types.StepConfig)
		cfg    *types.StepConfig
	}{
		{name: "zero cycle", mutate: func(c *types.StepConfig) { c.CycleTime = 0 }},
		{name: "negative cycle", mutate: func(c *types.StepConfig) { c.CycleTime = -1 }},
		{name: "negative wait", mutate: func(c *types.StepConfig) { c.MaxInputWaitTime = -1 }},
		{name: "negative runtime", mutate: func(c *types.StepConfig) { c.MaxRuntime = -5 }},
		{name: "unknown strategy", mutate: func(c *types.StepConfig) { c.RuntimeViolationStrategy = types.TSUnknown }},
		{name: "input without strategy", cfg: &withInput},
		{name: "output without handle", cfg: &missingHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := types.NewStepConfig(2000)
			if tt.cfg != nil {
				cfg = *tt.cfg
			}
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := f.task.Configure(cfg, Signals{})
			assert.True(t, errors.Is(err, types.ErrInvalidArgument), "got %v", err)
			assert.Equal(t, int64(1000), f.task.CycleTime(), "previous config kept")
		})
	}
}

func TestConfigureRejectedWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.start(t, types.NewStepConfig(1000), func(int64, stepdata.Access) {})

	err := f.task.Configure(types.NewStepConfig(5000), Signals{})
	assert.True(t, errors.Is(err, types.ErrInvalidState), "got %v", err)
	assert.Equal(t, int64(1000), f.task.CycleTime())

	f.task.Destroy()
	require.NoError(t, f.task.Configure(types.NewStepConfig(5000), Signals{}))
	assert.Equal(t, int64(5000), f.task.CycleTime())
}

func TestFailedConfigureKeepsPreviousData(t *testing.T) {
	f := newFixture(t)
	out, err := f.access.RegisterSignal(transport.Signal{Name: "out", Direction: transport.Output, Size: 1})
	require.NoError(t, err)

	good := types.NewStepConfig(1000)
	good.Outputs["out"] = types.OutputConfig{}
	require.NoError(t, f.task.Configure(good, Signals{Outputs: map[string]*transport.Handle{"out": out}}))
	before := f.task.stepData()

	// an output handle has no sample buffer to read from
	bad := types.NewStepConfig(2000)
	bad.Inputs["in"] = types.InputConfig{Strategy: types.ISSetStmToError}
	err = f.task.Configure(bad, Signals{Inputs: map[string]*transport.Handle{"in": out}})
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	assert.Same(t, before, f.task.stepData())
	got := f.task.Config()
	assert.Equal(t, int64(1000), got.CycleTime)
	assert.Contains(t, got.Outputs, "out")
	assert.Empty(t, got.Inputs)
}

func TestSetScheduleFuncRejectsNil(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errors.Is(f.task.SetScheduleFunc(nil), types.ErrFailed))
}

func TestCreateNeedsConfiguration(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errors.Is(f.task.Create(f.ack), types.ErrInvalidState))

	require.NoError(t, f.task.Configure(types.NewStepConfig(1000), Signals{}))
	require.NoError(t, f.task.SetScheduleFunc(func(int64, stepdata.Access) {}))
	require.NoError(t, f.task.Create(f.ack))
	assert.True(t, errors.Is(f.task.Create(f.ack), types.ErrInvalidState), "already running")

	f.task.Destroy()
	f.task.Destroy()
}

func TestStepRunsOnDueTicksAndAcknowledges(t *testing.T) {
	f := newFixture(t)
	ran := make(chan int64, 8)
	f.start(t, types.NewStepConfig(1000), func(simTime int64, _ stepdata.Access) {
		ran <- simTime
	})

	f.task.SimTimeProgress(0, 0)
	ack := f.nextAck(t)
	assert.Equal(t, f.task.UUID(), ack.UUID)
	assert.Equal(t, int64(0), ack.CurrSimTime)
	assert.GreaterOrEqual(t, ack.OperationalTime, int64(0))
	assert.Equal(t, int64(0), <-ran)

	// half a cycle is not due
	f.task.SimTimeProgress(500, 500)
	f.noAck(t)

	f.task.SimTimeProgress(1000, 1000)
	assert.Equal(t, int64(1000), f.nextAck(t).CurrSimTime)
	assert.Equal(t, int64(1000), <-ran)
	assert.Empty(t, f.history.All())
}

func TestRuntimeViolationSetsStateMachineToError(t *testing.T) {
	f := newFixture(t)
	f.stm.On("ErrorEvent").Return(nil).Once()

	cfg := types.NewStepConfig(1000)
	cfg.MaxRuntime = 1000
	cfg.RuntimeViolationStrategy = types.TSSetStmToError
	steps := make(chan int64, 8)
	f.start(t, cfg, func(simTime int64, _ stepdata.Access) {
		steps <- simTime
		time.Sleep(5 * time.Millisecond)
	})

	f.task.SimTimeProgress(0, 0)
	require.Eventually(t, func() bool { return len(f.history.All()) == 1 }, time.Second, 2*time.Millisecond)
	f.noAck(t)

	inc, _ := f.history.Last()
	assert.Equal(t, types.IncidentStepListenerRuntimeViolation, inc.Code)
	assert.Equal(t, types.SeverityCriticalGlobal, inc.Severity)
	assert.Equal(t, "StepListener", inc.Origin)
	assert.True(t, strings.HasSuffix(inc.Description, "FATAL: changing state to FS_ERROR - continuation of simulation not possible!"))

	// the task is shut down, later ticks run nothing
	f.task.SimTimeProgress(1000, 1000)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, steps, 1)
	f.stm.AssertNumberOfCalls(t, "ErrorEvent", 1)
}

func TestRuntimeViolationWarnStillAcknowledges(t *testing.T) {
	f := newFixture(t)
	cfg := types.NewStepConfig(1000)
	cfg.MaxRuntime = 1000
	cfg.RuntimeViolationStrategy = types.TSWarnAboutRuntimeViolation
	f.start(t, cfg, func(int64, stepdata.Access) { time.Sleep(5 * time.Millisecond) })

	f.task.SimTimeProgress(0, 0)
	ack := f.nextAck(t)
	assert.GreaterOrEqual(t, ack.OperationalTime, int64(5000))

	inc, ok := f.history.Last()
	require.True(t, ok)
	assert.Equal(t, types.SeverityWarning, inc.Severity)
	assert.Equal(t, `Step Listener "step" computation time exceeded configured maximum runtime.`, inc.Description)
	f.stm.AssertNotCalled(t, "ErrorEvent")
}

func TestRuntimeViolationSkipStillAcknowledges(t *testing.T) {
	f := newFixture(t)
	cfg := types.NewStepConfig(1000)
	cfg.MaxRuntime = 1000
	cfg.RuntimeViolationStrategy = types.TSSkipOutputPublish
	f.start(t, cfg, func(int64, stepdata.Access) { time.Sleep(5 * time.Millisecond) })

	f.task.SimTimeProgress(0, 0)
	f.nextAck(t)

	inc, ok := f.history.Last()
	require.True(t, ok)
	assert.Equal(t, types.SeverityCriticalGlobal, inc.Severity)
	assert.Contains(t, inc.Description, "CAUTION: defined outputs will not be published this step!")
}

func TestTriggerWhileBusy(t *testing.T) {
	f := newFixture(t)
	cfg := types.NewStepConfig(1000)
	cfg.RuntimeViolationStrategy = types.TSWarnAboutRuntimeViolation
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	f.start(t, cfg, func(int64, stepdata.Access) {
		started <- struct{}{}
		<-release
	})

	f.task.SimTimeProgress(0, 0)
	<-started
	f.task.SimTimeProgress(1000, 1000)

	inc, ok := f.history.Last()
	require.True(t, ok)
	assert.Equal(t, types.IncidentStepListenerRuntimeViolation, inc.Code)
	assert.Equal(t, "step: Received trigger before previous step was finished.", inc.Description)

	close(release)
	f.nextAck(t)
	// the queued tick runs right after
	assert.Equal(t, int64(1000), f.nextAck(t).CurrSimTime)
}

func TestTriggerWhileBusyWithErrorStrategyDropsTick(t *testing.T) {
	f := newFixture(t)
	f.stm.On("ErrorEvent").Return(nil).Once()
	cfg := types.NewStepConfig(1000)
	cfg.RuntimeViolationStrategy = types.TSSetStmToError
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	f.start(t, cfg, func(int64, stepdata.Access) {
		started <- struct{}{}
		<-release
	})

	f.task.SimTimeProgress(0, 0)
	<-started
	f.task.SimTimeProgress(1000, 1000)
	close(release)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, started, 0, "no second step")
	f.stm.AssertNumberOfCalls(t, "ErrorEvent", 1)
}

func TestTriggerViolationWithErrorStrategyWithholdsAck(t *testing.T) {
	f := newFixture(t)
	f.stm.On("ErrorEvent").Return(nil).Once()
	cfg := types.NewStepConfig(1000)
	cfg.RuntimeViolationStrategy = types.TSSetStmToError
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	f.start(t, cfg, func(int64, stepdata.Access) {
		started <- struct{}{}
		<-release
	})

	f.task.SimTimeProgress(0, 0)
	<-started
	f.task.SimTimeProgress(1000, 1000)
	close(release)

	assert.Equal(t, int64(0), f.nextAck(t).CurrSimTime, "the running step still completes")
	f.noAck(t)
	f.stm.AssertNumberOfCalls(t, "ErrorEvent", 1)
}

func TestAckFailureRaisesIncident(t *testing.T) {
	f := newFixture(t)
	f.task.uuid = "short"
	f.start(t, types.NewStepConfig(1000), func(int64, stepdata.Access) {})

	f.task.SimTimeProgress(0, 0)
	require.Eventually(t, func() bool {
		return f.history.Count(types.IncidentStepListenerTransmitAcknowledgementFail) == 1
	}, time.Second, 2*time.Millisecond)
	inc, _ := f.history.Last()
	assert.Equal(t, types.SeverityWarning, inc.Severity)
}
