package stepdata

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/audi/fep-participant-sub001/internal/dataaccess"
	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

type mockStateMachine struct {
	mock.Mock
}

func (m *mockStateMachine) ErrorEvent() error {
	return m.Called().Error(0)
}

type countingAccess struct {
	*dataaccess.Access
	transmits atomic.Int32
}

func (c *countingAccess) TransmitData(smp *dataaccess.Sample, sync bool) error {
	c.transmits.Add(1)
	return c.Access.TransmitData(smp, sync)
}

type fixture struct {
	access  *countingAccess
	stm     *mockStateMachine
	history *incident.History
	sda     *StepDataAccess
	handles map[string]*transport.Handle
	pub     *dataaccess.Access
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := transport.NewBus()
	ep, err := bus.Connect("p1")
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	pubEp, err := bus.Connect("pub")
	require.NoError(t, err)
	t.Cleanup(func() { pubEp.Close() })

	f := &fixture{
		access:  &countingAccess{Access: dataaccess.New(ep)},
		stm:     &mockStateMachine{},
		history: incident.NewHistory(16),
		handles: make(map[string]*transport.Handle),
		pub:     dataaccess.New(pubEp),
	}
	f.sda = New("step", f.access, f.stm, incident.NewDispatcher("p1", f.history))
	f.sda.SetCycleTime(1000)
	return f
}

func (f *fixture) input(t *testing.T, name string, strategy types.InputViolationStrategy) {
	t.Helper()
	h, err := f.access.RegisterSignal(transport.Signal{Name: name, Direction: transport.Input, Size: 1})
	require.NoError(t, err)
	f.handles[name] = h
	require.NoError(t, f.sda.ConfigureInput(name, types.InputConfig{ValidAge: 0, Strategy: strategy}, h))
}

func (f *fixture) output(t *testing.T, name string) {
	t.Helper()
	h, err := f.access.RegisterSignal(transport.Signal{Name: name, Direction: transport.Output, Size: 1})
	require.NoError(t, err)
	f.handles[name] = h
	require.NoError(t, f.sda.ConfigureOutput(name, h))
}

func TestIgnoreStillTransmits(t *testing.T) {
	f := newFixture(t)
	f.input(t, "in", types.ISIgnoreInputValidityViolation)
	f.output(t, "out")

	require.NoError(t, f.sda.ValidateInputs(0, make(chan struct{})))
	require.NoError(t, f.sda.TransmitAllOutputs())
	assert.Equal(t, int32(1), f.access.transmits.Load())
	assert.Empty(t, f.history.All())
}

func TestSkipSuppressesOutputs(t *testing.T) {
	f := newFixture(t)
	f.input(t, "in", types.ISSkipOutputPublish)
	f.output(t, "out")

	require.NoError(t, f.sda.ValidateInputs(0, make(chan struct{})))
	last, ok := f.history.Last()
	require.True(t, ok)
	assert.Equal(t, types.SeverityCriticalGlobal, last.Severity)
	assert.Equal(t, "Input in does not meet required valid age. CAUTION: defined outputs will not be published!", last.Description)

	require.NoError(t, f.sda.TransmitAllOutputs())
	assert.Zero(t, f.access.transmits.Load())

	// the skip lasts one step only
	assert.False(t, f.sda.Skipped())
	require.NoError(t, f.sda.TransmitAllOutputs())
	assert.Equal(t, int32(1), f.access.transmits.Load())
}

func TestErrorStopsValidation(t *testing.T) {
	f := newFixture(t)
	f.stm.On("ErrorEvent").Return(nil).Once()
	f.input(t, "in", types.ISSetStmToError)
	f.output(t, "out")

	err := f.sda.ValidateInputs(0, make(chan struct{}))
	assert.True(t, errors.Is(err, types.ErrCancelled))
	last, ok := f.history.Last()
	require.True(t, ok)
	assert.Equal(t, types.SeverityCriticalGlobal, last.Severity)
	assert.True(t, strings.HasSuffix(last.Description, "changing state to FS_ERROR - continuation not possible!"))
	f.stm.AssertNumberOfCalls(t, "ErrorEvent", 1)
	assert.True(t, f.sda.Skipped())
}

func TestValidationOrder(t *testing.T) {
	t.Run("error dominates", func(t *testing.T) {
		f := newFixture(t)
		f.stm.On("ErrorEvent").Return(nil)
		f.input(t, "ignore", types.ISIgnoreInputValidityViolation)
		f.input(t, "warn", types.ISWarnAboutInputValidityViolation)
		f.input(t, "skip", types.ISSkipOutputPublish)
		f.input(t, "error", types.ISSetStmToError)
		f.output(t, "out")

		err := f.sda.ValidateInputs(0, make(chan struct{}))
		assert.True(t, errors.Is(err, types.ErrCancelled))
		f.stm.AssertNumberOfCalls(t, "ErrorEvent", 1)
		all := f.history.All()
		require.Len(t, all, 1, "remaining inputs are not checked")
		assert.Contains(t, all[0].Description, "Input error ")

		require.NoError(t, f.sda.TransmitAllOutputs())
		assert.Zero(t, f.access.transmits.Load())
	})

	t.Run("skip and warn", func(t *testing.T) {
		f := newFixture(t)
		f.input(t, "warn", types.ISWarnAboutInputValidityViolation)
		f.input(t, "skip", types.ISSkipOutputPublish)
		f.output(t, "out")

		require.NoError(t, f.sda.ValidateInputs(0, make(chan struct{})))
		f.stm.AssertNotCalled(t, "ErrorEvent")
		last, ok := f.history.Last()
		require.True(t, ok)
		assert.Equal(t, "Input warn does not meet required valid age.", last.Description)
		assert.Equal(t, types.SeverityWarning, last.Severity)

		require.NoError(t, f.sda.TransmitAllOutputs())
		assert.Zero(t, f.access.transmits.Load())
	})
}

func TestValidInputPasses(t *testing.T) {
	f := newFixture(t)
	f.input(t, "in", types.ISSetStmToError)
	out, err := f.pub.RegisterSignal(transport.Signal{Name: "in", Direction: transport.Output, Size: 1})
	require.NoError(t, err)
	require.NoError(t, f.pub.TransmitData(&dataaccess.Sample{Handle: out, Time: 5000, Data: []byte{9}}, true))

	f.sda.SetWaitTimeForInputs(int64(time.Second / time.Microsecond))
	require.NoError(t, f.sda.ValidateInputs(5000, make(chan struct{})))

	var dst dataaccess.Sample
	require.NoError(t, f.sda.CopyRecentData(f.handles["in"], &dst))
	assert.Equal(t, int64(5000), dst.Time)
	assert.Equal(t, []byte{9}, dst.Data)

	err = f.sda.CopyDataBefore(f.handles["in"], 4000, &dst)
	assert.True(t, errors.Is(err, types.ErrNotFound), "the single slot holds the sample at 5000")
}

func TestCopyBeforeUnusedSlotIsOutOfSync(t *testing.T) {
	f := newFixture(t)
	f.input(t, "in", types.ISSetStmToError)
	require.NoError(t, f.access.SetSignalSampleBacklog(f.handles["in"], 2))
	out, err := f.pub.RegisterSignal(transport.Signal{Name: "in", Direction: transport.Output, Size: 1})
	require.NoError(t, err)
	require.NoError(t, f.pub.TransmitData(&dataaccess.Sample{Handle: out, Time: 5000, Data: []byte{9}}, true))

	f.sda.SetWaitTimeForInputs(int64(time.Second / time.Microsecond))
	require.NoError(t, f.sda.ValidateInputs(5000, make(chan struct{})))

	var dst dataaccess.Sample
	err = f.sda.CopyDataBefore(f.handles["in"], 4000, &dst)
	assert.True(t, errors.Is(err, types.ErrOutOfSync), "only the unused slot is before 4000")
	assert.Equal(t, int64(-1), dst.Time)

	require.NoError(t, f.sda.CopyDataBefore(f.handles["in"], 5000, &dst))
	assert.Equal(t, []byte{9}, dst.Data)
}

func TestValidateCancelled(t *testing.T) {
	f := newFixture(t)
	f.input(t, "in", types.ISSetStmToError)
	f.sda.SetWaitTimeForInputs(int64(5 * time.Second / time.Microsecond))

	stop := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(stop)
	}()
	err := f.sda.ValidateInputs(0, stop)
	assert.True(t, errors.Is(err, types.ErrCancelled))
	f.stm.AssertNotCalled(t, "ErrorEvent")
	assert.Empty(t, f.history.All())
}

func TestOutputsStampedWithEndOfStep(t *testing.T) {
	f := newFixture(t)
	f.output(t, "out")
	in, err := f.pub.RegisterSignal(transport.Signal{Name: "out", Direction: transport.Input, Size: 1})
	require.NoError(t, err)

	require.NoError(t, f.sda.ValidateInputs(3000, make(chan struct{})))
	require.NoError(t, f.sda.TransmitData(&dataaccess.Sample{Handle: f.handles["out"], Data: []byte{7}}))
	require.NoError(t, f.sda.TransmitAllOutputs())

	buf, err := f.pub.GetSampleBuffer(in)
	require.NoError(t, err)
	require.NoError(t, buf.WaitUntilInTimeWindow(4000, 4000, time.Now().Add(time.Second), make(chan struct{})))
	smp, _, err := buf.LockDataAtUpperBound(4000)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, smp.Data)
	require.NoError(t, buf.UnlockData(smp))
}

func TestConfigureInputRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	err := f.sda.ConfigureInput("x", types.InputConfig{Delay: -1, Strategy: types.ISSkipOutputPublish}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidArgument))
	err = f.sda.ConfigureInput("x", types.InputConfig{}, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidArgument))
	err = f.sda.ConfigureInput("x", types.InputConfig{Strategy: types.ISSkipOutputPublish}, nil)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
