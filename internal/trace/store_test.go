package trace

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audi/fep-participant-sub001/internal/task"
	"github.com/audi/fep-participant-sub001/internal/timing"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

var _ timing.Observer = (*Store)(nil)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trace.sqlite3"), "p1")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefaultPathIsUnique(t *testing.T) {
	a, b := DefaultPath("out"), DefaultPath("out")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(filepath.Base(a), "fep_trace_"))
	assert.Equal(t, ".sqlite3", filepath.Ext(a))
}

func TestRecordAndSummarize(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	s.ScheduleConfigured(6, 1000)
	s.TickSent(types.TriggerTick{CurrentTime: 0})
	s.TickReceived(types.TriggerTick{CurrentTime: 0})
	s.AckReceived(types.TriggerAck{UUID: "a", OperationalTime: 12})
	s.StepExecuted("fast", 0, 100*time.Microsecond)
	s.StepExecuted("slow", 0, 900*time.Microsecond)
	s.StepExecuted("slow", 1000, 300*time.Microsecond)
	s.StepViolation("slow", task.ViolationRuntime)

	sum, err := s.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{RunID: s.RunID(), Ticks: 2, Acks: 1, Steps: 3, Violations: 1}, sum)

	stats, err := s.SlowestSteps(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "slow", stats[0].Step)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, int64(900), stats[0].MaxUs)
	assert.InDelta(t, 600.0, stats[0].AvgUs, 0.001)
	assert.Equal(t, int64(1), stats[0].Violated)
	assert.Equal(t, "fast", stats[1].Step)

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.RunID(), latest)
}

func TestBatchFlushesOnThreshold(t *testing.T) {
	s := openStore(t)
	s.SetBatchSize(2)
	s.StepExecuted("a", 0, time.Microsecond)
	s.StepExecuted("a", 1, time.Microsecond)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM steps`).Scan(&n))
	assert.Equal(t, 2, n, "a full batch is written without an explicit flush")
}

func TestRunsAreSeparated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.sqlite3")
	first, err := Open(path, "p1")
	require.NoError(t, err)
	first.StepExecuted("a", 0, time.Millisecond)
	require.NoError(t, first.Close())

	second, err := Open(path, "p1")
	require.NoError(t, err)
	defer second.Close()
	assert.NotEqual(t, first.RunID(), second.RunID())

	stats, err := second.SlowestSteps(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, stats)

	old, err := second.SlowestStepsOfRun(context.Background(), first.RunID(), 5)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, int64(1000), old[0].MaxUs)
}

func TestClosedStore(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	s.StepExecuted("a", 0, time.Millisecond)
	assert.True(t, errors.Is(s.Flush(), ErrClosed))
}

func TestOpenExistingDoesNotStartRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.sqlite3")
	w, err := Open(path, "p1")
	require.NoError(t, err)
	w.StepExecuted("a", 0, 2*time.Millisecond)
	w.TickSent(types.TriggerTick{CurrentTime: 0})
	require.NoError(t, w.Close())

	r, err := OpenExisting(path)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	latest, err := r.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.RunID(), latest)

	sum, err := r.SummarizeRun(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Steps)
	assert.Equal(t, int64(1), sum.Ticks)

	r.StepExecuted("b", 0, time.Millisecond)
	require.NoError(t, r.Flush())
	stats, err := r.SlowestStepsOfRun(ctx, latest, 5)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "a", stats[0].Step)

	_, err = OpenExisting(filepath.Join(t.TempDir(), "missing.sqlite3"))
	assert.Error(t, err)
}
