package incident

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audi/fep-participant-sub001/internal/storage/journal"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

func TestDispatcherFansOut(t *testing.T) {
	h1, h2 := NewHistory(10), NewHistory(10)
	failing := StrategyFunc(func(Incident) error { return errors.New("broken") })
	d := NewDispatcher("p1", h1, failing)
	d.Add(h2)

	d.InvokeIncident(types.IncidentTimingClientTriggerSkip, types.SeverityCriticalGlobal, "out of order", "timing")

	for _, h := range []*History{h1, h2} {
		inc, ok := h.Last()
		require.True(t, ok)
		assert.Equal(t, types.IncidentTimingClientTriggerSkip, inc.Code)
		assert.Equal(t, "p1", inc.Source)
		assert.Equal(t, "timing", inc.Origin)
		assert.False(t, inc.Time.IsZero())
	}
}

func TestHistoryWraps(t *testing.T) {
	h := NewHistory(3)
	_, ok := h.Last()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.HandleIncident(Incident{Code: types.IncidentCode(i)}))
	}
	all := h.All()
	require.Len(t, all, 3)
	assert.Equal(t, []types.IncidentCode{3, 4, 5}, []types.IncidentCode{all[0].Code, all[1].Code, all[2].Code})

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, types.IncidentCode(5), last.Code)
	assert.Equal(t, 1, h.Count(4))

	h.Clear()
	assert.Empty(t, h.All())
}

func TestLogStrategyLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewLogStrategy(logger)

	require.NoError(t, s.HandleIncident(Incident{Code: 4, Severity: types.SeverityInfo, Description: "hello"}))
	require.NoError(t, s.HandleIncident(Incident{Code: 3, Severity: types.SeverityWarning, Description: "careful"}))
	require.NoError(t, s.HandleIncident(Incident{Code: 640, Severity: types.SeverityCritical, Description: "no acks"}))

	out := buf.String()
	assert.Contains(t, out, `level=INFO msg=hello`)
	assert.Contains(t, out, `level=WARN msg=careful`)
	assert.Contains(t, out, `level=ERROR msg="no acks"`)
	assert.Contains(t, out, "code=640")
}

func TestJournalStrategy(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "incidents.jsonl"), false)
	require.NoError(t, err)
	defer j.Close()

	d := NewDispatcher("p2", NewJournalStrategy(j))
	d.InvokeIncident(types.IncidentStepListenerRuntimeViolation, types.SeverityWarning, "slow", "step")
	d.InvokeIncident(types.IncidentTimingMasterAckReceptionTimeout, types.SeverityCritical, "no acks", "master")

	var recs []journal.Record
	require.NoError(t, j.Replay(func(r journal.Record) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 2)
	assert.Equal(t, 620, recs[0].Code)
	assert.Equal(t, "Critical", recs[1].Severity)
	assert.Equal(t, "p2", recs[1].Source)
}
