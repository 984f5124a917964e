package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audi/fep-participant-sub001/internal/monitor"
	"github.com/audi/fep-participant-sub001/internal/schedule"
	"github.com/audi/fep-participant-sub001/internal/snapshot"
	"github.com/audi/fep-participant-sub001/internal/storage/journal"
	"github.com/audi/fep-participant-sub001/internal/trace"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// writeConfig writes a minimal participant config whose files live in dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	content := `
participant:
  name: driver
  role: participant
timing:
  master: master
journal:
  path: ` + filepath.Join(dir, "incidents.jsonl") + `
snapshot:
  path: ` + filepath.Join(dir, "schedule.json") + `
trace:
  enabled: true
  path: ` + filepath.Join(dir, "trace.sqlite3") + `
monitor:
  enabled: false
log:
  level: debug
  format: json
`
	path := filepath.Join(dir, "participant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the command tree with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd)
	assert.Equal(t, "fep-participant", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"run", "status", "schedule", "incidents", "trace"} {
		assert.True(t, commandNames[name], "missing %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/participant.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
	for _, name := range []string{"role", "name", "listen", "peers"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	cfg, err := loadConfig(path, runOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "driver", cfg.Participant.Name)
	assert.False(t, cfg.IsMaster())

	cfg, err = loadConfig(path, runOverrides{
		role:   "master",
		name:   "boss",
		listen: "127.0.0.1:0",
		peers:  []string{"127.0.0.1:7001", "127.0.0.1:7002"},
	})
	require.NoError(t, err)
	assert.True(t, cfg.IsMaster())
	assert.Equal(t, "boss", cfg.Participant.Name)
	assert.Equal(t, "127.0.0.1:0", cfg.Transport.Listen)
	assert.Len(t, cfg.Transport.Peers, 2)
	assert.Equal(t, "master", cfg.Timing.Master, "an explicit timing master is kept")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), runOverrides{})
	assert.Error(t, err)

	path := writeConfig(t, t.TempDir())
	_, err = loadConfig(path, runOverrides{role: "observer"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "participant.role")
}

func TestNewLogger(t *testing.T) {
	path := writeConfig(t, t.TempDir())
	cfg, err := loadConfig(path, runOverrides{})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger, err := newLogger(&buf, cfg)
	require.NoError(t, err)
	logger.Debug("hello", "k", 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])

	cfg.Log.Format = "xml"
	_, err = newLogger(&buf, cfg)
	assert.Error(t, err)

	cfg.Log.Format = "text"
	cfg.Log.Level = "loud"
	_, err = newLogger(&buf, cfg)
	assert.Error(t, err)
}

func TestScheduleCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	out, err := execute(t, "-c", path, "schedule")
	require.NoError(t, err)
	assert.Contains(t, out, "no schedule snapshot")

	require.NoError(t, snapshot.NewManager(filepath.Join(dir, "schedule.json")).Write(snapshot.Schedule{
		Master:      "master",
		TriggerMode: types.TriggerModeAFAP,
		CycleTime:   2000,
		Steps:       []types.ScheduleConfig{{UUID: "step-uuid-1", CycleTime: 1000}, {UUID: "step-uuid-2", CycleTime: 2000}},
		Slots:       []schedule.Slot{{Index: 0, Time: 0}, {Index: 1, Time: 1000}},
	}))

	out, err = execute(t, "-c", path, "schedule")
	require.NoError(t, err)
	assert.Contains(t, out, "Master master, AFAP, slot granularity 2000 us")
	assert.Contains(t, out, "step-uuid-1")
	assert.Contains(t, out, "2 slots")

	out, err = execute(t, "-c", path, "schedule", "--json")
	require.NoError(t, err)
	var s snapshot.Schedule
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Len(t, s.Steps, 2)
}

func TestIncidentsCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	j, err := journal.Open(filepath.Join(dir, "incidents.jsonl"), false)
	require.NoError(t, err)
	_, err = j.Append(journal.Record{Source: "driver", Code: 611, Severity: "Warning", Description: "step late"}, false)
	require.NoError(t, err)
	_, err = j.Append(journal.Record{Source: "driver", Code: 640, Severity: "Critical", Description: "ack timeout"}, true)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	out, err := execute(t, "-c", path, "incidents")
	require.NoError(t, err)
	assert.Contains(t, out, "step late")
	assert.Contains(t, out, "ack timeout")
	assert.Contains(t, out, "2 incidents")

	out, err = execute(t, "-c", path, "incidents", "--severity", "critical")
	require.NoError(t, err)
	assert.NotContains(t, out, "step late")
	assert.Contains(t, out, "1 incidents")

	_, err = execute(t, "incidents", "-f", filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)
}

func TestTraceCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "trace.sqlite3")

	store, err := trace.Open(db, "driver")
	require.NoError(t, err)
	store.StepExecuted("control", 0, 3*time.Millisecond)
	store.StepExecuted("control", 1000, time.Millisecond)
	store.StepExecuted("log", 0, 100*time.Microsecond)
	store.StepViolation("control", "runtime")
	require.NoError(t, store.Close())

	out, err := execute(t, "trace", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+store.RunID())
	assert.Contains(t, out, "3 steps, 1 violations")
	assert.Contains(t, out, "control")
	assert.Less(t, bytes.Index([]byte(out), []byte("\ncontrol")), bytes.Index([]byte(out), []byte("\nlog")),
		"slowest step first")

	out, err = execute(t, "trace", "--db", db, "-n", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, "\nlog")

	_, err = execute(t, "trace", "--db", filepath.Join(dir, "missing.sqlite3"))
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	out, err := execute(t, "-c", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "driver (participant)")
	assert.Contains(t, out, "monitor disabled")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(monitor.Status{
			Participant: "driver",
			Role:        "participant",
			State:       "FS_RUNNING",
			SimTime:     42000,
			Steps:       2,
		})
	}))
	defer srv.Close()

	out, err = execute(t, "-c", path, "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "FS_RUNNING")
	assert.Contains(t, out, "42000 us")

	srv.Close()
	out, err = execute(t, "-c", path, "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "not reachable")
}
