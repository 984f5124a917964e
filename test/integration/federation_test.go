// ============================================================================
// FEP Timing - Federation Tests
// ============================================================================
//
// Package: test/integration
// File: federation_test.go
// Purpose: End to end runs of a timing master and several participants
//
// TestFederationOverBus:
//   master + two participants on the in-process bus, AFAP
//   - every participant's schedule is collected before start
//   - every job runs in lock step with the master
//   - snapshot, trace and metrics reflect the run
//
// TestFederationOverGrpc:
//   same shape over the gRPC transport on loopback
//
// TestSystemTimeFederation:
//   SYSTEM_TIME at ten times real time, simulation time advances with the
//   wall clock
//
// ============================================================================

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audi/fep-participant-sub001/internal/config"
	"github.com/audi/fep-participant-sub001/internal/jobcheck"
	"github.com/audi/fep-participant-sub001/internal/metrics"
	"github.com/audi/fep-participant-sub001/internal/participant"
	"github.com/audi/fep-participant-sub001/internal/snapshot"
	"github.com/audi/fep-participant-sub001/internal/statemachine"
	"github.com/audi/fep-participant-sub001/internal/transport"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

func participantConfig(t *testing.T, name, role string, mode types.TriggerMode) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Participant.Name = name
	cfg.Participant.Role = role
	cfg.Timing.Master = "master"
	cfg.Timing.TriggerMode = string(mode)
	cfg.Timing.ScheduleWindowMs = 3000
	cfg.Journal.Path = filepath.Join(dir, "incidents.jsonl")
	cfg.Snapshot.Path = filepath.Join(dir, "schedule.json")
	cfg.Trace.Path = filepath.Join(dir, "trace.sqlite3")
	require.NoError(t, cfg.Validate())
	return cfg
}

func newCollector(t *testing.T) *metrics.Collector {
	t.Helper()
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return metrics.NewCollector()
}

// simLog records the simulation times a job was called with.
type simLog struct {
	mu    sync.Mutex
	times []int64
}

func (l *simLog) job() jobcheck.Job {
	return jobcheck.Funcs{Exec: func(t int64) error {
		l.mu.Lock()
		l.times = append(l.times, t)
		l.mu.Unlock()
		return nil
	}}
}

func (l *simLog) snapshot() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.times...)
}

// assertCadence checks that a job ran on every multiple of cycle, in order.
func assertCadence(t *testing.T, times []int64, cycle int64) {
	t.Helper()
	require.NotEmpty(t, times)
	for i, v := range times {
		assert.Equal(t, int64(i)*cycle, v, "call %d", i)
	}
}

type member struct {
	p   *participant.Participant
	cfg *config.Config
	log *simLog
}

// federation builds a master plus participants named p1..pN, each with one
// job of the given cycle.
func federation(t *testing.T, adapters map[string]transport.Adapter, mode types.TriggerMode, cycles map[string]int64) map[string]member {
	t.Helper()
	collector := newCollector(t)
	members := make(map[string]member)
	for name, cycle := range cycles {
		role := "participant"
		if name == "master" {
			role = "master"
		}
		cfg := participantConfig(t, name, role, mode)
		if role == "master" {
			cfg.Trace.Enabled = true
			cfg.Timing.ExpectedSteps = len(cycles)
			cfg.Timing.SpeedFactor = 10
		}
		p, err := participant.New(cfg, participant.Options{Transport: adapters[name], Metrics: collector})
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })

		l := &simLog{}
		require.NoError(t, p.AddJob(name+"_job", types.NewStepConfig(cycle), l.job()))
		members[name] = member{p: p, cfg: cfg, log: l}
	}
	return members
}

func startAll(t *testing.T, members map[string]member) {
	t.Helper()
	ctx := context.Background()
	for name, m := range members {
		if name != "master" {
			require.NoError(t, m.p.Start(ctx))
		}
	}
	require.NoError(t, members["master"].p.Start(ctx))
	for name, m := range members {
		assert.Equal(t, statemachine.StateRunning, m.p.State(), name)
	}
}

func stopAll(t *testing.T, members map[string]member) {
	t.Helper()
	require.NoError(t, members["master"].p.Stop())
	for name, m := range members {
		if name != "master" {
			require.NoError(t, m.p.Stop())
		}
	}
}

func TestFederationOverBus(t *testing.T) {
	bus := transport.NewBus()
	cycles := map[string]int64{"master": 1000, "p1": 2000, "p2": 5000}
	adapters := make(map[string]transport.Adapter)
	for name := range cycles {
		ep, err := bus.Connect(name)
		require.NoError(t, err)
		t.Cleanup(func() { ep.Close() })
		adapters[name] = ep
	}

	members := federation(t, adapters, types.TriggerModeAFAP, cycles)
	startAll(t, members)

	require.Eventually(t, func() bool {
		return len(members["p2"].log.snapshot()) >= 10
	}, 10*time.Second, 5*time.Millisecond)
	stopAll(t, members)

	for name, m := range members {
		assertCadence(t, m.log.snapshot(), cycles[name])
	}
	// lock step: nobody runs ahead of the slowest step by more than a map cycle
	last := func(name string) int64 {
		times := members[name].log.snapshot()
		return times[len(times)-1]
	}
	assert.InDelta(t, last("master"), last("p2"), 10000)

	master := members["master"].p
	assert.Len(t, master.Schedule(), 10, "10000 us period at 1000 us granularity")
	snap, err := snapshot.NewManager(members["master"].cfg.Snapshot.Path).Load()
	require.NoError(t, err)
	assert.Len(t, snap.Steps, 3)
	assert.Equal(t, int64(1000), snap.CycleTime, "slot granularity")

	sum, err := master.Trace().Summarize(context.Background())
	require.NoError(t, err)
	assert.Greater(t, sum.Ticks, int64(0))
	assert.Greater(t, sum.Acks, int64(0))
	assert.Zero(t, sum.Violations)
}

func TestFederationOverGrpc(t *testing.T) {
	cycles := map[string]int64{"master": 10000, "p1": 20000}
	grpcAdapters := make(map[string]*transport.GrpcAdapter)
	adapters := make(map[string]transport.Adapter)
	for name := range cycles {
		a := transport.NewGrpcAdapter(transport.GrpcConfig{
			Name:        name,
			ListenAddr:  "127.0.0.1:0",
			CallTimeout: time.Second,
		})
		require.NoError(t, a.Start())
		t.Cleanup(func() { a.Close() })
		grpcAdapters[name] = a
		adapters[name] = a
	}
	grpcAdapters["master"].AddPeer(grpcAdapters["p1"].Addr())
	grpcAdapters["p1"].AddPeer(grpcAdapters["master"].Addr())

	members := federation(t, adapters, types.TriggerModeAFAP, cycles)
	startAll(t, members)

	require.Eventually(t, func() bool {
		return len(members["p1"].log.snapshot()) >= 5
	}, 10*time.Second, 10*time.Millisecond)
	stopAll(t, members)

	assertCadence(t, members["master"].log.snapshot(), 10000)
	assertCadence(t, members["p1"].log.snapshot(), 20000)
	assert.Len(t, members["master"].p.Schedule(), 2)
}

func TestSystemTimeFederation(t *testing.T) {
	bus := transport.NewBus()
	cycles := map[string]int64{"master": 10000, "p1": 10000}
	adapters := make(map[string]transport.Adapter)
	for name := range cycles {
		ep, err := bus.Connect(name)
		require.NoError(t, err)
		t.Cleanup(func() { ep.Close() })
		adapters[name] = ep
	}

	members := federation(t, adapters, types.TriggerModeSystemTime, cycles)
	begin := time.Now()
	startAll(t, members)

	// 10 ms cycles at ten times real time: about one cycle per millisecond
	time.Sleep(200 * time.Millisecond)
	stopAll(t, members)
	elapsed := time.Since(begin)

	got := members["p1"].log.snapshot()
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
		assert.Zero(t, got[i]%10000)
	}
	maxCycles := int(elapsed/time.Millisecond) + 2
	assert.LessOrEqual(t, len(got), maxCycles, "simulation never outruns the scaled wall clock")
	assert.Greater(t, len(got), 20)
}

func TestSharedMetrics(t *testing.T) {
	bus := transport.NewBus()
	cycles := map[string]int64{"master": 1000, "p1": 1000}
	adapters := make(map[string]transport.Adapter)
	for name := range cycles {
		ep, err := bus.Connect(name)
		require.NoError(t, err)
		t.Cleanup(func() { ep.Close() })
		adapters[name] = ep
	}

	members := federation(t, adapters, types.TriggerModeAFAP, cycles)
	startAll(t, members)
	require.Eventually(t, func() bool {
		return len(members["p1"].log.snapshot()) >= 20
	}, 5*time.Second, 5*time.Millisecond)
	stopAll(t, members)

	gathered, err := prometheus.DefaultRegisterer.(*prometheus.Registry).Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range gathered {
		names[mf.GetName()] = true
	}
	assert.True(t, names["fep_timing_ticks_sent_total"])
	assert.True(t, names["fep_timing_ticks_received_total"])
	assert.True(t, names["fep_timing_step_runtime_seconds"])
}
