// ============================================================================
// FEP Metrics - Prometheus timing metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects the timing events of a participant and exposes them as
//          Prometheus metrics.
//
// Metrics:
//
//   1. Counters:
//      - fep_timing_ticks_sent_total: ticks broadcast by the timing master
//      - fep_timing_ticks_received_total: ticks accepted by the timing client
//      - fep_timing_acks_received_total: acknowledgements seen by the master
//      - fep_timing_step_violations_total{step,kind}: runtime and trigger violations
//      - fep_incidents_total{severity}: incidents raised on this participant
//
//   2. Histogram:
//      - fep_timing_step_runtime_seconds{step}: wall clock time of one step
//
//   3. Gauges:
//      - fep_timing_simulation_time_microseconds: last tick time
//      - fep_timing_schedule_slots: slots of the resolved schedule map
//      - fep_timing_schedule_cycle_microseconds: cycle time of one slot
//
// Example queries:
//
//   # steps per second
//   rate(fep_timing_step_runtime_seconds_count[1m])
//
//   # 99th percentile runtime by step
//   histogram_quantile(0.99, sum by (step, le) (rate(fep_timing_step_runtime_seconds_bucket[5m])))
//
// The collector registers with prometheus.DefaultRegisterer; /metrics is
// served by the monitor.
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// runtimeBuckets spans 10µs to 1s.
var runtimeBuckets = prometheus.ExponentialBuckets(0.00001, 4, 9)

// Collector implements the timing observer and the incident strategy.
type Collector struct {
	ticksSent     prometheus.Counter
	ticksReceived prometheus.Counter
	acksReceived  prometheus.Counter
	violations    *prometheus.CounterVec
	incidents     *prometheus.CounterVec

	stepRuntime *prometheus.HistogramVec

	simTime       prometheus.Gauge
	scheduleSlots prometheus.Gauge
	scheduleCycle prometheus.Gauge
}

// NewCollector creates the collector and registers every metric.
func NewCollector() *Collector {
	c := &Collector{
		ticksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fep_timing_ticks_sent_total",
			Help: "Total number of trigger ticks sent by the timing master",
		}),
		ticksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fep_timing_ticks_received_total",
			Help: "Total number of trigger ticks accepted by the timing client",
		}),
		acksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fep_timing_acks_received_total",
			Help: "Total number of step acknowledgements received by the timing master",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fep_timing_step_violations_total",
			Help: "Total number of step violations by step and kind",
		}, []string{"step", "kind"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fep_incidents_total",
			Help: "Total number of incidents by severity",
		}, []string{"severity"}),
		stepRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fep_timing_step_runtime_seconds",
			Help:    "Wall clock runtime of one step in seconds",
			Buckets: runtimeBuckets,
		}, []string{"step"}),
		simTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fep_timing_simulation_time_microseconds",
			Help: "Simulation time of the last tick",
		}),
		scheduleSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fep_timing_schedule_slots",
			Help: "Number of slots of the resolved schedule map",
		}),
		scheduleCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fep_timing_schedule_cycle_microseconds",
			Help: "Cycle time of one schedule slot",
		}),
	}

	prometheus.MustRegister(c.ticksSent)
	prometheus.MustRegister(c.ticksReceived)
	prometheus.MustRegister(c.acksReceived)
	prometheus.MustRegister(c.violations)
	prometheus.MustRegister(c.incidents)
	prometheus.MustRegister(c.stepRuntime)
	prometheus.MustRegister(c.simTime)
	prometheus.MustRegister(c.scheduleSlots)
	prometheus.MustRegister(c.scheduleCycle)

	return c
}

func (c *Collector) StepExecuted(step string, _ int64, runtime time.Duration) {
	c.stepRuntime.WithLabelValues(step).Observe(runtime.Seconds())
}

func (c *Collector) StepViolation(step, kind string) {
	c.violations.WithLabelValues(step, kind).Inc()
}

func (c *Collector) TickSent(tick types.TriggerTick) {
	c.ticksSent.Inc()
	c.simTime.Set(float64(tick.CurrentTime))
}

func (c *Collector) TickReceived(tick types.TriggerTick) {
	c.ticksReceived.Inc()
	c.simTime.Set(float64(tick.CurrentTime))
}

func (c *Collector) AckReceived(types.TriggerAck) {
	c.acksReceived.Inc()
}

func (c *Collector) ScheduleConfigured(slots int, cycleTime int64) {
	c.scheduleSlots.Set(float64(slots))
	c.scheduleCycle.Set(float64(cycleTime))
}

// HandleIncident counts inc by severity.
func (c *Collector) HandleIncident(inc incident.Incident) error {
	c.incidents.WithLabelValues(inc.Severity.String()).Inc()
	return nil
}
