// ============================================================================
// FEP Scheduler - Job Runtime Check
// ============================================================================
//
// Package: internal/jobcheck
// File: jobcheck.go
// Purpose: Runs one processing cycle of a job and applies the runtime
//          violation strategy to its execute phase.
//
// Cycle:
//   ExecuteDataIn -> Execute (timed) -> ExecuteDataOut
//
//   A failing phase raises a warning and the cycle goes on. Only a runtime
//   violation can skip the output phase or cancel the job for good.
//
// ============================================================================

package jobcheck

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/audi/fep-participant-sub001/internal/incident"
	"github.com/audi/fep-participant-sub001/internal/stepdata"
	"github.com/audi/fep-participant-sub001/internal/task"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

const origin = "JobRuntimeCheck"

// Job is one unit of per-cycle work. t is the trigger time in µs.
type Job interface {
	ExecuteDataIn(t int64) error
	Execute(t int64) error
	ExecuteDataOut(t int64) error
}

// Checker wraps the cycles of one job.
type Checker struct {
	Name          string
	MaxRuntime    time.Duration // 0 disables the check
	Strategy      types.TimeViolationStrategy
	SetErrorState func() error
	Incidents     incident.Handler
	// OnViolation is told about every runtime violation that is not ignored.
	OnViolation func(job, kind string)

	cancelled atomic.Bool
	logger    *slog.Logger
}

// New creates a checker for the job called name.
func New(name string, strategy types.TimeViolationStrategy, maxRuntime time.Duration,
	incidents incident.Handler, setErrorState func() error) *Checker {
	return &Checker{
		Name:          name,
		MaxRuntime:    maxRuntime,
		Strategy:      strategy,
		SetErrorState: setErrorState,
		Incidents:     incidents,
		logger:        slog.With("component", "jobcheck", "job", name),
	}
}

// Cancelled reports whether a fatal violation stopped the job.
func (c *Checker) Cancelled() bool {
	return c.cancelled.Load()
}

func (c *Checker) log() *slog.Logger {
	if c.logger == nil {
		return slog.With("component", "jobcheck", "job", c.Name)
	}
	return c.logger
}

func (c *Checker) warn(format string) {
	if c.Incidents != nil {
		c.Incidents.InvokeIncident(types.IncidentGeneralWarning, types.SeverityWarning, fmt.Sprintf(format, c.Name), origin)
	}
}

// RunJob runs one cycle of job at trigger time t. It returns the error of
// the execute phase, or ErrCancelled once a fatal violation happened.
func (c *Checker) RunJob(t int64, job Job) error {
	if c.cancelled.Load() {
		return types.ErrCancelled
	}

	if err := job.ExecuteDataIn(t); err != nil {
		c.log().Debug("data input failed", "sim_time", t, "error", err)
		c.warn("Job %s: Execution of data input step failed for this processing cycle.")
	}

	start := time.Now()
	result := job.Execute(t)
	elapsed := time.Since(start)
	if result != nil {
		c.warn("Job %s: Execution of data processing step failed for this processing cycle.")
	}

	skip := false
	if c.MaxRuntime > 0 && elapsed > c.MaxRuntime {
		var err error
		skip, err = c.applyViolation(elapsed)
		if err != nil {
			return err
		}
	}

	if !skip {
		if err := job.ExecuteDataOut(t); err != nil {
			c.log().Debug("data output failed", "sim_time", t, "error", err)
			c.warn("Job %s: Execution of data output step failed for this processing cycle.")
		}
	}
	return result
}

// applyViolation reports whether the output phase is skipped.
func (c *Checker) applyViolation(elapsed time.Duration) (bool, error) {
	us := elapsed.Microseconds()
	if c.OnViolation != nil && c.Strategy != types.TSIgnoreRuntimeViolation {
		c.OnViolation(c.Name, task.ViolationRuntime)
	}

	switch c.Strategy {
	case types.TSWarnAboutRuntimeViolation:
		c.invoke(types.IncidentGeneralWarning, types.SeverityWarning,
			fmt.Sprintf("Job %s: Computation time (%d us) exceeded configured maximum runtime.", c.Name, us))
		return false, nil
	case types.TSSkipOutputPublish:
		c.invoke(types.IncidentGeneralCritical, types.SeverityCritical,
			fmt.Sprintf("Job %s: Computation time (%d us) exceeded configured maximum runtime. CAUTION: defined output in data writer queues will not be published during this processing cycle!", c.Name, us))
		return true, nil
	case types.TSSetStmToError:
		c.invoke(types.IncidentGeneralCritical, types.SeverityCritical,
			fmt.Sprintf("Job %s: Computation time (%d us) exceeded configured maximum runtime. FATAL: changing state to FS_ERROR - continuation of simulation not possible!", c.Name, us))
		if c.SetErrorState != nil {
			if err := c.SetErrorState(); err != nil {
				return true, fmt.Errorf("Failed to set participant to state FS_ERROR. State change was initiated because the configured maximum job runtime was exceeded: %w", err)
			}
		}
		c.cancelled.Store(true)
		c.log().Error("job cancelled after runtime violation", "runtime_us", us)
		return true, types.ErrCancelled
	default:
		return false, nil
	}
}

func (c *Checker) invoke(code types.IncidentCode, sev types.Severity, desc string) {
	if c.Incidents != nil {
		c.Incidents.InvokeIncident(code, sev, desc, origin)
	}
}

// Step adapts job to a step listener callback so it can be scheduled by
// the timing client. Errors are reported through incidents only.
func (c *Checker) Step(job Job) task.StepFunc {
	return func(simTime int64, _ stepdata.Access) {
		if err := c.RunJob(simTime, job); err != nil && !c.cancelled.Load() {
			c.log().Debug("job cycle failed", "sim_time", simTime, "error", err)
		}
	}
}

// Funcs builds a Job from plain functions. Nil phases succeed.
type Funcs struct {
	DataIn  func(t int64) error
	Exec    func(t int64) error
	DataOut func(t int64) error
}

func (f Funcs) ExecuteDataIn(t int64) error  { return call(f.DataIn, t) }
func (f Funcs) Execute(t int64) error        { return call(f.Exec, t) }
func (f Funcs) ExecuteDataOut(t int64) error { return call(f.DataOut, t) }

func call(fn func(int64) error, t int64) error {
	if fn == nil {
		return nil
	}
	return fn(t)
}
