// Package types defines the core domain model shared by the FEP timing
// participant: wire payloads, step configuration and violation strategies.
package types

import (
	"encoding/binary"
	"fmt"
)

// UUIDLength is the fixed length of a task identity on the wire.
const UUIDLength = 36

// DummyStepUUID identifies the synthetic minimum-trigger-time schedule
// entry. Generated task uuids are always UUIDLength characters long.
const DummyStepUUID = ""

// Sizes of the raw wire payloads.
const (
	TriggerTickSize = 16
	TriggerAckSize  = UUIDLength + 16
)

// TriggerTick is broadcast by the timing master on every schedule slot
// with a due step. All times are simulation microseconds.
type TriggerTick struct {
	CurrentTime int64 `json:"current_time"`
	SimTimeStep int64 `json:"sim_time_step"`
}

// MarshalBinary encodes the tick in network byte order.
func (t TriggerTick) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TriggerTickSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.CurrentTime))
	binary.BigEndian.PutUint64(buf[8:16], uint64(t.SimTimeStep))
	return buf, nil
}

// UnmarshalBinary decodes a tick from network byte order.
func (t *TriggerTick) UnmarshalBinary(data []byte) error {
	if len(data) < TriggerTickSize {
		return fmt.Errorf("%w: trigger tick needs %d bytes, got %d", ErrInvalidArgument, TriggerTickSize, len(data))
	}
	t.CurrentTime = int64(binary.BigEndian.Uint64(data[0:8]))
	t.SimTimeStep = int64(binary.BigEndian.Uint64(data[8:16]))
	return nil
}

// TriggerAck is sent by a task after it finished a step.
type TriggerAck struct {
	UUID            string `json:"uuid"`
	OperationalTime int64  `json:"operational_time"` // wall clock µs spent in the step
	CurrSimTime     int64  `json:"curr_sim_time"`
}

// MarshalBinary encodes the acknowledgement. The uuid must be exactly
// UUIDLength bytes.
func (a TriggerAck) MarshalBinary() ([]byte, error) {
	if len(a.UUID) != UUIDLength {
		return nil, fmt.Errorf("%w: acknowledgement uuid %q is not %d characters", ErrUnexpected, a.UUID, UUIDLength)
	}
	buf := make([]byte, TriggerAckSize)
	copy(buf[0:UUIDLength], a.UUID)
	binary.BigEndian.PutUint64(buf[UUIDLength:UUIDLength+8], uint64(a.OperationalTime))
	binary.BigEndian.PutUint64(buf[UUIDLength+8:UUIDLength+16], uint64(a.CurrSimTime))
	return buf, nil
}

// UnmarshalBinary decodes an acknowledgement.
func (a *TriggerAck) UnmarshalBinary(data []byte) error {
	if len(data) < TriggerAckSize {
		return fmt.Errorf("%w: trigger ack needs %d bytes, got %d", ErrInvalidArgument, TriggerAckSize, len(data))
	}
	a.UUID = string(data[0:UUIDLength])
	a.OperationalTime = int64(binary.BigEndian.Uint64(data[UUIDLength : UUIDLength+8]))
	a.CurrSimTime = int64(binary.BigEndian.Uint64(data[UUIDLength+8 : UUIDLength+16]))
	return nil
}

// ScheduleConfig is one (step, cycle time) pair of a participant's
// schedule.
type ScheduleConfig struct {
	UUID      string `json:"uuid" yaml:"uuid"`
	CycleTime int64  `json:"cycle_time_us" yaml:"cycle_time_us"`
}

// GetScheduleCommand asks every timing client for its schedule.
type GetScheduleCommand struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// ScheduleNotification carries a participant's schedule to the master.
type ScheduleNotification struct {
	Sender    string           `json:"sender"`
	Receiver  string           `json:"receiver"`
	Schedules []ScheduleConfig `json:"schedules"`
}

// Default step values.
const (
	DefaultCycleTime int64 = 100 * 1000
)

// InputConfig describes how one input of a step is validated.
type InputConfig struct {
	ValidAge int64                  `json:"valid_age_us" yaml:"validAge_sim_us"`
	Delay    int64                  `json:"delay_us" yaml:"delay_sim_us"`
	Strategy InputViolationStrategy `json:"strategy" yaml:"inputViolationStrategy"`
}

// OutputConfig describes one output of a step.
type OutputConfig struct{}

// StepConfig is the timing configuration of a step listener.
type StepConfig struct {
	CycleTime                int64                   `json:"cycle_time_us"`
	MaxInputWaitTime         int64                   `json:"max_input_wait_us"`
	MaxRuntime               int64                   `json:"max_runtime_us"` // 0 means unlimited
	RuntimeViolationStrategy TimeViolationStrategy   `json:"runtime_violation_strategy"`
	Inputs                   map[string]InputConfig  `json:"inputs,omitempty"`
	Outputs                  map[string]OutputConfig `json:"outputs,omitempty"`
}

// NewStepConfig returns a config with the given cycle time and the
// defaults for everything else.
func NewStepConfig(cycleTime int64) StepConfig {
	return StepConfig{
		CycleTime:                cycleTime,
		RuntimeViolationStrategy: TSIgnoreRuntimeViolation,
		Inputs:                   make(map[string]InputConfig),
		Outputs:                  make(map[string]OutputConfig),
	}
}

// Validate reports whether the config can be applied to a task.
func (c StepConfig) Validate() error {
	if c.CycleTime <= 0 {
		return fmt.Errorf("%w: cycle time must be positive, got %d", ErrInvalidArgument, c.CycleTime)
	}
	if c.MaxInputWaitTime < 0 {
		return fmt.Errorf("%w: max input wait time must not be negative, got %d", ErrInvalidArgument, c.MaxInputWaitTime)
	}
	if c.MaxRuntime < 0 {
		return fmt.Errorf("%w: max runtime must not be negative, got %d", ErrInvalidArgument, c.MaxRuntime)
	}
	if !c.RuntimeViolationStrategy.Valid() {
		return fmt.Errorf("%w: runtime violation strategy %q is not set", ErrInvalidArgument, c.RuntimeViolationStrategy)
	}
	for name, in := range c.Inputs {
		if in.Delay < 0 || in.ValidAge < 0 {
			return fmt.Errorf("%w: input %q has a negative delay or valid age", ErrInvalidArgument, name)
		}
		if !in.Strategy.Valid() {
			return fmt.Errorf("%w: input %q has no violation strategy", ErrInvalidArgument, name)
		}
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c StepConfig) Clone() StepConfig {
	out := c
	out.Inputs = make(map[string]InputConfig, len(c.Inputs))
	for k, v := range c.Inputs {
		out.Inputs[k] = v
	}
	out.Outputs = make(map[string]OutputConfig, len(c.Outputs))
	for k, v := range c.Outputs {
		out.Outputs[k] = v
	}
	return out
}
