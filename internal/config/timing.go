// ============================================================================
// FEP Participant - Timing Configuration File
// ============================================================================
//
// Package: internal/config
// File: timing.go
// Purpose: Parses the system wide timing configuration that overrides the
//          step configs participants register with.
//
// Layout (YAML):
//
//   participants:
//     - name: driver
//       systemTimeout_s: 30          # 0, NONE or OFF disable the watchdog
//       steps:
//         - name: control
//           cycleTime_sim_us: 10000
//           maxRuntime_us: 2000        # optional, 0 = unlimited
//           maxInputWaittime_us: 500
//           runtimeViolationStrategy: TS_WARN_ABOUT_RUNTIME_VIOLATION
//           inputs:
//             - name: position
//               validAge_sim_us: 20000
//               delay_sim_us: 0         # optional
//               inputViolationStrategy: IS_SKIP_OUTPUT_PUBLISH
//           outputs:
//             - name: throttle
//       inputs:                        # participant wide sample backlogs
//         - name: position
//           backLogSize: 10
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// ErrTimingConfig wraps every validation failure of a timing file.
var ErrTimingConfig = errors.New("invalid timing configuration")

// TimingConfiguration is a parsed timing file.
type TimingConfiguration struct {
	Participants map[string]ParticipantTiming
}

// ParticipantTiming is the entry of one participant.
type ParticipantTiming struct {
	Name string
	// SystemTimeout in seconds; 0 disables the trigger watchdog, -1 means
	// the file does not set it.
	SystemTimeout int64
	Steps         map[string]types.StepConfig
	InputBacklogs map[string]int
}

type rawTimingFile struct {
	Participants []rawParticipant `yaml:"participants"`
}

type rawParticipant struct {
	Name          *string      `yaml:"name"`
	SystemTimeout *string      `yaml:"systemTimeout_s"`
	Steps         []rawStep    `yaml:"steps"`
	Inputs        []rawBacklog `yaml:"inputs"`
}

type rawStep struct {
	Name                     *string                      `yaml:"name"`
	CycleTime                *int64                       `yaml:"cycleTime_sim_us"`
	MaxRuntime               *int64                       `yaml:"maxRuntime_us"`
	MaxInputWaitTime         *int64                       `yaml:"maxInputWaittime_us"`
	RuntimeViolationStrategy *types.TimeViolationStrategy `yaml:"runtimeViolationStrategy"`
	Inputs                   []rawInput                   `yaml:"inputs"`
	Outputs                  []rawOutput                  `yaml:"outputs"`
}

type rawInput struct {
	Name                   *string                       `yaml:"name"`
	ValidAge               *int64                        `yaml:"validAge_sim_us"`
	Delay                  *int64                        `yaml:"delay_sim_us"`
	InputViolationStrategy *types.InputViolationStrategy `yaml:"inputViolationStrategy"`
}

type rawOutput struct {
	Name *string `yaml:"name"`
}

type rawBacklog struct {
	Name        *string `yaml:"name"`
	BackLogSize *int    `yaml:"backLogSize"`
}

// LoadTimingConfig reads and validates the timing file at path.
func LoadTimingConfig(path string) (*TimingConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timing configuration: %w", err)
	}
	return ParseTimingConfig(data)
}

// ParseTimingConfig validates a timing file held in memory.
func ParseTimingConfig(data []byte) (*TimingConfiguration, error) {
	var raw rawTimingFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse file: %v", ErrTimingConfig, err)
	}
	if len(raw.Participants) == 0 {
		return nil, fmt.Errorf("%w: missing element \"participants\"", ErrTimingConfig)
	}

	cfg := &TimingConfiguration{Participants: make(map[string]ParticipantTiming, len(raw.Participants))}
	for _, rp := range raw.Participants {
		p, err := parseParticipant(rp)
		if err != nil {
			return nil, err
		}
		cfg.Participants[p.Name] = p
	}
	return cfg, nil
}

// Participant returns the entry for name.
func (c *TimingConfiguration) Participant(name string) (ParticipantTiming, bool) {
	p, ok := c.Participants[name]
	return p, ok
}

func parseParticipant(rp rawParticipant) (ParticipantTiming, error) {
	name, err := requireName(rp.Name, "participant")
	if err != nil {
		return ParticipantTiming{}, err
	}
	p := ParticipantTiming{
		Name:          name,
		SystemTimeout: -1,
		Steps:         make(map[string]types.StepConfig),
		InputBacklogs: make(map[string]int),
	}

	if rp.SystemTimeout != nil {
		p.SystemTimeout, err = parseSystemTimeout(*rp.SystemTimeout)
		if err != nil {
			return p, fmt.Errorf("participant %q: %w", name, err)
		}
	}

	for _, rs := range rp.Steps {
		stepName, step, err := parseStep(rs)
		if err != nil {
			return p, fmt.Errorf("participant %q: %w", name, err)
		}
		p.Steps[stepName] = step
	}

	for _, rb := range rp.Inputs {
		inName, err := requireName(rb.Name, "input")
		if err != nil {
			return p, fmt.Errorf("participant %q: %w", name, err)
		}
		if rb.BackLogSize == nil {
			return p, fmt.Errorf("%w: participant %q: missing attribute \"backLogSize\"", ErrTimingConfig, name)
		}
		if *rb.BackLogSize == 0 {
			return p, fmt.Errorf("%w: participant %q: invalid attribute \"backLogSize\"", ErrTimingConfig, name)
		}
		p.InputBacklogs[inName] = *rb.BackLogSize
	}
	return p, nil
}

func parseSystemTimeout(s string) (int64, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0, fmt.Errorf("%w: empty attribute \"systemTimeout_s\"", ErrTimingConfig)
	case "0", "NONE", "OFF":
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: invalid value for \"systemTimeout_s\"", ErrTimingConfig)
	}
	return v, nil
}

func parseStep(rs rawStep) (string, types.StepConfig, error) {
	name, err := requireName(rs.Name, "step")
	if err != nil {
		return "", types.StepConfig{}, err
	}
	step := types.NewStepConfig(types.DefaultCycleTime)

	switch {
	case rs.CycleTime == nil:
		return name, step, stepError(name, "missing attribute \"cycleTime_sim_us\"")
	case *rs.CycleTime == 0:
		return name, step, stepError(name, "invalid attribute \"cycleTime_sim_us\"")
	}
	step.CycleTime = *rs.CycleTime

	if rs.MaxRuntime != nil {
		if *rs.MaxRuntime < 0 {
			return name, step, stepError(name, "invalid attribute \"maxRuntime_us\"")
		}
		step.MaxRuntime = *rs.MaxRuntime
	}

	switch {
	case rs.MaxInputWaitTime == nil:
		return name, step, stepError(name, "missing attribute \"maxInputWaittime_us\"")
	case *rs.MaxInputWaitTime < 0:
		return name, step, stepError(name, "invalid attribute \"maxInputWaittime_us\"")
	}
	step.MaxInputWaitTime = *rs.MaxInputWaitTime

	if rs.RuntimeViolationStrategy == nil {
		return name, step, stepError(name, "missing attribute \"runtimeViolationStrategy\"")
	}
	step.RuntimeViolationStrategy = *rs.RuntimeViolationStrategy

	for _, ri := range rs.Inputs {
		inName, err := requireName(ri.Name, "input")
		if err != nil {
			return name, step, fmt.Errorf("step %q: %w", name, err)
		}
		if ri.ValidAge == nil {
			return name, step, stepError(name, "input "+inName+": missing attribute \"validAge_sim_us\"")
		}
		in := types.InputConfig{ValidAge: *ri.ValidAge}
		if ri.Delay != nil {
			if *ri.Delay < 0 {
				return name, step, stepError(name, "input "+inName+": invalid attribute \"delay_sim_us\"")
			}
			in.Delay = *ri.Delay
		}
		if ri.InputViolationStrategy == nil {
			return name, step, stepError(name, "input "+inName+": missing attribute \"inputViolationStrategy\"")
		}
		in.Strategy = *ri.InputViolationStrategy
		step.Inputs[inName] = in
	}

	for _, ro := range rs.Outputs {
		outName, err := requireName(ro.Name, "output")
		if err != nil {
			return name, step, fmt.Errorf("step %q: %w", name, err)
		}
		step.Outputs[outName] = types.OutputConfig{}
	}
	return name, step, nil
}

func requireName(name *string, element string) (string, error) {
	if name == nil {
		return "", fmt.Errorf("%w: %s: missing attribute \"name\"", ErrTimingConfig, element)
	}
	if strings.TrimSpace(*name) == "" {
		return "", fmt.Errorf("%w: %s: empty attribute \"name\"", ErrTimingConfig, element)
	}
	return *name, nil
}

func stepError(step, msg string) error {
	return fmt.Errorf("%w: step %q: %s", ErrTimingConfig, step, msg)
}
