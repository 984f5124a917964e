// Package config loads the participant configuration file and the timing
// configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/audi/fep-participant-sub001/internal/property"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Config is the participant configuration file (configs/participant.yaml).
type Config struct {
	Participant struct {
		Name string `yaml:"name"`
		Role string `yaml:"role"` // master or participant
	} `yaml:"participant"`

	Timing struct {
		Master           string  `yaml:"master"`
		TriggerMode      string  `yaml:"trigger_mode"`
		SpeedFactor      float64 `yaml:"speed_factor"`
		AckWaitTimeoutS  int64   `yaml:"ack_wait_timeout_s"`
		MinTriggerTimeMs int64   `yaml:"min_trigger_time_ms"`
		SystemTimeoutS   int64   `yaml:"system_timeout_s"`
		ConfigFile       string  `yaml:"config_file"`
		ScheduleWindowMs int64   `yaml:"schedule_window_ms"`
		ExpectedSteps    int     `yaml:"expected_steps"`
	} `yaml:"timing"`

	// Steps are synthetic jobs the participant runs, each busy for WorkUs
	// per cycle.
	Steps []StepSpec `yaml:"steps"`

	Transport struct {
		Listen      string   `yaml:"listen"`
		Peers       []string `yaml:"peers"`
		CallTimeout int      `yaml:"call_timeout_ms"`
	} `yaml:"transport"`

	Journal struct {
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"journal"`

	Snapshot struct {
		Path string `yaml:"path"`
	} `yaml:"snapshot"`

	Trace struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"` // empty means a generated name
	} `yaml:"trace"`

	Monitor struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"monitor"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`
}

// StepSpec configures one job of the participant.
type StepSpec struct {
	Name                     string `yaml:"name"`
	CycleTimeUs              int64  `yaml:"cycle_time_us"`
	MaxRuntimeUs             int64  `yaml:"max_runtime_us"`
	RuntimeViolationStrategy string `yaml:"runtime_violation_strategy"`
	WorkUs                   int64  `yaml:"work_us"`
}

// StepConfig converts the entry into a validated step config.
func (s StepSpec) StepConfig() (types.StepConfig, error) {
	cfg := types.NewStepConfig(s.CycleTimeUs)
	cfg.MaxRuntime = s.MaxRuntimeUs
	if s.RuntimeViolationStrategy != "" {
		strategy, err := types.ParseTimeViolationStrategy(s.RuntimeViolationStrategy)
		if err != nil {
			return cfg, fmt.Errorf("step %q: %w", s.Name, err)
		}
		cfg.RuntimeViolationStrategy = strategy
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("step %q: %w", s.Name, err)
	}
	return cfg, nil
}

// Default returns the values used when a key is absent from the file.
func Default() *Config {
	cfg := &Config{}
	cfg.Participant.Role = "participant"
	cfg.Timing.SpeedFactor = 1
	cfg.Timing.AckWaitTimeoutS = 10
	cfg.Timing.SystemTimeoutS = 300
	cfg.Timing.ScheduleWindowMs = 500
	cfg.Transport.CallTimeout = 100
	cfg.Journal.Path = "data/incidents.jsonl"
	cfg.Snapshot.Path = "data/schedule.json"
	cfg.Monitor.Addr = ":9090"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values the participant cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Participant.Name) == "" {
		return fmt.Errorf("participant.name is required")
	}
	switch c.Participant.Role {
	case "master", "participant":
	default:
		return fmt.Errorf("participant.role must be master or participant, got %q", c.Participant.Role)
	}
	seen := make(map[string]bool, len(c.Steps))
	for _, st := range c.Steps {
		if st.Name == "" {
			return fmt.Errorf("steps: every step needs a name")
		}
		if seen[st.Name] {
			return fmt.Errorf("steps: duplicate step %q", st.Name)
		}
		seen[st.Name] = true
		if _, err := st.StepConfig(); err != nil {
			return fmt.Errorf("steps: %w", err)
		}
	}
	if c.IsMaster() && c.Timing.Master == "" {
		c.Timing.Master = c.Participant.Name
	}
	return nil
}

// IsMaster reports whether this participant drives the schedule.
func (c *Config) IsMaster() bool {
	return c.Participant.Role == "master"
}

// Apply copies the timing settings into the property tree the timing
// components read from.
func (c *Config) Apply(tree *property.Tree) error {
	values := map[string]any{
		property.TimingMasterParticipant:    c.Timing.Master,
		property.TimingMasterSpeedFactor:    c.Timing.SpeedFactor,
		property.TimingMasterAckWaitTimeout: c.Timing.AckWaitTimeoutS,
		property.TimingMasterMinTriggerTime: c.Timing.MinTriggerTimeMs,
		property.TimingClientSystemTimeout:  c.Timing.SystemTimeoutS,
		property.TimingClientConfigFile:     c.Timing.ConfigFile,
	}
	if c.Timing.TriggerMode != "" {
		values[property.TimingMasterTriggerMode] = c.Timing.TriggerMode
	}
	return tree.Merge(values)
}
