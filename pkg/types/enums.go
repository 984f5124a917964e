package types

import (
	"fmt"
	"strings"
)

// TimeViolationStrategy selects the reaction to a runtime or trigger
// violation of a step.
type TimeViolationStrategy int

const (
	TSUnknown TimeViolationStrategy = iota
	TSIgnoreRuntimeViolation
	TSWarnAboutRuntimeViolation
	TSSkipOutputPublish
	TSSetStmToError
)

var timeStrategyNames = map[TimeViolationStrategy]string{
	TSUnknown:                   "TS_UNKNOWN",
	TSIgnoreRuntimeViolation:    "TS_IGNORE_RUNTIME_VIOLATION",
	TSWarnAboutRuntimeViolation: "TS_WARN_ABOUT_RUNTIME_VIOLATION",
	TSSkipOutputPublish:         "TS_SKIP_OUTPUT_PUBLISH",
	TSSetStmToError:             "TS_SET_STM_TO_ERROR",
}

func (s TimeViolationStrategy) String() string {
	if name, ok := timeStrategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TS_INVALID(%d)", int(s))
}

// Valid reports whether s is a known, set strategy.
func (s TimeViolationStrategy) Valid() bool {
	return s > TSUnknown && s <= TSSetStmToError
}

// ParseTimeViolationStrategy parses the configuration spelling.
func ParseTimeViolationStrategy(s string) (TimeViolationStrategy, error) {
	for k, v := range timeStrategyNames {
		if v == strings.TrimSpace(s) && k != TSUnknown {
			return k, nil
		}
	}
	return TSUnknown, fmt.Errorf("%w: unknown runtime violation strategy %q", ErrInvalidArgument, s)
}

// UnmarshalYAML lets configuration files use the TS_* spelling.
func (s *TimeViolationStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := ParseTimeViolationStrategy(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// InputViolationStrategy selects the reaction to an input that does not
// meet its valid age.
type InputViolationStrategy int

const (
	ISUnknown InputViolationStrategy = iota
	ISIgnoreInputValidityViolation
	ISWarnAboutInputValidityViolation
	ISSkipOutputPublish
	ISSetStmToError
)

var inputStrategyNames = map[InputViolationStrategy]string{
	ISUnknown:                         "IS_UNKNOWN",
	ISIgnoreInputValidityViolation:    "IS_IGNORE_INPUT_VALIDITY_VIOLATION",
	ISWarnAboutInputValidityViolation: "IS_WARN_ABOUT_INPUT_VALIDITY_VIOLATION",
	ISSkipOutputPublish:               "IS_SKIP_OUTPUT_PUBLISH",
	ISSetStmToError:                   "IS_SET_STM_TO_ERROR",
}

func (s InputViolationStrategy) String() string {
	if name, ok := inputStrategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("IS_INVALID(%d)", int(s))
}

// Valid reports whether s is a known, set strategy.
func (s InputViolationStrategy) Valid() bool {
	return s > ISUnknown && s <= ISSetStmToError
}

// ParseInputViolationStrategy parses the configuration spelling.
func ParseInputViolationStrategy(s string) (InputViolationStrategy, error) {
	for k, v := range inputStrategyNames {
		if v == strings.TrimSpace(s) && k != ISUnknown {
			return k, nil
		}
	}
	return ISUnknown, fmt.Errorf("%w: unknown input violation strategy %q", ErrInvalidArgument, s)
}

// UnmarshalYAML lets configuration files use the IS_* spelling.
func (s *InputViolationStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := ParseInputViolationStrategy(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// TriggerMode selects the step trigger strategy of the timing master.
type TriggerMode string

const (
	TriggerModeAFAP       TriggerMode = "AFAP"
	TriggerModeSystemTime TriggerMode = "SYSTEM_TIME"
	TriggerModeExternal   TriggerMode = "EXTERNAL_CLOCK"
	TriggerModeUser       TriggerMode = "USER_IMPLEMENTATION"
)

// Severity of an incident.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCriticalLocal
	SeverityCriticalGlobal
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityCriticalLocal:
		return "Critical_Local"
	case SeverityCriticalGlobal:
		return "Critical_Global"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// IsCritical reports whether s is one of the critical levels.
func (s Severity) IsCritical() bool {
	return s >= SeverityCriticalLocal
}

// IncidentCode identifies the kind of an incident.
type IncidentCode int

const (
	IncidentGeneralWarning                          IncidentCode = 3
	IncidentGeneralInformation                      IncidentCode = 4
	IncidentGeneralCritical                         IncidentCode = 5
	IncidentTimingClientConfigurationFail           IncidentCode = 600
	IncidentTimingMasterConfigurationFail           IncidentCode = 601
	IncidentTimingClientTriggerSkip                 IncidentCode = 602
	IncidentTimingClientTriggerTimeout              IncidentCode = 603
	IncidentTimingClientNotifFail                   IncidentCode = 610
	IncidentTimingClientMasterMisconfiguration      IncidentCode = 611
	IncidentStepListenerRuntimeViolation            IncidentCode = 620
	IncidentStepListenerInputValidityViolation      IncidentCode = 621
	IncidentStepListenerTransmitOutputsFail         IncidentCode = 622
	IncidentStepListenerTransmitAcknowledgementFail IncidentCode = 623
	IncidentTimingMasterAckReceptionTimeout         IncidentCode = 640
)
