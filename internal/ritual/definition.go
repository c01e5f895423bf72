// Package ritual implements Ritual Definition parsing and the Ritual
// Engine (spec.md §3, §4.7): a deterministic interpreter over a declarative
// step sequence, orchestrating Policy Kernel checks, capsule invocations,
// approval gates, switches, and timers through the event log.
package ritual

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is the declarative document the engine consumes by value
// (spec.md §3 "Ritual Definition"). Immutable post-publication.
type Definition struct {
	RitualID string `yaml:"ritualId"`
	Version  string `yaml:"version"`
	Steps    []Step `yaml:"steps"`
}

// StepKind discriminates the tagged Step variant.
type StepKind string

const (
	StepCapsule  StepKind = "capsule"
	StepApproval StepKind = "approval"
	StepSwitch   StepKind = "switch"
	StepTimer    StepKind = "timer"
)

// Step is a tagged variant; exactly one of the kind-specific fields is
// populated, selected by Kind.
type Step struct {
	ID   string   `yaml:"id"`
	Kind StepKind `yaml:"kind"`

	Capsule  *CapsuleStep  `yaml:"capsule,omitempty"`
	Approval *ApprovalStep `yaml:"approval,omitempty"`
	Switch   *SwitchStep   `yaml:"switch,omitempty"`
	Timer    *TimerStep    `yaml:"timer,omitempty"`
}

// CapsuleStep invokes a capability-gated unit of work.
type CapsuleStep struct {
	CapsuleRef     string            `yaml:"capsuleRef"`
	Capability     string            `yaml:"capability"`
	Inputs         map[string]any    `yaml:"inputs,omitempty"`
	OutputsBinding string            `yaml:"outputsBinding,omitempty"`
	ImageDigest    string            `yaml:"imageDigest"`
	Command        []string          `yaml:"command"`
	Env            map[string]string `yaml:"env,omitempty"`
}

// ApprovalStep requests sign-off before the run proceeds.
type ApprovalStep struct {
	GateID     string   `yaml:"gateId"`
	Approvers  []string `yaml:"approvers"`
	TTLSeconds int      `yaml:"ttlSeconds,omitempty"`
	Reason     string   `yaml:"reason,omitempty"`
}

// SwitchStep deterministically selects the first matching branch
// (spec.md §4.7: "ties are broken by declaration order").
type SwitchStep struct {
	Conditions []Condition `yaml:"conditions"`
}

// Condition pairs a predicate over bound outputs with the steps to run
// when it's the first to match.
type Condition struct {
	// Binding is the id of an earlier step whose recorded outcome
	// ("success" or "failure") is inspected.
	Binding string `yaml:"binding"`
	// Equals is the literal value Binding must equal for this branch to
	// match. An empty Equals with a non-empty Binding matches any
	// non-empty bound value (a default/else branch uses an empty Binding).
	Equals string `yaml:"equals,omitempty"`
	Steps  []Step `yaml:"steps"`
}

// TimerStep suspends the run until its duration elapses.
type TimerStep struct {
	DurationSeconds int `yaml:"durationSeconds"`
}

// Parse decodes a Ritual Definition from YAML.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse ritual definition: %w", err)
	}
	if def.RitualID == "" {
		return Definition{}, fmt.Errorf("ritual definition missing ritualId")
	}
	for i, step := range def.Steps {
		if err := step.validate(); err != nil {
			return Definition{}, fmt.Errorf("step %d (%s): %w", i, step.ID, err)
		}
	}
	return def, nil
}

func (s Step) validate() error {
	switch s.Kind {
	case StepCapsule:
		if s.Capsule == nil {
			return fmt.Errorf("kind capsule requires a capsule block")
		}
	case StepApproval:
		if s.Approval == nil {
			return fmt.Errorf("kind approval requires an approval block")
		}
	case StepSwitch:
		if s.Switch == nil || len(s.Switch.Conditions) == 0 {
			return fmt.Errorf("kind switch requires at least one condition")
		}
	case StepTimer:
		if s.Timer == nil {
			return fmt.Errorf("kind timer requires a timer block")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}
