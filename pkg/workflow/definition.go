// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workflow defines the ETL workflow data model: versioned
// definitions, steps with dependencies and error policies, executions,
// timeline events, and the processor contract.
package workflow

import (
	"fmt"
	"time"

	"github.com/tombee/flowline/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StepType identifies the kind of work a step performs.
// The set is closed; Custom steps dispatch through the processor
// registry by configuration subtype.
type StepType string

const (
	StepTypeExtract   StepType = "Extract"
	StepTypeTransform StepType = "Transform"
	StepTypeLoad      StepType = "Load"
	StepTypeValidate  StepType = "Validate"
	StepTypeEnrich    StepType = "Enrich"
	StepTypeBranch    StepType = "Branch"
	StepTypeJoin      StepType = "Join"
	StepTypeCustom    StepType = "Custom"
)

// ValidStepTypes lists every recognized step type.
var ValidStepTypes = []StepType{
	StepTypeExtract, StepTypeTransform, StepTypeLoad, StepTypeValidate,
	StepTypeEnrich, StepTypeBranch, StepTypeJoin, StepTypeCustom,
}

// ErrorAction determines how a step failure is handled.
type ErrorAction string

const (
	// ErrorActionStop terminates the execution as Failed.
	ErrorActionStop ErrorAction = "StopWorkflow"
	// ErrorActionContinue marks the step Failed but keeps scheduling.
	// Successors of the failed step are never reached.
	ErrorActionContinue ErrorAction = "ContinueWorkflow"
	// ErrorActionRetry re-queues the step until its retry budget runs out.
	ErrorActionRetry ErrorAction = "RetryStep"
	// ErrorActionSkip marks the step Skipped; successors treat the
	// dependency as satisfied.
	ErrorActionSkip ErrorAction = "SkipStep"
	// ErrorActionFallback fails the step and re-queues its fallback step.
	ErrorActionFallback ErrorAction = "ExecuteFallback"
)

// ConditionType identifies the kind of a step guard condition.
type ConditionType string

const (
	ConditionTypeExpression ConditionType = "Expression"
	ConditionTypeScript     ConditionType = "Script"
	ConditionTypeDataBased  ConditionType = "DataBased"
	ConditionTypeExternal   ConditionType = "External"
)

// Condition is a guard evaluated before a step runs.
// All conditions on a step must hold for the step to execute.
type Condition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// StepErrorHandling is the per-step error policy.
type StepErrorHandling struct {
	// OnError selects the action applied when the step fails.
	OnError ErrorAction `json:"on_error" yaml:"on_error"`

	// FallbackStepID names the step re-queued by ErrorActionFallback.
	FallbackStepID string `json:"fallback_step_id,omitempty" yaml:"fallback_step_id,omitempty"`
}

// ErrorHandling is the workflow-level error policy.
type ErrorHandling struct {
	// DefaultAction applies to steps without an explicit policy.
	DefaultAction ErrorAction `json:"default_action" yaml:"default_action"`

	// MaxErrors caps accumulated errors across the whole execution.
	// Zero means unlimited.
	MaxErrors int `json:"max_errors,omitempty" yaml:"max_errors,omitempty"`

	// LogDetails enables detailed error logging on failure paths.
	LogDetails bool `json:"log_details,omitempty" yaml:"log_details,omitempty"`

	// Notify enables terminal notifications for this workflow.
	Notify bool `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// Step is a typed unit of work with declared dependencies, error policy,
// and free-form configuration consumed by its processor.
type Step struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type StepType `json:"type" yaml:"type"`

	// Configuration is opaque to the engine; recognized keys are
	// documented at each processor's contract boundary. The engine only
	// reads the well-known "timeout_seconds" key.
	Configuration map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`

	DependsOn  []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// RetryCount is the maximum number of attempts after the first.
	RetryCount int `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`

	// RetryInterval is the delay before a retry attempt.
	RetryInterval time.Duration `json:"retry_interval,omitempty" yaml:"retry_interval,omitempty"`

	ErrorHandling *StepErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
}

// UnmarshalYAML accepts retry_interval as a duration string ("30s",
// "5m") or a number of seconds, alongside the plain step fields.
func (s *Step) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		ID            string             `yaml:"id"`
		Name          string             `yaml:"name"`
		Type          StepType           `yaml:"type"`
		Configuration map[string]any     `yaml:"configuration"`
		DependsOn     []string           `yaml:"depends_on"`
		Conditions    []Condition        `yaml:"conditions"`
		RetryCount    int                `yaml:"retry_count"`
		RetryInterval any                `yaml:"retry_interval"`
		ErrorHandling *StepErrorHandling `yaml:"error_handling"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	s.ID = raw.ID
	s.Name = raw.Name
	s.Type = raw.Type
	s.Configuration = raw.Configuration
	s.DependsOn = raw.DependsOn
	s.Conditions = raw.Conditions
	s.RetryCount = raw.RetryCount
	s.ErrorHandling = raw.ErrorHandling

	switch v := raw.RetryInterval.(type) {
	case nil:
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("step %q: invalid retry_interval %q: %w", s.ID, v, err)
		}
		s.RetryInterval = d
	case int:
		s.RetryInterval = time.Duration(v) * time.Second
	case float64:
		s.RetryInterval = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("step %q: invalid retry_interval type %T", s.ID, v)
	}
	return nil
}

// TimeoutSecondsKey is the step configuration key carrying an optional
// per-step timeout in seconds.
const TimeoutSecondsKey = "timeout_seconds"

// Timeout returns the per-step timeout from configuration, or zero when
// none is configured.
func (s *Step) Timeout() time.Duration {
	v, ok := s.Configuration[TimeoutSecondsKey]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	default:
		return 0
	}
}

// Definition is a versioned, acyclic graph of steps plus global error
// policy. A definition is immutable once referenced by an execution; an
// edit creates a new version.
type Definition struct {
	ID          string   `json:"id" yaml:"id"`
	Version     int      `json:"version" yaml:"version"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`

	ErrorHandling ErrorHandling  `json:"error_handling" yaml:"error_handling"`
	Variables     map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`

	IsLatest  bool      `json:"is_latest" yaml:"is_latest"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// ParseDefinition parses a YAML workflow definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "parse workflow definition")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// StepByID returns the step with the given id, or nil.
func (d *Definition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// EffectivePolicy resolves the error action for a step, falling back to
// the workflow default and finally to StopWorkflow.
func (d *Definition) EffectivePolicy(s *Step) ErrorAction {
	if s.ErrorHandling != nil && s.ErrorHandling.OnError != "" {
		return s.ErrorHandling.OnError
	}
	if d.ErrorHandling.DefaultAction != "" {
		return d.ErrorHandling.DefaultAction
	}
	return ErrorActionStop
}

// Validate checks structural invariants: non-empty id and steps, unique
// step ids, known step types, dependencies and fallback targets that
// resolve within the definition, and an acyclic dependency graph.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &errors.ConfigurationError{
			Key:        "id",
			Reason:     "workflow id is required",
			Suggestion: "set a stable workflow identifier",
		}
	}
	if len(d.Steps) == 0 {
		return &errors.ConfigurationError{
			Key:        "steps",
			Reason:     "workflow has no steps",
			Suggestion: "define at least one step",
		}
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return &errors.ConfigurationError{
				Key:    fmt.Sprintf("steps[%d].id", i),
				Reason: "step id is required",
			}
		}
		if seen[s.ID] {
			return &errors.ConfigurationError{
				Key:    fmt.Sprintf("steps.%s", s.ID),
				Reason: "duplicate step id",
			}
		}
		seen[s.ID] = true

		if !validStepType(s.Type) {
			return &errors.ConfigurationError{
				Key:        fmt.Sprintf("steps.%s.type", s.ID),
				Reason:     fmt.Sprintf("unknown step type %q", s.Type),
				Suggestion: "use one of: Extract, Transform, Load, Validate, Enrich, Branch, Join, Custom",
			}
		}
	}

	for i := range d.Steps {
		s := &d.Steps[i]
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return &errors.ConfigurationError{
					Key:    fmt.Sprintf("steps.%s.depends_on", s.ID),
					Reason: "step depends on itself",
				}
			}
			if !seen[dep] {
				return &errors.ConfigurationError{
					Key:        fmt.Sprintf("steps.%s.depends_on", s.ID),
					Reason:     fmt.Sprintf("dependency %q does not exist", dep),
					Suggestion: "every depends_on entry must name a step in the same workflow",
				}
			}
		}
		if s.ErrorHandling != nil && s.ErrorHandling.OnError == ErrorActionFallback {
			fb := s.ErrorHandling.FallbackStepID
			if fb == s.ID {
				return &errors.ConfigurationError{
					Key:        fmt.Sprintf("steps.%s.error_handling.fallback_step_id", s.ID),
					Reason:     "step names itself as its fallback",
					Suggestion: "fallback_step_id must name a different step",
				}
			}
			if fb == "" || !seen[fb] {
				return &errors.ConfigurationError{
					Key:        fmt.Sprintf("steps.%s.error_handling.fallback_step_id", s.ID),
					Reason:     fmt.Sprintf("fallback step %q does not exist", fb),
					Suggestion: "fallback_step_id must name a step in the same workflow",
				}
			}
		}
	}

	if cycle := d.findCycle(); cycle != "" {
		return &errors.ConfigurationError{
			Key:        "steps",
			Reason:     fmt.Sprintf("dependency cycle involving step %q", cycle),
			Suggestion: "the dependency graph must be acyclic",
		}
	}

	if cycle := d.findFallbackCycle(); cycle != "" {
		return &errors.ConfigurationError{
			Key:        "steps",
			Reason:     fmt.Sprintf("fallback cycle involving step %q", cycle),
			Suggestion: "fallback chains must not loop back on themselves",
		}
	}

	return nil
}

// findCycle runs a depth-first search over the dependency graph and
// returns the id of a step on a cycle, or "".
func (d *Definition) findCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(d.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		if s := d.StepByID(id); s != nil {
			for _, dep := range s.DependsOn {
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		state[id] = done
		return ""
	}

	for i := range d.Steps {
		if hit := visit(d.Steps[i].ID); hit != "" {
			return hit
		}
	}
	return ""
}

// findFallbackCycle runs the same depth-first search as findCycle over
// the fallback edges. A loop of steps naming each other as fallbacks
// would requeue one another without bound at runtime.
func (d *Definition) findFallbackCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(d.Steps))

	fallbackOf := func(id string) string {
		s := d.StepByID(id)
		if s == nil || s.ErrorHandling == nil || s.ErrorHandling.OnError != ErrorActionFallback {
			return ""
		}
		return s.ErrorHandling.FallbackStepID
	}

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		if fb := fallbackOf(id); fb != "" {
			if hit := visit(fb); hit != "" {
				return hit
			}
		}
		state[id] = done
		return ""
	}

	for i := range d.Steps {
		if hit := visit(d.Steps[i].ID); hit != "" {
			return hit
		}
	}
	return ""
}

func validStepType(t StepType) bool {
	for _, v := range ValidStepTypes {
		if t == v {
			return true
		}
	}
	return false
}
