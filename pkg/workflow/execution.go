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

package workflow

import (
	"time"
)

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "Pending"
	ExecutionStatusRunning   ExecutionStatus = "Running"
	ExecutionStatusPaused    ExecutionStatus = "Paused"
	ExecutionStatusCompleted ExecutionStatus = "Completed"
	ExecutionStatusFailed    ExecutionStatus = "Failed"
	ExecutionStatusCancelled ExecutionStatus = "Cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of one step within an execution.
type StepStatus string

const (
	StepStatusNotStarted StepStatus = "NotStarted"
	StepStatusWaiting    StepStatus = "Waiting"
	StepStatusRunning    StepStatus = "Running"
	StepStatusCompleted  StepStatus = "Completed"
	StepStatusFailed     StepStatus = "Failed"
	StepStatusSkipped    StepStatus = "Skipped"
	StepStatusCancelled  StepStatus = "Cancelled"
)

// Terminal reports whether the status is final for this execution.
// A Failed step may still return to NotStarted on the retry path.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a successor may treat this step's
// dependency edge as satisfied.
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// TriggerType identifies what initiated an execution.
const (
	TriggerManual   = "Manual"
	TriggerSchedule = "Schedule"
	TriggerEvent    = "Event"
)

// ExecutionError is one recorded failure, attached to the step that
// raised it and to the execution's accumulated error list.
type ExecutionError struct {
	StepID    string    `json:"step_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StepExecution is the state record for one step within one execution.
type StepExecution struct {
	ID     string     `json:"id"`
	StepID string     `json:"step_id"`
	Status StepStatus `json:"status"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// RetryCount is the number of retry attempts consumed so far.
	RetryCount int `json:"retry_count"`

	// Input snapshots the outputs of the step's dependencies at launch.
	Input map[string]any `json:"input,omitempty"`

	// Output is the processor's return value on success.
	Output any `json:"output,omitempty"`

	Errors []ExecutionError `json:"errors,omitempty"`
}

// Duration returns the wall-clock duration of the step, or zero when the
// step has not finished.
func (se *StepExecution) Duration() time.Duration {
	if se.StartTime == nil || se.EndTime == nil {
		return 0
	}
	return se.EndTime.Sub(*se.StartTime)
}

// Execution is a single run of a workflow. It owns one StepExecution per
// step, the mutable context visible to processors, and the accumulated
// error list. The engine owns the record until a terminal status.
type Execution struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`

	Status    ExecutionStatus `json:"status"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`

	// Parameters are caller-supplied and read-only during the run.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Variables are seeded from the definition and mutable by steps.
	Variables map[string]any `json:"variables,omitempty"`

	// StepOutputs maps step id to its last successful output.
	StepOutputs map[string]any `json:"step_outputs,omitempty"`

	Steps  []*StepExecution `json:"steps"`
	Errors []ExecutionError `json:"errors,omitempty"`

	TriggerType string `json:"trigger_type"`

	// Revision guards against lost updates between the scheduling loop
	// and cancel/pause handlers. SaveExecution refuses to overwrite a
	// newer revision.
	Revision int64 `json:"revision"`
}

// StepExecutionFor returns the state record for the given step id, or nil.
func (e *Execution) StepExecutionFor(stepID string) *StepExecution {
	for _, se := range e.Steps {
		if se.StepID == stepID {
			return se
		}
	}
	return nil
}

// AddError appends an error to the execution's accumulated list and, when
// stepID resolves, to the step's local list.
func (e *Execution) AddError(stepID, kind, message string) {
	rec := ExecutionError{
		StepID:    stepID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
	e.Errors = append(e.Errors, rec)
	if se := e.StepExecutionFor(stepID); se != nil {
		se.Errors = append(se.Errors, rec)
	}
}

// AllStepsSettled reports whether every step reached Completed or Skipped.
func (e *Execution) AllStepsSettled() bool {
	for _, se := range e.Steps {
		if !se.Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}

// ExecutionSummary is a lightweight projection of one execution used by
// listing endpoints.
type ExecutionSummary struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         ExecutionStatus `json:"status"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	Duration       time.Duration   `json:"duration"`
	StepsTotal     int             `json:"steps_total"`
	StepsCompleted int             `json:"steps_completed"`
	StepsFailed    int             `json:"steps_failed"`
	StepsSkipped   int             `json:"steps_skipped"`
	ErrorCount     int             `json:"error_count"`
	TriggerType    string          `json:"trigger_type"`
}

// Summarize builds the listing projection for this execution.
func (e *Execution) Summarize() *ExecutionSummary {
	s := &ExecutionSummary{
		ID:          e.ID,
		WorkflowID:  e.WorkflowID,
		Status:      e.Status,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		StepsTotal:  len(e.Steps),
		ErrorCount:  len(e.Errors),
		TriggerType: e.TriggerType,
	}
	if e.EndTime != nil {
		s.Duration = e.EndTime.Sub(e.StartTime)
	}
	for _, se := range e.Steps {
		switch se.Status {
		case StepStatusCompleted:
			s.StepsCompleted++
		case StepStatusFailed:
			s.StepsFailed++
		case StepStatusSkipped:
			s.StepsSkipped++
		}
	}
	return s
}
