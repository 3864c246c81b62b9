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

	"github.com/google/uuid"
)

// EventType is the closed set of timeline event kinds.
type EventType string

const (
	EventWorkflowStarted   EventType = "WorkflowStarted"
	EventWorkflowCompleted EventType = "WorkflowCompleted"
	EventWorkflowFailed    EventType = "WorkflowFailed"
	EventWorkflowPaused    EventType = "WorkflowPaused"
	EventWorkflowResumed   EventType = "WorkflowResumed"
	EventWorkflowCancelled EventType = "WorkflowCancelled"
	EventStepStarted       EventType = "StepStarted"
	EventStepCompleted     EventType = "StepCompleted"
	EventStepFailed        EventType = "StepFailed"
	EventStepRetrying      EventType = "StepRetrying"
	EventStepSkipped       EventType = "StepSkipped"
	EventErrorOccurred     EventType = "ErrorOccurred"
	EventWarningOccurred   EventType = "WarningOccurred"
	EventInformation       EventType = "Information"
	EventCustom            EventType = "Custom"
)

// TimelineEvent is a structured, append-only record of a state
// transition or notable occurrence during an execution.
type TimelineEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewTimelineEvent builds an event with a fresh id and timestamp.
func NewTimelineEvent(executionID, stepID string, t EventType, data map[string]any) *TimelineEvent {
	return &TimelineEvent{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        t,
		Timestamp:   time.Now(),
		Data:        data,
	}
}
