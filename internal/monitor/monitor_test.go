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

package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowline/internal/repository/memory"
	"github.com/tombee/flowline/pkg/workflow"
)

func terminalExecution(id string, status workflow.ExecutionStatus, duration time.Duration) *workflow.Execution {
	start := time.Now().Add(-duration)
	end := start.Add(duration)
	stepEnd := end
	return &workflow.Execution{
		ID:         id,
		WorkflowID: "pipeline-1",
		Status:     status,
		StartTime:  start,
		EndTime:    &end,
		Steps: []*workflow.StepExecution{
			{
				ID:        id + "-se",
				StepID:    "extract",
				Status:    workflow.StepStatusCompleted,
				StartTime: &start,
				EndTime:   &stepEnd,
			},
		},
	}
}

func TestUpdateWorkflowMetricsIncremental(t *testing.T) {
	m := New(nil, nil)

	m.UpdateWorkflowMetrics(terminalExecution("e1", workflow.ExecutionStatusCompleted, 10*time.Second))
	m.UpdateWorkflowMetrics(terminalExecution("e2", workflow.ExecutionStatusCompleted, 20*time.Second))
	m.UpdateWorkflowMetrics(terminalExecution("e3", workflow.ExecutionStatusFailed, 30*time.Second))

	wm := m.GetWorkflowMetrics("pipeline-1")
	require.NotNil(t, wm)
	assert.Equal(t, int64(3), wm.TotalExecutions)
	assert.Equal(t, int64(2), wm.Succeeded)
	assert.Equal(t, int64(1), wm.Failed)
	assert.Equal(t, 10*time.Second, wm.MinDuration)
	assert.Equal(t, 30*time.Second, wm.MaxDuration)
	// Incremental mean: 10 -> 15 -> 20.
	assert.Equal(t, 20*time.Second, wm.AvgDuration)
}

func TestUpdateWorkflowMetricsIgnoresNonTerminal(t *testing.T) {
	m := New(nil, nil)

	exec := terminalExecution("e1", workflow.ExecutionStatusRunning, time.Second)
	m.UpdateWorkflowMetrics(exec)

	assert.Nil(t, m.GetWorkflowMetrics("pipeline-1"))
}

func TestStepMetricsAndCommonErrors(t *testing.T) {
	m := New(nil, nil)

	exec := terminalExecution("e1", workflow.ExecutionStatusFailed, 5*time.Second)
	exec.Steps[0].Status = workflow.StepStatusFailed
	exec.Steps[0].RetryCount = 2
	exec.Steps[0].Errors = []workflow.ExecutionError{
		{Kind: "Timeout", Message: "operation timed out"},
		{Kind: "Timeout", Message: "operation timed out"},
		{Kind: "ProcessorError", Message: strings.Repeat("x", 200)},
	}
	m.UpdateWorkflowMetrics(exec)

	steps := m.GetStepMetrics("pipeline-1")
	sm := steps["extract"]
	require.NotNil(t, sm)
	assert.Equal(t, int64(1), sm.TotalRuns)
	assert.Equal(t, int64(1), sm.Failed)
	assert.Equal(t, int64(2), sm.Retries)
	assert.Equal(t, int64(2), sm.CommonErrors["Timeout:operation timed out"])

	// Long messages are grouped under a bounded key prefix.
	for key := range sm.CommonErrors {
		assert.LessOrEqual(t, len([]rune(key)), commonErrorKeyLimit)
	}
}

func TestStepMeanIgnoresRunsWithoutDuration(t *testing.T) {
	m := New(nil, nil)

	first := terminalExecution("e1", workflow.ExecutionStatusCompleted, 10*time.Second)
	m.UpdateWorkflowMetrics(first)

	// A failed run that never started has no duration to observe.
	second := terminalExecution("e2", workflow.ExecutionStatusFailed, 5*time.Second)
	second.Steps[0].Status = workflow.StepStatusFailed
	second.Steps[0].StartTime = nil
	second.Steps[0].EndTime = nil
	m.UpdateWorkflowMetrics(second)

	third := terminalExecution("e3", workflow.ExecutionStatusCompleted, 20*time.Second)
	m.UpdateWorkflowMetrics(third)

	sm := m.GetStepMetrics("pipeline-1")["extract"]
	require.NotNil(t, sm)
	assert.Equal(t, int64(3), sm.TotalRuns)
	// Mean over the two timed runs only: (10 + 20) / 2.
	assert.Equal(t, 15*time.Second, sm.AvgDuration)
}

func TestRecordTimelineEventPersists(t *testing.T) {
	store := memory.New()
	m := New(store, nil)
	ctx := context.Background()

	event := workflow.NewTimelineEvent("exec-1", "extract", workflow.EventStepStarted, nil)
	m.RecordTimelineEvent(ctx, event)

	events, err := m.GetTimelineEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, workflow.EventStepStarted, events[0].Type)
	assert.Equal(t, "extract", events[0].StepID)
}
