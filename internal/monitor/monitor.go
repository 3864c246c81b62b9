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

// Package monitor records timeline events and folds terminal executions
// into per-workflow and per-step metric aggregates.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flowline/internal/repository"
	"github.com/tombee/flowline/pkg/workflow"
)

// commonErrorKeyLimit is the stable prefix length used to group common
// errors, keeping the key space bounded for noisy error messages.
const commonErrorKeyLimit = 64

// WorkflowMetrics aggregates terminal executions of one workflow.
type WorkflowMetrics struct {
	WorkflowID      string        `json:"workflow_id"`
	TotalExecutions int64         `json:"total_executions"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
	Cancelled       int64         `json:"cancelled"`
	MinDuration     time.Duration `json:"min_duration"`
	AvgDuration     time.Duration `json:"avg_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecution   time.Time     `json:"last_execution"`
}

// StepMetrics aggregates settled runs of one step across executions of
// its workflow.
type StepMetrics struct {
	StepID       string           `json:"step_id"`
	TotalRuns    int64            `json:"total_runs"`
	Succeeded    int64            `json:"succeeded"`
	Failed       int64            `json:"failed"`
	Skipped      int64            `json:"skipped"`
	Retries      int64            `json:"retries"`
	MinDuration  time.Duration    `json:"min_duration"`
	AvgDuration  time.Duration    `json:"avg_duration"`
	MaxDuration  time.Duration    `json:"max_duration"`
	CommonErrors map[string]int64 `json:"common_errors,omitempty"`

	// durationSamples counts the runs that reported a duration. Skipped
	// runs settle without one, so the mean is taken over this counter
	// rather than over all settled runs.
	durationSamples int64
}

// Monitor records timeline events and maintains metric aggregates.
// Aggregates live in memory and are additionally exported to Prometheus;
// events are appended to the repository when an event store is supplied.
type Monitor struct {
	events repository.EventStore
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*WorkflowMetrics
	steps     map[string]map[string]*StepMetrics // workflow id -> step id
}

// New creates a monitor. events may be nil, in which case timeline
// events are counted but not persisted.
func New(events repository.EventStore, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		events:    events,
		logger:    logger,
		workflows: make(map[string]*WorkflowMetrics),
		steps:     make(map[string]map[string]*StepMetrics),
	}
}

// RecordTimelineEvent appends an event to the timeline. Persistence
// failures are logged, not surfaced: losing a single event must not fail
// the execution that emitted it.
func (m *Monitor) RecordTimelineEvent(ctx context.Context, event *workflow.TimelineEvent) {
	timelineEventsTotal.WithLabelValues(string(event.Type)).Inc()

	if m.events == nil {
		return
	}
	if err := m.events.AppendTimelineEvent(ctx, event); err != nil {
		m.logger.Error("failed to persist timeline event",
			"execution_id", event.ExecutionID,
			"event_type", string(event.Type),
			"error", err)
	}
}

// GetTimelineEvents returns an execution's events in chronological order.
func (m *Monitor) GetTimelineEvents(ctx context.Context, executionID string, limit int) ([]*workflow.TimelineEvent, error) {
	if m.events == nil {
		return nil, nil
	}
	return m.events.GetTimelineEvents(ctx, executionID, limit)
}

// UpdateWorkflowMetrics folds one terminal execution into the per-workflow
// and per-step aggregates. Non-terminal executions are ignored.
func (m *Monitor) UpdateWorkflowMetrics(exec *workflow.Execution) {
	if !exec.Status.Terminal() {
		return
	}

	duration := time.Duration(0)
	if exec.EndTime != nil {
		duration = exec.EndTime.Sub(exec.StartTime)
	}

	executionsTotal.WithLabelValues(exec.WorkflowID, string(exec.Status)).Inc()
	executionDuration.WithLabelValues(exec.WorkflowID).Observe(duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	wm := m.workflows[exec.WorkflowID]
	if wm == nil {
		wm = &WorkflowMetrics{WorkflowID: exec.WorkflowID}
		m.workflows[exec.WorkflowID] = wm
	}

	wm.TotalExecutions++
	switch exec.Status {
	case workflow.ExecutionStatusCompleted:
		wm.Succeeded++
	case workflow.ExecutionStatusFailed:
		wm.Failed++
	case workflow.ExecutionStatusCancelled:
		wm.Cancelled++
	}
	foldDuration(&wm.MinDuration, &wm.AvgDuration, &wm.MaxDuration, wm.TotalExecutions, duration)
	wm.LastExecution = exec.StartTime

	steps := m.steps[exec.WorkflowID]
	if steps == nil {
		steps = make(map[string]*StepMetrics)
		m.steps[exec.WorkflowID] = steps
	}
	for _, se := range exec.Steps {
		m.foldStep(exec.WorkflowID, steps, se)
	}
}

// foldStep accumulates one settled step record. Callers hold m.mu.
func (m *Monitor) foldStep(workflowID string, steps map[string]*StepMetrics, se *workflow.StepExecution) {
	if !se.Status.Terminal() {
		return
	}

	sm := steps[se.StepID]
	if sm == nil {
		sm = &StepMetrics{StepID: se.StepID}
		steps[se.StepID] = sm
	}

	sm.TotalRuns++
	switch se.Status {
	case workflow.StepStatusCompleted:
		sm.Succeeded++
	case workflow.StepStatusFailed:
		sm.Failed++
	case workflow.StepStatusSkipped:
		sm.Skipped++
	}
	sm.Retries += int64(se.RetryCount)

	stepsTotal.WithLabelValues(workflowID, string(se.Status)).Inc()
	if se.RetryCount > 0 {
		stepRetriesTotal.WithLabelValues(workflowID).Add(float64(se.RetryCount))
	}

	if d := se.Duration(); d > 0 {
		sm.durationSamples++
		foldDuration(&sm.MinDuration, &sm.AvgDuration, &sm.MaxDuration, sm.durationSamples, d)
	}

	for _, e := range se.Errors {
		if sm.CommonErrors == nil {
			sm.CommonErrors = make(map[string]int64)
		}
		sm.CommonErrors[commonErrorKey(e)]++
	}
}

// GetWorkflowMetrics returns the aggregate for one workflow, or nil when
// no terminal execution has been recorded yet.
func (m *Monitor) GetWorkflowMetrics(workflowID string) *WorkflowMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wm := m.workflows[workflowID]
	if wm == nil {
		return nil
	}
	copied := *wm
	return &copied
}

// GetStepMetrics returns per-step aggregates for one workflow keyed by
// step id.
func (m *Monitor) GetStepMetrics(workflowID string) map[string]*StepMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.steps[workflowID]
	out := make(map[string]*StepMetrics, len(steps))
	for id, sm := range steps {
		copied := *sm
		if sm.CommonErrors != nil {
			copied.CommonErrors = make(map[string]int64, len(sm.CommonErrors))
			for k, v := range sm.CommonErrors {
				copied.CommonErrors[k] = v
			}
		}
		out[id] = &copied
	}
	return out
}

// foldDuration updates running min/avg/max with one observation using
// the incremental mean: avg += (x - avg)/n.
func foldDuration(min, avg, max *time.Duration, n int64, x time.Duration) {
	if n <= 0 {
		return
	}
	if *min == 0 || x < *min {
		*min = x
	}
	if x > *max {
		*max = x
	}
	*avg += (x - *avg) / time.Duration(n)
}

// commonErrorKey groups errors by kind and a stable message prefix.
func commonErrorKey(e workflow.ExecutionError) string {
	key := e.Kind + ":" + e.Message
	runes := []rune(key)
	if len(runes) > commonErrorKeyLimit {
		return string(runes[:commonErrorKeyLimit])
	}
	return key
}
