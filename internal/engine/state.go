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

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/flowline/pkg/workflow"
)

// execState is the engine-side handle for one live execution. The
// scheduling loop and the step runners of that execution share it; all
// mutation of the Execution document goes through its mutex.
type execState struct {
	mu sync.Mutex

	def     *workflow.Definition
	exec    *workflow.Execution
	execCtx *workflow.ExecContext

	cancel context.CancelFunc

	// cancelled is set only by CancelExecution, distinguishing caller
	// cancellation from a workflow timeout firing the same context.
	cancelled atomic.Bool

	// paused mirrors the Paused status for the scheduling loop's fast
	// path; resumeCh wakes the loop on resume.
	paused   atomic.Bool
	resumeCh chan struct{}

	// stop is set when a step failure must terminate the execution.
	stop atomic.Bool
}

func newExecState(def *workflow.Definition, exec *workflow.Execution, execCtx *workflow.ExecContext, cancel context.CancelFunc) *execState {
	return &execState{
		def:      def,
		exec:     exec,
		execCtx:  execCtx,
		cancel:   cancel,
		resumeCh: make(chan struct{}, 1),
	}
}

// locked runs fn while holding the state mutex.
func (s *execState) locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// snapshotStatus returns the current execution status.
func (s *execState) snapshotStatus() workflow.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec.Status
}

// nextRevision bumps the document revision for an upcoming persist.
// Callers hold the state mutex.
func (s *execState) nextRevision() {
	s.exec.Revision++
}

// setStepStatus transitions one step record and stamps times for
// terminal transitions.
func (s *execState) setStepStatus(se *workflow.StepExecution, status workflow.StepStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	switch status {
	case workflow.StepStatusRunning:
		if se.StartTime == nil {
			se.StartTime = &now
		} else {
			// Retry attempt: restart the clock.
			se.StartTime = &now
			se.EndTime = nil
		}
	case workflow.StepStatusCompleted, workflow.StepStatusFailed,
		workflow.StepStatusCancelled:
		se.EndTime = &now
	case workflow.StepStatusSkipped:
		if se.StartTime == nil {
			se.StartTime = &now
		}
		se.EndTime = &now
	case workflow.StepStatusNotStarted:
		// Retry requeue: the next attempt restamps times.
		se.EndTime = nil
	}
	se.Status = status
}

// storeOutput records a successful step output in the execution context
// and the execution document.
func (s *execState) storeOutput(stepID string, output any) {
	s.execCtx.SetOutput(stepID, output)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec.StepOutputs == nil {
		s.exec.StepOutputs = make(map[string]any)
	}
	s.exec.StepOutputs[stepID] = output
}

// recordError appends an error to the step and execution error lists
// and reports the accumulated total.
func (s *execState) recordError(stepID, kind, message string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec.AddError(stepID, kind, message)
	return len(s.exec.Errors)
}

// requeueStep resets a step record to NotStarted so the scheduler picks
// it up again. Used by the retry and fallback paths.
func (s *execState) requeueStep(stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	se := s.exec.StepExecutionFor(stepID)
	if se == nil {
		return false
	}
	se.Status = workflow.StepStatusNotStarted
	se.EndTime = nil
	return true
}

// settledForCompletion reports whether the execution may terminate as
// Completed: every step Completed or Skipped, except that a Failed step
// whose fallback step Completed counts as settled (the fallback masks
// the failure).
func (s *execState) settledForCompletion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, se := range s.exec.Steps {
		if se.Status.SatisfiesDependency() {
			continue
		}
		if se.Status == workflow.StepStatusFailed {
			step := s.def.StepByID(se.StepID)
			if step != nil && step.ErrorHandling != nil &&
				step.ErrorHandling.OnError == workflow.ErrorActionFallback {
				fb := s.exec.StepExecutionFor(step.ErrorHandling.FallbackStepID)
				if fb != nil && fb.Status == workflow.StepStatusCompleted {
					continue
				}
			}
		}
		return false
	}
	return true
}

// resume wakes a paused scheduling loop.
func (s *execState) resume() {
	s.paused.Store(false)
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}
