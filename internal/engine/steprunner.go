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
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tombee/flowline/internal/log"
	"github.com/tombee/flowline/internal/tracing"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

// maxRetryInterval caps the exponential retry delay.
const maxRetryInterval = 5 * time.Minute

// stepResult reports one finished step attempt back to the scheduling
// loop. requeued means a step record was reset to NotStarted (retry or
// fallback) and the loop should simply re-assess.
type stepResult struct {
	stepID   string
	requeued bool
}

// runStep executes one attempt of a step and applies its error policy.
// It runs on its own goroutine; all execution-state mutation goes
// through st's mutex.
func (e *Engine) runStep(ctx context.Context, st *execState, step *workflow.Step) stepResult {
	logger := log.WithStepContext(e.logger, st.exec.ID, step.ID)

	var se *workflow.StepExecution
	st.locked(func() { se = st.exec.StepExecutionFor(step.ID) })
	if se == nil {
		// Cannot happen for validated definitions.
		logger.Error("no step record for scheduled step")
		return stepResult{stepID: step.ID}
	}

	// Guard conditions: any false skips the step.
	ok, err := e.conditions.EvaluateAll(step.Conditions, st.execCtx.EvalContext())
	if err != nil {
		logger.Warn("condition evaluation failed", log.Error(err))
		return e.failStep(ctx, st, step, se, err, logger)
	}
	if !ok {
		st.setStepStatus(se, workflow.StepStatusSkipped)
		e.persistStep(ctx, st, se, logger)
		e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepSkipped,
			map[string]any{"reason": "condition not met"}))
		logger.Debug("step skipped by condition")
		return stepResult{stepID: step.ID}
	}

	st.setStepStatus(se, workflow.StepStatusRunning)
	st.locked(func() { se.Input = st.execCtx.GatherInputs(step.DependsOn) })
	e.persistStep(ctx, st, se, logger)
	e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepStarted,
		map[string]any{"attempt": se.RetryCount + 1}))

	processor, err := e.registry.Resolve(step)
	if err != nil {
		// Missing processors are configuration errors and fatal.
		logger.Error("no processor for step", log.Error(err))
		res := e.failStep(ctx, st, step, se, err, logger)
		st.stop.Store(true)
		return res
	}

	stepCtx := ctx
	if timeout := step.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	spanCtx, span := tracing.StartStep(stepCtx, step.ID, string(step.Type))
	started := time.Now()
	output, err := processor.Process(spanCtx, step, se.Input, st.execCtx)
	duration := time.Since(started)

	if err != nil {
		span.RecordError(err)
		span.End()

		// Caller cancellation and workflow timeout end the step without
		// applying its error policy.
		if ctx.Err() != nil {
			st.setStepStatus(se, workflow.StepStatusCancelled)
			st.recordError(step.ID, "Cancelled", ctx.Err().Error())
			e.persistStep(ctx, st, se, logger)
			logger.Info("step cancelled", log.Duration("duration", duration.Milliseconds()))
			return stepResult{stepID: step.ID}
		}

		// A per-step timeout follows the step's error policy as a
		// Timeout error kind.
		if stepCtx.Err() == context.DeadlineExceeded {
			err = &errors.TimeoutError{
				Operation: "step " + step.ID,
				Duration:  step.Timeout(),
				Cause:     err,
			}
		} else {
			err = &errors.ProcessorError{StepID: step.ID, StepType: string(step.Type), Cause: err}
		}
		return e.failStep(ctx, st, step, se, err, logger)
	}

	span.EndOK()

	st.storeOutput(step.ID, output)
	st.locked(func() { se.Output = output })
	st.setStepStatus(se, workflow.StepStatusCompleted)
	e.persistStep(ctx, st, se, logger)
	e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepCompleted,
		map[string]any{"duration_ms": duration.Milliseconds()}))
	logger.Info("step completed", log.Duration("duration", duration.Milliseconds()))

	return stepResult{stepID: step.ID}
}

// failStep records a step failure and applies the step's error policy.
func (e *Engine) failStep(ctx context.Context, st *execState, step *workflow.Step, se *workflow.StepExecution, cause error, logger *slog.Logger) stepResult {
	kind := errors.Kind(cause)
	total := st.recordError(step.ID, kind, cause.Error())

	e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventErrorOccurred,
		map[string]any{"kind": kind, "message": cause.Error()}))

	if st.def.ErrorHandling.LogDetails {
		logger.Error("step failed", "kind", kind, "error", cause.Error())
	} else {
		logger.Warn("step failed", "kind", kind)
	}

	policy := st.def.EffectivePolicy(step)

	// The workflow-wide error budget overrides per-step policy.
	if max := st.def.ErrorHandling.MaxErrors; max > 0 && total >= max {
		logger.Error("workflow error budget exhausted", "max_errors", max)
		policy = workflow.ErrorActionStop
	}

	switch policy {
	case workflow.ErrorActionRetry:
		if se.RetryCount < step.RetryCount {
			st.locked(func() { se.RetryCount++ })
			e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepRetrying,
				map[string]any{"attempt": se.RetryCount, "max": step.RetryCount}))

			delay := retryDelay(step, se.RetryCount)
			logger.Info("retrying step", log.Duration("delay", delay.Milliseconds()),
				"attempt", se.RetryCount)
			if !sleepCtx(ctx, delay) {
				st.setStepStatus(se, workflow.StepStatusCancelled)
				e.persistStep(ctx, st, se, logger)
				return stepResult{stepID: step.ID}
			}

			st.requeueStep(step.ID)
			e.persistStep(ctx, st, se, logger)
			return stepResult{stepID: step.ID, requeued: true}
		}

		st.setStepStatus(se, workflow.StepStatusFailed)
		e.persistStep(ctx, st, se, logger)
		e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepFailed,
			map[string]any{"kind": kind, "retries_exhausted": true}))
		if st.def.ErrorHandling.DefaultAction == workflow.ErrorActionStop ||
			st.def.ErrorHandling.DefaultAction == "" {
			st.stop.Store(true)
		}
		return stepResult{stepID: step.ID}

	case workflow.ErrorActionContinue:
		st.setStepStatus(se, workflow.StepStatusFailed)
		e.persistStep(ctx, st, se, logger)
		e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepFailed,
			map[string]any{"kind": kind, "continue_workflow": true}))
		return stepResult{stepID: step.ID}

	case workflow.ErrorActionSkip:
		st.setStepStatus(se, workflow.StepStatusSkipped)
		e.persistStep(ctx, st, se, logger)
		e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepSkipped,
			map[string]any{"reason": "error policy"}))
		return stepResult{stepID: step.ID}

	case workflow.ErrorActionFallback:
		fallbackID := ""
		if step.ErrorHandling != nil {
			fallbackID = step.ErrorHandling.FallbackStepID
		}
		st.setStepStatus(se, workflow.StepStatusFailed)
		e.persistStep(ctx, st, se, logger)
		e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepFailed,
			map[string]any{"kind": kind, "fallback": fallbackID}))

		if fallbackID == "" || !st.requeueStep(fallbackID) {
			logger.Error("fallback step missing", "fallback", fallbackID)
			st.stop.Store(true)
			return stepResult{stepID: step.ID}
		}
		return stepResult{stepID: step.ID, requeued: true}

	default: // StopWorkflow
		st.setStepStatus(se, workflow.StepStatusFailed)
		e.persistStep(ctx, st, se, logger)
		e.emit(ctx, workflow.NewTimelineEvent(st.exec.ID, step.ID, workflow.EventStepFailed,
			map[string]any{"kind": kind}))
		st.stop.Store(true)
		return stepResult{stepID: step.ID}
	}
}

// retryDelay computes the exponential delay for the given attempt:
// interval x 2^(attempt-1), capped at maxRetryInterval.
func retryDelay(step *workflow.Step, attempt int) time.Duration {
	interval := step.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryInterval
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// sleepCtx sleeps for d, returning false when ctx fires first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
