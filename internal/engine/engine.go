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

// Package engine owns the workflow execution lifecycle: admission under
// a global concurrency permit, the per-execution scheduling loop, error
// policy, and timeline event emission.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/flowline/internal/condition"
	"github.com/tombee/flowline/internal/log"
	"github.com/tombee/flowline/internal/monitor"
	"github.com/tombee/flowline/internal/notify"
	"github.com/tombee/flowline/internal/repository"
	"github.com/tombee/flowline/internal/tracing"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

const (
	defaultMaxConcurrent   = 10
	defaultWorkflowTimeout = time.Hour
)

// Config tunes the engine.
type Config struct {
	// MaxConcurrentExecutions caps in-flight executions. Submissions
	// beyond the cap fail immediately with ResourceExhausted.
	MaxConcurrentExecutions int64

	// DefaultWorkflowTimeout bounds one execution end to end.
	DefaultWorkflowTimeout time.Duration

	// LegacyExpressionSemantics restores default-true-with-warning for
	// unparseable guard expressions.
	LegacyExpressionSemantics bool

	// SeedSampleWorkflow inserts a sample pipeline definition at startup
	// when absent. Best-effort; never fails engine construction.
	SeedSampleWorkflow bool
}

// Engine executes workflows. All public methods are safe for concurrent
// use.
type Engine struct {
	repo       repository.Repository
	registry   *workflow.Registry
	monitor    *monitor.Monitor
	notifier   *notify.Notifier
	conditions *condition.Evaluator
	logger     *slog.Logger

	sem      *semaphore.Weighted
	capacity int64
	timeout  time.Duration

	mu     sync.Mutex
	states map[string]*execState

	wg sync.WaitGroup
}

// New creates an engine. The registry must already hold every processor
// the hosted workflows need; it is immutable from here on.
func New(repo repository.Repository, registry *workflow.Registry, mon *monitor.Monitor, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = defaultMaxConcurrent
	}
	if cfg.DefaultWorkflowTimeout <= 0 {
		cfg.DefaultWorkflowTimeout = defaultWorkflowTimeout
	}

	condOpts := []condition.Option{condition.WithLogger(logger)}
	if cfg.LegacyExpressionSemantics {
		condOpts = append(condOpts, condition.WithLegacySemantics())
	}

	e := &Engine{
		repo:       repo,
		registry:   registry,
		monitor:    mon,
		notifier:   notifier,
		conditions: condition.New(condOpts...),
		logger:     logger,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentExecutions),
		capacity:   cfg.MaxConcurrentExecutions,
		timeout:    cfg.DefaultWorkflowTimeout,
		states:     make(map[string]*execState),
	}

	if cfg.SeedSampleWorkflow {
		e.seedSampleWorkflow()
	}

	return e
}

// ExecuteWorkflow loads the latest version of a workflow and submits an
// execution. Surfaces only NotFound, ConfigurationError and
// ResourceExhausted; post-submission failures are observable via
// GetExecutionStatus.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, parameters map[string]any, triggerType string) (*workflow.Execution, error) {
	def, err := e.repo.GetWorkflow(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}
	return e.ExecuteDefinition(ctx, def, parameters, triggerType)
}

// ExecuteDefinition submits an execution of the given definition. The
// returned Execution is a snapshot; the scheduling loop runs
// asynchronously under the engine's workflow timeout.
func (e *Engine) ExecuteDefinition(ctx context.Context, def *workflow.Definition, parameters map[string]any, triggerType string) (*workflow.Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if triggerType == "" {
		triggerType = workflow.TriggerManual
	}

	// Admission: never block the caller.
	if !e.sem.TryAcquire(1) {
		return nil, &errors.ResourceExhaustedError{Limit: int(e.capacity)}
	}

	exec := newExecution(def, parameters, triggerType)
	execCtx := workflow.NewExecContext(exec.ID, def.ID, parameters, def.Variables)

	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		e.sem.Release(1)
		return nil, &errors.PersistenceError{Operation: "SaveExecution", Cause: err}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.timeout)
	st := newExecState(def, exec, execCtx, cancel)

	e.mu.Lock()
	e.states[exec.ID] = st
	e.mu.Unlock()

	e.emit(ctx, workflow.NewTimelineEvent(exec.ID, "", workflow.EventWorkflowStarted,
		map[string]any{"workflow_id": def.ID, "trigger": triggerType}))
	log.WithExecutionContext(e.logger, exec.ID, def.ID).Info("execution started",
		"steps", len(def.Steps), "trigger", triggerType)

	e.wg.Add(1)
	go e.run(runCtx, st)

	return st.snapshot(), nil
}

// GetExecutionStatus returns the current execution snapshot: live state
// for in-flight executions, the persisted document otherwise.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*workflow.Execution, error) {
	e.mu.Lock()
	st := e.states[executionID]
	e.mu.Unlock()

	if st != nil {
		return st.snapshot(), nil
	}
	return e.repo.GetExecution(ctx, executionID)
}

// CancelExecution sets the execution's cancellation signal. Returns
// false for executions that are already terminal; the scheduling loop
// performs the terminal transition and emits WorkflowCancelled.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	e.mu.Lock()
	st := e.states[executionID]
	e.mu.Unlock()

	if st == nil {
		if _, err := e.repo.GetExecution(ctx, executionID); err != nil {
			return false, err
		}
		return false, nil // already terminal
	}

	if st.snapshotStatus().Terminal() {
		return false, nil
	}

	st.cancelled.Store(true)
	st.cancel()
	// A paused loop must wake to observe the signal.
	st.resume()
	return true, nil
}

// PauseExecution pauses scheduling of new steps. Running steps continue
// to completion; pause is a barrier, not an interrupt. Returns false
// unless the execution is currently Running.
func (e *Engine) PauseExecution(ctx context.Context, executionID string) (bool, error) {
	e.mu.Lock()
	st := e.states[executionID]
	e.mu.Unlock()

	if st == nil {
		if _, err := e.repo.GetExecution(ctx, executionID); err != nil {
			return false, err
		}
		return false, nil
	}

	paused := false
	st.locked(func() {
		if st.exec.Status != workflow.ExecutionStatusRunning {
			return
		}
		st.exec.Status = workflow.ExecutionStatusPaused
		st.nextRevision()
		paused = true
	})
	if !paused {
		return false, nil
	}

	st.paused.Store(true)
	e.persistExecution(ctx, st)
	e.emit(ctx, workflow.NewTimelineEvent(executionID, "", workflow.EventWorkflowPaused, nil))
	return true, nil
}

// ResumeExecution resumes a paused execution. Returns false unless the
// execution is currently Paused.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) (bool, error) {
	e.mu.Lock()
	st := e.states[executionID]
	e.mu.Unlock()

	if st == nil {
		if _, err := e.repo.GetExecution(ctx, executionID); err != nil {
			return false, err
		}
		return false, nil
	}

	resumed := false
	st.locked(func() {
		if st.exec.Status != workflow.ExecutionStatusPaused {
			return
		}
		st.exec.Status = workflow.ExecutionStatusRunning
		st.nextRevision()
		resumed = true
	})
	if !resumed {
		return false, nil
	}

	e.persistExecution(ctx, st)
	e.emit(ctx, workflow.NewTimelineEvent(executionID, "", workflow.EventWorkflowResumed, nil))
	st.resume()
	return true, nil
}

// GetExecutionHistory returns a workflow's executions, most recent first.
func (e *Engine) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error) {
	return e.repo.GetExecutionHistory(ctx, workflowID, limit)
}

// Shutdown waits for in-flight executions to finish, bounded by ctx.
// It does not cancel them; callers wanting a hard stop cancel
// executions first.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single-writer scheduling loop for one execution.
func (e *Engine) run(ctx context.Context, st *execState) {
	logger := log.WithExecutionContext(e.logger, st.exec.ID, st.def.ID)
	traceCtx, span := tracing.StartExecution(ctx, st.exec.ID, st.def.ID)

	results := make(chan stepResult)
	inFlight := 0

loop:
	for {
		// Pause barrier: stop launching, keep draining results.
		for st.paused.Load() {
			select {
			case <-ctx.Done():
				break loop
			case <-results:
				inFlight--
			case <-st.resumeCh:
			}
		}

		if ctx.Err() != nil || st.cancelled.Load() || st.stop.Load() {
			break loop
		}

		ready, progress := st.assess()
		if progress == ProgressDone && inFlight == 0 {
			break loop
		}

		for _, step := range ready {
			st.locked(func() {
				if se := st.exec.StepExecutionFor(step.ID); se != nil {
					se.Status = workflow.StepStatusWaiting
				}
			})
			inFlight++
			step := step
			go func() { results <- e.runStep(traceCtx, st, step) }()
		}

		if inFlight > 0 {
			select {
			case <-ctx.Done():
				// Loop top observes the cancellation.
			case <-results:
				inFlight--
			}
		}
	}

	// A stop signal hastens in-flight steps via the shared context.
	if st.stop.Load() {
		st.cancel()
	}
	for inFlight > 0 {
		<-results
		inFlight--
	}

	e.finalize(ctx, st, span, logger)
}

// finalize classifies and persists the terminal status, emits the final
// event, folds metrics, releases the permit and disposes the handle.
func (e *Engine) finalize(ctx context.Context, st *execState, span *tracing.WorkflowSpan, logger *slog.Logger) {
	defer e.wg.Done()
	defer e.sem.Release(1)
	defer st.cancel()

	var status workflow.ExecutionStatus
	var event workflow.EventType
	data := map[string]any{}

	switch {
	case st.cancelled.Load():
		status = workflow.ExecutionStatusCancelled
		event = workflow.EventWorkflowCancelled
	case st.settledForCompletion():
		status = workflow.ExecutionStatusCompleted
		event = workflow.EventWorkflowCompleted
	default:
		status = workflow.ExecutionStatusFailed
		event = workflow.EventWorkflowFailed
		if ctx.Err() == context.DeadlineExceeded {
			st.recordError("", "Timeout", "workflow timeout exceeded")
			data["reason"] = "timeout"
		} else {
			data["reason"] = "step failure"
		}
	}

	now := time.Now()
	st.locked(func() {
		st.exec.Status = status
		st.exec.EndTime = &now
		st.nextRevision()
		data["duration_ms"] = now.Sub(st.exec.StartTime).Milliseconds()
	})

	// Persist with a fresh context: the execution context is likely
	// cancelled by now.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.persistExecution(persistCtx, st)
	e.emit(persistCtx, workflow.NewTimelineEvent(st.exec.ID, "", event, data))

	final := st.snapshot()
	e.monitor.UpdateWorkflowMetrics(final)
	if e.notifier != nil && e.notifier.Enabled() && st.def.ErrorHandling.Notify {
		e.notifier.NotifyExecutionTerminal(final)
	}

	span.SetAttributes(map[string]any{"workflow.status": string(status)})
	span.End()

	e.mu.Lock()
	delete(e.states, st.exec.ID)
	e.mu.Unlock()

	logger.Info("execution finished", "status", string(status),
		log.Duration("duration", data["duration_ms"].(int64)))
}

// persistExecution saves the full execution document. Persistence
// failures are fatal to the execution per policy; here they are logged
// and force a stop.
func (e *Engine) persistExecution(ctx context.Context, st *execState) {
	snapshot := st.snapshot()
	if err := e.repo.SaveExecution(ctx, snapshot); err != nil {
		e.logger.Error("failed to persist execution",
			log.ExecutionIDKey, st.exec.ID, "error", err)
		st.stop.Store(true)
	}
}

// persistStep saves one step record.
func (e *Engine) persistStep(ctx context.Context, st *execState, se *workflow.StepExecution, logger *slog.Logger) {
	var copied workflow.StepExecution
	st.locked(func() { copied = *se })
	if err := e.repo.UpdateStepExecution(ctx, st.exec.ID, &copied); err != nil {
		logger.Error("failed to persist step execution", "error", err)
		st.stop.Store(true)
	}
}

// emit records one timeline event through the monitor.
func (e *Engine) emit(ctx context.Context, event *workflow.TimelineEvent) {
	e.monitor.RecordTimelineEvent(ctx, event)
}

// newExecution builds the initial execution document: Running status,
// one NotStarted record per step. Fallback targets start Skipped so the
// scheduler leaves them alone until a failure resets them to NotStarted.
func newExecution(def *workflow.Definition, parameters map[string]any, triggerType string) *workflow.Execution {
	variables := make(map[string]any, len(def.Variables))
	for k, v := range def.Variables {
		variables[k] = v
	}

	fallbackTargets := make(map[string]bool)
	for i := range def.Steps {
		if eh := def.Steps[i].ErrorHandling; eh != nil && eh.FallbackStepID != "" {
			fallbackTargets[eh.FallbackStepID] = true
		}
	}

	exec := &workflow.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          workflow.ExecutionStatusRunning,
		StartTime:       time.Now(),
		Parameters:      parameters,
		Variables:       variables,
		StepOutputs:     make(map[string]any),
		TriggerType:     triggerType,
	}
	for i := range def.Steps {
		status := workflow.StepStatusNotStarted
		if fallbackTargets[def.Steps[i].ID] {
			status = workflow.StepStatusSkipped
		}
		exec.Steps = append(exec.Steps, &workflow.StepExecution{
			ID:     uuid.NewString(),
			StepID: def.Steps[i].ID,
			Status: status,
		})
	}
	return exec
}

// assess snapshots step statuses under the state lock and classifies
// progress.
func (s *execState) assess() ([]*workflow.Step, Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Assess(s.def, s.exec)
}

// snapshot deep-copies the execution document under the state lock.
func (s *execState) snapshot() *workflow.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := json.Marshal(s.exec)
	var out workflow.Execution
	_ = json.Unmarshal(data, &out)
	return &out
}
