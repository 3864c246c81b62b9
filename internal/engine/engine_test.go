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
	goerrors "errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowline/internal/monitor"
	"github.com/tombee/flowline/internal/repository/memory"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

func testEngine(t *testing.T, cfg Config, registry *workflow.Registry) (*Engine, *memory.Store) {
	t.Helper()
	repo := memory.New()
	t.Cleanup(func() { _ = repo.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon := monitor.New(repo, logger)
	return New(repo, registry, mon, nil, cfg, logger), repo
}

func waitTerminal(t *testing.T, eng *Engine, executionID string) *workflow.Execution {
	t.Helper()
	var final *workflow.Execution
	require.Eventually(t, func() bool {
		exec, err := eng.GetExecutionStatus(context.Background(), executionID)
		if err != nil || !exec.Status.Terminal() {
			return false
		}
		final = exec
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return final
}

func stepStatus(t *testing.T, exec *workflow.Execution, stepID string) workflow.StepStatus {
	t.Helper()
	se := exec.StepExecutionFor(stepID)
	require.NotNil(t, se, "no record for step %s", stepID)
	return se.Status
}

func countEvents(events []*workflow.TimelineEvent, kind workflow.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func linearDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:      "linear",
		Version: 1,
		Name:    "linear",
		Steps: []workflow.Step{
			{ID: "a", Type: workflow.StepTypeExtract},
			{ID: "b", Type: workflow.StepTypeTransform, DependsOn: []string{"a"}},
			{ID: "c", Type: workflow.StepTypeLoad, DependsOn: []string{"b"}},
		},
	}
}

func TestLinearChainPassesOutputsDownstream(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]map[string]any{}

	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return map[string]any{"records": 3}, nil
		}))
	passthrough := workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			mu.Lock()
			seen[step.ID] = input
			mu.Unlock()
			return input, nil
		})
	registry.Register(workflow.StepTypeTransform, passthrough)
	registry.Register(workflow.StepTypeLoad, passthrough)

	eng, _ := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), linearDefinition(), nil, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, final.Status)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, workflow.StepStatusCompleted, stepStatus(t, final, id))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, "b")
	assert.Equal(t, map[string]any{"records": 3}, seen["b"]["a"])
	require.Contains(t, seen, "c")
	assert.Contains(t, seen["c"], "b")
}

func TestFanOutFanIn(t *testing.T) {
	var mu sync.Mutex
	starts := map[string]time.Time{}
	ends := map[string]time.Time{}

	registry := workflow.NewRegistry()
	track := workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			mu.Lock()
			starts[step.ID] = time.Now()
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			ends[step.ID] = time.Now()
			mu.Unlock()
			return step.ID, nil
		})
	for _, st := range workflow.ValidStepTypes {
		registry.Register(st, track)
	}

	def := &workflow.Definition{
		ID:      "diamond",
		Version: 1,
		Name:    "diamond",
		Steps: []workflow.Step{
			{ID: "a", Type: workflow.StepTypeExtract},
			{ID: "b", Type: workflow.StepTypeTransform, DependsOn: []string{"a"}},
			{ID: "c", Type: workflow.StepTypeTransform, DependsOn: []string{"a"}},
			{ID: "d", Type: workflow.StepTypeJoin, DependsOn: []string{"b", "c"}},
		},
	}

	eng, _ := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	require.Equal(t, workflow.ExecutionStatusCompleted, final.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, starts["b"].Before(ends["a"]), "b started before a finished")
	assert.False(t, starts["c"].Before(ends["a"]), "c started before a finished")
	assert.False(t, starts["d"].Before(ends["b"]), "d started before b finished")
	assert.False(t, starts["d"].Before(ends["c"]), "d started before c finished")
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	var attempts atomic.Int32

	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			if attempts.Add(1) <= 2 {
				return nil, goerrors.New("transient upstream failure")
			}
			return "ok", nil
		}))

	def := &workflow.Definition{
		ID:      "flaky",
		Version: 1,
		Name:    "flaky",
		Steps: []workflow.Step{{
			ID:            "a",
			Type:          workflow.StepTypeExtract,
			RetryCount:    2,
			RetryInterval: 5 * time.Millisecond,
			ErrorHandling: &workflow.StepErrorHandling{OnError: workflow.ErrorActionRetry},
		}},
	}

	eng, repo := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, int32(3), attempts.Load())

	se := final.StepExecutionFor("a")
	require.NotNil(t, se)
	assert.Equal(t, 2, se.RetryCount)

	events, err := repo.GetTimelineEvents(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, countEvents(events, workflow.EventStepRetrying))
	assert.Equal(t, 1, countEvents(events, workflow.EventWorkflowCompleted))
}

func TestFallbackMasksPrimaryFailure(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return nil, goerrors.New("primary source unavailable")
		}))
	registry.Register(workflow.StepTypeCustom, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return "fallback output", nil
		}))

	def := &workflow.Definition{
		ID:      "fallback",
		Version: 1,
		Name:    "fallback",
		Steps: []workflow.Step{
			{
				ID:   "a",
				Type: workflow.StepTypeExtract,
				ErrorHandling: &workflow.StepErrorHandling{
					OnError:        workflow.ErrorActionFallback,
					FallbackStepID: "f",
				},
			},
			{ID: "f", Type: workflow.StepTypeCustom},
		},
	}

	eng, _ := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, workflow.StepStatusFailed, stepStatus(t, final, "a"))
	assert.Equal(t, workflow.StepStatusCompleted, stepStatus(t, final, "f"))
	assert.Equal(t, "fallback output", final.StepOutputs["f"])
}

func TestFallbackLoopRejectedAtSubmission(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return nil, goerrors.New("always fails")
		}))

	selfRef := &workflow.Definition{
		ID:      "self-fallback",
		Version: 1,
		Steps: []workflow.Step{
			{
				ID:   "a",
				Type: workflow.StepTypeExtract,
				ErrorHandling: &workflow.StepErrorHandling{
					OnError:        workflow.ErrorActionFallback,
					FallbackStepID: "a",
				},
			},
		},
	}

	mutual := &workflow.Definition{
		ID:      "mutual-fallback",
		Version: 1,
		Steps: []workflow.Step{
			{
				ID:   "a",
				Type: workflow.StepTypeExtract,
				ErrorHandling: &workflow.StepErrorHandling{
					OnError:        workflow.ErrorActionFallback,
					FallbackStepID: "b",
				},
			},
			{
				ID:   "b",
				Type: workflow.StepTypeExtract,
				ErrorHandling: &workflow.StepErrorHandling{
					OnError:        workflow.ErrorActionFallback,
					FallbackStepID: "a",
				},
			},
		},
	}

	eng, _ := testEngine(t, Config{}, registry)
	for _, def := range []*workflow.Definition{selfRef, mutual} {
		_, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
		require.Error(t, err, def.ID)
		assert.True(t, errors.IsConfiguration(err), def.ID)
	}
}

func TestCancelMidFlight(t *testing.T) {
	running := make(chan struct{})

	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			close(running)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	registry.Register(workflow.StepTypeLoad, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			t.Error("downstream step must not start after cancellation")
			return nil, nil
		}))

	def := &workflow.Definition{
		ID:      "cancellable",
		Version: 1,
		Name:    "cancellable",
		Steps: []workflow.Step{
			{ID: "a", Type: workflow.StepTypeExtract},
			{ID: "b", Type: workflow.StepTypeLoad, DependsOn: []string{"a"}},
		},
	}

	eng, repo := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("step a never started")
	}

	cancelled, err := eng.CancelExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	start := time.Now()
	final := waitTerminal(t, eng, exec.ID)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, workflow.ExecutionStatusCancelled, final.Status)
	assert.Equal(t, workflow.StepStatusNotStarted, stepStatus(t, final, "b"))

	// Cancelling a terminal execution is a no-op.
	cancelled, err = eng.CancelExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	events, err := repo.GetTimelineEvents(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(events, workflow.EventWorkflowCancelled))
}

func TestAdmissionLimit(t *testing.T) {
	release := make(chan struct{})

	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			<-release
			return "ok", nil
		}))

	def := &workflow.Definition{
		ID:      "slow",
		Version: 1,
		Name:    "slow",
		Steps:   []workflow.Step{{ID: "a", Type: workflow.StepTypeExtract}},
	}

	eng, _ := testEngine(t, Config{MaxConcurrentExecutions: 2}, registry)

	first, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)
	second, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	_, err = eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.Error(t, err)
	assert.True(t, errors.IsResourceExhausted(err))

	close(release)
	assert.Equal(t, workflow.ExecutionStatusCompleted, waitTerminal(t, eng, first.ID).Status)
	assert.Equal(t, workflow.ExecutionStatusCompleted, waitTerminal(t, eng, second.ID).Status)

	// Permits were released; a new submission is admitted.
	third, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)
	waitTerminal(t, eng, third.ID)
}

func TestPauseBlocksNewLaunches(t *testing.T) {
	releaseA := make(chan struct{})
	aRunning := make(chan struct{})
	var bStarted atomic.Bool

	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			close(aRunning)
			<-releaseA
			return "a", nil
		}))
	registry.Register(workflow.StepTypeLoad, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			bStarted.Store(true)
			return "b", nil
		}))

	def := &workflow.Definition{
		ID:      "pausable",
		Version: 1,
		Name:    "pausable",
		Steps: []workflow.Step{
			{ID: "a", Type: workflow.StepTypeExtract},
			{ID: "b", Type: workflow.StepTypeLoad, DependsOn: []string{"a"}},
		},
	}

	eng, _ := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)
	<-aRunning

	paused, err := eng.PauseExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.True(t, paused)

	// Pausing a paused execution is a no-op.
	paused, err = eng.PauseExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.False(t, paused)

	// The running step finishes, but b must not launch while paused.
	close(releaseA)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, bStarted.Load(), "step b launched while paused")

	status, err := eng.GetExecutionStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionStatusPaused, status.Status)

	resumed, err := eng.ResumeExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.True(t, resumed)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, final.Status)
	assert.True(t, bStarted.Load())
}

func TestConditionSkipPropagates(t *testing.T) {
	registry := workflow.NewRegistry()
	var loaded atomic.Bool
	registry.Register(workflow.StepTypeTransform, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			t.Error("skipped step must not run its processor")
			return nil, nil
		}))
	registry.Register(workflow.StepTypeLoad, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			loaded.Store(true)
			return "ok", nil
		}))

	def := &workflow.Definition{
		ID:      "guarded",
		Version: 1,
		Name:    "guarded",
		Steps: []workflow.Step{
			{
				ID:   "maybe",
				Type: workflow.StepTypeTransform,
				Conditions: []workflow.Condition{{
					Type:       workflow.ConditionTypeExpression,
					Expression: "$params.enabled == true",
				}},
			},
			{ID: "after", Type: workflow.StepTypeLoad, DependsOn: []string{"maybe"}},
		},
	}

	eng, _ := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def,
		map[string]any{"enabled": false}, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, workflow.StepStatusSkipped, stepStatus(t, final, "maybe"))
	assert.Equal(t, workflow.StepStatusCompleted, stepStatus(t, final, "after"))
	assert.True(t, loaded.Load())
}

func TestStopPolicyFailsWorkflow(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return nil, goerrors.New("boom")
		}))

	def := &workflow.Definition{
		ID:      "stops",
		Version: 1,
		Name:    "stops",
		Steps:   []workflow.Step{{ID: "a", Type: workflow.StepTypeExtract}},
	}

	eng, repo := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusFailed, final.Status)
	assert.NotEmpty(t, final.Errors)

	events, err := repo.GetTimelineEvents(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(events, workflow.EventWorkflowFailed))
	assert.Equal(t, 1, countEvents(events, workflow.EventErrorOccurred))
}

func TestContinuePolicyRunsRemainderButFails(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return nil, goerrors.New("boom")
		}))
	var siblingRan atomic.Bool
	registry.Register(workflow.StepTypeLoad, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			siblingRan.Store(true)
			return "ok", nil
		}))

	def := &workflow.Definition{
		ID:      "continues",
		Version: 1,
		Name:    "continues",
		ErrorHandling: workflow.ErrorHandling{
			DefaultAction: workflow.ErrorActionContinue,
		},
		Steps: []workflow.Step{
			{ID: "a", Type: workflow.StepTypeExtract},
			{ID: "b", Type: workflow.StepTypeLoad},
		},
	}

	eng, _ := testEngine(t, Config{}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusFailed, final.Status)
	assert.Equal(t, workflow.StepStatusFailed, stepStatus(t, final, "a"))
	assert.Equal(t, workflow.StepStatusCompleted, stepStatus(t, final, "b"))
	assert.True(t, siblingRan.Load())
}

func TestExecuteWorkflowLoadsLatestVersion(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return "ok", nil
		}))

	eng, repo := testEngine(t, Config{}, registry)

	def := &workflow.Definition{
		ID:    "stored",
		Name:  "stored",
		Steps: []workflow.Step{{ID: "a", Type: workflow.StepTypeExtract}},
	}
	require.NoError(t, repo.SaveWorkflow(context.Background(), def))

	exec, err := eng.ExecuteWorkflow(context.Background(), "stored", nil, workflow.TriggerEvent)
	require.NoError(t, err)
	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, workflow.TriggerEvent, final.TriggerType)

	_, err = eng.ExecuteWorkflow(context.Background(), "no-such-workflow", nil, "")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	history, err := eng.GetExecutionHistory(context.Background(), "stored", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, exec.ID, history[0].ID)
}

func TestWorkflowTimeoutFails(t *testing.T) {
	registry := workflow.NewRegistry()
	registry.Register(workflow.StepTypeExtract, workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	def := &workflow.Definition{
		ID:      "hangs",
		Version: 1,
		Name:    "hangs",
		Steps:   []workflow.Step{{ID: "a", Type: workflow.StepTypeExtract}},
	}

	eng, _ := testEngine(t, Config{DefaultWorkflowTimeout: 50 * time.Millisecond}, registry)
	exec, err := eng.ExecuteDefinition(context.Background(), def, nil, "")
	require.NoError(t, err)

	final := waitTerminal(t, eng, exec.ID)
	assert.Equal(t, workflow.ExecutionStatusFailed, final.Status)
	require.NotEmpty(t, final.Errors)
	assert.Equal(t, "Timeout", final.Errors[len(final.Errors)-1].Kind)
}

func TestSeedSampleWorkflow(t *testing.T) {
	repo := memory.New()
	t.Cleanup(func() { _ = repo.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon := monitor.New(repo, logger)

	New(repo, workflow.NewRegistry(), mon, nil, Config{SeedSampleWorkflow: true}, logger)

	def, err := repo.GetWorkflow(context.Background(), "sample-etl", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
	assert.Len(t, def.Steps, 3)
	assert.Equal(t, time.Second, def.Steps[1].RetryInterval)

	// Seeding again must not create a second version.
	New(repo, workflow.NewRegistry(), mon, nil, Config{SeedSampleWorkflow: true}, logger)
	versions, err := repo.GetWorkflowVersions(context.Background(), "sample-etl")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}
