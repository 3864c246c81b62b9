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

// Package memory provides an in-memory repository implementation, used
// in tests and for ephemeral single-process deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/flowline/internal/repository"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

// Compile-time interface assertions.
var (
	_ repository.DefinitionStore = (*Store)(nil)
	_ repository.ExecutionStore  = (*Store)(nil)
	_ repository.HistoryStore    = (*Store)(nil)
	_ repository.EventStore      = (*Store)(nil)
	_ repository.Repository      = (*Store)(nil)
)

// Store is an in-memory repository. Documents are deep-copied on the
// way in and out so callers cannot mutate stored state.
type Store struct {
	mu         sync.RWMutex
	workflows  map[string][]*workflow.Definition // id -> versions ascending
	executions map[string]*workflow.Execution
	events     map[string][]*workflow.TimelineEvent // execution id -> events in order
}

// New creates a new in-memory repository.
func New() *Store {
	return &Store{
		workflows:  make(map[string][]*workflow.Definition),
		executions: make(map[string]*workflow.Execution),
		events:     make(map[string][]*workflow.TimelineEvent),
	}
}

// GetWorkflow retrieves a definition. Version 0 means latest.
func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if version <= 0 {
		return copyDefinition(versions[len(versions)-1]), nil
	}
	for _, def := range versions {
		if def.Version == version {
			return copyDefinition(def), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "workflow", ID: fmt.Sprintf("%s@%d", id, version)}
}

// ListWorkflows lists latest definition versions with pagination.
func (s *Store) ListWorkflows(ctx context.Context, skip, take int) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var result []*workflow.Definition
	for _, id := range ids {
		versions := s.workflows[id]
		result = append(result, copyDefinition(versions[len(versions)-1]))
	}

	if skip > 0 {
		if skip >= len(result) {
			return nil, nil
		}
		result = result[skip:]
	}
	if take > 0 && len(result) > take {
		result = result[:take]
	}
	return result, nil
}

// GetWorkflowVersions returns every stored version, oldest first.
func (s *Store) GetWorkflowVersions(ctx context.Context, id string) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	result := make([]*workflow.Definition, len(versions))
	for i, def := range versions {
		result[i] = copyDefinition(def)
	}
	return result, nil
}

// SaveWorkflow stores a definition, deriving version max+1 when the
// caller supplies zero. The saved version becomes the latest.
func (s *Store) SaveWorkflow(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.workflows[def.ID]
	if def.Version <= 0 {
		max := 0
		for _, v := range versions {
			if v.Version > max {
				max = v.Version
			}
		}
		def.Version = max + 1
	}

	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.IsLatest = true

	stored := copyDefinition(def)
	replaced := false
	for i, v := range versions {
		v.IsLatest = false
		if v.Version == stored.Version {
			versions[i] = stored
			replaced = true
		}
	}
	if !replaced {
		versions = append(versions, stored)
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	}
	// Highest version is the latest, regardless of save order.
	for _, v := range versions {
		v.IsLatest = v.Version == versions[len(versions)-1].Version
	}
	s.workflows[def.ID] = versions
	return nil
}

// DeleteWorkflow removes all versions of a workflow.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[id]; !exists {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	delete(s.workflows, id)
	return nil
}

// SaveExecution upserts the execution document. Writes carrying a
// Revision lower than the stored one are discarded.
func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.executions[exec.ID]; exists && exec.Revision < existing.Revision {
		return nil
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	return copyExecution(exec), nil
}

// UpdateStepExecution upserts a single step record.
func (s *Store) UpdateStepExecution(ctx context.Context, executionID string, step *workflow.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[executionID]
	if !exists {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}

	stored := copyStepExecution(step)
	if existing := exec.StepExecutionFor(step.StepID); existing != nil {
		*existing = *stored
	} else {
		exec.Steps = append(exec.Steps, stored)
	}
	return nil
}

// GetExecutionHistory returns executions of a workflow, most recent first.
func (s *Store) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*workflow.Execution
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID {
			result = append(result, copyExecution(exec))
		}
	}
	sortRecentFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetExecutionSummaries returns lightweight projections, most recent first.
func (s *Store) GetExecutionSummaries(ctx context.Context, workflowID string, limit int) ([]*workflow.ExecutionSummary, error) {
	execs, err := s.GetExecutionHistory(ctx, workflowID, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]*workflow.ExecutionSummary, len(execs))
	for i, exec := range execs {
		summaries[i] = exec.Summarize()
	}
	return summaries, nil
}

// GetRecentExecutions returns the most recent executions across all
// workflows.
func (s *Store) GetRecentExecutions(ctx context.Context, limit int) ([]*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*workflow.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		result = append(result, copyExecution(exec))
	}
	sortRecentFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AppendTimelineEvent appends an event.
func (s *Store) AppendTimelineEvent(ctx context.Context, event *workflow.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &copied)
	return nil
}

// GetTimelineEvents returns an execution's events in chronological order.
func (s *Store) GetTimelineEvents(ctx context.Context, executionID string, limit int) ([]*workflow.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[executionID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	result := make([]*workflow.TimelineEvent, len(events))
	for i, e := range events {
		copied := *e
		result[i] = &copied
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func sortRecentFirst(execs []*workflow.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartTime.After(execs[j].StartTime)
	})
}

// copyDefinition deep-copies via JSON. Definitions are small and the
// round-trip keeps copy semantics aligned with the SQLite store.
func copyDefinition(def *workflow.Definition) *workflow.Definition {
	data, _ := json.Marshal(def)
	var out workflow.Definition
	_ = json.Unmarshal(data, &out)
	return &out
}

func copyExecution(exec *workflow.Execution) *workflow.Execution {
	data, _ := json.Marshal(exec)
	var out workflow.Execution
	_ = json.Unmarshal(data, &out)
	return &out
}

func copyStepExecution(step *workflow.StepExecution) *workflow.StepExecution {
	data, _ := json.Marshal(step)
	var out workflow.StepExecution
	_ = json.Unmarshal(data, &out)
	return &out
}
