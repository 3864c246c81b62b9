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

// Package repository provides durable storage for workflow definitions,
// executions and timeline events.
//
// # Interface Hierarchy
//
// The package uses interface segregation to allow minimal implementations:
//
//   - DefinitionStore (required): versioned workflow definitions
//   - ExecutionStore (required): execution documents and step records
//   - HistoryStore (optional): history, summaries, recent listings
//   - EventStore (optional): append-only timeline events
//   - io.Closer (optional): Close
//
// The Repository interface composes all of these for full-featured
// implementations. Components can accept the narrower interfaces and use
// type assertions to detect optional capabilities at runtime.
package repository

import (
	"context"
	"io"

	"github.com/tombee/flowline/pkg/workflow"
)

// DefinitionStore stores versioned workflow definitions.
type DefinitionStore interface {
	// GetWorkflow retrieves a definition. Version 0 means latest.
	GetWorkflow(ctx context.Context, id string, version int) (*workflow.Definition, error)

	// ListWorkflows lists latest definition versions with pagination.
	ListWorkflows(ctx context.Context, skip, take int) ([]*workflow.Definition, error)

	// GetWorkflowVersions returns every stored version of a workflow,
	// oldest first.
	GetWorkflowVersions(ctx context.Context, id string) ([]*workflow.Definition, error)

	// SaveWorkflow stores a definition. A zero Version is derived as
	// max+1; the new version becomes the latest.
	SaveWorkflow(ctx context.Context, def *workflow.Definition) error

	// DeleteWorkflow removes all versions of a workflow.
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionStore stores execution documents.
type ExecutionStore interface {
	// SaveExecution upserts the full execution document. Writes carrying
	// a Revision lower than the stored one are discarded, which keeps
	// the scheduling loop and the cancel/pause handlers from clobbering
	// each other.
	SaveExecution(ctx context.Context, exec *workflow.Execution) error

	// GetExecution retrieves an execution by id.
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)

	// UpdateStepExecution upserts a single step record without rewriting
	// the whole execution document.
	UpdateStepExecution(ctx context.Context, executionID string, step *workflow.StepExecution) error
}

// HistoryStore lists past executions.
type HistoryStore interface {
	// GetExecutionHistory returns executions of a workflow, most recent
	// first.
	GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error)

	// GetExecutionSummaries returns lightweight projections of a
	// workflow's executions, most recent first.
	GetExecutionSummaries(ctx context.Context, workflowID string, limit int) ([]*workflow.ExecutionSummary, error)

	// GetRecentExecutions returns the most recent executions across all
	// workflows.
	GetRecentExecutions(ctx context.Context, limit int) ([]*workflow.Execution, error)
}

// EventStore stores append-only timeline events.
type EventStore interface {
	// AppendTimelineEvent appends an event. Events are never updated or
	// deleted.
	AppendTimelineEvent(ctx context.Context, event *workflow.TimelineEvent) error

	// GetTimelineEvents returns an execution's events in chronological
	// order, up to limit (0 means all).
	GetTimelineEvents(ctx context.Context, executionID string, limit int) ([]*workflow.TimelineEvent, error)
}

// Repository is the full storage interface.
type Repository interface {
	DefinitionStore
	ExecutionStore
	HistoryStore
	EventStore
	io.Closer
}
