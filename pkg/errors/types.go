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

package errors

import (
	"fmt"
	"time"
)

// NotFoundError represents a resource not found error.
// Use this when a requested workflow, version, or execution does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigurationError represents an invalid workflow or engine configuration.
// Use this for missing processors, dangling dependencies, cyclic graphs,
// and missing fallback targets.
type ConfigurationError struct {
	// Key identifies what is misconfigured (e.g., "steps.load.dependsOn", "processor.Extract")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("configuration error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ResourceExhaustedError is returned when the engine's admission semaphore
// has no free permit. Submission never blocks; callers should retry later.
type ResourceExhaustedError struct {
	// Limit is the configured concurrency limit that was hit
	Limit int
}

// Error implements the error interface.
func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("concurrent execution limit reached (%d), try again later", e.Limit)
}

// TimeoutError represents an execution or step exceeding its budget.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "execution", "step transform")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// CancelledError indicates the execution's cancellation signal was observed.
type CancelledError struct {
	// ExecutionID identifies the cancelled execution
	ExecutionID string

	// Cause is the underlying error (typically context.Canceled)
	Cause error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("execution %s cancelled", e.ExecutionID)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// ProcessorError wraps any failure raised by a Processor.
// The underlying message and type are preserved for metrics grouping.
type ProcessorError struct {
	// StepID is the step whose processor failed
	StepID string

	// StepType is the processor's step type (e.g., "Transform")
	StepType string

	// Cause is the error returned by the processor
	Cause error
}

// Error implements the error interface.
func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s failed for step %s: %v", e.StepType, e.StepID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProcessorError) Unwrap() error {
	return e.Cause
}

// PersistenceError represents a repository I/O failure.
// Persistence failures are fatal to the execution that hit them.
type PersistenceError struct {
	// Operation is the repository operation that failed (e.g., "SaveExecution")
	Operation string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// ValidationError represents user input validation failures outside workflow
// configuration, such as malformed request parameters.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}
