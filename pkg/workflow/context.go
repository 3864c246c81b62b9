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
	"fmt"
	"sync"
)

// ErrKeyNotFound represents an error when a requested key does not exist
// in the execution context.
type ErrKeyNotFound struct {
	Key string
}

// Error implements the error interface.
func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}

// ErrTypeAssertion represents an error when a value cannot be asserted
// to the expected type. Does not include the actual value to prevent
// credential leakage.
type ErrTypeAssertion struct {
	Key  string
	Got  string
	Want string
}

// Error implements the error interface.
func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("key %q is %s, not %s", e.Key, e.Got, e.Want)
}

// ExecContext is the per-execution mutable state visible to processors:
// read-only parameters, mutable variables, and step outputs. Methods are
// safe for concurrent use; the engine and concurrently running step
// runners share one instance.
type ExecContext struct {
	ExecutionID string
	WorkflowID  string

	mu          sync.RWMutex
	parameters  map[string]any
	variables   map[string]any
	stepOutputs map[string]any
}

// NewExecContext creates an execution context seeded with the caller's
// parameters and the definition's variable seed map.
func NewExecContext(executionID, workflowID string, parameters, variables map[string]any) *ExecContext {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	if parameters == nil {
		parameters = make(map[string]any)
	}
	return &ExecContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		parameters:  parameters,
		variables:   vars,
		stepOutputs: make(map[string]any),
	}
}

// Parameter returns a caller-supplied parameter.
func (c *ExecContext) Parameter(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.parameters[key]
	return v, ok
}

// ParameterString retrieves a string parameter.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *ExecContext) ParameterString(key string) (string, error) {
	v, ok := c.Parameter(key)
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	s, ok := v.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", v), Want: "string"}
	}
	return s, nil
}

// ParameterStringOr returns a string parameter or the default if the key
// is missing or the wrong type. Never panics.
func (c *ExecContext) ParameterStringOr(key, defaultVal string) string {
	s, err := c.ParameterString(key)
	if err != nil {
		return defaultVal
	}
	return s
}

// Variable returns a workflow variable.
func (c *ExecContext) Variable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// SetVariable stores a workflow variable. Steps may mutate variables;
// parameters stay read-only for the whole run.
func (c *ExecContext) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Output returns the last successful output of the given step.
func (c *ExecContext) Output(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.stepOutputs[stepID]
	return v, ok
}

// SetOutput stores a step output. Called by the scheduling loop when a
// step completes; visibility to successors follows from dependency order.
func (c *ExecContext) SetOutput(stepID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepOutputs[stepID] = output
}

// GatherInputs builds the input snapshot for a step: one entry per
// dependency id mapped to that dependency's output.
func (c *ExecContext) GatherInputs(dependsOn []string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inputs := make(map[string]any, len(dependsOn))
	for _, dep := range dependsOn {
		if v, ok := c.stepOutputs[dep]; ok {
			inputs[dep] = v
		}
	}
	return inputs
}

// Parameters returns a copy of the parameter map.
func (c *ExecContext) Parameters() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.parameters))
	for k, v := range c.parameters {
		out[k] = v
	}
	return out
}

// Variables returns a copy of the variable map.
func (c *ExecContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// Outputs returns a copy of the step output map.
func (c *ExecContext) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		out[k] = v
	}
	return out
}

// EvalContext builds the flat map handed to the condition evaluator:
// variables at the top level plus "params" and "steps" sub-maps.
func (c *ExecContext) EvalContext() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.variables)+2)
	for k, v := range c.variables {
		out[k] = v
	}

	params := make(map[string]any, len(c.parameters))
	for k, v := range c.parameters {
		params[k] = v
	}
	out["params"] = params

	steps := make(map[string]any, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		steps[k] = v
	}
	out["steps"] = steps

	return out
}
