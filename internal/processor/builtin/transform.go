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

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/flowline/internal/jq"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

// TransformProcessor evaluates an expression over the step's inputs and
// returns the result.
//
// Configuration:
//
//	expression: expr program; the environment exposes "input" (the
//	  gathered dependency outputs), "params" and "vars".
//	query: jq program run against "input". Mutually exclusive with
//	  expression.
type TransformProcessor struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program

	jqOnce sync.Once
	jq     *jq.Executor
}

func (p *TransformProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	expression := stringConfig(step, "expression")
	query := stringConfig(step, "query")
	if expression != "" && query != "" {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration", step.ID),
			Reason: "expression and query are mutually exclusive",
		}
	}
	if query != "" {
		p.jqOnce.Do(func() { p.jq = jq.NewExecutor(0, 0) })
		out, err := p.jq.Run(ctx, query, anyMap(input))
		if err != nil {
			return nil, &errors.ConfigurationError{
				Key:    fmt.Sprintf("steps.%s.configuration.query", step.ID),
				Reason: err.Error(),
			}
		}
		return out, nil
	}
	if expression == "" {
		// Identity transform.
		return input, nil
	}

	program, err := p.compile(expression)
	if err != nil {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.expression", step.ID),
			Reason: fmt.Sprintf("expression does not compile: %v", err),
		}
	}

	env := map[string]any{
		"input":  input,
		"params": execCtx.Parameters(),
		"vars":   execCtx.Variables(),
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("transform expression failed: %w", err)
	}
	return out, nil
}

func (p *TransformProcessor) compile(expression string) (*vm.Program, error) {
	p.mu.RLock()
	program, ok := p.cache[expression]
	p.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.cache == nil {
		p.cache = make(map[string]*vm.Program)
	}
	p.cache[expression] = program
	p.mu.Unlock()
	return program, nil
}

// anyMap normalizes input for the jq runtime via a JSON round trip, so
// outputs holding concrete Go types become plain maps and slices.
func anyMap(input map[string]any) any {
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return input
	}
	return out
}
