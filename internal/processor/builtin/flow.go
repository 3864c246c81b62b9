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
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

// BranchProcessor evaluates a predicate and exposes the outcome to
// downstream step conditions.
//
// Configuration:
//
//	when: expr program producing a boolean; the environment exposes
//	  "input", "params" and "vars".
type BranchProcessor struct{}

func (p *BranchProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	when := stringConfig(step, "when")
	if when == "" {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.when", step.ID),
			Reason: "branch requires a when expression",
		}
	}

	env := map[string]any{
		"input":  input,
		"params": execCtx.Parameters(),
		"vars":   execCtx.Variables(),
	}
	out, err := expr.Eval(when, env)
	if err != nil {
		return nil, fmt.Errorf("branch predicate failed: %w", err)
	}
	taken, ok := out.(bool)
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.when", step.ID),
			Reason: fmt.Sprintf("when must produce a boolean, got %T", out),
		}
	}
	return map[string]any{"taken": taken}, nil
}

// JoinProcessor merges the outputs of every dependency into one map,
// keyed by the dependency's step id.
type JoinProcessor struct{}

func (p *JoinProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	merged := make(map[string]any, len(input))
	for k, v := range input {
		merged[k] = v
	}
	return merged, nil
}
