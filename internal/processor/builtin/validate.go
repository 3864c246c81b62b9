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

// ValidateProcessor checks assertions against the step's inputs and
// fails the step when one does not hold.
//
// Configuration:
//
//	required: list of keys that must be present in the inputs
//	assert: expr program that must evaluate to true; the environment
//	  exposes "input", "params" and "vars".
type ValidateProcessor struct{}

func (p *ValidateProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	checked := 0

	if required, ok := step.Configuration["required"].([]any); ok {
		for _, key := range required {
			name, ok := key.(string)
			if !ok {
				return nil, &errors.ConfigurationError{
					Key:    fmt.Sprintf("steps.%s.configuration.required", step.ID),
					Reason: "required entries must be strings",
				}
			}
			if _, present := input[name]; !present {
				return nil, fmt.Errorf("validation failed: required input %q is missing", name)
			}
			checked++
		}
	}

	if assertion := stringConfig(step, "assert"); assertion != "" {
		env := map[string]any{
			"input":  input,
			"params": execCtx.Parameters(),
			"vars":   execCtx.Variables(),
		}
		out, err := expr.Eval(assertion, env)
		if err != nil {
			return nil, &errors.ConfigurationError{
				Key:    fmt.Sprintf("steps.%s.configuration.assert", step.ID),
				Reason: fmt.Sprintf("assertion does not evaluate: %v", err),
			}
		}
		held, ok := out.(bool)
		if !ok {
			return nil, &errors.ConfigurationError{
				Key:    fmt.Sprintf("steps.%s.configuration.assert", step.ID),
				Reason: fmt.Sprintf("assertion must produce a boolean, got %T", out),
			}
		}
		if !held {
			return nil, fmt.Errorf("validation failed: assertion %q did not hold", assertion)
		}
		checked++
	}

	return map[string]any{"valid": true, "checks": checked}, nil
}
