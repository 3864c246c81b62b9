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

// CustomProcessor is the generic fallback for Custom steps without a
// registered subtype processor. It runs an optional expr program; with
// no program it echoes its inputs.
//
// Configuration:
//
//	program: expr program; the environment exposes "input", "params"
//	  and "vars".
type CustomProcessor struct{}

func (p *CustomProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	program := stringConfig(step, "program")
	if program == "" {
		return input, nil
	}

	env := map[string]any{
		"input":  input,
		"params": execCtx.Parameters(),
		"vars":   execCtx.Variables(),
	}
	out, err := expr.Eval(program, env)
	if err != nil {
		return nil, fmt.Errorf("custom program failed: %w", err)
	}
	if out == nil {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.program", step.ID),
			Reason: "custom program produced no value",
		}
	}
	return out, nil
}
