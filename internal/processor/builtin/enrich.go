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
	"time"

	"github.com/tombee/flowline/pkg/workflow"
)

// EnrichProcessor merges static fields and selected workflow context
// over the step's inputs.
//
// Configuration:
//
//	fields: map of values merged into the output
//	timestamp: when true, adds an "enriched_at" RFC3339 timestamp
//	set_variables: map of execution variables to set as a side effect
type EnrichProcessor struct{}

func (p *EnrichProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	out := make(map[string]any, len(input)+2)
	for k, v := range input {
		out[k] = v
	}

	if fields, ok := step.Configuration["fields"].(map[string]any); ok {
		for k, v := range fields {
			out[k] = v
		}
	}

	if ts, ok := step.Configuration["timestamp"].(bool); ok && ts {
		out["enriched_at"] = time.Now().UTC().Format(time.RFC3339)
	}

	if vars, ok := step.Configuration["set_variables"].(map[string]any); ok {
		for k, v := range vars {
			execCtx.SetVariable(k, v)
		}
	}

	return out, nil
}
