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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowline/pkg/errors"
)

func validDefinition() *Definition {
	return &Definition{
		ID:   "pipeline",
		Name: "Pipeline",
		Steps: []Step{
			{ID: "a", Type: StepTypeExtract},
			{ID: "b", Type: StepTypeTransform, DependsOn: []string{"a"}},
			{ID: "c", Type: StepTypeLoad, DependsOn: []string{"b"}},
		},
	}
}

func TestValidateAcceptsLinearPipeline(t *testing.T) {
	require.NoError(t, validDefinition().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		reason string
	}{
		{
			name:   "missing workflow id",
			mutate: func(d *Definition) { d.ID = "" },
			reason: "workflow id is required",
		},
		{
			name:   "no steps",
			mutate: func(d *Definition) { d.Steps = nil },
			reason: "workflow has no steps",
		},
		{
			name:   "missing step id",
			mutate: func(d *Definition) { d.Steps[1].ID = "" },
			reason: "step id is required",
		},
		{
			name:   "duplicate step id",
			mutate: func(d *Definition) { d.Steps[1].ID = "a" },
			reason: "duplicate step id",
		},
		{
			name:   "unknown step type",
			mutate: func(d *Definition) { d.Steps[0].Type = "Teleport" },
			reason: "unknown step type",
		},
		{
			name:   "self dependency",
			mutate: func(d *Definition) { d.Steps[0].DependsOn = []string{"a"} },
			reason: "depends on itself",
		},
		{
			name:   "dangling dependency",
			mutate: func(d *Definition) { d.Steps[2].DependsOn = []string{"ghost"} },
			reason: `dependency "ghost" does not exist`,
		},
		{
			name: "dangling fallback",
			mutate: func(d *Definition) {
				d.Steps[0].ErrorHandling = &StepErrorHandling{
					OnError:        ErrorActionFallback,
					FallbackStepID: "ghost",
				}
			},
			reason: `fallback step "ghost" does not exist`,
		},
		{
			name: "self fallback",
			mutate: func(d *Definition) {
				d.Steps[0].ErrorHandling = &StepErrorHandling{
					OnError:        ErrorActionFallback,
					FallbackStepID: "a",
				}
			},
			reason: "names itself as its fallback",
		},
		{
			name: "mutual fallback cycle",
			mutate: func(d *Definition) {
				d.Steps[0].ErrorHandling = &StepErrorHandling{
					OnError:        ErrorActionFallback,
					FallbackStepID: "b",
				}
				d.Steps[1].ErrorHandling = &StepErrorHandling{
					OnError:        ErrorActionFallback,
					FallbackStepID: "a",
				}
			},
			reason: "fallback cycle",
		},
		{
			name: "fallback cycle through a chain",
			mutate: func(d *Definition) {
				d.Steps[0].ErrorHandling = &StepErrorHandling{
					OnError:        ErrorActionFallback,
					FallbackStepID: "b",
				}
				d.Steps[1].ErrorHandling = &StepErrorHandling{
					OnError:        ErrorActionFallback,
					FallbackStepID: "c",
				}
				d.Steps[2].ErrorHandling = &StepErrorHandling{
					OnError:        ErrorActionFallback,
					FallbackStepID: "a",
				}
			},
			reason: "fallback cycle",
		},
		{
			name: "dependency cycle",
			mutate: func(d *Definition) {
				d.Steps[0].DependsOn = []string{"c"}
			},
			reason: "dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := def.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestEffectivePolicy(t *testing.T) {
	def := validDefinition()

	// Built-in default when neither step nor workflow says anything.
	assert.Equal(t, ErrorActionStop, def.EffectivePolicy(&def.Steps[0]))

	def.ErrorHandling.DefaultAction = ErrorActionContinue
	assert.Equal(t, ErrorActionContinue, def.EffectivePolicy(&def.Steps[0]))

	def.Steps[0].ErrorHandling = &StepErrorHandling{OnError: ErrorActionRetry}
	assert.Equal(t, ErrorActionRetry, def.EffectivePolicy(&def.Steps[0]))
}

func TestParseDefinitionRetryIntervalForms(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"duration string", `"90s"`, 90 * time.Second},
		{"minutes", `"2m"`, 2 * time.Minute},
		{"integer seconds", `30`, 30 * time.Second},
		{"fractional seconds", `1.5`, 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte(`
id: retry-forms
name: Retry Forms
steps:
  - id: only
    type: Extract
    configuration:
      source: inline
      records: []
    retry_count: 1
    retry_interval: ` + tt.value + "\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, def.Steps[0].RetryInterval)
		})
	}
}

func TestParseDefinitionRejectsBadRetryInterval(t *testing.T) {
	_, err := ParseDefinition([]byte(`
id: retry-forms
name: Retry Forms
steps:
  - id: only
    type: Extract
    retry_interval: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid retry_interval")
}

func TestStepTimeoutFromConfiguration(t *testing.T) {
	s := Step{ID: "x", Type: StepTypeLoad}
	assert.Zero(t, s.Timeout())

	s.Configuration = map[string]any{TimeoutSecondsKey: 45}
	assert.Equal(t, 45*time.Second, s.Timeout())

	s.Configuration[TimeoutSecondsKey] = 0.5
	assert.Equal(t, 500*time.Millisecond, s.Timeout())

	s.Configuration[TimeoutSecondsKey] = "not-a-number"
	assert.Zero(t, s.Timeout())
}

func TestStepByID(t *testing.T) {
	def := validDefinition()
	require.NotNil(t, def.StepByID("b"))
	assert.Equal(t, StepTypeTransform, def.StepByID("b").Type)
	assert.Nil(t, def.StepByID("ghost"))
}
