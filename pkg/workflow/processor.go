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
	"context"
	"fmt"
	"sort"

	"github.com/tombee/flowline/pkg/errors"
)

// SubtypeKey is the configuration key that selects a named processor for
// custom steps.
const SubtypeKey = "subtype"

// Processor executes the work of a single step. Implementations must
// honor ctx cancellation and return the step output on success.
type Processor interface {
	Process(ctx context.Context, step *Step, input map[string]any, execCtx *ExecContext) (any, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, step *Step, input map[string]any, execCtx *ExecContext) (any, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, step *Step, input map[string]any, execCtx *ExecContext) (any, error) {
	return f(ctx, step, input, execCtx)
}

// Registry maps step types to processors. It is assembled once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	byType map[StepType]Processor
	custom map[string]Processor
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[StepType]Processor),
		custom: make(map[string]Processor),
	}
}

// Register binds a processor to a step type. The last registration for a
// type wins.
func (r *Registry) Register(t StepType, p Processor) {
	r.byType[t] = p
}

// RegisterCustom binds a named processor used by custom steps via the
// "subtype" configuration key.
func (r *Registry) RegisterCustom(name string, p Processor) {
	r.custom[name] = p
}

// Resolve returns the processor for a step. Custom steps dispatch on
// configuration["subtype"] first and fall back to the generic custom
// processor when the subtype is unknown but a generic one is registered.
func (r *Registry) Resolve(step *Step) (Processor, error) {
	if step.Type == StepTypeCustom {
		if name, ok := step.Configuration[SubtypeKey].(string); ok {
			if p, found := r.custom[name]; found {
				return p, nil
			}
			if p, found := r.byType[StepTypeCustom]; found {
				return p, nil
			}
			return nil, &errors.ConfigurationError{
				Key:        SubtypeKey,
				Reason:     fmt.Sprintf("no processor registered for custom subtype %q", name),
				Suggestion: "register the processor before starting the engine, or check the subtype spelling",
			}
		}
	}
	p, ok := r.byType[step.Type]
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:        "type",
			Reason:     fmt.Sprintf("no processor registered for step type %q", step.Type),
			Suggestion: "register a processor for this type or use one of: " + joinTypes(r.Types()),
		}
	}
	return p, nil
}

// Types lists the registered step types, sorted for stable output.
func (r *Registry) Types() []StepType {
	out := make([]StepType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinTypes(types []StepType) string {
	s := ""
	for i, t := range types {
		if i > 0 {
			s += ", "
		}
		s += string(t)
	}
	return s
}
