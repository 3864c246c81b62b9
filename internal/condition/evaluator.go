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

// Package condition evaluates step guard conditions against the execution
// context. Expressions use a small substitution language ($name, $params.x,
// $steps.id) on top of the expr compiler.
package condition

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

// tokenPattern matches substitution tokens: $name, $params.key, $steps.id.
var tokenPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)(?:\.([A-Za-z_][A-Za-z0-9_-]*))?`)

// Evaluator evaluates guard conditions. Compiled expressions are cached
// for repeated evaluations across executions.
type Evaluator struct {
	cache  map[string]*vm.Program
	mu     sync.RWMutex
	logger *slog.Logger

	// legacy restores the historical behavior where an expression that
	// fails to parse or evaluate counts as true with a warning. When
	// false (strict mode), such expressions are evaluation errors.
	legacy bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLegacySemantics makes unparseable or failing expressions evaluate
// to true with a warning instead of returning an error.
func WithLegacySemantics() Option {
	return func(e *Evaluator) { e.legacy = true }
}

// WithLogger sets the logger used for warnings and trace output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// New creates a condition evaluator. Strict semantics by default.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		cache:  make(map[string]*vm.Program),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateAll evaluates a list of guards; every guard must be true for
// the step to run. A nil or empty list is true.
func (e *Evaluator) EvaluateAll(conditions []workflow.Condition, ctx map[string]any) (bool, error) {
	for _, cond := range conditions {
		ok, err := e.Evaluate(cond, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Evaluate evaluates a single condition against the given context.
//
// The context should contain workflow variables at the top level plus
// "params" and "steps" sub-maps, as built by ExecContext.EvalContext.
//
// Script, DataBased and External conditions are recognized for forward
// compatibility and currently evaluate to true.
func (e *Evaluator) Evaluate(cond workflow.Condition, ctx map[string]any) (bool, error) {
	switch cond.Type {
	case workflow.ConditionTypeExpression, "":
	case workflow.ConditionTypeScript, workflow.ConditionTypeDataBased, workflow.ConditionTypeExternal:
		e.logger.Debug("condition type not implemented, treating as true",
			"condition_type", string(cond.Type))
		return true, nil
	default:
		return e.lenient(cond.Expression, fmt.Errorf("unknown condition type %q", cond.Type))
	}

	expression := strings.TrimSpace(cond.Expression)
	if expression == "" {
		return true, nil // Empty expression defaults to true
	}

	substituted := e.substitute(expression, ctx)

	program, err := e.compile(substituted)
	if err != nil {
		return e.lenient(expression, err)
	}

	result, err := expr.Run(program, ctx)
	if err != nil {
		return e.lenient(expression, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return e.lenient(expression, fmt.Errorf("expression returned %T, not bool", result))
	}

	return boolResult, nil
}

// lenient applies the failure policy: legacy mode logs a warning and
// evaluates to true; strict mode surfaces a validation error.
func (e *Evaluator) lenient(expression string, cause error) (bool, error) {
	if e.legacy {
		e.logger.Warn("condition could not be evaluated, treating as true",
			"expression", expression,
			"error", cause.Error())
		return true, nil
	}
	return false, &errors.ValidationError{
		Field:      "expression",
		Message:    fmt.Sprintf("failed to evaluate condition %q: %s", expression, cause.Error()),
		Suggestion: "check expression syntax, or enable legacy_expression_semantics to restore the old default-true behavior",
	}
}

// substitute replaces $-tokens with literal values resolved from the
// context:
//
//	$name       -> workflow variable "name"
//	$params.key -> caller parameter "key"
//	$steps.id   -> true/false (whether step "id" has produced output)
//
// Unresolved tokens become nil so that comparisons against them behave
// predictably.
func (e *Evaluator) substitute(expression string, ctx map[string]any) string {
	return tokenPattern.ReplaceAllStringFunc(expression, func(token string) string {
		groups := tokenPattern.FindStringSubmatch(token)
		root, field := groups[1], groups[2]

		switch root {
		case "params":
			params, _ := ctx["params"].(map[string]any)
			v, ok := params[field]
			if !ok {
				return "nil"
			}
			return renderLiteral(v)
		case "steps":
			steps, _ := ctx["steps"].(map[string]any)
			_, ok := steps[field]
			return fmt.Sprintf("%t", ok)
		default:
			if field != "" {
				// $root.field on a variable: resolve the nested map key.
				if m, ok := ctx[root].(map[string]any); ok {
					if v, found := m[field]; found {
						return renderLiteral(v)
					}
				}
				return "nil"
			}
			v, ok := ctx[root]
			if !ok {
				return "nil"
			}
			return renderLiteral(v)
		}
	})
}

// renderLiteral renders a context value as an expr source literal.
func renderLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case bool:
		return fmt.Sprintf("%t", val)
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32, float64:
		return fmt.Sprintf("%v", val)
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%q", fmt.Sprint(val))
	}
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	// Check cache first (read lock)
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		// Allow any environment (we pass the context at runtime)
		expr.AllowUndefinedVariables(),
		// Expression must return boolean
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	// Cache the compiled program (write lock)
	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the expression cache.
// This is mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
