// Package jq evaluates jq queries against step data.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single query evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize caps the serialized input document (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor compiles and runs jq queries with a timeout and an input size
// limit. Compiled queries are cached, so repeated steps reusing the same
// query pay the parse cost once.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExecutor creates an executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		cache:        make(map[string]*gojq.Code),
	}
}

// Run evaluates query against data. An empty query is the identity. A
// query producing a single value returns it directly; multiple values
// come back as a slice.
func (e *Executor) Run(ctx context.Context, query string, data any) (any, error) {
	if query == "" {
		return data, nil
	}
	if err := e.checkInputSize(data); err != nil {
		return nil, err
	}

	code, err := e.compile(query)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(runCtx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if runCtx.Err() != nil {
				return nil, fmt.Errorf("jq query timed out after %v", e.timeout)
			}
			return nil, fmt.Errorf("jq query failed: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Validate parses and compiles query without running it, for catching
// syntax errors at definition save time.
func (e *Executor) Validate(query string) error {
	if query == "" {
		return nil
	}
	_, err := e.compile(query)
	return err
}

func (e *Executor) compile(query string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[query]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}
	code, err = gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	e.mu.Lock()
	e.cache[query] = code
	e.mu.Unlock()
	return code, nil
}

func (e *Executor) checkInputSize(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("jq input is not serializable: %w", err)
	}
	if int64(len(raw)) > e.maxInputSize {
		return fmt.Errorf("jq input size (%d bytes) exceeds maximum (%d bytes)",
			len(raw), e.maxInputSize)
	}
	return nil
}
