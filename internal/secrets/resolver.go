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

// Package secrets resolves credential references of the form
// "scheme:name" so workflow definitions never embed secret values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a reference names no known secret.
	ErrNotFound = errors.New("secret not found")

	// ErrAccessDenied is returned when a provider's policy forbids the
	// reference.
	ErrAccessDenied = errors.New("secret access denied")
)

// Provider resolves secret names for a single scheme.
type Provider interface {
	// Scheme identifies the provider, e.g. "env" or "file".
	Scheme() string

	// Resolve returns the secret value for name.
	Resolve(ctx context.Context, name string) (string, error)
}

// Resolver dispatches secret references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver builds a resolver over the given providers. Later
// providers with a duplicate scheme win.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// Resolve evaluates a "scheme:name" reference.
func (r *Resolver) Resolve(ctx context.Context, reference string) (string, error) {
	scheme, name, found := strings.Cut(reference, ":")
	if !found || scheme == "" || name == "" {
		return "", fmt.Errorf("invalid secret reference %q, expected scheme:name", reference)
	}
	provider, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret scheme %q", scheme)
	}
	value, err := provider.Resolve(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", reference, err)
	}
	return value, nil
}
