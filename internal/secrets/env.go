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

package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider resolves secrets from environment variables. An empty
// allowlist permits every variable; otherwise a name must match one of
// the patterns, where a trailing "*" matches any suffix.
type EnvProvider struct {
	allowlist []string
}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider(allowlist []string) *EnvProvider {
	return &EnvProvider{allowlist: allowlist}
}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	if !p.allowed(name) {
		return "", ErrAccessDenied
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (p *EnvProvider) allowed(name string) bool {
	if len(p.allowlist) == 0 {
		return true
	}
	for _, pattern := range p.allowlist {
		if prefix, found := strings.CutSuffix(pattern, "*"); found {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}
	return false
}
