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

// Package builtin provides the stock processors for every step type.
// Each processor reads its behavior from the step's configuration map;
// unknown keys are ignored so definitions stay forward compatible.
package builtin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tombee/flowline/internal/secrets"
	"github.com/tombee/flowline/pkg/workflow"
)

// containerSecretsDir is the conventional mount point for file secrets.
const containerSecretsDir = "/run/secrets"

// Register installs every builtin processor on the registry.
func Register(registry *workflow.Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := secrets.NewResolver(
		secrets.NewEnvProvider(nil),
		secrets.NewFileProvider(containerSecretsDir),
	)
	registry.Register(workflow.StepTypeExtract, &ExtractProcessor{logger: logger, secrets: resolver})
	registry.Register(workflow.StepTypeTransform, &TransformProcessor{})
	registry.Register(workflow.StepTypeLoad, &LoadProcessor{logger: logger, secrets: resolver})
	registry.Register(workflow.StepTypeValidate, &ValidateProcessor{})
	registry.Register(workflow.StepTypeEnrich, &EnrichProcessor{})
	registry.Register(workflow.StepTypeBranch, &BranchProcessor{})
	registry.Register(workflow.StepTypeJoin, &JoinProcessor{})
	registry.Register(workflow.StepTypeCustom, &CustomProcessor{})
}

// stringConfig reads a string configuration value.
func stringConfig(step *workflow.Step, key string) string {
	if v, ok := step.Configuration[key].(string); ok {
		return v
	}
	return ""
}

// authorize sets a bearer token on req when the step carries a
// token_ref secret reference, e.g. "env:API_TOKEN" or
// "file:api-token". The token value never appears in the definition.
func authorize(ctx context.Context, req *http.Request, step *workflow.Step, resolver *secrets.Resolver) error {
	ref := stringConfig(step, "token_ref")
	if ref == "" || resolver == nil {
		return nil
	}
	token, err := resolver.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
