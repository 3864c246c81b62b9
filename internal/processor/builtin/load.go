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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tombee/flowline/internal/secrets"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

// LoadProcessor delivers the gathered inputs to a destination.
//
// Configuration:
//
//	destination: "log" | "file" | "http"
//	path: output file (destination=file)
//	url: endpoint to POST JSON to (destination=http)
//	token_ref: secret reference for a bearer token (destination=http)
type LoadProcessor struct {
	logger  *slog.Logger
	secrets *secrets.Resolver
}

func (p *LoadProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	destination := stringConfig(step, "destination")
	switch destination {
	case "", "log":
		p.logger.Info("loaded records",
			"step_id", step.ID, "inputs", len(input))
		return map[string]any{"destination": "log", "inputs": len(input)}, nil
	case "file":
		return p.loadFile(step, input)
	case "http":
		return p.loadHTTP(ctx, step, input)
	default:
		return nil, &errors.ConfigurationError{
			Key:        fmt.Sprintf("steps.%s.configuration.destination", step.ID),
			Reason:     fmt.Sprintf("unknown load destination %q", destination),
			Suggestion: "use log, file, or http",
		}
	}
}

func (p *LoadProcessor) loadFile(step *workflow.Step, input map[string]any) (any, error) {
	path := stringConfig(step, "path")
	if path == "" {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.path", step.ID),
			Reason: "file load requires a path",
		}
	}

	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return map[string]any{"destination": path, "bytes": len(data)}, nil
}

func (p *LoadProcessor) loadHTTP(ctx context.Context, step *workflow.Step, input map[string]any) (any, error) {
	url := stringConfig(step, "url")
	if url == "" {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.url", step.ID),
			Reason: "http load requires a url",
		}
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(ctx, req, step, p.secrets); err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("post to %s: unexpected status %d", url, resp.StatusCode)
	}
	return map[string]any{"destination": url, "status": resp.StatusCode, "bytes": len(payload)}, nil
}
