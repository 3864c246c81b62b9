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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/flowline/internal/secrets"
	"github.com/tombee/flowline/pkg/errors"
	"github.com/tombee/flowline/pkg/workflow"
)

const maxExtractBytes = 10 << 20

// ExtractProcessor pulls records from a configured source.
//
// Configuration:
//
//	source: "inline" | "file" | "http"
//	records: inline record list (source=inline)
//	path: file to read, .json or .yaml (source=file)
//	url: endpoint to GET (source=http)
//	token_ref: secret reference for a bearer token (source=http)
type ExtractProcessor struct {
	logger  *slog.Logger
	secrets *secrets.Resolver
}

func (p *ExtractProcessor) Process(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
	source := stringConfig(step, "source")
	switch source {
	case "", "inline":
		return p.extractInline(step)
	case "file":
		return p.extractFile(step)
	case "http":
		return p.extractHTTP(ctx, step)
	default:
		return nil, &errors.ConfigurationError{
			Key:        fmt.Sprintf("steps.%s.configuration.source", step.ID),
			Reason:     fmt.Sprintf("unknown extract source %q", source),
			Suggestion: "use inline, file, or http",
		}
	}
}

func (p *ExtractProcessor) extractInline(step *workflow.Step) (any, error) {
	records, ok := step.Configuration["records"]
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.records", step.ID),
			Reason: "inline extraction requires a records list",
		}
	}
	return map[string]any{"records": records, "source": "inline"}, nil
}

func (p *ExtractProcessor) extractFile(step *workflow.Step) (any, error) {
	path := stringConfig(step, "path")
	if path == "" {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.path", step.ID),
			Reason: "file extraction requires a path",
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var records any
	if err := yaml.Unmarshal(data, &records); err != nil {
		// yaml is a superset of json; a yaml failure means neither.
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	p.logger.Debug("extracted records from file", "path", path, "bytes", len(data))
	return map[string]any{"records": records, "source": path}, nil
}

func (p *ExtractProcessor) extractHTTP(ctx context.Context, step *workflow.Step) (any, error) {
	url := stringConfig(step, "url")
	if url == "" {
		return nil, &errors.ConfigurationError{
			Key:    fmt.Sprintf("steps.%s.configuration.url", step.ID),
			Reason: "http extraction requires a url",
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if err := authorize(ctx, req, step, p.secrets); err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}

	var records any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("parse response from %s: %w", url, err)
	}

	p.logger.Debug("extracted records over http", "url", url, "bytes", len(body))
	return map[string]any{"records": records, "source": url}, nil
}
