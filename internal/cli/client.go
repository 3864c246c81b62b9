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

// Package cli implements the flowline command line client.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/flowline/pkg/workflow"
)

// Client talks to a flowlined instance over its HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client. token may be empty when the daemon
// runs without authentication.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// ListWorkflows fetches latest workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]*workflow.Definition, error) {
	var out struct {
		Workflows []*workflow.Definition `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/workflows", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// GetWorkflow fetches one definition; version 0 means latest.
func (c *Client) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Definition, error) {
	path := "/api/workflows/" + id
	if version > 0 {
		path = fmt.Sprintf("%s?version=%d", path, version)
	}
	var def workflow.Definition
	if err := c.do(ctx, http.MethodGet, path, nil, "", &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// PushWorkflow uploads a definition. The raw body is passed through so
// both JSON and YAML files work unchanged.
func (c *Client) PushWorkflow(ctx context.Context, data []byte, isYAML bool) (*workflow.Definition, error) {
	contentType := "application/json"
	if isYAML {
		contentType = "application/x-yaml"
	}
	var def workflow.Definition
	if err := c.do(ctx, http.MethodPost, "/api/workflows",
		bytes.NewReader(data), contentType, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// DeleteWorkflow removes all versions of a workflow.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/workflows/"+id, nil, "", nil)
}

// Execute submits an execution of a workflow's latest version.
func (c *Client) Execute(ctx context.Context, id string, parameters map[string]any) (*workflow.Execution, error) {
	payload, err := json.Marshal(map[string]any{"parameters": parameters})
	if err != nil {
		return nil, err
	}
	var exec workflow.Execution
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+id+"/execute",
		bytes.NewReader(payload), "application/json", &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecution fetches an execution snapshot.
func (c *Client) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	var exec workflow.Execution
	if err := c.do(ctx, http.MethodGet, "/api/executions/"+id, nil, "", &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Signal sends cancel, pause or resume to an execution.
func (c *Client) Signal(ctx context.Context, id, verb string) error {
	return c.do(ctx, http.MethodPost, "/api/executions/"+id+"/"+verb, nil, "", nil)
}

// History fetches a workflow's executions, most recent first.
func (c *Client) History(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error) {
	var out struct {
		Executions []*workflow.Execution `json:"executions"`
	}
	path := fmt.Sprintf("/api/workflows/%s/executions?limit=%d", workflowID, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// Timeline fetches an execution's events in order.
func (c *Client) Timeline(ctx context.Context, executionID string) ([]*workflow.TimelineEvent, error) {
	var out struct {
		Events []*workflow.TimelineEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/executions/"+executionID+"/timeline", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
