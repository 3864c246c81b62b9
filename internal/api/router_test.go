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

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowline/internal/engine"
	"github.com/tombee/flowline/internal/monitor"
	"github.com/tombee/flowline/internal/repository/memory"
	"github.com/tombee/flowline/pkg/workflow"
)

func testRouter(t *testing.T, cfg RouterConfig) (*Router, *memory.Store) {
	t.Helper()
	repo := memory.New()
	t.Cleanup(func() { _ = repo.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon := monitor.New(repo, logger)

	registry := workflow.NewRegistry()
	echo := workflow.ProcessorFunc(
		func(ctx context.Context, step *workflow.Step, input map[string]any, execCtx *workflow.ExecContext) (any, error) {
			return step.ID, nil
		})
	for _, st := range workflow.ValidStepTypes {
		registry.Register(st, echo)
	}

	eng := engine.New(repo, registry, mon, nil, engine.Config{}, logger)
	return NewRouter(cfg, eng, repo, mon, logger), repo
}

func storeWorkflow(t *testing.T, repo *memory.Store, id string) {
	t.Helper()
	def := &workflow.Definition{
		ID:    id,
		Name:  id,
		Steps: []workflow.Step{{ID: "a", Type: workflow.StepTypeExtract}},
	}
	require.NoError(t, repo.SaveWorkflow(context.Background(), def))
}

func doRequest(router *Router, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRoot(t *testing.T) {
	router, _ := testRouter(t, RouterConfig{Version: "1.2.3"})

	rec := doRequest(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "flowlined", health["service"])
	assert.Equal(t, "1.2.3", health["version"])
	ts, err := time.Parse(time.RFC3339, health["timestamp"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	rec = doRequest(router, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.2.3")
}

func TestWorkflowCRUD(t *testing.T) {
	router, _ := testRouter(t, RouterConfig{})

	def := `{"id":"pipeline","name":"pipeline","steps":[{"id":"a","type":"Extract"}]}`
	rec := doRequest(router, http.MethodPost, "/api/workflows", def,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created workflow.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 1, created.Version)
	assert.True(t, created.IsLatest)

	// A second save becomes version 2.
	rec = doRequest(router, http.MethodPost, "/api/workflows", def,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/workflows/pipeline", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest workflow.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, 2, latest.Version)

	rec = doRequest(router, http.MethodGet, "/api/workflows/pipeline?version=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/workflows/pipeline/versions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/workflows", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline")

	rec = doRequest(router, http.MethodDelete, "/api/workflows/pipeline", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/workflows/pipeline", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaveWorkflowYAML(t *testing.T) {
	router, _ := testRouter(t, RouterConfig{})

	body := `
id: yaml-flow
name: yaml-flow
steps:
  - id: a
    type: Extract
`
	rec := doRequest(router, http.MethodPost, "/api/workflows", body,
		map[string]string{"Content-Type": "application/x-yaml"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "yaml-flow")
}

func TestSaveWorkflowRejectsInvalid(t *testing.T) {
	router, _ := testRouter(t, RouterConfig{})

	rec := doRequest(router, http.MethodPost, "/api/workflows",
		`{"id":"bad","steps":[]}`, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteLifecycle(t *testing.T) {
	router, repo := testRouter(t, RouterConfig{})
	storeWorkflow(t, repo, "runnable")

	rec := doRequest(router, http.MethodPost, "/api/workflows/runnable/execute",
		`{"parameters":{"region":"eu"}}`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var exec workflow.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	require.NotEmpty(t, exec.ID)

	require.Eventually(t, func() bool {
		rec := doRequest(router, http.MethodGet, "/api/executions/"+exec.ID, "", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got workflow.Execution
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status == workflow.ExecutionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = doRequest(router, http.MethodGet, "/api/workflows/runnable/executions?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), exec.ID)

	rec = doRequest(router, http.MethodGet, "/api/workflows/runnable/summaries", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/executions/recent", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), exec.ID)

	rec = doRequest(router, http.MethodGet, "/api/executions/"+exec.ID+"/timeline", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(workflow.EventWorkflowCompleted))

	rec = doRequest(router, http.MethodGet, "/api/workflows/runnable/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Terminal executions cannot be cancelled.
	rec = doRequest(router, http.MethodPost, "/api/executions/"+exec.ID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	router, _ := testRouter(t, RouterConfig{})

	rec := doRequest(router, http.MethodPost, "/api/workflows/ghost/execute", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	router, repo := testRouter(t, RouterConfig{AuthToken: "sekrit"})
	storeWorkflow(t, repo, "guarded")

	// Health stays open.
	rec := doRequest(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/workflows", "",
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/workflows", "",
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	router, _ := testRouter(t, RouterConfig{RateLimit: 1, RateBurst: 2})

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		rec := doRequest(router, http.MethodGet, "/api/workflows", "", nil)
		codes[rec.Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])
	assert.Positive(t, codes[http.StatusOK])
}
