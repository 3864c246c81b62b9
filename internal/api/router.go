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

// Package api provides the HTTP API for the flowline daemon.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tombee/flowline/internal/httputil"
	"github.com/tombee/flowline/internal/monitor"
	"github.com/tombee/flowline/internal/repository"
	"github.com/tombee/flowline/pkg/workflow"
)

// Engine is the execution surface the API depends on.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, parameters map[string]any, triggerType string) (*workflow.Execution, error)
	GetExecutionStatus(ctx context.Context, executionID string) (*workflow.Execution, error)
	CancelExecution(ctx context.Context, executionID string) (bool, error)
	PauseExecution(ctx context.Context, executionID string) (bool, error)
	ResumeExecution(ctx context.Context, executionID string) (bool, error)
	GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error)
}

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string

	// AuthToken enables bearer authentication on /api routes when
	// non-empty.
	AuthToken string

	// RateLimit is the sustained request rate per second on /api
	// routes. Zero disables rate limiting.
	RateLimit float64
	RateBurst int
}

// Router wraps an http.ServeMux with auth, rate limiting and request
// logging.
type Router struct {
	mux     *http.ServeMux
	cfg     RouterConfig
	engine  Engine
	repo    repository.Repository
	monitor *monitor.Monitor
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRouter creates a router with every API endpoint registered.
func NewRouter(cfg RouterConfig, eng Engine, repo repository.Repository, mon *monitor.Monitor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		engine:  eng,
		repo:    repo,
		monitor: mon,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /", r.handleRoot)

	r.mux.HandleFunc("GET /api/workflows", r.handleListWorkflows)
	r.mux.HandleFunc("POST /api/workflows", r.handleSaveWorkflow)
	r.mux.HandleFunc("GET /api/workflows/{id}", r.handleGetWorkflow)
	r.mux.HandleFunc("DELETE /api/workflows/{id}", r.handleDeleteWorkflow)
	r.mux.HandleFunc("GET /api/workflows/{id}/versions", r.handleWorkflowVersions)
	r.mux.HandleFunc("POST /api/workflows/{id}/execute", r.handleExecute)
	r.mux.HandleFunc("GET /api/workflows/{id}/executions", r.handleExecutionHistory)
	r.mux.HandleFunc("GET /api/workflows/{id}/summaries", r.handleExecutionSummaries)
	r.mux.HandleFunc("GET /api/workflows/{id}/metrics", r.handleWorkflowMetrics)

	r.mux.HandleFunc("GET /api/executions/recent", r.handleRecentExecutions)
	r.mux.HandleFunc("GET /api/executions/{id}", r.handleGetExecution)
	r.mux.HandleFunc("POST /api/executions/{id}/cancel", r.handleCancelExecution)
	r.mux.HandleFunc("POST /api/executions/{id}/pause", r.handlePauseExecution)
	r.mux.HandleFunc("POST /api/executions/{id}/resume", r.handleResumeExecution)
	r.mux.HandleFunc("GET /api/executions/{id}/timeline", r.handleTimeline)

	return r
}

// ServeHTTP implements http.Handler. The /api subtree is rate limited
// and authenticated; health, metrics and the root probe are open.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()

	if strings.HasPrefix(req.URL.Path, "/api/") {
		if r.limiter != nil && !r.limiter.Allow() {
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if r.cfg.AuthToken != "" && !r.authenticate(req) {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
	}

	r.mux.ServeHTTP(w, req)
}

// authenticate verifies the Authorization bearer token in constant time.
func (r *Router) authenticate(req *http.Request) bool {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) {
		return false
	}
	if !strings.HasPrefix(auth, prefix) && !strings.HasPrefix(auth, "bearer ") {
		return false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.AuthToken)) == 1
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "flowlined",
		"version": r.cfg.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "flowlined",
		"version":   r.cfg.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
