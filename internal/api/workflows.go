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
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tombee/flowline/internal/httputil"
	"github.com/tombee/flowline/pkg/workflow"
)

const maxDefinitionBytes = 1 << 20

// handleListWorkflows returns latest definitions, paginated with
// skip/take query parameters.
func (r *Router) handleListWorkflows(w http.ResponseWriter, req *http.Request) {
	skip := queryInt(req, "skip", 0)
	take := queryInt(req, "take", 50)

	defs, err := r.repo.ListWorkflows(req.Context(), skip, take)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": defs,
		"skip":      skip,
		"take":      take,
	})
}

// handleSaveWorkflow stores a definition from a JSON or YAML body. The
// stored definition becomes the workflow's latest version.
func (r *Router) handleSaveWorkflow(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxDefinitionBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var def *workflow.Definition
	contentType := req.Header.Get("Content-Type")
	if strings.Contains(contentType, "yaml") {
		def, err = workflow.ParseDefinition(body)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	} else {
		def = &workflow.Definition{}
		if err := json.Unmarshal(body, def); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid JSON definition: "+err.Error())
			return
		}
		if err := def.Validate(); err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	}

	// Versions are always derived server-side.
	def.Version = 0
	if err := r.repo.SaveWorkflow(req.Context(), def); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, def)
}

// handleGetWorkflow returns one definition; ?version= selects a
// specific version, default latest.
func (r *Router) handleGetWorkflow(w http.ResponseWriter, req *http.Request) {
	version := queryInt(req, "version", 0)
	def, err := r.repo.GetWorkflow(req.Context(), req.PathValue("id"), version)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, def)
}

func (r *Router) handleDeleteWorkflow(w http.ResponseWriter, req *http.Request) {
	if err := r.repo.DeleteWorkflow(req.Context(), req.PathValue("id")); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleWorkflowVersions(w http.ResponseWriter, req *http.Request) {
	defs, err := r.repo.GetWorkflowVersions(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"versions": defs})
}

// handleWorkflowMetrics returns the monitor's aggregates for one
// workflow.
func (r *Router) handleWorkflowMetrics(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflow": r.monitor.GetWorkflowMetrics(id),
		"steps":    r.monitor.GetStepMetrics(id),
	})
}

func queryInt(req *http.Request, key string, fallback int) int {
	val := req.URL.Query().Get(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
