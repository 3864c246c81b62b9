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
	"net/http"

	"github.com/tombee/flowline/internal/httputil"
	"github.com/tombee/flowline/pkg/workflow"
)

type executeRequest struct {
	Parameters map[string]any `json:"parameters"`
}

// handleExecute submits an execution of the workflow's latest version.
// Responds 202 with the initial execution snapshot; admission overflow
// maps to 429.
func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request) {
	var body executeRequest
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	exec, err := r.engine.ExecuteWorkflow(req.Context(), req.PathValue("id"),
		body.Parameters, workflow.TriggerEvent)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, exec)
}

func (r *Router) handleGetExecution(w http.ResponseWriter, req *http.Request) {
	exec, err := r.engine.GetExecutionStatus(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, exec)
}

func (r *Router) handleCancelExecution(w http.ResponseWriter, req *http.Request) {
	r.signalExecution(w, req, "cancelled", r.engine.CancelExecution)
}

func (r *Router) handlePauseExecution(w http.ResponseWriter, req *http.Request) {
	r.signalExecution(w, req, "paused", r.engine.PauseExecution)
}

func (r *Router) handleResumeExecution(w http.ResponseWriter, req *http.Request) {
	r.signalExecution(w, req, "resumed", r.engine.ResumeExecution)
}

// signalExecution is the common shape of cancel/pause/resume: the
// operation reports whether it applied, and a non-applicable signal is
// a 409, not an error.
func (r *Router) signalExecution(w http.ResponseWriter, req *http.Request, verb string, op func(ctx context.Context, id string) (bool, error)) {
	id := req.PathValue("id")
	applied, err := op(req.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if !applied {
		httputil.WriteError(w, http.StatusConflict, "execution cannot be "+verb+" in its current state")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"execution_id": id,
		"status":       verb,
	})
}

func (r *Router) handleExecutionHistory(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 20)
	execs, err := r.engine.GetExecutionHistory(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (r *Router) handleExecutionSummaries(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 20)
	summaries, err := r.repo.GetExecutionSummaries(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

func (r *Router) handleRecentExecutions(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 20)
	execs, err := r.repo.GetRecentExecutions(req.Context(), limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (r *Router) handleTimeline(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 0)
	events, err := r.monitor.GetTimelineEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}
