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

package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowline/pkg/workflow"
)

func terminalExec() *workflow.Execution {
	end := time.Now()
	return &workflow.Execution{
		ID:         "exec-1",
		WorkflowID: "pipeline-1",
		Status:     workflow.ExecutionStatusCompleted,
		StartTime:  end.Add(-time.Minute),
		EndTime:    &end,
	}
}

func TestNotifyExecutionTerminal(t *testing.T) {
	var mu sync.Mutex
	var received []Notification

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var n Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New(server.URL)
	n.NotifyExecutionTerminal(terminalExec())
	n.Flush(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "exec-1", received[0].ExecutionID)
	assert.Equal(t, "pipeline-1", received[0].WorkflowID)
	assert.Equal(t, "Completed", received[0].Status)
	assert.NotEmpty(t, received[0].Subject)
}

func TestNotifyDisabledWithoutURL(t *testing.T) {
	n := New("")
	assert.False(t, n.Enabled())

	// Must not panic or block.
	n.NotifyExecutionTerminal(terminalExec())
	n.Flush(time.Second)
}

func TestNotifySwallowsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := New(server.URL)
	n.NotifyExecutionTerminal(terminalExec())
	n.Flush(5 * time.Second)
	// Delivery failure is logged, never surfaced.
}
