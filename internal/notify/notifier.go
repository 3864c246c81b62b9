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

// Package notify delivers fire-and-forget lifecycle notifications to an
// external HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/flowline/pkg/workflow"
)

// defaultTimeout bounds a single delivery attempt.
const defaultTimeout = 10 * time.Second

// Notification is the payload POSTed to the configured endpoint.
type Notification struct {
	ExecutionID string    `json:"executionId"`
	WorkflowID  string    `json:"workflowId"`
	Subject     string    `json:"subject"`
	Message     string    `json:"message"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier sends notifications without blocking the caller. Delivery is
// best-effort: failures are logged and dropped, never retried.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) { n.client = client }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// New creates a notifier targeting url. An empty url disables delivery.
func New(url string, opts ...Option) *Notifier {
	n := &Notifier{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether the notifier has a destination.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// NotifyExecutionTerminal sends a notification for a terminal execution.
// Returns immediately; delivery happens in the background.
func (n *Notifier) NotifyExecutionTerminal(exec *workflow.Execution) {
	if !n.Enabled() {
		return
	}
	n.send(Notification{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Subject:     fmt.Sprintf("Workflow %s %s", exec.WorkflowID, exec.Status),
		Message:     fmt.Sprintf("Execution %s finished with status %s", exec.ID, exec.Status),
		Status:      string(exec.Status),
		Timestamp:   time.Now(),
	})
}

// send delivers one notification asynchronously.
func (n *Notifier) send(notification Notification) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		body, err := json.Marshal(notification)
		if err != nil {
			n.logger.Error("failed to marshal notification", "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("failed to build notification request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("notification delivery failed",
				"execution_id", notification.ExecutionID,
				"error", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			n.logger.Warn("notification endpoint returned non-success status",
				"execution_id", notification.ExecutionID,
				"status", resp.StatusCode)
		}
	}()
}

// Flush waits for in-flight deliveries, bounded by the given timeout.
// Used during graceful shutdown.
func (n *Notifier) Flush(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		n.logger.Warn("timed out waiting for notification deliveries")
	}
}
