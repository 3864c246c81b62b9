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

// Package daemon wires the flowline runtime together: persistence,
// engine, monitor, notifier and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/flowline/internal/api"
	"github.com/tombee/flowline/internal/config"
	"github.com/tombee/flowline/internal/engine"
	"github.com/tombee/flowline/internal/monitor"
	"github.com/tombee/flowline/internal/notify"
	"github.com/tombee/flowline/internal/processor/builtin"
	"github.com/tombee/flowline/internal/repository"
	"github.com/tombee/flowline/internal/repository/memory"
	"github.com/tombee/flowline/internal/repository/sqlite"
	"github.com/tombee/flowline/pkg/workflow"
)

// Daemon is an assembled flowline runtime.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	repo     repository.Repository
	engine   *engine.Engine
	notifier *notify.Notifier
	server   *http.Server
}

// New assembles a daemon from configuration. Call Run to serve.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var repo repository.Repository
	switch cfg.Backend.Driver {
	case config.BackendMemory:
		repo = memory.New()
	case config.BackendSQLite:
		store, err := sqlite.New(sqlite.Config{Path: cfg.Backend.Path, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		repo = store
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}

	mon := monitor.New(repo, logger)

	var notifier *notify.Notifier
	if cfg.Notifications.Enabled {
		notifier = notify.New(cfg.Notifications.URL, notify.WithLogger(logger))
	}

	registry := workflow.NewRegistry()
	builtin.Register(registry, logger)

	eng := engine.New(repo, registry, mon, notifier, engine.Config{
		MaxConcurrentExecutions:   cfg.Engine.MaxConcurrentExecutions,
		DefaultWorkflowTimeout:    cfg.Engine.DefaultWorkflowTimeout,
		LegacyExpressionSemantics: cfg.Engine.LegacyExpressionSemantics,
		SeedSampleWorkflow:        cfg.Engine.SeedSampleWorkflow,
	}, logger)

	router := api.NewRouter(api.RouterConfig{
		Version:   version,
		AuthToken: cfg.Server.AuthToken,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, eng, repo, mon, logger)

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		engine:   eng,
		notifier: notifier,
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Engine exposes the execution engine, mainly for tests.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Run serves HTTP until ctx is cancelled, then drains: stop accepting
// requests, wait for in-flight executions up to the drain timeout,
// flush notifications, close the store.
func (d *Daemon) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("daemon listening", "addr", d.cfg.Server.Addr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown incomplete", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), d.cfg.Server.DrainTimeout)
	defer cancelDrain()
	if err := d.engine.Shutdown(drainCtx); err != nil {
		d.logger.Warn("executions still in flight after drain timeout", "error", err)
	}

	if d.notifier != nil {
		d.notifier.Flush(5 * time.Second)
	}

	if err := d.repo.Close(); err != nil {
		d.logger.Warn("failed to close store", "error", err)
	}

	d.logger.Info("shutdown complete")
	return nil
}
