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

// flowlined is the flowline daemon: it serves the workflow API and runs
// executions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/flowline/internal/config"
	"github.com/tombee/flowline/internal/daemon"
	"github.com/tombee/flowline/internal/lifecycle"
	"github.com/tombee/flowline/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath string
		addr       string
		backend    string
		dbPath     string
		pidPath    string
		seed       bool
	)

	cmd := &cobra.Command{
		Use:           "flowlined",
		Short:         "Run the flowline workflow daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if backend != "" {
				cfg.Backend.Driver = backend
			}
			if dbPath != "" {
				cfg.Backend.Path = dbPath
			}
			if seed {
				cfg.Engine.SeedSampleWorkflow = true
			}

			if pidPath != "" {
				pidFile := lifecycle.NewPIDFile(pidPath)
				if err := pidFile.Create(); err != nil {
					return err
				}
				defer func() {
					if err := pidFile.Remove(); err != nil {
						logger.Warn("failed to remove PID file", "path", pidPath, "error", err)
					}
				}()
			}

			d, err := daemon.New(cfg, version, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&backend, "backend", "", "storage backend: sqlite or memory")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path")
	cmd.Flags().StringVar(&pidPath, "pidfile", "", "write a locked PID file at this path")
	cmd.Flags().BoolVar(&seed, "seed", false, "seed the sample workflow on startup")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flowlined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
