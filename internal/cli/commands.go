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

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/flowline/internal/templates"
)

// NewRootCommand builds the flowline CLI command tree.
func NewRootCommand(version string) *cobra.Command {
	var (
		serverURL string
		token     string
	)

	root := &cobra.Command{
		Use:           "flowline",
		Short:         "Manage workflows on a flowlined instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&serverURL, "server", "s",
		envOr("FLOWLINE_SERVER", "http://localhost:8080"), "daemon base URL")
	root.PersistentFlags().StringVar(&token,
		"token", os.Getenv("FLOWLINE_AUTH_TOKEN"), "bearer token")

	client := func() *Client { return NewClient(serverURL, token) }

	root.AddCommand(
		newWorkflowCommand(client),
		newTemplateCommand(client),
		newRunCommand(client),
		newStatusCommand(client),
		newSignalCommand(client, "cancel", "Cancel a running execution"),
		newSignalCommand(client, "pause", "Pause a running execution"),
		newSignalCommand(client, "resume", "Resume a paused execution"),
		newHistoryCommand(client),
		newTimelineCommand(client),
		newVersionCommand(version),
	)
	return root
}

func newWorkflowCommand(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := client().ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			for _, def := range defs {
				cmd.Printf("%-30s v%-4d %s\n", def.ID, def.Version, def.Name)
			}
			return nil
		},
	})

	var version int
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a workflow definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := client().GetWorkflow(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			return printJSON(cmd, def)
		},
	}
	get.Flags().IntVar(&version, "version", 0, "definition version (default latest)")
	cmd.AddCommand(get)

	cmd.AddCommand(&cobra.Command{
		Use:   "push <file>",
		Short: "Upload a workflow definition (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			isYAML := strings.HasSuffix(args[0], ".yaml") || strings.HasSuffix(args[0], ".yml")
			def, err := client().PushWorkflow(cmd.Context(), data, isYAML)
			if err != nil {
				return err
			}
			cmd.Printf("stored %s version %d\n", def.ID, def.Version)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete all versions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DeleteWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newTemplateCommand(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Work with embedded workflow templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List embedded templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := templates.List()
			if err != nil {
				return err
			}
			for _, tpl := range list {
				cmd.Printf("%-20s %s\n", tpl.Name, tpl.Description)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a template's YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := templates.Load(args[0])
			if err != nil {
				return err
			}
			cmd.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install <name>",
		Short: "Push a template to the daemon as a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := templates.Load(args[0])
			if err != nil {
				return err
			}
			def, err := client().PushWorkflow(cmd.Context(), data, true)
			if err != nil {
				return err
			}
			cmd.Printf("stored %s version %d\n", def.ID, def.Version)
			return nil
		},
	})

	return cmd
}

func newRunCommand(client func() *Client) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a workflow's latest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters := make(map[string]any, len(params))
			for _, p := range params {
				key, value, found := strings.Cut(p, "=")
				if !found {
					return fmt.Errorf("invalid parameter %q, expected key=value", p)
				}
				parameters[key] = value
			}

			exec, err := client().Execute(cmd.Context(), args[0], parameters)
			if err != nil {
				return err
			}
			cmd.Printf("execution %s started\n", exec.ID)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "execution parameter key=value (repeatable)")
	return cmd
}

func newStatusCommand(client func() *Client) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := client().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, exec)
			}

			cmd.Printf("execution %s  workflow=%s v%d  status=%s\n",
				exec.ID, exec.WorkflowID, exec.WorkflowVersion, exec.Status)
			for _, se := range exec.Steps {
				line := fmt.Sprintf("  %-24s %s", se.StepID, se.Status)
				if d := se.Duration(); d > 0 {
					line += fmt.Sprintf("  (%s)", d.Round(time.Millisecond))
				}
				cmd.Println(line)
			}
			for _, e := range exec.Errors {
				cmd.Printf("  error [%s] %s: %s\n", e.Kind, e.StepID, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full execution document")
	return cmd
}

func newSignalCommand(client func() *Client, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <execution-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Signal(cmd.Context(), args[0], verb); err != nil {
				return err
			}
			cmd.Printf("%s: %s\n", verb, args[0])
			return nil
		},
	}
}

func newHistoryCommand(client func() *Client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Show a workflow's recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execs, err := client().History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, exec := range execs {
				end := "-"
				if exec.EndTime != nil {
					end = exec.EndTime.Format(time.RFC3339)
				}
				cmd.Printf("%s  %-10s  started=%s  ended=%s\n",
					exec.ID, exec.Status, exec.StartTime.Format(time.RFC3339), end)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum executions to show")
	return cmd
}

func newTimelineCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <execution-id>",
		Short: "Show an execution's event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := client().Timeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %-18s", ev.Timestamp.Format(time.RFC3339), ev.Type)
				if ev.StepID != "" {
					line += "  step=" + ev.StepID
				}
				cmd.Println(line)
			}
			return nil
		},
	}
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("flowline version %s\n", version)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
