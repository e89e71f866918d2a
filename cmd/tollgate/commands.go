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

package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func newTunnelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Manage tunnel policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiClient().do(http.MethodGet, "/orchestrator/tunnels", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	var (
		methods  []string
		paths    []string
		commands []string
		keywords []string
		mode     string
		desc     string
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"name":                   args[0],
				"description":            desc,
				"command_whitelist_mode": mode,
			}
			if methods != nil {
				body["allowed_methods"] = methods
			}
			if paths != nil {
				body["allowed_paths"] = paths
			}
			if commands != nil {
				body["allowed_commands"] = commands
			}
			if keywords != nil {
				body["forbidden_keywords"] = keywords
			}
			var out map[string]any
			if err := apiClient().do(http.MethodPost, "/orchestrator/tunnels/create", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	create.Flags().StringSliceVar(&methods, "method", nil, "Allowed HTTP method (repeatable, '*' for all)")
	create.Flags().StringSliceVar(&paths, "path", nil, "Allowed path prefix (repeatable)")
	create.Flags().StringSliceVar(&commands, "command", nil, "Allowed command prefix (repeatable)")
	create.Flags().StringSliceVar(&keywords, "forbid", nil, "Forbidden keyword (repeatable)")
	create.Flags().StringVar(&mode, "mode", "strict", "Command whitelist mode (strict, lax)")
	create.Flags().StringVar(&desc, "description", "", "Tunnel description")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]string{"name": args[0]}
			if err := apiClient().do(http.MethodPost, "/orchestrator/tunnels/delete", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	return cmd
}

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage worker agent keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List worker agents (keys redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiClient().do(http.MethodGet, "/orchestrator/agents", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	var dailyLimit int
	create := &cobra.Command{
		Use:   "create <name> <tunnel>",
		Short: "Issue a worker key bound to a tunnel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"name":       args[0],
				"tunnel":     args[1],
				"dailyLimit": dailyLimit,
			}
			var out map[string]any
			if err := apiClient().do(http.MethodPost, "/orchestrator/agents/create", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	create.Flags().IntVar(&dailyLimit, "daily-limit", 0, "Daily request cap (default: server default)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Revoke a worker key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]string{"key": args[0]}
			if err := apiClient().do(http.MethodPost, "/orchestrator/agents/delete", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
	}

	var agent string
	start := &cobra.Command{
		Use:   "start <pipeline>",
		Short: "Start a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"pipeline": args[0], "agent": agent}
			var out map[string]any
			if err := apiClient().do(http.MethodPost, "/orchestrator/pipeline/start", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	start.Flags().StringVar(&agent, "agent", "", "Agent name the run is for")
	cmd.AddCommand(start)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <run_id>",
		Short: "Show a run's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			path := "/orchestrator/pipeline/status?run_id=" + url.QueryEscape(args[0])
			if err := apiClient().do(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiClient().do(http.MethodGet, "/orchestrator/pipeline/runs", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <run_id>",
		Short: "Abort a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]string{"run_id": args[0]}
			if err := apiClient().do(http.MethodPost, "/orchestrator/pipeline/reset", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	return cmd
}
