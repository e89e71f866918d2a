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

// tollgate is the admin CLI for a running tollgated instance. It speaks the
// orchestrator API over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagServer string
	flagAPIKey string
)

func main() {
	root := &cobra.Command{
		Use:   "tollgate",
		Short: "Tollgate - policy-enforcement gateway administration",
		Long: `Tollgate administers a running tollgated instance: tunnels, agent
keys, and pipeline runs. All commands require an orchestrator API key,
supplied via --api-key or the TOLLGATE_API_KEY environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", "http://127.0.0.1:8787", "Gateway address")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "Orchestrator API key (env: TOLLGATE_API_KEY)")

	root.AddCommand(
		newStatusCommand(),
		newTunnelCommand(),
		newAgentCommand(),
		newRunCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// apiClient builds the HTTP client from the global flags.
func apiClient() *client {
	key := flagAPIKey
	if key == "" {
		key = os.Getenv("TOLLGATE_API_KEY")
	}
	return newClient(flagServer, key)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tollgate %s (commit: %s)\n", version, commit)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway health and aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiClient().do("GET", "/status", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}
