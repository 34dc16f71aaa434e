// Copyright 2025 The Maestro Authors
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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groovekit/maestro/internal/daemon"
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
		adminAddr  string
		storeAddr  string
	)

	root := &cobra.Command{
		Use:   "maestrod",
		Short: "Backend orchestration daemon for agent and pattern workloads",
		Long: `maestrod runs AI agent jobs and live-coding pattern renders behind a
shared queue, with workflows, collaboration patterns, and an
operational HTTP listener for health and metrics.`,
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and block until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(daemon.RunOptions{
				Version:    version,
				Commit:     commit,
				BuildDate:  buildDate,
				ConfigPath: configPath,
				AdminAddr:  adminAddr,
				StoreAddr:  storeAddr,
			})
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	serve.Flags().StringVar(&adminAddr, "admin-addr", "", "Admin HTTP listen address (overrides config)")
	serve.Flags().StringVar(&storeAddr, "store-addr", "", "State store address (overrides config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maestrod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	root.AddCommand(serve, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
