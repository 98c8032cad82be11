// Package main is the entry point for the her daemon: a long-running
// conversational companion with durable scheduling, tool execution
// behind a planner/skeptic/verifier debate, and proactive outreach.
//
// # Basic Usage
//
// Start the daemon:
//
//	her run --config her.yaml
//
// Print build information:
//
//	her version
//
// Configuration values may reference environment variables with
// ${NAME} syntax; see the sample config for the full surface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "her",
		Short:         "her is an always-on conversational companion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildRunCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		Long: `Start the daemon with all configured components.

The process will:
1. Load configuration and open Postgres and Redis
2. Boot the MCP tool servers under the supervisor
3. Start the scheduler engine (single runner via the advisory lock)
4. Connect the Telegram adapter and serve conversations

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runApp(ctx, configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "her.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("her %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
