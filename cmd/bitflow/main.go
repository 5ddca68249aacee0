// Package main provides the CLI entry point for the bitflow services.
//
// bitflow runs three process roles from one binary:
//
//	bitflow serve          # MCP tool server or automation worker, per ROLE
//	bitflow agent          # conversation orchestrator (Feishu webhook)
//	bitflow rules check    # validate an automation rules file
//
// Configuration comes from the environment; a .env file in the working
// directory is merged in when present.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Default logger until the config-driven one takes over in the run funcs.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bitflow",
		Short: "bitflow - Feishu bitable automation and conversational assistant",
		Long: `bitflow connects Feishu chat to bitable data automation.

Process roles:
  serve (ROLE=mcp_server)         HTTP tool server for the agent
  serve (ROLE=automation_worker)  change-event rule engine and schedulers
  agent                           conversation orchestrator webhook`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentCmd(),
		buildRulesCmd(),
	)

	return rootCmd
}
