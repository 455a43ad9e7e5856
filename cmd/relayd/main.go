// Package main provides the CLI entry point for the relay personal agent
// gateway.
//
// relay connects a single operator to an LLM-backed agent over a chat
// transport, with scheduled background tasks and a local control-plane
// socket for CLI/tooling integrations.
//
// # Basic Usage
//
// Start the gateway:
//
//	relayd serve --config relay.yaml
//
// Run an interactive terminal session against the same agent:
//
//	relayd chat --config relay.yaml
//
// Validate a configuration file without starting anything:
//
//	relayd check --config relay.yaml
//
// # Environment Variables
//
//   - RELAY_CONFIG: path to the configuration file (default: relay.yaml)
//   - RELAY_TRACE_FILE: JSONL span sink path; when set, takes precedence over config's tracing.trace_file
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise the command tree directly.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "relay - personal agent gateway",
		Long: `relay connects a single operator to an LLM-backed agent over a chat
transport, with scheduled background tasks and a local control-plane socket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildCheckCmd(),
	)

	return rootCmd
}

func defaultConfigPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "relay.yaml"
}
