package main

import (
	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command: an interactive terminal session
// against the same agent a running `serve` daemon would use, without the
// IPC control plane or cron scheduler.
func buildChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive terminal session with the agent",
		Long: `Start an interactive terminal session with the agent.

Messages are read from stdin and responses are streamed to stdout. The
session runs against the configured provider and tools but does not start
the IPC listener, cron scheduler, or any other channel's loop.`,
		Example: `  # Chat using the default config
  relayd chat

  # Chat using a custom config path
  relayd chat --config /etc/relay/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = defaultConfigPath()
			}
			return runChat(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
