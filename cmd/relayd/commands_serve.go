package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway daemon:
// session store, provider, router, cron scheduler, IPC control plane, and
// every configured channel loop, until a shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the relay gateway daemon",
		Long: `Start the relay gateway daemon.

The daemon will:
1. Load and validate configuration from the given file
2. Open the session store and construct the provider, router, and cron scheduler
3. Start the IPC control-plane listener and any registered channel loops
4. Watch the config file and apply hot-reloadable changes without a restart

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  relayd serve

  # Start with a custom config path
  relayd serve --config /etc/relay/production.yaml

  # Start with debug logging
  relayd serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = defaultConfigPath()
			}
			return runServe(cmd, configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
