package main

import (
	"github.com/spf13/cobra"
)

// buildCheckCmd creates the "check" command: load and validate a
// configuration file without starting any component (spec §4.11).
func buildCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  `Load the given configuration file and report whether it is structurally valid, without starting the daemon.`,
		Example: `  # Validate the default config
  relayd check

  # Validate a candidate file before deploying it
  relayd check --config ./candidate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = defaultConfigPath()
			}
			return runCheck(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
