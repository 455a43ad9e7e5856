package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/relay/internal/config"
)

// runCheck implements the check command. config.Load already applies
// defaults and runs config.Validate, so a successful load is itself the
// pass/fail signal.
func runCheck(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "invalid: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "valid: agent %q, %d user(s), %d group(s), %d cron job(s)\n",
		cfg.Agent.ID, len(cfg.Users), len(cfg.Groups), len(cfg.Cron))
	return nil
}
