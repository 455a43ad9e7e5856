package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/relay/internal/channel"
	"github.com/kestrelhq/relay/internal/config"
	"github.com/kestrelhq/relay/internal/daemon"
)

// runChat implements the chat command: build the daemon's components but
// run only a single stdio channel loop, bypassing the IPC listener and
// cron scheduler entirely.
func runChat(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := daemon.Build(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}

	stdio := channel.NewStdioChannel(os.Stdin, os.Stdout, "operator")
	loop := d.NewLoop(stdio)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintln(os.Stdout, "relay chat — type a message and press enter. Ctrl+C to exit.")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("chat session ended: %w", err)
	}
	return nil
}
