package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/relay/internal/config"
	"github.com/kestrelhq/relay/internal/daemon"
)

// runServe implements the serve command: load config, build the daemon,
// watch the config file for hot-reloadable changes, and run until a
// shutdown signal or a fatal component error arrives.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	slog.Info("starting relay gateway", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := daemon.Build(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}

	watcher := config.NewWatcher(configPath, cfg, slog.Default(), func(newCfg *config.Config, applied []string) {
		if err := d.Reload(newCfg); err != nil {
			slog.Error("relay: config reload failed to apply", "error", err)
			return
		}
		slog.Info("relay: config reload applied", "fields", applied)
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		slog.Warn("relay: config file watch disabled", "error", err)
	}
	defer watcher.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	slog.Info("relay gateway started", "agent", cfg.Agent.ID, "socket", cfg.IPC.SocketPath)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := d.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("relay gateway stopped gracefully")
	return nil
}
