package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/roach88/medsync/internal/config"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		Long: `Run the sync agent.

The agent pulls on-start subscriptions, then pulls and pushes on the
configured intervals. When metrics_addr is set, Prometheus metrics are
served on /metrics. Edits to the configuration file are picked up live:
poll/push intervals and the log level change without a restart.

Example:
  medsync run --config ./medsync.yaml
  MEDSYNC_POLL_INTERVAL=30s medsync run --app-dir /var/lib/medsync --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(rootOpts, cmd)
		},
	}
	return cmd
}

func runAgent(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	a, err := openAgent(ctx, opts, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.Logger.Error("error closing agent", "error", closeErr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			a.Logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	a.loader.Watch(func(cfg *config.Config, ev fsnotify.Event) {
		a.Apply(cfg)
		level := cfg.Log.Level
		if opts.Verbose {
			level = "debug"
		}
		if err := a.logger.SetLevel(level); err != nil {
			a.Logger.Warn("ignoring log level from reloaded configuration", "error", err)
		}
		a.Logger.Debug("configuration applied", "file", ev.Name, "level", a.logger.Level().String())
	})

	a.Logger.Info("agent starting",
		slog.String("app_dir", a.Config.AppDir),
		slog.String("storage", a.Config.Storage),
		slog.Duration("poll_interval", a.Config.PollInterval),
		slog.Duration("push_interval", a.Config.PushInterval))
	fmt.Fprintln(cmd.OutOrStdout(), "Agent started. Press Ctrl-C to stop.")

	if err := a.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "agent error", err)
	}

	a.Logger.Info("agent stopped gracefully")
	return nil
}
