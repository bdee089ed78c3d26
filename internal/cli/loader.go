package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/medsync/internal/app"
	"github.com/roach88/medsync/internal/config"
	"github.com/roach88/medsync/internal/logging"
)

// Error codes for CLI responses.
const (
	ErrCodeGeneric       = "E001" // Generic/unknown error
	ErrCodeConfigInvalid = "E101" // Configuration could not be loaded or validated
	ErrCodeOpenFailed    = "E102" // Storage, queues or remote could not be opened
	ErrCodeInvalidInput  = "E103" // Bad argument or input file
	ErrCodeUnknownQueue  = "E201" // Queue name not managed
	ErrCodeNotFound      = "E202" // Entry not found
	ErrCodeSyncFailed    = "E203" // Pull or push finished with errors
	ErrCodeBusy          = "E204" // Direction already running
)

// agent is an opened application plus the pieces commands need around it.
type agent struct {
	*app.App
	loader *config.Loader
	logger *logging.Logger
}

func (a *agent) Close() error {
	err := a.App.Close()
	_ = a.logger.Close()
	return err
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// openAgent loads the configuration, builds the logger and opens the app.
// Errors are already reported through f.
func openAgent(ctx context.Context, opts *RootOptions, f *OutputFormatter, stderr io.Writer) (*agent, error) {
	loader, err := config.NewLoader(opts.ConfigPath)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfigInvalid, "failed to load configuration", err)
	}
	cfg := loader.Config()
	if opts.AppDir != "" {
		cfg.AppDir = opts.AppDir
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{
		Level:      level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Stderr:     stderr,
	})
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfigInvalid, "failed to configure logging", err)
	}

	f.VerboseLog("Opening agent in %s (%s storage)", cfg.AppDir, cfg.Storage)
	a, err := app.New(ctx, cfg, logger.Logger)
	if err != nil {
		_ = logger.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeOpenFailed, "failed to open agent", err)
	}
	return &agent{App: a, loader: loader, logger: logger}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
