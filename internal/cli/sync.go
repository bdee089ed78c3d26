package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/medsync/internal/service"
	"github.com/roach88/medsync/internal/subscription"
)

// SyncResult is the output of pull and push.
type SyncResult struct {
	Direction service.Direction `json:"direction"`
	Trigger   string            `json:"trigger,omitempty"`
	Count     int               `json:"count"`
}

// PullOptions holds flags for the pull command.
type PullOptions struct {
	*RootOptions
	Trigger string
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull subscribed data from the server once",
		Long: `Pull every subscription due for the trigger, then drain the incoming
queue into the local repositories. Entries that cannot be stored are
dead-lettered.

Example:
  medsync pull
  medsync pull --trigger on-start --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Trigger, "trigger", string(subscription.Manual), "subscription trigger (on-start|periodic-poll|manual|on-push)")
	return cmd
}

func runPull(opts *PullOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	trigger, err := subscription.ParseTrigger(opts.Trigger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid trigger", err)
	}

	ctx := commandContext(cmd)
	a, err := openAgent(ctx, opts.RootOptions, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Service.RunPull(ctx, trigger)
	if err != nil {
		return syncFailed(f, service.DirectionPull, n, err)
	}
	res := SyncResult{Direction: service.DirectionPull, Trigger: string(trigger), Count: n}
	return f.Render(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "✓ Pulled %d entr%s (%s)\n", n, plural(n, "y", "ies"), trigger)
		return err
	})
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push queued local changes to the server once",
		Long: `Drain the outgoing and admin queues to the server. Transient failures
leave the entry at the head of its queue for the next push; rejected
entries are dead-lettered.

Example:
  medsync push --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(rootOpts, cmd)
		},
	}
}

func runPush(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	ctx := commandContext(cmd)
	a, err := openAgent(ctx, opts, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Service.RunPush(ctx)
	if err != nil {
		return syncFailed(f, service.DirectionPush, n, err)
	}
	res := SyncResult{Direction: service.DirectionPush, Count: n}
	return f.Render(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "✓ Pushed %d entr%s\n", n, plural(n, "y", "ies"))
		return err
	})
}

func syncFailed(f *OutputFormatter, d service.Direction, n int, err error) error {
	if errors.Is(err, service.ErrAlreadyRunning) {
		return f.Fail(ExitCommandError, ErrCodeBusy, fmt.Sprintf("%s already running", d), err)
	}
	return f.Fail(ExitFailure, ErrCodeSyncFailed, fmt.Sprintf("%s finished with errors after %d entries", d, n), err)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
