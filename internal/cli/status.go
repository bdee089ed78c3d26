package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/medsync/internal/synclog"
)

// StatusReport is the output of status.
type StatusReport struct {
	AppDir  string               `json:"app_dir"`
	Storage string               `json:"storage"`
	Queues  []QueueSummary       `json:"queues"`
	Synced  []synclog.Entry      `json:"synced"`
	Pending []synclog.QueryState `json:"pending_queries"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depths and synchronization progress",
		Long: `Show queue depths, the last successful synchronization per resource
type and filter, and paged pulls that will resume on the next pull.

Example:
  medsync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	ctx := commandContext(cmd)
	a, err := openAgent(ctx, opts, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	synced, err := a.SyncLog.Entries(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to read sync log", err)
	}
	pending, err := a.SyncLog.Queries(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to read pending queries", err)
	}

	report := StatusReport{
		AppDir:  a.Config.AppDir,
		Storage: a.Config.Storage,
		Queues:  summarizeQueues(a.Queues),
		Synced:  synced,
		Pending: pending,
	}
	return f.Render(report, func(w io.Writer) error {
		fmt.Fprintf(w, "Agent: %s (%s storage)\n\n", report.AppDir, report.Storage)

		queues := make([][]string, 0, len(report.Queues))
		for _, q := range report.Queues {
			queues = append(queues, []string{q.Name, strconv.Itoa(q.Count)})
		}
		if err := writeTable(w, []string{"QUEUE", "ENTRIES"}, queues); err != nil {
			return err
		}

		fmt.Fprintln(w)
		if len(report.Synced) == 0 {
			fmt.Fprintln(w, "Never synchronized.")
		} else {
			synced := make([][]string, 0, len(report.Synced))
			for _, e := range report.Synced {
				synced = append(synced, []string{e.ResourceType, orDash(e.Filter), e.LastSync.Format("2006-01-02 15:04:05Z07:00"), orDash(e.LastETag)})
			}
			if err := writeTable(w, []string{"TYPE", "FILTER", "LAST SYNC", "ETAG"}, synced); err != nil {
				return err
			}
		}

		for _, q := range report.Pending {
			fmt.Fprintf(w, "Resuming %s %s at offset %d (query %s)\n", q.ResourceType, orDash(q.Filter), q.Offset, q.QueryID)
		}
		return nil
	})
}

// ResyncOptions holds flags for the resync command.
type ResyncOptions struct {
	*RootOptions
	Filter string
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync <resource-type>",
		Short: "Forget the sync position of a resource type",
		Long: `Forget the last synchronization time, ETag and any in-flight paged
query of a resource type and filter, so the next pull fetches everything.

Example:
  medsync resync Encounter --filter status=active`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts.RootOptions, cmd)
			ctx := commandContext(cmd)
			a, err := openAgent(ctx, opts.RootOptions, f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.SyncLog.Reset(ctx, args[0], opts.Filter); err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "failed to reset sync log", err)
			}
			res := map[string]string{"resource_type": args[0], "filter": opts.Filter}
			return f.Render(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "✓ %s %s will be pulled from scratch\n", args[0], orDash(opts.Filter))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "subscription filter")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
