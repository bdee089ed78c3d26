package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/medsync/internal/pump"
	"github.com/roach88/medsync/internal/queue"
)

// DeadLetterView is one dead-lettered entry as printed by deadletter list.
type DeadLetterView struct {
	ID            int64     `json:"id"`
	OriginalQueue string    `json:"original_queue"`
	Ref           string    `json:"ref"`
	Operation     string    `json:"operation"`
	CreatedAt     time.Time `json:"created_at"`
	RetryCount    int       `json:"retry_count"`
	Tag           *pump.Tag `json:"tag,omitempty"`
}

// RetryResult maps a dead-letter id to the entry recreated on its origin.
type RetryResult struct {
	ID    int64  `json:"id"`
	Queue string `json:"queue"`
	NewID int64  `json:"new_id"`
}

// DeadLetterOptions holds flags for deadletter retry.
type DeadLetterOptions struct {
	*RootOptions
	All bool
}

// NewDeadLetterCommand creates the deadletter command group.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and retry dead-lettered entries",
	}
	cmd.AddCommand(newDeadLetterListCommand(rootOpts))
	cmd.AddCommand(newDeadLetterRetryCommand(rootOpts))
	return cmd
}

func newDeadLetterListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered entries with their failure",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			ctx := commandContext(cmd)
			a, err := openAgent(ctx, rootOpts, f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			dls, err := a.Queues.DeadLetter().DeadLetters(ctx)
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "failed to read dead-letter queue", err)
			}
			views := make([]DeadLetterView, 0, len(dls))
			for _, dl := range dls {
				views = append(views, newDeadLetterView(dl))
			}
			return f.Render(views, func(w io.Writer) error {
				if len(views) == 0 {
					_, err := fmt.Fprintln(w, "Dead-letter queue is empty.")
					return err
				}
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					reason := ""
					if v.Tag != nil {
						reason = v.Tag.Error
					}
					rows = append(rows, []string{strconv.FormatInt(v.ID, 10), v.OriginalQueue, v.Ref, v.Operation, reason})
				}
				return writeTable(w, []string{"ID", "FROM", "RESOURCE", "OPERATION", "ERROR"}, rows)
			})
		},
	}
}

func newDeadLetterView(dl *queue.DeadLetterEntry) DeadLetterView {
	v := DeadLetterView{
		ID:            dl.ID,
		OriginalQueue: dl.OriginalQueue,
		Ref:           string(dl.Type),
		Operation:     dl.Operation.String(),
		CreatedAt:     dl.CreatedAt,
		RetryCount:    dl.RetryCount,
	}
	if dl.Data != nil {
		v.Ref = dl.Data.Ref()
	}
	if tag, err := pump.ParseTag(dl.TagData); err == nil {
		v.Tag = tag
	}
	return v
}

func newDeadLetterRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLetterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Move dead-lettered entries back to their original queue",
		Long: `Re-enqueue dead-lettered entries on the queue they came from, marked as
retries, and remove them from the dead-letter queue. The next push uploads
any dependencies the server is missing before the retried entry.

Example:
  medsync deadletter retry 3 7
  medsync deadletter retry --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterRetry(opts, args, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.All, "all", false, "retry every dead-lettered entry")
	return cmd
}

func runDeadLetterRetry(opts *DeadLetterOptions, args []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.All == (len(args) > 0) {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "give entry ids or --all, not both", nil)
	}
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("invalid entry id %q", arg), err)
		}
		ids = append(ids, id)
	}

	ctx := commandContext(cmd)
	a, err := openAgent(ctx, opts.RootOptions, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.All {
		n, err := a.Queues.RetryAll(ctx)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("retried %d entries before failing", n), err)
		}
		return f.Render(map[string]int{"retried": n}, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "✓ Retried %d entr%s\n", n, plural(n, "y", "ies"))
			return err
		})
	}

	dlq := a.Queues.DeadLetter()
	var results []RetryResult
	for _, id := range ids {
		dl, err := dlq.GetDeadLetter(ctx, id)
		if errors.Is(err, queue.ErrEntryNotFound) {
			return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("dead-letter entry %d not found", id), err)
		}
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "failed to read dead-letter entry", err)
		}
		e, err := a.Queues.Retry(ctx, dl)
		if errors.Is(err, queue.ErrUnknownQueue) {
			return f.Fail(ExitCommandError, ErrCodeUnknownQueue, fmt.Sprintf("entry %d has no retryable origin", id), err)
		}
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("failed to retry entry %d", id), err)
		}
		results = append(results, RetryResult{ID: id, Queue: dl.OriginalQueue, NewID: e.ID})
	}
	return f.Render(results, func(w io.Writer) error {
		for _, r := range results {
			fmt.Fprintf(w, "✓ #%d -> %s #%d\n", r.ID, r.Queue, r.NewID)
		}
		return nil
	})
}
