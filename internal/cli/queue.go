package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/medsync/internal/queue"
)

// QueueSummary describes one managed queue.
type QueueSummary struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// RepairResult is the output of queue repair.
type RepairResult struct {
	Queue   string `json:"queue"`
	Dropped int    `json:"dropped"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair queues",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRepairCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List queues and their depths",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, err := openAgent(commandContext(cmd), rootOpts, f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			summaries := summarizeQueues(a.Queues)
			return f.Render(summaries, func(w io.Writer) error {
				rows := make([][]string, 0, len(summaries))
				for _, s := range summaries {
					rows = append(rows, []string{s.Name, s.Pattern, strconv.Itoa(s.Count)})
				}
				return writeTable(w, []string{"QUEUE", "PATTERN", "ENTRIES"}, rows)
			})
		},
	}
}

func summarizeQueues(mgr *queue.Manager) []QueueSummary {
	var out []QueueSummary
	for _, q := range mgr.Queues() {
		out = append(out, QueueSummary{Name: q.Name(), Pattern: q.Pattern().String(), Count: q.Count()})
	}
	return out
}

func newQueueRepairCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair [queue...]",
		Short: "Drop corrupted ids from queue indexes",
		Long: `Drop invalid ids from the index of the named queues (all queues when
none is given). Their records are unreachable and are not restored.

Example:
  medsync queue repair outgoing`,
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

			targets := a.Queues.Queues()
			if len(args) > 0 {
				targets = nil
				for _, name := range args {
					q, err := a.Queues.Lookup(name)
					if err != nil {
						return f.Fail(ExitCommandError, ErrCodeUnknownQueue, fmt.Sprintf("unknown queue %q", name), err)
					}
					targets = append(targets, q)
				}
			}

			var (
				results []RepairResult
				errs    []error
			)
			for _, q := range targets {
				n, err := q.Repair(ctx)
				if err != nil {
					errs = append(errs, fmt.Errorf("repair %s: %w", q.Name(), err))
					continue
				}
				results = append(results, RepairResult{Queue: q.Name(), Dropped: n})
			}
			if err := errors.Join(errs...); err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "repair failed", err)
			}
			return f.Render(results, func(w io.Writer) error {
				for _, r := range results {
					fmt.Fprintf(w, "%s: dropped %d id(s)\n", r.Queue, r.Dropped)
				}
				return nil
			})
		},
	}
}
