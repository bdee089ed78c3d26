package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/resource"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Operation string
}

// SubmitResult is the output of submit.
type SubmitResult struct {
	Queue     string `json:"queue"`
	ID        int64  `json:"id"`
	Ref       string `json:"ref"`
	Operation string `json:"operation"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <resource.json|->",
		Short: "Queue a local change for upload",
		Long: `Queue a resource (JSON, or "-" for stdin) for the next push. Admin
resource types go to the admin queue, everything else to outgoing.

Example:
  medsync submit patient.json --op insert
  cat bundle.json | medsync submit - --op sync`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Operation, "op", "sync", "operation (sync|insert|update|obsolete, combined with |)")
	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	op, err := queue.ParseOperation(opts.Operation)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid operation", err)
	}
	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to read resource", err)
	}
	r, err := resource.Unmarshal(data)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to parse resource", err)
	}

	ctx := commandContext(cmd)
	a, err := openAgent(ctx, opts.RootOptions, f, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.Service.Submit(ctx, r, op)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to queue resource", err)
	}
	res := SubmitResult{Queue: queueOf(a, r), ID: e.ID, Ref: r.Ref(), Operation: op.String()}
	return f.Render(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "✓ Queued %s (%s) on %s as #%d\n", res.Ref, res.Operation, res.Queue, res.ID)
		return err
	})
}

func queueOf(a *agent, r resource.Resource) string {
	for _, t := range a.Config.AdminTypes {
		if resource.Type(t) == r.Type {
			return queue.Admin
		}
	}
	return queue.Outgoing
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
