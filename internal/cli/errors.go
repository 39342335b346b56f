package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/erauner12/rowsync/internal/batch"
)

// NewErrorsCommand creates the errors command group.
func NewErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect rows that failed to apply",
	}
	cmd.AddCommand(newErrorsListCommand(rootOpts))
	cmd.AddCommand(newErrorsClearCommand(rootOpts))
	return cmd
}

func newErrorsListCommand(rootOpts *RootOptions) *cobra.Command {
	var server bool
	cmd := &cobra.Command{
		Use:   "list <scope>",
		Short: "List failed and deferred rows kept for the next sync",
		Long: `List the rows of the last download that failed or were deferred on
this replica. With --server, list the rows this replica uploaded that the
server kept instead.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			cfg, err := rootOpts.Config()
			if err != nil {
				return out.Fail(err)
			}
			r, err := openReplica(cmd.Context(), cfg)
			if err != nil {
				return out.Fail(err)
			}
			defer r.Close()

			var records []batch.Record
			if server {
				records, err = r.remote.PendingErrors(cmd.Context(), args[0])
			} else {
				records, err = r.coord.PendingErrors(args[0])
			}
			if err != nil {
				return out.Fail(err)
			}
			if records == nil {
				records = []batch.Record{}
			}
			return out.Success(records, func(w io.Writer) { printRecords(w, records) })
		},
	}
	cmd.Flags().BoolVar(&server, "server", false, "list the server's pending errors for this replica")
	return cmd
}

func newErrorsClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear <scope>",
		Short:         "Drop the rows kept for retry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			cfg, err := rootOpts.Config()
			if err != nil {
				return out.Fail(err)
			}
			r, err := openReplica(cmd.Context(), cfg)
			if err != nil {
				return out.Fail(err)
			}
			defer r.Close()

			n, err := r.coord.ClearErrors(args[0])
			if err != nil {
				return out.Fail(err)
			}
			data := map[string]any{"scope": args[0], "cleared": n}
			return out.Success(data, func(w io.Writer) {
				fmt.Fprintf(w, "cleared %d row(s) for scope %s\n", n, args[0])
			})
		},
	}
}

func printRecords(w io.Writer, records []batch.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no pending errors")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tKEY\tOUTCOME\tKIND\tERROR")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.Row.Table, rec.Row.Key, rec.Outcome, rec.Kind, rec.Error)
	}
	tw.Flush()
}
