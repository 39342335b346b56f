package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/syncx"
)

// NewScopeCommand creates the scope command group.
func NewScopeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Inspect scope definitions",
	}
	cmd.AddCommand(newScopeShowCommand(rootOpts))
	return cmd
}

// ScopeReport is the output of scope show
type ScopeReport struct {
	Definition *syncx.ScopeDefinition `json:"definition"`
	ApplyOrder []string               `json:"applyOrder"`
	Watermark  *scope.Watermark       `json:"watermark,omitempty"`
}

func newScopeShowCommand(rootOpts *RootOptions) *cobra.Command {
	var watermark bool
	cmd := &cobra.Command{
		Use:   "show <scope-file>",
		Short: "Validate a scope file and print its tables in apply order",
		Long: `Validate a scope file and print its tables in apply order, parents
before children. With --watermark, also print this replica's watermark
from the local database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			def, err := syncx.LoadScopeFile(args[0])
			if err != nil {
				return out.Fail(err)
			}
			ordered, err := def.Ordered()
			if err != nil {
				return out.Fail(err)
			}
			report := ScopeReport{Definition: def}
			for _, t := range ordered {
				report.ApplyOrder = append(report.ApplyOrder, t.Name)
			}

			if watermark {
				cfg, err := rootOpts.Config()
				if err != nil {
					return out.Fail(err)
				}
				r, err := openReplica(cmd.Context(), cfg)
				if err != nil {
					return out.Fail(err)
				}
				defer r.Close()
				wm, err := r.coord.Watermark(cmd.Context(), def.Name)
				if err != nil {
					return out.Fail(err)
				}
				report.Watermark = &wm
			}
			return out.Success(report, func(w io.Writer) { printScope(w, report, ordered) })
		},
	}
	cmd.Flags().BoolVar(&watermark, "watermark", false, "print the local watermark")
	return cmd
}

func printScope(w io.Writer, report ScopeReport, ordered []syncx.TableSpec) {
	def := report.Definition
	fmt.Fprintf(w, "scope %s v%d\n", def.Name, def.Version)
	for i, t := range ordered {
		dir := t.Direction
		if dir == "" {
			dir = syncx.Bidirectional
		}
		fmt.Fprintf(w, "  %d. %s (key %s, %s)", i+1, t.Name, t.PrimaryKey, dir)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, " after %s", strings.Join(t.DependsOn, ", "))
		}
		if len(t.Filter) > 0 {
			var parts []string
			for _, col := range slices.Sorted(maps.Keys(t.Filter)) {
				parts = append(parts, col+"=:"+t.Filter[col])
			}
			fmt.Fprintf(w, " where %s", strings.Join(parts, " and "))
		}
		fmt.Fprintln(w)
	}
	if wm := report.Watermark; wm != nil {
		if wm.IsNew {
			fmt.Fprintln(w, "  never synchronized")
			return
		}
		fmt.Fprintf(w, "  watermark local=%d peer=%d last sync %s\n", wm.LastLocal, wm.LastPeer, syncx.RFC3339(wm.LastSync))
	}
}
