package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		syncType string
		params   []string
	)
	cmd := &cobra.Command{
		Use:   "sync <scope-file>",
		Short: "Run one sync session for a scope",
		Long: `Run one sync session for the scope defined in a YAML file.

The scope's tables must already exist in the local database; change
tracking is installed on first use. --type reinit discards local
tracking and downloads everything; reinit-upload sends local changes
first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts, args[0], syncType, params)
		},
	}
	cmd.Flags().StringVar(&syncType, "type", "normal", "sync type (normal|reinit|reinit-upload)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "filter parameter key=value (repeatable)")
	return cmd
}

func runSync(cmd *cobra.Command, opts *RootOptions, scopeFile, typeName string, rawParams []string) error {
	out := newFormatter(opts, cmd.OutOrStdout())

	st, err := session.ParseSyncType(typeName)
	if err != nil {
		return out.Fail(err)
	}
	params, err := parseParams(rawParams)
	if err != nil {
		return out.Fail(err)
	}
	def, err := syncx.LoadScopeFile(scopeFile)
	if err != nil {
		return out.Fail(err)
	}
	cfg, err := opts.Config()
	if err != nil {
		return out.Fail(err)
	}

	ctx := cmd.Context()
	r, err := openReplica(ctx, cfg)
	if err != nil {
		return out.Fail(err)
	}
	defer r.Close()

	for _, t := range def.Tables {
		err := r.store.Track(ctx, t.Name)
		if errors.Is(err, store.ErrTableNotFound) {
			se := syncx.SchemaError(syncx.ClientSide, t.Name, "", "table does not exist")
			se.Replica = r.store.ID()
			return out.Fail(se)
		}
		if err != nil {
			return out.Fail(err)
		}
	}

	hooks := session.Hooks{
		OnState: func(s session.State) {
			log.Debug().Str("scope", def.Name).Stringer("state", s).Msg("session state")
		},
	}
	res, err := r.coord.Synchronize(ctx, def, st, params, hooks)
	if err != nil {
		return out.Fail(err)
	}
	return out.Success(res, func(w io.Writer) { printResult(w, res) })
}

// parseParams splits key=value pairs. Values stay strings.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", kv)
		}
		params[k] = v
	}
	return params, nil
}

func printResult(w io.Writer, res *session.Result) {
	fmt.Fprintf(w, "scope %s synchronized (%s) in %s\n", res.Scope, res.SyncType, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  uploaded    %d  applied %d  failed %d  deferred %d\n",
		res.ChangesUploaded, res.AppliedOnServer, res.FailedOnServer, res.DeferredOnServer)
	fmt.Fprintf(w, "  downloaded  %d  applied %d  failed %d  deferred %d\n",
		res.ChangesDownloaded, res.AppliedOnClient, res.FailedOnClient, res.DeferredOnClient)
	if res.ConflictsResolved > 0 {
		fmt.Fprintf(w, "  conflicts resolved %d\n", res.ConflictsResolved)
	}
	fmt.Fprintf(w, "  watermark local=%d peer=%d\n", res.Watermark.LastLocal, res.Watermark.LastPeer)
}
