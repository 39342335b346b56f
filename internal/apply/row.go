package apply

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/conflict"
	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

func (r *run) writeOptions() store.WriteOptions {
	return store.WriteOptions{
		Since:  r.opts.Since,
		Sender: r.opts.Sender,
		Writer: r.opts.Sender,
		Force:  r.opts.Force,
	}
}

// applyRow writes one row and returns its outcome. A non-nil record is the
// row's entry for the error part. An error aborts the apply.
func (r *run) applyRow(ctx context.Context, row syncx.Row) (syncx.Outcome, *batch.Record, error) {
	switch row.State {
	case syncx.Created, syncx.Modified, syncx.Deleted:
	default:
		return 0, nil, r.fail(row.Table, fmt.Errorf("row %s has invalid state %d", row.Ref(), int(row.State)))
	}

	err := r.tx.WriteRow(ctx, row, r.writeOptions())
	if err == nil {
		return syncx.Applied, nil, nil
	}

	var ce *store.ConflictError
	if errors.As(err, &ce) {
		return r.resolveConflict(ctx, row, ce)
	}
	return r.classify(ctx, row, err, func() error {
		return r.tx.WriteRow(ctx, row, r.writeOptions())
	})
}

func (r *run) resolveConflict(ctx context.Context, row syncx.Row, ce *store.ConflictError) (syncx.Outcome, *batch.Record, error) {
	c, d, err := r.opts.Conflicts.Resolve(ctx, r.opts.Side, r.opts.Sender, ce)
	if err != nil {
		var se *syncx.Error
		if errors.As(err, &se) && se.Replica == "" {
			se.Replica = r.e.store.ID()
		}
		return 0, nil, r.fail(row.Table, err)
	}
	log.Ctx(ctx).Debug().
		Str("row", row.Ref().String()).
		Stringer("kind", c.Kind).
		Str("resolution", string(c.Resolution)).
		Stringer("action", d.Action).
		Msg("conflict resolved")

	write := func() error { return nil }
	switch d.Action {
	case conflict.KeepLocal:
	case conflict.ApplyRemote, conflict.ApplyMerged:
		opts := store.WriteOptions{Force: true, Sender: r.opts.Sender, Writer: d.Writer}
		write = func() error { return r.tx.WriteRow(ctx, d.Row, opts) }
	}
	if err := write(); err != nil {
		outcome, rec, err := r.classify(ctx, row, err, write)
		if err != nil || outcome != syncx.Applied {
			return outcome, rec, err
		}
	}
	if r.opts.OnConflict != nil {
		r.opts.OnConflict(c, d)
	}
	return syncx.Conflicted, nil, nil
}

// classify runs the error classifier for a failed write. retry repeats the
// write in place.
func (r *run) classify(ctx context.Context, row syncx.Row, cause error, retry func() error) (syncx.Outcome, *batch.Record, error) {
	if ctx.Err() != nil {
		return 0, nil, r.fail(row.Table, ctx.Err())
	}
	res, err := r.opts.Errors.Classify(ctx, r.opts.Side, row, cause)
	if err != nil {
		return 0, nil, r.fail(row.Table, err)
	}
	if res.retries() {
		if cause = retry(); cause == nil {
			return syncx.Applied, nil, nil
		}
		res = res.afterRetry()
	}

	logger := log.Ctx(ctx).With().Str("row", row.Ref().String()).Stringer("resolution", res).Logger()
	var outcome syncx.Outcome
	switch res {
	case ContinueOnError:
		logger.Warn().Err(cause).Msg("row failed, continuing")
		outcome = syncx.Failed
	case RetryOnNextSync:
		logger.Info().Err(cause).Msg("row deferred to next sync")
		outcome = syncx.Deferred
	default:
		return 0, nil, r.fail(row.Table, fmt.Errorf("apply %s: %w", row.Ref(), cause))
	}
	rec, err := r.failureRecord(ctx, row, outcome, cause)
	if err != nil {
		return 0, nil, r.fail(row.Table, err)
	}
	return outcome, rec, nil
}

// failureRecord builds the error part entry for row, noting the owner
// timestamp of the local copy so a later local edit can supersede it
func (r *run) failureRecord(ctx context.Context, row syncx.Row, outcome syncx.Outcome, cause error) (*batch.Record, error) {
	rec := &batch.Record{Row: row, Outcome: outcome, Kind: syncx.KindApply, Error: cause.Error()}
	local, found, err := r.tx.Lookup(ctx, row.Table, row.Key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", row.Ref(), err)
	}
	if found {
		rec.Baseline = local.OwnerTimestamp
	}
	return rec, nil
}

// superseded reports whether the replica changed the row on its own after
// rec failed. Such a change is newer than the failed remote row and wins.
func (r *run) superseded(ctx context.Context, rec batch.Record) (bool, error) {
	local, found, err := r.tx.Lookup(ctx, rec.Row.Table, rec.Row.Key)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", rec.Row.Ref(), err)
	}
	return found && local.OwnerTimestamp > rec.Baseline && local.LastWriterID != r.opts.Sender, nil
}
