package apply

import (
	"context"
	"fmt"
	"slices"

	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// errorSet is the error part of one table in one persisted batch
type errorSet struct {
	info  *batch.Info
	table string
	recs  []batch.Record
	dirty bool
}

// RetryPersisted retries the deferred rows left in earlier batches of the
// namespace before a new batch is applied. Entries superseded by a row with
// the same key in incoming are dropped, as are deferred rows that now apply
// and deferred rows the replica itself changed after they failed. Failed
// rows stay until the namespace is cleared.
func (e *Engine) RetryPersisted(ctx context.Context, namespace string, incoming *batch.Info, opts Options) (*Result, error) {
	infos, err := e.batches.ListPersisted(namespace)
	if err != nil {
		return nil, fmt.Errorf("list persisted batches: %w", err)
	}
	if incoming != nil {
		infos = slices.DeleteFunc(infos, func(i *batch.Info) bool { return i.ID == incoming.ID })
	}
	if len(infos) == 0 {
		return newResult(), nil
	}

	newer, err := e.incomingKeys(incoming)
	if err != nil {
		return nil, err
	}

	var sets []*errorSet
	for _, info := range infos {
		for _, p := range info.ErrorParts() {
			recs, err := e.batches.ReadErrors(info, p.Table)
			if err != nil {
				return nil, fmt.Errorf("read error part: %w", err)
			}
			set := &errorSet{info: info, table: p.Table}
			for _, rec := range recs {
				if newer[rec.Row.Ref()] {
					set.dirty = true
					continue
				}
				set.recs = append(set.recs, rec)
			}
			sets = append(sets, set)
		}
	}

	r := e.newRun(opts)
	defer r.rollback(ctx)
	if err := r.begin(ctx); err != nil {
		return nil, err
	}

	reversed := slices.Clone(opts.Tables)
	slices.Reverse(reversed)
	for _, pass := range []struct {
		tables  []syncx.TableSpec
		deletes bool
	}{{opts.Tables, false}, {reversed, true}} {
		for _, spec := range pass.tables {
			for _, set := range sets {
				if set.table != spec.Name {
					continue
				}
				if err := r.retrySet(ctx, set, pass.deletes); err != nil {
					return r.res, err
				}
			}
		}
	}
	if err := r.commit(ctx, nil); err != nil {
		return r.res, err
	}

	for _, set := range sets {
		if !set.dirty {
			continue
		}
		if err := e.batches.WriteErrorPart(set.info, set.table, set.recs); err != nil {
			return r.res, fmt.Errorf("rewrite error part: %w", err)
		}
		if len(set.info.ErrorParts()) == 0 {
			if err := e.batches.Finish(set.info); err != nil {
				return r.res, err
			}
		}
	}
	r.report()
	if r.res.Retried > 0 {
		log.Ctx(ctx).Info().Str("namespace", namespace).Int("retried", r.res.Retried).Int("deferred", r.res.Deferred).Msg("persisted rows retried")
	}
	return r.res, nil
}

func (r *run) retrySet(ctx context.Context, set *errorSet, deletes bool) error {
	kept := set.recs[:0]
	for _, rec := range set.recs {
		if rec.Outcome.Terminal() || rec.Row.IsDeleted() != deletes {
			kept = append(kept, rec)
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.fail(set.table, err)
		}
		stale, err := r.superseded(ctx, rec)
		if err != nil {
			return r.fail(set.table, err)
		}
		if stale {
			log.Ctx(ctx).Debug().Str("row", rec.Row.Ref().String()).Msg("deferred row superseded by local change")
			set.dirty = true
			continue
		}
		outcome, next, err := r.applyRow(ctx, rec.Row)
		if err != nil {
			return err
		}
		r.res.record(rec.Row, outcome)
		set.dirty = true
		switch outcome {
		case syncx.Applied, syncx.Conflicted:
			r.res.Retried++
		default:
			kept = append(kept, *next)
		}
	}
	set.recs = kept
	return nil
}

func (e *Engine) incomingKeys(info *batch.Info) (map[syncx.Ref]bool, error) {
	keys := make(map[syncx.Ref]bool)
	if info == nil || len(info.DataParts("")) == 0 {
		return keys, nil
	}
	rd, err := e.batches.Open(info)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	for rd.Next() {
		keys[rd.Row().Ref()] = true
	}
	return keys, rd.Err()
}
