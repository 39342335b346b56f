// Package apply writes staged batches into a store.
//
// Rows are applied in two passes over the scope's tables: creates and
// updates parents-first, then deletes children-first. Conflicts are handed
// to the conflict resolver and never abort; any other failure goes through
// the error classifier.
package apply

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/conflict"
	"github.com/erauner12/rowsync/internal/metrics"
	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// TxScope sets how much of a batch shares one transaction
type TxScope int

const (
	// TxSession applies the whole batch in one transaction
	TxSession TxScope = iota
	// TxTable commits after every table of every pass
	TxTable
)

// ParseTxScope maps "session" or "table" to a scope; empty is TxSession
func ParseTxScope(s string) (TxScope, error) {
	switch s {
	case "", "session":
		return TxSession, nil
	case "table":
		return TxTable, nil
	}
	return TxSession, fmt.Errorf("unknown transaction scope %q", s)
}

// RelaxFunc disables referential checks for a table until restore is called
type RelaxFunc func(ctx context.Context, tx store.Tx, table string) (restore func(context.Context) error, err error)

// Options configures one apply call
type Options struct {
	// Side is the side owning the target store
	Side syncx.Side
	// Sender is the replica the batch came from; it is recorded as last writer
	Sender string
	// Since is the target's watermark for conflict detection
	Since int64
	// Force skips conflict detection (reinitialization)
	Force bool
	// Tables is the scope, parents first
	Tables []syncx.TableSpec

	Conflicts conflict.Resolver
	Errors    Classifier
	TxScope   TxScope

	// RelaxConstraints defers referential checks while a table is written,
	// using Relax or else the transaction's own store.ConstraintRelaxer
	RelaxConstraints bool
	Relax            RelaxFunc

	// OnConflict observes every resolved conflict
	OnConflict func(c *conflict.Conflict, d conflict.Decision)
}

// TableResult counts the rows of one table
type TableResult struct {
	Upserts           int `json:"upserts"`
	Deletes           int `json:"deletes"`
	ConflictsResolved int `json:"conflictsResolved"`
	Failed            int `json:"failed"`
	Deferred          int `json:"deferred"`
}

// Result rolls up an apply call. Rows that ended in a resolved conflict
// count only as ConflictsResolved, never as applied.
type Result struct {
	Applied           int                     `json:"applied"`
	ConflictsResolved int                     `json:"conflictsResolved"`
	Failed            int                     `json:"failed"`
	Deferred          int                     `json:"deferred"`
	Retried           int                     `json:"retried"`
	Tables            map[string]*TableResult `json:"tables,omitempty"`
}

func newResult() *Result {
	return &Result{Tables: make(map[string]*TableResult)}
}

func (r *Result) table(name string) *TableResult {
	t, ok := r.Tables[name]
	if !ok {
		t = &TableResult{}
		r.Tables[name] = t
	}
	return t
}

// Add folds o into r
func (r *Result) Add(o *Result) {
	if o == nil {
		return
	}
	if r.Tables == nil {
		r.Tables = make(map[string]*TableResult)
	}
	r.Applied += o.Applied
	r.ConflictsResolved += o.ConflictsResolved
	r.Failed += o.Failed
	r.Deferred += o.Deferred
	r.Retried += o.Retried
	for name, t := range o.Tables {
		mine := r.table(name)
		mine.Upserts += t.Upserts
		mine.Deletes += t.Deletes
		mine.ConflictsResolved += t.ConflictsResolved
		mine.Failed += t.Failed
		mine.Deferred += t.Deferred
	}
}

func (r *Result) record(row syncx.Row, outcome syncx.Outcome) {
	t := r.table(row.Table)
	switch outcome {
	case syncx.Applied:
		r.Applied++
		if row.IsDeleted() {
			t.Deletes++
		} else {
			t.Upserts++
		}
	case syncx.Conflicted:
		r.ConflictsResolved++
		t.ConflictsResolved++
	case syncx.Failed:
		r.Failed++
		t.Failed++
	case syncx.Deferred:
		r.Deferred++
		t.Deferred++
	}
}

// Engine applies batches to one store
type Engine struct {
	store   store.Store
	batches *batch.Store
}

// New creates an engine writing into st and persisting error parts in bs
func New(st store.Store, bs *batch.Store) *Engine {
	return &Engine{store: st, batches: bs}
}

// run is the state of one apply call
type run struct {
	e    *Engine
	opts Options
	res  *Result
	tx   store.Tx
	errs map[string][]batch.Record
}

func (e *Engine) newRun(opts Options) *run {
	return &run{e: e, opts: opts, res: newResult(), errs: make(map[string][]batch.Record)}
}

// Apply writes a staged batch. Error records of the batch are persisted as
// its error parts once the rows they belong to are committed.
func (e *Engine) Apply(ctx context.Context, info *batch.Info, opts Options) (*Result, error) {
	logger := log.Ctx(ctx).With().Str("batch", info.ID).Str("side", string(opts.Side)).Logger()

	known := make(map[string]bool, len(opts.Tables))
	for _, t := range opts.Tables {
		known[t.Name] = true
	}
	for _, p := range info.DataParts("") {
		if !known[p.Table] {
			return nil, syncx.SchemaError(opts.Side, p.Table, "", "batch holds a table outside the scope")
		}
	}

	r := e.newRun(opts)
	defer r.rollback(ctx)

	tables := opts.Tables
	reversed := slices.Clone(tables)
	slices.Reverse(reversed)

	passes := []struct {
		tables  []syncx.TableSpec
		deletes bool
	}{
		{tables, false},
		{reversed, true},
	}
	for _, pass := range passes {
		for _, spec := range pass.tables {
			if len(info.DataParts(spec.Name)) == 0 {
				continue
			}
			if err := r.applyTable(ctx, info, spec.Name, pass.deletes); err != nil {
				return r.res, err
			}
			if opts.TxScope == TxTable {
				if err := r.commit(ctx, info); err != nil {
					return r.res, err
				}
			}
		}
	}
	if err := r.commit(ctx, info); err != nil {
		return r.res, err
	}

	r.report()
	logger.Debug().
		Int("applied", r.res.Applied).
		Int("conflicts", r.res.ConflictsResolved).
		Int("failed", r.res.Failed).
		Int("deferred", r.res.Deferred).
		Msg("batch applied")
	return r.res, nil
}

func (r *run) begin(ctx context.Context) error {
	if r.tx != nil {
		return nil
	}
	tx, err := r.e.store.Begin(ctx)
	if err != nil {
		return r.fail("", fmt.Errorf("begin: %w", err))
	}
	r.tx = tx
	return nil
}

func (r *run) rollback(ctx context.Context) {
	if r.tx == nil {
		return
	}
	// the caller's context may already be canceled
	if err := r.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("rollback failed")
	}
	r.tx = nil
}

// commit finishes the open transaction and persists error records
func (r *run) commit(ctx context.Context, info *batch.Info) error {
	if r.tx != nil {
		if err := r.tx.Commit(ctx); err != nil {
			r.rollback(ctx)
			return r.fail("", fmt.Errorf("commit: %w", err))
		}
		r.tx = nil
	}
	if info == nil || r.e.batches == nil {
		return nil
	}
	for table, recs := range r.errs {
		if err := r.e.batches.WriteErrorPart(info, table, recs); err != nil {
			return fmt.Errorf("persist error rows of %s: %w", table, err)
		}
	}
	return nil
}

func (r *run) report() {
	side := string(r.opts.Side)
	metrics.RowsProcessed(side, syncx.Applied.String(), r.res.Applied)
	metrics.RowsProcessed(side, syncx.Conflicted.String(), r.res.ConflictsResolved)
	metrics.RowsProcessed(side, syncx.Failed.String(), r.res.Failed)
	metrics.RowsProcessed(side, syncx.Deferred.String(), r.res.Deferred)
}

func (r *run) fail(table string, err error) error {
	var se *syncx.Error
	if errors.As(err, &se) {
		return err
	}
	kind := syncx.KindApply
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = syncx.KindCanceled
	}
	return &syncx.Error{Kind: kind, Side: r.opts.Side, Replica: r.e.store.ID(), Table: table, Err: err}
}

func (r *run) relax(ctx context.Context, table string) (func(context.Context) error, error) {
	if !r.opts.RelaxConstraints {
		return nil, nil
	}
	if r.opts.Relax != nil {
		return r.opts.Relax(ctx, r.tx, table)
	}
	if rx, ok := r.tx.(store.ConstraintRelaxer); ok {
		return rx.RelaxConstraints(ctx, table)
	}
	return nil, nil
}

// applyTable applies either the deletes or everything else of one table.
// Constraints are relaxed once the first matching row shows up.
func (r *run) applyTable(ctx context.Context, info *batch.Info, table string, deletes bool) error {
	if err := r.begin(ctx); err != nil {
		return err
	}

	rd, err := r.e.batches.Open(info, table)
	if err != nil {
		return r.fail(table, err)
	}
	defer rd.Close()

	var (
		restore func(context.Context) error
		relaxed bool
	)
	for rd.Next() {
		if err := ctx.Err(); err != nil {
			return r.fail(table, err)
		}
		row := rd.Row()
		if row.IsDeleted() != deletes {
			continue
		}
		if !relaxed {
			relaxed = true
			if restore, err = r.relax(ctx, table); err != nil {
				return r.fail(table, fmt.Errorf("relax constraints: %w", err))
			}
		}
		outcome, rec, err := r.applyRow(ctx, row)
		if err != nil {
			return err
		}
		r.res.record(row, outcome)
		if rec != nil {
			r.errs[table] = append(r.errs[table], *rec)
		}
	}
	if err := rd.Err(); err != nil {
		return r.fail(table, err)
	}
	if restore != nil {
		if err := restore(ctx); err != nil {
			return r.fail(table, fmt.Errorf("restore constraints: %w", err))
		}
	}
	return nil
}
