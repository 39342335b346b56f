package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
)

// Tx buffers writes until commit. Referential checks for relaxed tables are
// deferred until the relaxation is restored or the transaction commits.
type Tx struct {
	s       *Store
	overlay map[syncx.Ref]*record
	relaxed map[string]bool
	done    bool
}

// lookup reads through the overlay; callers hold s.mu for reading
func (tx *Tx) lookup(tableName, key string) (*record, bool) {
	if rec, ok := tx.overlay[syncx.Ref{Table: tableName, Key: key}]; ok {
		return rec, true
	}
	t, ok := tx.s.tables[tableName]
	if !ok {
		return nil, false
	}
	rec, ok := t.rows[key]
	return rec, ok
}

// live calls fn for every live row of a table as seen by the transaction
func (tx *Tx) live(tableName string, fn func(key string, rec *record) bool) {
	t := tx.s.tables[tableName]
	for key, rec := range t.rows {
		if o, ok := tx.overlay[syncx.Ref{Table: tableName, Key: key}]; ok {
			rec = o
		}
		if rec.deleted {
			continue
		}
		if !fn(key, rec) {
			return
		}
	}
	for ref, rec := range tx.overlay {
		if ref.Table != tableName || rec.deleted {
			continue
		}
		if _, inBase := t.rows[ref.Key]; inBase {
			continue
		}
		if !fn(ref.Key, rec) {
			return
		}
	}
}

// Lookup returns the tracked row, tombstones included
func (tx *Tx) Lookup(ctx context.Context, tableName, key string) (syncx.Row, bool, error) {
	if tx.done {
		return syncx.Row{}, false, store.ErrTxDone
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if _, ok := tx.s.tables[tableName]; !ok {
		return syncx.Row{}, false, fmt.Errorf("lookup %s: %w", tableName, store.ErrTableNotFound)
	}
	rec, ok := tx.lookup(tableName, key)
	if !ok {
		return syncx.Row{}, false, nil
	}
	return toRow(tableName, key, rec), true, nil
}

// WriteRow applies one row, returning a *store.ConflictError when the local
// row has pending changes
func (tx *Tx) WriteRow(ctx context.Context, row syncx.Row, opts store.WriteOptions) error {
	if tx.done {
		return store.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if row.Key == "" {
		return fmt.Errorf("write %s: empty key", row.Table)
	}

	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	t, ok := tx.s.tables[row.Table]
	if !ok {
		return fmt.Errorf("write %s: %w", row.Table, store.ErrTableNotFound)
	}

	local, found := tx.lookup(row.Table, row.Key)
	var localRow syncx.Row
	if found {
		localRow = toRow(row.Table, row.Key, local)
	}
	if c := store.DetectConflict(localRow, found, row, opts); c != nil {
		return c
	}

	tx.s.clock++
	ts := tx.s.clock
	if tx.s.floor == 0 {
		tx.s.floor = ts
	}
	ref := row.Ref()

	if row.IsDeleted() {
		next := &record{ts: ts, createdTs: ts, writer: opts.Writer, deleted: true}
		switch {
		case found:
			next.values = local.clone().values
			next.createdTs = local.createdTs
		default:
			next.values = cloneValues(row.Values)
		}
		if found && !local.deleted && !tx.relaxed[row.Table] {
			if err := tx.checkNoChildren(row.Table, row.Key); err != nil {
				return err
			}
		}
		tx.overlay[ref] = next
		return nil
	}

	values := cloneValues(row.Values)
	if values == nil {
		values = make(map[string]any)
	}
	if _, ok := values[t.def.PrimaryKey]; !ok {
		values[t.def.PrimaryKey] = row.Key
	}
	for col := range values {
		if col != t.def.PrimaryKey && len(t.def.Columns) > 0 && !slices.Contains(t.def.Columns, col) {
			return fmt.Errorf("write %s/%s: unknown column %q", row.Table, row.Key, col)
		}
	}
	if err := tx.checkUnique(t.def, row.Key, values); err != nil {
		return err
	}
	if !tx.relaxed[row.Table] {
		if err := tx.checkParents(t.def, row.Key, values); err != nil {
			return err
		}
	}

	next := &record{values: values, ts: ts, createdTs: ts, writer: opts.Writer}
	if found && !local.deleted {
		next.createdTs = local.createdTs
	}
	tx.overlay[ref] = next
	return nil
}

func (tx *Tx) checkUnique(def TableDef, key string, values map[string]any) error {
	for _, col := range def.Unique {
		want, ok := syncx.ValueKey(values[col])
		if !ok {
			continue
		}
		var clash string
		tx.live(def.Name, func(other string, rec *record) bool {
			if other == key {
				return true
			}
			if got, ok := syncx.ValueKey(rec.values[col]); ok && got == want {
				clash = other
				return false
			}
			return true
		})
		if clash != "" {
			return &store.ConstraintError{
				Table:      def.Name,
				Key:        key,
				Constraint: "unique(" + col + ")",
				Detail:     fmt.Sprintf("value already used by %s", clash),
			}
		}
	}
	return nil
}

func (tx *Tx) checkParents(def TableDef, key string, values map[string]any) error {
	for col, parent := range def.References {
		pk, ok := keyOf(values[col])
		if !ok {
			continue
		}
		rec, found := tx.lookup(parent, pk)
		if !found || rec.deleted {
			return &store.ConstraintError{
				Table:      def.Name,
				Key:        key,
				Constraint: "fk(" + col + ")",
				Detail:     fmt.Sprintf("parent %s/%s does not exist", parent, pk),
			}
		}
	}
	return nil
}

func (tx *Tx) checkNoChildren(parent, key string) error {
	for _, t := range tx.s.tables {
		for col, ref := range t.def.References {
			if ref != parent {
				continue
			}
			var child string
			tx.live(t.def.Name, func(ck string, rec *record) bool {
				if pk, ok := keyOf(rec.values[col]); ok && pk == key {
					child = ck
					return false
				}
				return true
			})
			if child != "" {
				return &store.ConstraintError{
					Table:      parent,
					Key:        key,
					Constraint: "fk(" + t.def.Name + "." + col + ")",
					Detail:     fmt.Sprintf("still referenced by %s/%s", t.def.Name, child),
				}
			}
		}
	}
	return nil
}

// checkReferences validates every live row with references; callers hold s.mu
func (tx *Tx) checkReferences() error {
	for _, t := range tx.s.tables {
		if len(t.def.References) == 0 {
			continue
		}
		var err error
		tx.live(t.def.Name, func(key string, rec *record) bool {
			err = tx.checkParents(t.def, key, rec.values)
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RelaxConstraints defers referential checks on a table
func (tx *Tx) RelaxConstraints(ctx context.Context, tableName string) (func(context.Context) error, error) {
	if tx.done {
		return nil, store.ErrTxDone
	}
	tx.relaxed[tableName] = true
	return func(ctx context.Context) error {
		tx.s.mu.RLock()
		defer tx.s.mu.RUnlock()
		delete(tx.relaxed, tableName)
		return tx.checkReferences()
	}, nil
}

// Commit publishes the buffered writes
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return store.ErrTxDone
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	if len(tx.relaxed) > 0 {
		if err := tx.checkReferences(); err != nil {
			return err
		}
	}
	for ref, rec := range tx.overlay {
		tx.s.tables[ref.Table].rows[ref.Key] = rec
	}
	tx.s.floor = 0
	tx.finish()
	return nil
}

// Rollback discards the buffered writes. It is a no-op after Commit.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.s.mu.Lock()
	tx.s.floor = 0
	tx.s.mu.Unlock()
	tx.finish()
	return nil
}

func (tx *Tx) finish() {
	tx.done = true
	tx.overlay = nil
	<-tx.s.sem
}

func cloneValues(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

var (
	_ store.Tx                = (*Tx)(nil)
	_ store.ConstraintRelaxer = (*Tx)(nil)
)
