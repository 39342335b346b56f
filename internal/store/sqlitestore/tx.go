package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Tx writes rows through the tracking triggers, then stamps the writer.
// Each row runs in its own savepoint so a rejected row leaves nothing behind.
type Tx struct {
	s       *Store
	tx      *sql.Tx
	relaxed int
	done    bool
}

// Lookup returns the tracked row, tombstones included
func (tx *Tx) Lookup(ctx context.Context, table, key string) (syncx.Row, bool, error) {
	if tx.done {
		return syncx.Row{}, false, store.ErrTxDone
	}
	pk, ok := tx.s.primaryKey(table)
	if !ok {
		return syncx.Row{}, false, fmt.Errorf("lookup %s: %w", table, ErrNotTracked)
	}
	schema, err := tx.s.describe(ctx, tx.tx, table)
	if err != nil {
		return syncx.Row{}, false, err
	}

	var tr tracking
	err = tx.tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT key, ts, created_ts, writer, deleted, tomb FROM %s WHERE key = ?`, quote(trackingTable(table))), key).
		Scan(&tr.key, &tr.ts, &tr.createdTs, &tr.writer, &tr.deleted, &tr.tomb)
	if errors.Is(err, sql.ErrNoRows) {
		return syncx.Row{}, false, nil
	}
	if err != nil {
		return syncx.Row{}, false, fmt.Errorf("lookup %s/%s: %w", table, key, err)
	}

	values := make([]any, len(schema.Columns))
	if !tr.deleted {
		cols := make([]string, len(schema.Columns))
		dest := make([]any, len(values))
		for i, c := range schema.Columns {
			cols[i] = quote(c)
			dest[i] = &values[i]
		}
		err := tx.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`,
			strings.Join(cols, ", "), quote(table), quote(pk)), key).Scan(dest...)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return syncx.Row{}, false, fmt.Errorf("lookup %s/%s: %w", table, key, err)
		}
	}
	row, err := tr.row(schema, values, 0)
	if err != nil {
		return syncx.Row{}, false, err
	}
	// lookups report the stored state, never Created
	if row.State == syncx.Created {
		row.State = syncx.Modified
	}
	return row, true, nil
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
	pk, ok := tx.s.primaryKey(row.Table)
	if !ok {
		return fmt.Errorf("write %s: %w", row.Table, ErrNotTracked)
	}
	schema, err := tx.s.describe(ctx, tx.tx, row.Table)
	if err != nil {
		return err
	}

	local, found, err := tx.Lookup(ctx, row.Table, row.Key)
	if err != nil {
		return err
	}
	if c := store.DetectConflict(local, found, row, opts); c != nil {
		return c
	}

	if _, err := tx.tx.ExecContext(ctx, `SAVEPOINT rowsync_row`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := tx.write(ctx, schema, pk, row, opts.Writer); err != nil {
		if _, rbErr := tx.tx.ExecContext(context.WithoutCancel(ctx), `ROLLBACK TO rowsync_row`); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		_, _ = tx.tx.ExecContext(context.WithoutCancel(ctx), `RELEASE rowsync_row`)
		return constraintError(row.Table, row.Key, err)
	}
	if _, err := tx.tx.ExecContext(ctx, `RELEASE rowsync_row`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (tx *Tx) write(ctx context.Context, schema syncx.TableSchema, pk string, row syncx.Row, writer string) error {
	tr := quote(trackingTable(row.Table))

	if row.IsDeleted() {
		res, err := tx.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quote(row.Table), quote(pk)), row.Key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return tx.stamp(ctx, tr, row.Key, writer)
		}
		// nothing to delete: record the tombstone directly
		tomb, err := json.Marshal(row.Values)
		if err != nil {
			return fmt.Errorf("encode tombstone: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `UPDATE rowsync_clock SET ts = ts + 1 WHERE id = 1`); err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (key, ts, created_ts, writer, deleted, tomb)
			VALUES (?, (SELECT ts FROM rowsync_clock WHERE id = 1), (SELECT ts FROM rowsync_clock WHERE id = 1), ?, 1, ?)
			ON CONFLICT (key) DO UPDATE SET ts = excluded.ts, writer = excluded.writer, deleted = 1`, tr),
			row.Key, writer, string(tomb))
		return err
	}

	values := row.Values
	if _, ok := values[pk]; !ok {
		values = row.Clone().Values
		if values == nil {
			values = make(map[string]any, 1)
		}
		values[pk] = row.Key
	}
	cols := make([]string, 0, len(values))
	for c := range values {
		if !schema.HasColumn(c) {
			return fmt.Errorf("write %s/%s: unknown column %q", row.Table, row.Key, c)
		}
		cols = append(cols, c)
	}
	slices.Sort(cols)

	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	sets := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quote(c)
		marks[i] = "?"
		sets[i] = quote(c) + " = excluded." + quote(c)
		v, err := bindValue(values[c])
		if err != nil {
			return fmt.Errorf("write %s/%s: column %s: %w", row.Table, row.Key, c, err)
		}
		args[i] = v
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		quote(row.Table), strings.Join(names, ", "), strings.Join(marks, ", "), quote(pk), strings.Join(sets, ", "))
	if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.stamp(ctx, tr, row.Key, writer)
}

// stamp records who produced the row the triggers just tracked
func (tx *Tx) stamp(ctx context.Context, trackingTable, key, writer string) error {
	if writer == "" {
		return nil
	}
	_, err := tx.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET writer = ? WHERE key = ?`, trackingTable), writer, key)
	return err
}

// bindValue converts row values to types the driver stores natively
func bindValue(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		return normalize(t), nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// constraintError maps SQLite constraint failures to store.ConstraintError
func constraintError(table, key string, err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	var name string
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		name = "unique"
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		name = "foreign_key"
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		name = "not_null"
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		name = "check"
	default:
		if se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
			return err
		}
		name = "constraint"
	}
	return &store.ConstraintError{Table: table, Key: key, Constraint: name, Detail: se.Error()}
}

// RelaxConstraints defers foreign key checks until restore or commit.
// The setting is per connection, so every table shares it.
func (tx *Tx) RelaxConstraints(ctx context.Context, table string) (func(context.Context) error, error) {
	if tx.done {
		return nil, store.ErrTxDone
	}
	if tx.relaxed == 0 {
		if _, err := tx.tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
			return nil, fmt.Errorf("defer foreign keys: %w", err)
		}
	}
	tx.relaxed++
	return func(ctx context.Context) error {
		tx.relaxed--
		if tx.relaxed > 0 {
			return nil
		}
		if _, err := tx.tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = OFF`); err != nil {
			return fmt.Errorf("restore foreign keys: %w", err)
		}
		return tx.checkForeignKeys(ctx)
	}, nil
}

// checkForeignKeys reports the first dangling reference in the database
func (tx *Tx) checkForeignKeys(ctx context.Context) error {
	rows, err := tx.tx.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return rows.Err()
	}
	var (
		table, parent string
		rowid         sql.NullInt64
		fkid          int
	)
	if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	return &store.ConstraintError{
		Table:      table,
		Key:        fmt.Sprint(rowid.Int64),
		Constraint: "foreign_key",
		Detail:     fmt.Sprintf("row references a missing %s", parent),
	}
}

// Commit publishes the transaction
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	if err := tx.tx.Commit(); err != nil {
		return constraintError("", "", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Rollback discards the transaction. It is a no-op after Commit.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	if err := tx.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

var (
	_ store.Tx                = (*Tx)(nil)
	_ store.ConstraintRelaxer = (*Tx)(nil)
)
