package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is a pgx transaction. Every row write runs in a savepoint.
type Tx struct {
	s      *Store
	tx     pgx.Tx
	locked bool
	done   bool
}

// Lookup returns the tracked document, tombstones included
func (tx *Tx) Lookup(ctx context.Context, table, key string) (syncx.Row, bool, error) {
	if tx.done {
		return syncx.Row{}, false, store.ErrTxDone
	}
	if _, ok := tx.s.table(table); !ok {
		return syncx.Row{}, false, fmt.Errorf("lookup %s: %w", table, store.ErrTableNotFound)
	}
	doc := document{key: key}
	err := tx.tx.QueryRow(ctx, `
		SELECT payload, ts, created_ts, writer, deleted
		FROM rowsync_document
		WHERE tbl = $1 AND key = $2
	`, table, key).Scan(&doc.payload, &doc.ts, &doc.createdTs, &doc.writer, &doc.deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncx.Row{}, false, nil
	}
	if err != nil {
		return syncx.Row{}, false, fmt.Errorf("lookup %s/%s: %w", table, key, err)
	}
	// since = ts keeps live rows Modified
	row, err := doc.row(table, doc.ts)
	if err != nil {
		return syncx.Row{}, false, err
	}
	return row, true, nil
}

// WriteRow upserts one document, returning a *store.ConflictError when the
// stored one has pending changes
func (tx *Tx) WriteRow(ctx context.Context, row syncx.Row, opts store.WriteOptions) error {
	if tx.done {
		return store.ErrTxDone
	}
	if row.Key == "" {
		return fmt.Errorf("write %s: empty key", row.Table)
	}
	def, ok := tx.s.table(row.Table)
	if !ok {
		return fmt.Errorf("write %s: %w", row.Table, store.ErrTableNotFound)
	}

	local, found, err := tx.Lookup(ctx, row.Table, row.Key)
	if err != nil {
		return err
	}
	if c := store.DetectConflict(local, found, row, opts); c != nil {
		return c
	}

	payload, err := tx.payload(def, row, local, found)
	if err != nil {
		return err
	}

	if !tx.locked {
		if _, err := tx.tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1)`, clockLock); err != nil {
			return fmt.Errorf("lock clock: %w", err)
		}
		tx.locked = true
	}

	sp, err := tx.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	// Last writer wins: the clock only moves forward, so the guard keeps a
	// replayed write from bumping the version twice.
	_, err = sp.Exec(ctx, `
		WITH clock AS (SELECT nextval('rowsync_clock') AS ts)
		INSERT INTO rowsync_document (tbl, key, payload, ts, created_ts, writer, deleted, version)
		SELECT $1, $2, $3, clock.ts, clock.ts, $4, $5, 1 FROM clock
		ON CONFLICT (tbl, key) DO UPDATE SET
			payload    = EXCLUDED.payload,
			ts         = EXCLUDED.ts,
			created_ts = CASE
				WHEN rowsync_document.deleted AND NOT EXCLUDED.deleted THEN EXCLUDED.created_ts
				ELSE rowsync_document.created_ts
			END,
			writer     = EXCLUDED.writer,
			deleted    = EXCLUDED.deleted,
			version    = rowsync_document.version + 1
		WHERE EXCLUDED.ts > rowsync_document.ts
	`, row.Table, row.Key, payload, opts.Writer, row.IsDeleted())
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return constraintError(row.Table, row.Key, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// payload renders the stored document. A tombstone keeps the last known
// values so filters still match it.
func (tx *Tx) payload(def TableDef, row syncx.Row, local syncx.Row, found bool) ([]byte, error) {
	var values map[string]any
	switch {
	case row.IsDeleted() && found:
		values = local.Values
	case row.IsDeleted():
		values = row.Values
	default:
		values = row.Values
		for col := range values {
			if col != def.PrimaryKey && len(def.Columns) > 0 && !slices.Contains(def.Columns, col) {
				return nil, fmt.Errorf("write %s/%s: unknown column %q", row.Table, row.Key, col)
			}
		}
	}
	if _, ok := values[def.PrimaryKey]; !ok {
		values = syncx.Row{Values: values}.Clone().Values
		if values == nil {
			values = make(map[string]any, 1)
		}
		values[def.PrimaryKey] = row.Key
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", row.Table, row.Key, err)
	}
	return b, nil
}

// constraintError maps integrity violations (SQLSTATE class 23)
func constraintError(table, key string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 || pgErr.Code[:2] != "23" {
		return err
	}
	name := pgErr.ConstraintName
	if name == "" {
		name = pgErr.Code
	}
	return &store.ConstraintError{Table: table, Key: key, Constraint: name, Detail: pgErr.Message}
}

// Commit publishes the transaction
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	if err := tx.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction. It is a no-op after Commit.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	if err := tx.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

var _ store.Tx = (*Tx)(nil)
