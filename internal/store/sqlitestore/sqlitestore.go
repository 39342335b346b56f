// Package sqlitestore is a store.Store over application tables in a SQLite
// database. Each tracked table gets a <table>_tracking side table kept up to
// date by triggers, so writes made directly by the application are picked up
// as local changes.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// ErrNotTracked indicates a table that exists but was never passed to Track
var ErrNotTracked = errors.New("table is not tracked")

const schemaCacheSize = 256

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store tracks changes of a SQLite database. Open the database with
// db.OpenSQLite: a single connection serializes writers, and the clock a
// reader sees never runs ahead of an uncommitted write.
type Store struct {
	db *sql.DB
	id string

	schemas *lru.Cache[string, syncx.TableSchema]

	mu      sync.RWMutex
	tracked map[string]string // table -> primary key
}

// New creates the bookkeeping tables and loads the replica id. An empty id
// reuses the one stored in the database, or generates one on first use.
func New(ctx context.Context, db *sql.DB, id string) (*Store, error) {
	if _, err := db.ExecContext(ctx, metaSchema); err != nil {
		return nil, fmt.Errorf("create tracking tables: %w", err)
	}

	var stored string
	if err := db.QueryRowContext(ctx, `SELECT replica FROM rowsync_clock WHERE id = 1`).Scan(&stored); err != nil {
		return nil, fmt.Errorf("load replica id: %w", err)
	}
	switch {
	case id == "" && stored != "":
		id = stored
	case id == "":
		id = uuid.New().String()
	}
	if id != stored {
		if _, err := db.ExecContext(ctx, `UPDATE rowsync_clock SET replica = ? WHERE id = 1`, id); err != nil {
			return nil, fmt.Errorf("save replica id: %w", err)
		}
	}

	cache, err := lru.New[string, syncx.TableSchema](schemaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	s := &Store{db: db, id: id, schemas: cache, tracked: make(map[string]string)}

	rows, err := db.QueryContext(ctx, `SELECT name, primary_key FROM rowsync_tracked`)
	if err != nil {
		return nil, fmt.Errorf("load tracked tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, pk string
		if err := rows.Scan(&name, &pk); err != nil {
			return nil, fmt.Errorf("scan tracked table: %w", err)
		}
		s.tracked[name] = pk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load tracked tables: %w", err)
	}
	return s, nil
}

// ID returns the replica identity
func (s *Store) ID() string { return s.id }

// Track installs change tracking on existing tables. Rows already present
// become local changes. Tracking an already tracked table is a no-op.
func (s *Store) Track(ctx context.Context, tables ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	added := make(map[string]string, len(tables))
	for _, name := range tables {
		if _, ok := s.primaryKey(name); ok {
			continue
		}
		s.schemas.Remove(name)
		ts, err := s.describe(ctx, tx, name)
		if err != nil {
			return err
		}
		if ts.PrimaryKey == "" {
			return fmt.Errorf("track %s: table needs a single-column primary key", name)
		}
		stmts := append(trackingDDL(name, ts.PrimaryKey, ts.Columns), backfillDDL(name, ts.PrimaryKey)...)
		stmts = append(stmts, fmt.Sprintf(`INSERT OR REPLACE INTO rowsync_tracked (name, primary_key) VALUES (%s, %s)`,
			literal(name), literal(ts.PrimaryKey)))
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("track %s: %w", name, err)
			}
		}
		added[name] = ts.PrimaryKey
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.mu.Lock()
	for name, pk := range added {
		s.tracked[name] = pk
	}
	s.mu.Unlock()

	if len(added) > 0 {
		log.Ctx(ctx).Debug().Str("replica", s.id).Int("tables", len(added)).Msg("change tracking installed")
	}
	return nil
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *Store) primaryKey(table string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.tracked[table]
	return pk, ok
}

// Describe reports a table's schema from PRAGMA table_info
func (s *Store) Describe(ctx context.Context, table string) (syncx.TableSchema, error) {
	return s.describe(ctx, s.db, table)
}

func (s *Store) describe(ctx context.Context, q querier, table string) (syncx.TableSchema, error) {
	if ts, ok := s.schemas.Get(table); ok {
		return ts, nil
	}

	rows, err := q.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return syncx.TableSchema{}, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	ts := syncx.TableSchema{Name: table}
	pkCols := 0
	for rows.Next() {
		var (
			name string
			pk   int
		)
		if err := rows.Scan(&name, &pk); err != nil {
			return syncx.TableSchema{}, fmt.Errorf("describe %s: %w", table, err)
		}
		ts.Columns = append(ts.Columns, name)
		if pk > 0 {
			pkCols++
			ts.PrimaryKey = name
		}
	}
	if err := rows.Err(); err != nil {
		return syncx.TableSchema{}, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(ts.Columns) == 0 {
		return syncx.TableSchema{}, fmt.Errorf("describe %s: %w", table, store.ErrTableNotFound)
	}
	if pkCols != 1 {
		ts.PrimaryKey = ""
	}
	s.schemas.Add(table, ts)
	return ts, nil
}

// LocalTimestamp returns the clock as of the last committed write
func (s *Store) LocalTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx, `SELECT ts FROM rowsync_clock WHERE id = 1`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return ts, nil
}

// SelectChanges streams the table's rows changed after req.Since, oldest first
func (s *Store) SelectChanges(ctx context.Context, req store.SelectRequest) (store.RowIterator, error) {
	name := req.Table.Name
	pk, ok := s.primaryKey(name)
	if !ok {
		return nil, fmt.Errorf("select %s: %w", name, ErrNotTracked)
	}
	ts, err := s.Describe(ctx, name)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		cols[i] = "d." + quote(c)
	}
	where := []string{"t.ts > ?"}
	args := []any{req.Since}
	if req.Until > 0 {
		where = append(where, "t.ts <= ?")
		args = append(args, req.Until)
	}
	if req.ExcludeWriter != "" {
		where = append(where, "t.writer <> ?")
		args = append(args, req.ExcludeWriter)
	}
	if req.OnlyLocal {
		where = append(where, "t.writer = ''")
	}
	query := fmt.Sprintf(`
		SELECT t.key, t.ts, t.created_ts, t.writer, t.deleted, t.tomb, %s
		FROM %s t LEFT JOIN %s d ON d.%s = t.key
		WHERE %s
		ORDER BY t.ts, t.key`,
		strings.Join(cols, ", "), quote(trackingTable(name)), quote(name), quote(pk), strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	return &rowIter{rows: rows, req: req, schema: ts}, nil
}

// rowIter decodes tracking rows and applies the table filter
type rowIter struct {
	rows   *sql.Rows
	req    store.SelectRequest
	schema syncx.TableSchema
	row    syncx.Row
	err    error
}

func (it *rowIter) Next() bool {
	for it.err == nil && it.rows.Next() {
		var (
			tr     tracking
			values = make([]any, len(it.schema.Columns))
			dest   = make([]any, 0, 6+len(values))
		)
		dest = append(dest, &tr.key, &tr.ts, &tr.createdTs, &tr.writer, &tr.deleted, &tr.tomb)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := it.rows.Scan(dest...); err != nil {
			it.err = fmt.Errorf("scan %s: %w", it.schema.Name, err)
			return false
		}

		row, err := tr.row(it.schema, values, it.req.Since)
		if err != nil {
			it.err = err
			return false
		}
		if row.Values == nil {
			// tracked but the data row is gone without a tombstone
			continue
		}
		if !syncx.MatchesFilter(row.Values, it.req.Table.Filter, it.req.Params) {
			continue
		}
		row.Values = syncx.Project(row.Values, it.req.Table.Columns, it.schema.PrimaryKey)
		it.row = row
		return true
	}
	if it.err == nil {
		it.err = it.rows.Err()
	}
	return false
}

func (it *rowIter) Row() syncx.Row { return it.row }
func (it *rowIter) Err() error     { return it.err }
func (it *rowIter) Close() error   { return it.rows.Close() }

type tracking struct {
	key       string
	ts        int64
	createdTs int64
	writer    string
	deleted   bool
	tomb      sql.NullString
}

// row builds the tracked row; values are the data columns, all nil when the
// data row is missing. Since decides Created versus Modified.
func (tr tracking) row(schema syncx.TableSchema, values []any, since int64) (syncx.Row, error) {
	row := syncx.Row{
		Table:          schema.Name,
		Key:            tr.key,
		OwnerTimestamp: tr.ts,
		LastWriterID:   tr.writer,
		State:          syncx.Modified,
	}
	switch {
	case tr.deleted:
		row.State = syncx.Deleted
		vals, err := decodeTomb(tr.tomb)
		if err != nil {
			return row, fmt.Errorf("decode tombstone %s/%s: %w", schema.Name, tr.key, err)
		}
		if vals == nil {
			vals = map[string]any{schema.PrimaryKey: tr.key}
		}
		row.Values = vals
		return row, nil
	case tr.createdTs > since:
		row.State = syncx.Created
	}
	m := make(map[string]any, len(values))
	present := false
	for i, c := range schema.Columns {
		m[c] = normalize(values[i])
		if values[i] != nil {
			present = true
		}
	}
	if present {
		row.Values = m
	}
	return row, nil
}

func decodeTomb(tomb sql.NullString) (map[string]any, error) {
	if !tomb.Valid || tomb.String == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(tomb.String))
	dec.UseNumber()
	var vals map[string]any
	if err := dec.Decode(&vals); err != nil {
		return nil, err
	}
	for k, v := range vals {
		vals[k] = normalize(v)
	}
	return vals, nil
}

// normalize maps driver and JSON values onto the types rows carry
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []byte:
		return bytes.Clone(t)
	}
	return v
}

// PruneHorizon returns the newest pruned clock value
func (s *Store) PruneHorizon(ctx context.Context) (int64, error) {
	var h int64
	if err := s.db.QueryRowContext(ctx, `SELECT horizon FROM rowsync_clock WHERE id = 1`).Scan(&h); err != nil {
		return 0, fmt.Errorf("read prune horizon: %w", err)
	}
	return h, nil
}

// PruneTracking forgets tombstones at or before horizon
func (s *Store) PruneTracking(ctx context.Context, horizon int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, name := range s.trackedTables() {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE deleted = 1 AND ts <= ?`, quote(trackingTable(name))), horizon)
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", name, err)
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rowsync_clock SET horizon = MAX(horizon, ?) WHERE id = 1`, horizon); err != nil {
		return 0, fmt.Errorf("advance prune horizon: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// ResetTracking marks every row of the tables as synchronized
func (s *Store) ResetTracking(ctx context.Context, tables []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, name := range tables {
		if _, ok := s.primaryKey(name); !ok {
			return fmt.Errorf("reset tracking %s: %w", name, ErrNotTracked)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET ts = 0, created_ts = 0`, quote(trackingTable(name)))); err != nil {
			return fmt.Errorf("reset tracking %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) trackedTables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tracked))
	for name := range s.tracked {
		out = append(out, name)
	}
	return out
}

// Begin opens a transaction
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

var _ store.Store = (*Store)(nil)
