// Package pgstore is a store.Store that keeps rows as JSONB documents in a
// single PostgreSQL table, one namespace per logical table.
//
// Writes are last-writer-wins upserts stamped from a sequence. Writers hold
// a shared advisory lock for the life of their transaction; LocalTimestamp
// takes it exclusively, so the clock it reads never runs ahead of an
// uncommitted write.
package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Migration creates the document table and the clock
const Migration = `
CREATE SEQUENCE IF NOT EXISTS rowsync_clock;
CREATE TABLE IF NOT EXISTS rowsync_meta (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	horizon BIGINT NOT NULL DEFAULT 0,
	replica TEXT NOT NULL DEFAULT ''
);
INSERT INTO rowsync_meta (id) VALUES (1) ON CONFLICT DO NOTHING;
CREATE TABLE IF NOT EXISTS rowsync_document (
	tbl        TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    JSONB NOT NULL,
	ts         BIGINT NOT NULL,
	created_ts BIGINT NOT NULL,
	writer     TEXT NOT NULL DEFAULT '',
	deleted    BOOLEAN NOT NULL DEFAULT false,
	version    INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (tbl, key)
);
CREATE INDEX IF NOT EXISTS rowsync_document_ts ON rowsync_document (tbl, ts);
`

// ErrNotFound indicates a missing or deleted document
var ErrNotFound = errors.New("document not found")

// clockLock is the advisory lock key guarding the clock
const clockLock int64 = 0x726f7773796e63

// TableDef declares a document table
type TableDef struct {
	Name       string
	PrimaryKey string
	// Columns restricts the payload keys; empty accepts any
	Columns []string
}

// TablesFrom derives table definitions from a scope
func TablesFrom(def syncx.ScopeDefinition) []TableDef {
	out := make([]TableDef, 0, len(def.Tables))
	for _, t := range def.Tables {
		out = append(out, TableDef{Name: t.Name, PrimaryKey: t.PrimaryKey, Columns: t.Columns})
	}
	return out
}

// Store is a document store on a pgx pool
type Store struct {
	DB *pgxpool.Pool
	id string

	mu     sync.RWMutex
	tables map[string]TableDef
}

// New applies the migration and loads the replica id. An empty id reuses
// the stored one, or generates one on first use.
func New(ctx context.Context, pool *pgxpool.Pool, id string, defs ...TableDef) (*Store, error) {
	if _, err := pool.Exec(ctx, Migration); err != nil {
		return nil, fmt.Errorf("migrate document store: %w", err)
	}

	var stored string
	if err := pool.QueryRow(ctx, `SELECT replica FROM rowsync_meta WHERE id = 1`).Scan(&stored); err != nil {
		return nil, fmt.Errorf("load replica id: %w", err)
	}
	switch {
	case id == "" && stored != "":
		id = stored
	case id == "":
		id = uuid.New().String()
	}
	if id != stored {
		if _, err := pool.Exec(ctx, `UPDATE rowsync_meta SET replica = $1 WHERE id = 1`, id); err != nil {
			return nil, fmt.Errorf("save replica id: %w", err)
		}
	}

	s := &Store{DB: pool, id: id, tables: make(map[string]TableDef)}
	s.Define(defs...)
	return s, nil
}

// ID returns the replica identity
func (s *Store) ID() string { return s.id }

// Define registers tables; redefining a table replaces it
func (s *Store) Define(defs ...TableDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range defs {
		s.tables[d.Name] = d
	}
}

func (s *Store) table(name string) (TableDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tables[name]
	return d, ok
}

// Describe reports a table's declared schema
func (s *Store) Describe(ctx context.Context, name string) (syncx.TableSchema, error) {
	d, ok := s.table(name)
	if !ok {
		return syncx.TableSchema{}, fmt.Errorf("describe %s: %w", name, store.ErrTableNotFound)
	}
	cols := make([]string, 0, len(d.Columns)+1)
	cols = append(cols, d.PrimaryKey)
	for _, c := range d.Columns {
		if c != d.PrimaryKey {
			cols = append(cols, c)
		}
	}
	return syncx.TableSchema{Name: name, PrimaryKey: d.PrimaryKey, Columns: cols}, nil
}

// LocalTimestamp waits for in-flight writers and returns the clock
func (s *Store) LocalTimestamp(ctx context.Context) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, clockLock); err != nil {
		return 0, fmt.Errorf("lock clock: %w", err)
	}
	var ts int64
	if err := tx.QueryRow(ctx, `SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM rowsync_clock`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return ts, nil
}

// SelectChanges streams the table's documents changed after req.Since
func (s *Store) SelectChanges(ctx context.Context, req store.SelectRequest) (store.RowIterator, error) {
	d, ok := s.table(req.Table.Name)
	if !ok {
		return nil, fmt.Errorf("select %s: %w", req.Table.Name, store.ErrTableNotFound)
	}

	query := `
		SELECT key, payload, ts, created_ts, writer, deleted
		FROM rowsync_document
		WHERE tbl = $1 AND ts > $2
		  AND ($3::bigint = 0 OR ts <= $3)
		  AND ($4::text = '' OR writer <> $4)
		  AND (NOT $5::boolean OR writer = '')
		ORDER BY ts, key`
	rows, err := s.DB.Query(ctx, query, d.Name, req.Since, req.Until, req.ExcludeWriter, req.OnlyLocal)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("table", d.Name).Msg("failed to query documents")
		return nil, fmt.Errorf("select %s: %w", d.Name, err)
	}
	return &rowIter{rows: rows, req: req, def: d}, nil
}

type rowIter struct {
	rows pgx.Rows
	req  store.SelectRequest
	def  TableDef
	row  syncx.Row
	err  error
}

func (it *rowIter) Next() bool {
	for it.err == nil && it.rows.Next() {
		var doc document
		if err := it.rows.Scan(&doc.key, &doc.payload, &doc.ts, &doc.createdTs, &doc.writer, &doc.deleted); err != nil {
			it.err = fmt.Errorf("scan %s: %w", it.def.Name, err)
			return false
		}
		row, err := doc.row(it.def.Name, it.req.Since)
		if err != nil {
			it.err = err
			return false
		}
		if !syncx.MatchesFilter(row.Values, it.req.Table.Filter, it.req.Params) {
			continue
		}
		row.Values = syncx.Project(row.Values, it.req.Table.Columns, it.def.PrimaryKey)
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

func (it *rowIter) Close() error {
	it.rows.Close()
	return nil
}

type document struct {
	key       string
	payload   []byte
	ts        int64
	createdTs int64
	writer    string
	deleted   bool
}

func (d document) row(table string, since int64) (syncx.Row, error) {
	values, err := decodePayload(d.payload)
	if err != nil {
		return syncx.Row{}, fmt.Errorf("decode %s/%s: %w", table, d.key, err)
	}
	state := syncx.Modified
	switch {
	case d.deleted:
		state = syncx.Deleted
	case d.createdTs > since:
		state = syncx.Created
	}
	return syncx.Row{
		Table:          table,
		Key:            d.key,
		Values:         values,
		State:          state,
		OwnerTimestamp: d.ts,
		LastWriterID:   d.writer,
	}, nil
}

// decodePayload keeps integers as int64 instead of float64
func decodePayload(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	for k, v := range values {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				values[k] = i
			} else if f, err := n.Float64(); err == nil {
				values[k] = f
			}
		}
	}
	return values, nil
}

// PruneHorizon returns the newest pruned clock value
func (s *Store) PruneHorizon(ctx context.Context) (int64, error) {
	var h int64
	if err := s.DB.QueryRow(ctx, `SELECT horizon FROM rowsync_meta WHERE id = 1`).Scan(&h); err != nil {
		return 0, fmt.Errorf("read prune horizon: %w", err)
	}
	return h, nil
}

// PruneTracking forgets tombstones at or before horizon
func (s *Store) PruneTracking(ctx context.Context, horizon int64) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM rowsync_document WHERE deleted AND ts <= $1 AND tbl = ANY($2)`, horizon, s.tableNames())
	if err != nil {
		return 0, fmt.Errorf("prune tombstones: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE rowsync_meta SET horizon = GREATEST(horizon, $1) WHERE id = 1`, horizon); err != nil {
		return 0, fmt.Errorf("advance prune horizon: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetTracking marks every document of the tables as synchronized
func (s *Store) ResetTracking(ctx context.Context, tables []string) error {
	for _, name := range tables {
		if _, ok := s.table(name); !ok {
			return fmt.Errorf("reset tracking %s: %w", name, store.ErrTableNotFound)
		}
	}
	if _, err := s.DB.Exec(ctx, `UPDATE rowsync_document SET ts = 0, created_ts = 0 WHERE tbl = ANY($1)`, tables); err != nil {
		return fmt.Errorf("reset tracking: %w", err)
	}
	return nil
}

func (s *Store) tableNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Begin opens a transaction
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

// Put writes a document as a local change
func (s *Store) Put(ctx context.Context, table string, values map[string]any) error {
	d, ok := s.table(table)
	if !ok {
		return fmt.Errorf("put %s: %w", table, store.ErrTableNotFound)
	}
	key, ok := syncx.GetString(values, d.PrimaryKey)
	if !ok || key == "" {
		k, vok := syncx.ValueKey(values[d.PrimaryKey])
		if !vok {
			return fmt.Errorf("put %s: missing primary key %s", table, d.PrimaryKey)
		}
		key = k[2:]
	}
	return s.local(ctx, syncx.Row{Table: table, Key: key, Values: values, State: syncx.Modified})
}

// Delete removes a document as a local change
func (s *Store) Delete(ctx context.Context, table, key string) error {
	return s.local(ctx, syncx.Row{Table: table, Key: key, State: syncx.Deleted})
}

func (s *Store) local(ctx context.Context, row syncx.Row) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.WriteRow(ctx, row, store.WriteOptions{Force: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get returns a live document
func (s *Store) Get(ctx context.Context, table, key string) (map[string]any, error) {
	var (
		payload []byte
		deleted bool
	)
	err := s.DB.QueryRow(ctx, `SELECT payload, deleted FROM rowsync_document WHERE tbl = $1 AND key = $2`, table, key).
		Scan(&payload, &deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return decodePayload(payload)
}

var _ store.Store = (*Store)(nil)
