// Package memstore is an in-memory store.Store with primary key, unique and
// foreign-key constraints. It backs co-located replicas and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/uuid"
)

// TableDef declares a table and its constraints
type TableDef struct {
	Name       string
	PrimaryKey string
	Columns    []string
	// Unique lists columns whose non-nil values must be distinct among live rows
	Unique []string
	// References maps a column to the parent table whose primary key it holds
	References map[string]string
}

type record struct {
	values    map[string]any
	ts        int64
	createdTs int64
	writer    string
	deleted   bool
}

func (r *record) clone() *record {
	c := *r
	c.values = make(map[string]any, len(r.values))
	for k, v := range r.values {
		c.values[k] = v
	}
	return &c
}

type table struct {
	def  TableDef
	rows map[string]*record
}

// Store keeps all rows in memory. One transaction is open at a time.
//
// The clock ticks when a row is written, not when its transaction commits,
// so an open transaction holds timestamps ahead of rows other readers can
// see. LocalTimestamp stays below the first of them until the transaction
// ends; a checkpoint taken meanwhile never skips the uncommitted rows.
type Store struct {
	id string

	mu      sync.RWMutex
	tables  map[string]*table
	clock   int64
	horizon int64
	// floor is the first clock value taken by the open transaction, zero
	// when it has not written yet
	floor int64

	sem chan struct{}
}

// New creates a store with the given replica id (a random one when empty)
func New(id string, defs ...TableDef) *Store {
	if id == "" {
		id = uuid.New().String()
	}
	s := &Store{
		id:     id,
		tables: make(map[string]*table, len(defs)),
		sem:    make(chan struct{}, 1),
	}
	for _, d := range defs {
		s.tables[d.Name] = &table{def: d, rows: make(map[string]*record)}
	}
	return s
}

// ID returns the replica identity
func (s *Store) ID() string { return s.id }

// Describe reports a table's schema
func (s *Store) Describe(ctx context.Context, name string) (syncx.TableSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return syncx.TableSchema{}, fmt.Errorf("describe %s: %w", name, store.ErrTableNotFound)
	}
	cols := append([]string(nil), t.def.Columns...)
	return syncx.TableSchema{Name: name, PrimaryKey: t.def.PrimaryKey, Columns: cols}, nil
}

// LocalTimestamp returns the newest clock value below every uncommitted
// write, so a selection up to it never skips a row committed later
func (s *Store) LocalTimestamp(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.floor > 0 {
		return s.floor - 1, nil
	}
	return s.clock, nil
}

// SelectChanges returns the table's rows changed after req.Since, oldest first
func (s *Store) SelectChanges(ctx context.Context, req store.SelectRequest) (store.RowIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[req.Table.Name]
	if !ok {
		return nil, fmt.Errorf("select %s: %w", req.Table.Name, store.ErrTableNotFound)
	}

	var rows []syncx.Row
	for key, rec := range t.rows {
		if rec.ts <= req.Since || (req.Until > 0 && rec.ts > req.Until) {
			continue
		}
		if req.ExcludeWriter != "" && rec.writer == req.ExcludeWriter {
			continue
		}
		if req.OnlyLocal && rec.writer != "" {
			continue
		}
		if !syncx.MatchesFilter(rec.values, req.Table.Filter, req.Params) {
			continue
		}
		state := syncx.Modified
		switch {
		case rec.deleted:
			state = syncx.Deleted
		case rec.createdTs > req.Since:
			state = syncx.Created
		}
		rows = append(rows, syncx.Row{
			Table:          t.def.Name,
			Key:            key,
			Values:         syncx.Project(rec.values, req.Table.Columns, t.def.PrimaryKey),
			State:          state,
			OwnerTimestamp: rec.ts,
			LastWriterID:   rec.writer,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].OwnerTimestamp != rows[j].OwnerTimestamp {
			return rows[i].OwnerTimestamp < rows[j].OwnerTimestamp
		}
		return rows[i].Key < rows[j].Key
	})
	return store.NewSliceIterator(rows), nil
}

// PruneHorizon returns the newest pruned clock value
func (s *Store) PruneHorizon(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.horizon, nil
}

// PruneTracking forgets tombstones at or before horizon
func (s *Store) PruneTracking(ctx context.Context, horizon int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tables {
		for key, rec := range t.rows {
			if rec.deleted && rec.ts <= horizon {
				delete(t.rows, key)
				n++
			}
		}
	}
	if horizon > s.horizon {
		s.horizon = horizon
	}
	return n, nil
}

// ResetTracking marks every row of the tables as synchronized
func (s *Store) ResetTracking(ctx context.Context, tables []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range tables {
		t, ok := s.tables[name]
		if !ok {
			return fmt.Errorf("reset tracking %s: %w", name, store.ErrTableNotFound)
		}
		for _, rec := range t.rows {
			rec.ts = 0
			rec.createdTs = 0
		}
	}
	return nil
}

// Begin opens a transaction, waiting for any other to finish
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Tx{s: s, overlay: make(map[syncx.Ref]*record), relaxed: make(map[string]bool)}, nil
}

// Put writes a row as a local change
func (s *Store) Put(ctx context.Context, tableName string, values map[string]any) error {
	s.mu.RLock()
	t, ok := s.tables[tableName]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("put %s: %w", tableName, store.ErrTableNotFound)
	}
	key, ok := keyOf(values[t.def.PrimaryKey])
	if !ok {
		return fmt.Errorf("put %s: missing primary key %s", tableName, t.def.PrimaryKey)
	}
	return s.local(ctx, syncx.Row{Table: tableName, Key: key, Values: values, State: syncx.Modified})
}

// Delete removes a row as a local change
func (s *Store) Delete(ctx context.Context, tableName, key string) error {
	return s.local(ctx, syncx.Row{Table: tableName, Key: key, State: syncx.Deleted})
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

// Get returns a live row's values
func (s *Store) Get(tableName, key string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil, false
	}
	rec, ok := t.rows[key]
	if !ok || rec.deleted {
		return nil, false
	}
	return rec.clone().values, true
}

// Tracked returns the tracked row, tombstones included
func (s *Store) Tracked(tableName, key string) (syncx.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return syncx.Row{}, false
	}
	rec, ok := t.rows[key]
	if !ok {
		return syncx.Row{}, false
	}
	return toRow(tableName, key, rec), true
}

// Count returns the number of live rows in a table
func (s *Store) Count(tableName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return 0
	}
	n := 0
	for _, rec := range t.rows {
		if !rec.deleted {
			n++
		}
	}
	return n
}

func toRow(tableName, key string, rec *record) syncx.Row {
	state := syncx.Modified
	if rec.deleted {
		state = syncx.Deleted
	}
	return syncx.Row{
		Table:          tableName,
		Key:            key,
		Values:         rec.clone().values,
		State:          state,
		OwnerTimestamp: rec.ts,
		LastWriterID:   rec.writer,
	}
}

// keyOf renders a primary or foreign key value as a row key
func keyOf(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	}
	k, ok := syncx.ValueKey(v)
	if !ok {
		return "", false
	}
	// strip the type tag, keys are compared as text
	return k[2:], true
}

var _ store.Store = (*Store)(nil)
