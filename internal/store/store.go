// Package store defines the contract the sync core consumes from a data
// store: change selection against a logical clock, transactional row writes
// with conflict signalling, and tracking-metadata maintenance.
//
// Adapters own the tracking metadata. Every tracked row carries the store's
// clock value at its last write and the identity of the replica that produced
// it (empty for local writes). The core never touches vendor SQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/rowsync/internal/syncx"
)

var (
	// ErrTableNotFound indicates the store has no table by that name
	ErrTableNotFound = errors.New("table not found")

	// ErrTxDone indicates use of a committed or rolled back transaction
	ErrTxDone = errors.New("transaction already finished")
)

// SelectRequest describes one table's slice of changes
type SelectRequest struct {
	Table syncx.TableSpec
	// Since is exclusive: rows at or before it are never returned
	Since int64
	// Until is inclusive; zero means no upper bound
	Until int64
	// ExcludeWriter drops rows whose last writer is the given replica, so a
	// peer never receives its own changes back
	ExcludeWriter string
	// OnlyLocal drops rows written by any other replica
	OnlyLocal bool
	Params    map[string]any
}

// RowIterator streams selected rows. Callers must Close it.
type RowIterator interface {
	Next() bool
	Row() syncx.Row
	Err() error
	Close() error
}

// WriteOptions controls conflict detection for one write
type WriteOptions struct {
	// Since is the applying side's watermark: a local row written after it by
	// someone other than Sender is a pending change and the write conflicts
	Since int64
	// Sender is the replica the incoming row comes from
	Sender string
	// Writer is recorded as the row's last writer; empty marks a local change
	Writer string
	// Force skips conflict detection
	Force bool
}

// Store is a replica's data store
type Store interface {
	// ID is the replica identity recorded as last writer on peers
	ID() string
	Describe(ctx context.Context, table string) (syncx.TableSchema, error)
	LocalTimestamp(ctx context.Context) (int64, error)
	SelectChanges(ctx context.Context, req SelectRequest) (RowIterator, error)
	Begin(ctx context.Context) (Tx, error)
	// PruneHorizon is the newest clock value whose tombstones may be gone
	PruneHorizon(ctx context.Context) (int64, error)
	// PruneTracking drops tombstones at or before horizon and returns how many
	PruneTracking(ctx context.Context, horizon int64) (int, error)
	// ResetTracking marks every row of the tables as already synchronized
	ResetTracking(ctx context.Context, tables []string) error
}

// Tx is a unit of writes against a Store
type Tx interface {
	// Lookup returns the tracked row, tombstones included
	Lookup(ctx context.Context, table, key string) (syncx.Row, bool, error)
	// WriteRow returns nil, a *ConflictError, or a failure
	WriteRow(ctx context.Context, row syncx.Row, opts WriteOptions) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ConstraintRelaxer is implemented by transactions that can defer
// referential checks for a table until commit or until restore is called
type ConstraintRelaxer interface {
	RelaxConstraints(ctx context.Context, table string) (restore func(context.Context) error, err error)
}

// ConflictError signals that the target row was changed locally since the
// applying side's watermark. Local is nil when the row was never tracked.
type ConflictError struct {
	Local  *syncx.Row
	Remote syncx.Row
}

func (e *ConflictError) Error() string {
	if e.Local == nil {
		return fmt.Sprintf("conflict on %s: row not tracked locally", e.Remote.Ref())
	}
	return fmt.Sprintf("conflict on %s: local %s at %d by %q", e.Remote.Ref(), e.Local.State, e.Local.OwnerTimestamp, e.Local.LastWriterID)
}

// ConstraintError is a write rejected by a uniqueness or referential rule
type ConstraintError struct {
	Table      string
	Key        string
	Constraint string
	Detail     string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s violated on %s/%s: %s", e.Constraint, e.Table, e.Key, e.Detail)
}

// DetectConflict decides whether writing remote over the tracked local row
// (found reports whether one exists) needs conflict resolution.
// Adapters call it so that every store agrees on the rule.
func DetectConflict(local syncx.Row, found bool, remote syncx.Row, opts WriteOptions) *ConflictError {
	if opts.Force {
		return nil
	}
	if !found {
		if remote.IsDeleted() {
			return &ConflictError{Remote: remote}
		}
		return nil
	}
	if local.OwnerTimestamp > opts.Since && local.LastWriterID != opts.Sender {
		l := local
		return &ConflictError{Local: &l, Remote: remote}
	}
	return nil
}

// Collect drains an iterator into a slice and closes it
func Collect(it RowIterator) ([]syncx.Row, error) {
	defer it.Close()
	var out []syncx.Row
	for it.Next() {
		out = append(out, it.Row())
	}
	return out, it.Err()
}

// SliceIterator iterates over rows already in memory
type SliceIterator struct {
	rows []syncx.Row
	pos  int
}

// NewSliceIterator wraps rows
func NewSliceIterator(rows []syncx.Row) *SliceIterator {
	return &SliceIterator{rows: rows, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.rows) {
		it.pos = len(it.rows)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Row() syncx.Row { return it.rows[it.pos] }
func (it *SliceIterator) Err() error     { return nil }
func (it *SliceIterator) Close() error   { return nil }
