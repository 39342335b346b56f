package batch

import (
	"context"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
)

// Limits bounds the size of one part. Zero values mean no bound.
type Limits struct {
	MaxRows  int
	MaxBytes int
}

// Writer spills rows into parts as they arrive. Rows of different tables
// never share a part and staging order is preserved.
type Writer struct {
	s      *Store
	info   *Info
	limits Limits

	table string
	rows  []syncx.Row
	bytes int
	total int
}

// NewWriter stages into info
func (s *Store) NewWriter(info *Info, limits Limits) *Writer {
	return &Writer{s: s, info: info, limits: limits}
}

// Add stages one row, flushing the pending part first when the row belongs to
// another table or would push the part past its limits
func (w *Writer) Add(row syncx.Row) error {
	size := 0
	if w.limits.MaxBytes > 0 {
		size = row.EncodedSize()
	}
	if len(w.rows) > 0 {
		full := (w.limits.MaxRows > 0 && len(w.rows) >= w.limits.MaxRows) ||
			(w.limits.MaxBytes > 0 && w.bytes+size > w.limits.MaxBytes)
		if row.Table != w.table || full {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
	w.table = row.Table
	w.rows = append(w.rows, row)
	w.bytes += size
	w.total++
	return nil
}

// AddAll drains an iterator into the writer and closes it
func (w *Writer) AddAll(ctx context.Context, it store.RowIterator) (int, error) {
	defer it.Close()
	n := 0
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := w.Add(it.Row()); err != nil {
			return n, err
		}
		n++
	}
	return n, it.Err()
}

// Flush writes the pending part, if any
func (w *Writer) Flush() error {
	if len(w.rows) == 0 {
		return nil
	}
	if _, err := w.s.WritePart(w.info, w.table, w.rows); err != nil {
		return err
	}
	w.rows = w.rows[:0]
	w.bytes = 0
	return nil
}

// Total returns how many rows were added
func (w *Writer) Total() int { return w.total }
