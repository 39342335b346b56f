package batch

import (
	"fmt"
	"path/filepath"

	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/gofrs/flock"
)

// Reader streams the rows of a batch one part at a time. Reading never
// modifies the batch; open a new Reader to start over. The batch stays
// locked against Clear until Close.
type Reader struct {
	info  *Info
	parts []PartInfo
	lock  *flock.Flock

	next int
	rows []syncx.Row
	pos  int
	row  syncx.Row
	err  error
}

// Open returns a Reader over the data parts of the batch, restricted to the
// given tables when any are named
func (s *Store) Open(info *Info, tables ...string) (*Reader, error) {
	fl := flock.New(filepath.Join(info.Dir, lockName))
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("lock batch %s: %w", info.ID, err)
	}
	r := &Reader{info: info, lock: fl}
	for _, p := range info.DataParts("") {
		if len(tables) == 0 || contains(tables, p.Table) {
			r.parts = append(r.parts, p)
		}
	}
	return r, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Next advances to the next row, loading the next part when needed
func (r *Reader) Next() bool {
	if r.err != nil || r.lock == nil {
		return false
	}
	for r.pos >= len(r.rows) {
		if r.next >= len(r.parts) {
			r.rows = nil
			return false
		}
		p := r.parts[r.next]
		r.next++
		rows, err := readRows(filepath.Join(r.info.Dir, p.FileName))
		if err != nil {
			r.err = fmt.Errorf("read part %s: %w", p.FileName, err)
			return false
		}
		r.rows, r.pos = rows, 0
	}
	r.row = r.rows[r.pos]
	r.pos++
	return true
}

// Row returns the current row
func (r *Reader) Row() syncx.Row { return r.row }

// Err returns the first read error
func (r *Reader) Err() error { return r.err }

// Close releases the batch lock. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.lock == nil {
		return nil
	}
	r.rows = nil
	err := r.lock.Unlock()
	r.lock = nil
	if err != nil {
		return fmt.Errorf("unlock batch: %w", err)
	}
	return nil
}
