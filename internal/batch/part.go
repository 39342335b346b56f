package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/erauner12/rowsync/internal/metrics"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/golang/snappy"
	"github.com/natefinch/atomic"
)

// Record is a row that did not apply, kept in an error part. Baseline is
// the owner timestamp of the applying replica's copy of the row when it
// failed, zero if there was none.
type Record struct {
	Row      syncx.Row       `json:"row"`
	Outcome  syncx.Outcome   `json:"outcome"`
	Kind     syncx.ErrorKind `json:"kind,omitempty"`
	Error    string          `json:"error,omitempty"`
	Baseline int64           `json:"baseline,omitempty"`
}

// encodeLines renders values as snappy-framed JSON lines
func encodeLines[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	zw := snappy.NewBufferedWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeLines reads every JSON line of a part file
func decodeLines[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(snappy.NewReader(bufio.NewReader(f)))
	dec.UseNumber()
	for {
		var v T
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

func readRows(path string) ([]syncx.Row, error) {
	var rows []syncx.Row
	err := decodeLines(path, func(r syncx.Row) error {
		r.Values = normalizeNumbers(r.Values)
		rows = append(rows, r)
		return nil
	})
	return rows, err
}

func readRecords(path string) ([]Record, error) {
	var recs []Record
	err := decodeLines(path, func(r Record) error {
		r.Row.Values = normalizeNumbers(r.Row.Values)
		recs = append(recs, r)
		return nil
	})
	return recs, err
}

func countLines(path string) (int, error) {
	n := 0
	err := decodeLines(path, func(json.RawMessage) error {
		n++
		return nil
	})
	return n, err
}

// normalizeNumbers turns decoded json.Number values into int64 or float64
func normalizeNumbers(values map[string]any) map[string]any {
	for k, v := range values {
		num, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := num.Int64(); err == nil {
			values[k] = i
		} else if f, err := num.Float64(); err == nil {
			values[k] = f
		}
	}
	return values
}

// WritePart stages rows of one table as the next part of the batch
func (s *Store) WritePart(info *Info, table string, rows []syncx.Row) (PartInfo, error) {
	data, err := encodeLines(rows)
	if err != nil {
		return PartInfo{}, fmt.Errorf("encode part: %w", err)
	}
	return s.putPart(info, table, false, data, len(rows))
}

// PutRaw stages an already encoded part received from a peer
func (s *Store) PutRaw(info *Info, p PartInfo, data []byte) (PartInfo, error) {
	p.FileName = partFileName(p.Index, p.Table, p.IsError)
	fl, err := s.lock(info.Namespace)
	if err != nil {
		return PartInfo{}, err
	}
	defer fl.Unlock()
	if err := atomic.WriteFile(filepath.Join(info.Dir, p.FileName), bytes.NewReader(data)); err != nil {
		return PartInfo{}, fmt.Errorf("write part: %w", err)
	}
	n, err := countLines(filepath.Join(info.Dir, p.FileName))
	if err != nil {
		return PartInfo{}, fmt.Errorf("verify part: %w", err)
	}
	p.Rows = n
	info.addPart(p)
	metrics.PartWritten("data", len(data))
	return p, nil
}

// ReadRaw returns the encoded bytes of a part
func (s *Store) ReadRaw(info *Info, index int) (PartInfo, []byte, error) {
	for _, p := range info.Parts {
		if p.Index != index || p.IsError {
			continue
		}
		data, err := os.ReadFile(filepath.Join(info.Dir, p.FileName))
		if err != nil {
			return PartInfo{}, nil, fmt.Errorf("read part: %w", err)
		}
		return p, data, nil
	}
	return PartInfo{}, nil, fmt.Errorf("batch %s part %d: %w", info.ID, index, os.ErrNotExist)
}

func (s *Store) putPart(info *Info, table string, isError bool, data []byte, rows int) (PartInfo, error) {
	fl, err := s.lock(info.Namespace)
	if err != nil {
		return PartInfo{}, err
	}
	defer fl.Unlock()
	return s.putPartLocked(info, table, isError, data, rows)
}

func (s *Store) putPartLocked(info *Info, table string, isError bool, data []byte, rows int) (PartInfo, error) {
	p := PartInfo{Table: table, Index: info.nextIndex(), IsError: isError, Rows: rows}
	if isError {
		for _, ep := range info.ErrorParts() {
			if ep.Table == table {
				p.Index = ep.Index
			}
		}
	}
	p.FileName = partFileName(p.Index, table, isError)
	if err := atomic.WriteFile(filepath.Join(info.Dir, p.FileName), bytes.NewReader(data)); err != nil {
		return PartInfo{}, fmt.Errorf("write part: %w", err)
	}
	info.addPart(p)
	kind := "data"
	if isError {
		kind = "error"
	}
	metrics.PartWritten(kind, len(data))
	return p, nil
}

// WriteErrorPart replaces the error records of a table in the batch. An
// empty slice removes the table's error part.
func (s *Store) WriteErrorPart(info *Info, table string, recs []Record) error {
	fl, err := s.lock(info.Namespace)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	return s.writeErrorPartLocked(info, table, recs)
}

func (s *Store) writeErrorPartLocked(info *Info, table string, recs []Record) error {
	if len(recs) == 0 {
		for _, p := range info.ErrorParts() {
			if p.Table != table {
				continue
			}
			if err := os.Remove(filepath.Join(info.Dir, p.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove error part: %w", err)
			}
			info.dropPart(p.FileName)
		}
		return nil
	}
	data, err := encodeLines(recs)
	if err != nil {
		return fmt.Errorf("encode error part: %w", err)
	}
	_, err = s.putPartLocked(info, table, true, data, len(recs))
	return err
}

// ReadErrors returns the error records of a table in the batch
func (s *Store) ReadErrors(info *Info, table string) ([]Record, error) {
	for _, p := range info.ErrorParts() {
		if p.Table == table {
			return readRecords(filepath.Join(info.Dir, p.FileName))
		}
	}
	return nil, nil
}

// LoadErrors returns every pending error record of a namespace, oldest
// batch first
func (s *Store) LoadErrors(namespace string) ([]Record, error) {
	infos, err := s.ListPersisted(namespace)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, info := range infos {
		for _, p := range info.ErrorParts() {
			recs, err := readRecords(filepath.Join(info.Dir, p.FileName))
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
	}
	return out, nil
}
