// Package batch stages change sets on disk as ordered, table-homogeneous
// part files so that neither side holds a whole change set in memory.
//
// Layout:
//
//	<root>/<namespace>/<batchID>/<index>_<table>[.error].part
//
// Namespace and table names are escaped so they cannot collide with path
// separators or the suffixes. Part contents are snappy-framed JSON lines.
// Batches that still hold error parts are discovered from the directory tree
// alone.
package batch

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	partExt    = ".part"
	errorExt   = ".error"
	lockName   = ".lock"
	indexWidth = 6
)

// ErrUnknownPart indicates a file name that does not follow the part layout
var ErrUnknownPart = errors.New("not a batch part file")

// PartInfo describes one staged file
type PartInfo struct {
	FileName string `json:"fileName"`
	Table    string `json:"table"`
	Index    int    `json:"index"`
	IsError  bool   `json:"isError,omitempty"`
	Rows     int    `json:"rows"`
}

// Info describes one staged batch. Parts are ordered by index.
type Info struct {
	ID        string     `json:"id"`
	Namespace string     `json:"namespace"`
	Dir       string     `json:"-"`
	Parts     []PartInfo `json:"parts"`
}

// DataParts returns the non-error parts, optionally restricted to one table
func (i *Info) DataParts(table string) []PartInfo {
	var out []PartInfo
	for _, p := range i.Parts {
		if p.IsError || (table != "" && p.Table != table) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ErrorParts returns the error parts of the batch
func (i *Info) ErrorParts() []PartInfo {
	var out []PartInfo
	for _, p := range i.Parts {
		if p.IsError {
			out = append(out, p)
		}
	}
	return out
}

// Rows returns the number of data rows in the batch
func (i *Info) Rows() int {
	n := 0
	for _, p := range i.DataParts("") {
		n += p.Rows
	}
	return n
}

func (i *Info) nextIndex() int {
	next := 0
	for _, p := range i.Parts {
		if p.Index >= next {
			next = p.Index + 1
		}
	}
	return next
}

func (i *Info) addPart(p PartInfo) {
	for k := range i.Parts {
		if i.Parts[k].FileName == p.FileName {
			i.Parts[k] = p
			return
		}
	}
	i.Parts = append(i.Parts, p)
	sortParts(i.Parts)
}

func (i *Info) dropPart(fileName string) {
	for k := range i.Parts {
		if i.Parts[k].FileName == fileName {
			i.Parts = append(i.Parts[:k], i.Parts[k+1:]...)
			return
		}
	}
}

func sortParts(parts []PartInfo) {
	sort.SliceStable(parts, func(a, b int) bool { return parts[a].Index < parts[b].Index })
}

// Store roots all batches under one directory
type Store struct {
	root string
}

// NewStore creates the staging root if needed
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("batch root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create batch root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the staging directory
func (s *Store) Root() string { return s.root }

var escaper = strings.NewReplacer("%", "%25", ".", "%2E", "/", "%2F", `\`, "%5C", "_", "%5F")

// escapeName makes a namespace or table name safe as a single path element
func escapeName(name string) string {
	return escaper.Replace(name)
}

func unescapeName(name string) (string, error) {
	return url.PathUnescape(name)
}

func (s *Store) nsDir(namespace string) string {
	return filepath.Join(s.root, escapeName(namespace))
}

// lock serializes staging writers of a namespace across processes
func (s *Store) lock(namespace string) (*flock.Flock, error) {
	dir := s.nsDir(namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace dir: %w", err)
	}
	fl := flock.New(filepath.Join(dir, lockName))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock namespace %s: %w", namespace, err)
	}
	return fl, nil
}

// Create starts an empty batch in the namespace
func (s *Store) Create(namespace string) (*Info, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	info := &Info{ID: id.String(), Namespace: namespace, Dir: filepath.Join(s.nsDir(namespace), id.String())}
	if err := os.MkdirAll(info.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	return info, nil
}

// Adopt returns an empty Info for a batch whose ID was chosen by a peer
func (s *Store) Adopt(namespace, id string) (*Info, error) {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return nil, fmt.Errorf("invalid batch id %q", id)
	}
	info := &Info{ID: id, Namespace: namespace, Dir: filepath.Join(s.nsDir(namespace), id)}
	if err := os.MkdirAll(info.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	return info, nil
}

func partFileName(index int, table string, isError bool) string {
	name := fmt.Sprintf("%0*d_%s", indexWidth, index, escapeName(table))
	if isError {
		name += errorExt
	}
	return name + partExt
}

// parsePartName is the inverse of partFileName. Rows is left zero.
func parsePartName(name string) (PartInfo, error) {
	base, ok := strings.CutSuffix(name, partExt)
	if !ok {
		return PartInfo{}, ErrUnknownPart
	}
	base, isError := strings.CutSuffix(base, errorExt)
	idx, escTable, ok := strings.Cut(base, "_")
	if !ok || escTable == "" {
		return PartInfo{}, ErrUnknownPart
	}
	index, err := strconv.Atoi(idx)
	if err != nil {
		return PartInfo{}, ErrUnknownPart
	}
	table, err := unescapeName(escTable)
	if err != nil {
		return PartInfo{}, ErrUnknownPart
	}
	return PartInfo{FileName: name, Table: table, Index: index, IsError: isError}, nil
}

// load reconstructs a batch from its directory
func (s *Store) load(namespace, id string) (*Info, error) {
	dir := filepath.Join(s.nsDir(namespace), id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	info := &Info{ID: id, Namespace: namespace, Dir: dir}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p, err := parsePartName(e.Name())
		if err != nil {
			continue
		}
		n, err := countLines(filepath.Join(dir, p.FileName))
		if err != nil {
			return nil, fmt.Errorf("read part %s: %w", p.FileName, err)
		}
		p.Rows = n
		info.Parts = append(info.Parts, p)
	}
	sortParts(info.Parts)
	return info, nil
}

// ListPersisted returns the batches of a namespace that still hold error
// parts, oldest first
func (s *Store) ListPersisted(namespace string) ([]*Info, error) {
	entries, err := os.ReadDir(s.nsDir(namespace))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	var out []*Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := s.load(namespace, e.Name())
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(info.ErrorParts()) > 0 {
			out = append(out, info)
		}
	}
	// batch ids are time ordered
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// Finish deletes the data parts of a consumed batch. Error parts survive;
// a batch without any is removed entirely.
func (s *Store) Finish(info *Info) error {
	fl, err := s.lock(info.Namespace)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	for _, p := range info.DataParts("") {
		if err := os.Remove(filepath.Join(info.Dir, p.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove part: %w", err)
		}
		info.dropPart(p.FileName)
	}
	return s.removeIfEmpty(info)
}

// Remove deletes a batch with all of its parts
func (s *Store) Remove(info *Info) error {
	fl, err := s.lock(info.Namespace)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	info.Parts = nil
	if err := os.RemoveAll(info.Dir); err != nil {
		return fmt.Errorf("remove batch: %w", err)
	}
	return nil
}

func (s *Store) removeIfEmpty(info *Info) error {
	if len(info.Parts) > 0 {
		return nil
	}
	if err := os.RemoveAll(info.Dir); err != nil {
		return fmt.Errorf("remove batch: %w", err)
	}
	log.Debug().Str("namespace", info.Namespace).Str("batch", info.ID).Msg("batch removed")
	return nil
}

// Clear drops the terminal error records of a namespace. Deferred records
// stay so they are retried on the next session.
func (s *Store) Clear(namespace string) (int, error) {
	infos, err := s.ListPersisted(namespace)
	if err != nil {
		return 0, err
	}
	fl, err := s.lock(namespace)
	if err != nil {
		return 0, err
	}
	defer fl.Unlock()

	cleared := 0
	for _, info := range infos {
		bl := flock.New(filepath.Join(info.Dir, lockName))
		ok, err := bl.TryLock()
		if err != nil || !ok {
			// an open Reader still uses it
			continue
		}
		n, err := s.clearBatch(info)
		cleared += n
		bl.Unlock()
		if err != nil {
			return cleared, err
		}
	}
	return cleared, nil
}

func (s *Store) clearBatch(info *Info) (int, error) {
	cleared := 0
	for _, p := range info.ErrorParts() {
		recs, err := readRecords(filepath.Join(info.Dir, p.FileName))
		if err != nil {
			return cleared, fmt.Errorf("read error part: %w", err)
		}
		keep := recs[:0]
		for _, r := range recs {
			if r.Outcome.Terminal() {
				cleared++
				continue
			}
			keep = append(keep, r)
		}
		if err := s.writeErrorPartLocked(info, p.Table, keep); err != nil {
			return cleared, err
		}
	}
	return cleared, s.removeIfEmpty(info)
}
