package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func makeRows(table string, n int) []syncx.Row {
	rows := make([]syncx.Row, n)
	for i := range rows {
		rows[i] = syncx.Row{
			Table:          table,
			Key:            fmt.Sprintf("%s-%03d", table, i),
			Values:         map[string]any{"id": fmt.Sprintf("%s-%03d", table, i), "n": int64(i), "label": "row"},
			State:          syncx.Created,
			OwnerTimestamp: int64(i + 1),
		}
	}
	return rows
}

func TestPartNames(t *testing.T) {
	tests := []struct {
		table   string
		isError bool
		want    string
	}{
		{"orders", false, "000003_orders.part"},
		{"order_lines", false, "000003_order%5Flines.part"},
		{"dbo.orders", true, "000003_dbo%2Eorders.error.part"},
		{"a/b%c", false, "000003_a%2Fb%25c.part"},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			name := partFileName(3, tt.table, tt.isError)
			assert.Equal(t, tt.want, name)

			p, err := parsePartName(name)
			require.NoError(t, err)
			assert.Equal(t, tt.table, p.Table)
			assert.Equal(t, 3, p.Index)
			assert.Equal(t, tt.isError, p.IsError)
		})
	}

	_, err := parsePartName(".lock")
	assert.ErrorIs(t, err, ErrUnknownPart)
}

// N rows with MaxRows k must land in ceil(N/k) parts per table and come back
// unchanged and in order
func TestWriterSplitsAndRoundTrips(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		maxRows   int
		wantParts int
	}{
		{"exact multiple", 10, 5, 2},
		{"remainder", 11, 5, 3},
		{"single part", 4, 10, 1},
		{"one per part", 3, 1, 3},
		{"unbounded", 25, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			info, err := s.Create("scope@client")
			require.NoError(t, err)

			customers := makeRows("customers", tt.rows)
			orders := makeRows("orders", tt.rows)
			w := s.NewWriter(info, Limits{MaxRows: tt.maxRows})
			for _, r := range append(append([]syncx.Row{}, customers...), orders...) {
				require.NoError(t, w.Add(r))
			}
			require.NoError(t, w.Flush())
			assert.Equal(t, 2*tt.rows, w.Total())

			assert.Len(t, info.DataParts("customers"), tt.wantParts)
			assert.Len(t, info.DataParts("orders"), tt.wantParts)
			assert.Equal(t, 2*tt.rows, info.Rows())

			r, err := s.Open(info)
			require.NoError(t, err)
			got, err := store.Collect(r)
			require.NoError(t, err)
			want := append(append([]syncx.Row{}, customers...), orders...)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}

			r, err = s.Open(info, "orders")
			require.NoError(t, err)
			got, err = store.Collect(r)
			require.NoError(t, err)
			assert.Len(t, got, tt.rows)
		})
	}
}

func TestWriterByteLimit(t *testing.T) {
	s := newStore(t)
	info, err := s.Create("ns")
	require.NoError(t, err)

	rows := makeRows("t", 6)
	limit := rows[0].EncodedSize()*2 + 1
	w := s.NewWriter(info, Limits{MaxBytes: limit})
	for _, r := range rows {
		require.NoError(t, w.Add(r))
	}
	require.NoError(t, w.Flush())
	assert.Len(t, info.DataParts("t"), 3)
}

func TestAddAllFromIterator(t *testing.T) {
	s := newStore(t)
	info, err := s.Create("ns")
	require.NoError(t, err)

	w := s.NewWriter(info, Limits{MaxRows: 2})
	n, err := w.AddAll(context.Background(), store.NewSliceIterator(makeRows("t", 5)))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, 5, n)
	assert.Len(t, info.Parts, 3)
}

func TestErrorPartsPersistAfterFinish(t *testing.T) {
	s := newStore(t)
	info, err := s.Create("sales@c1")
	require.NoError(t, err)
	_, err = s.WritePart(info, "orders", makeRows("orders", 3))
	require.NoError(t, err)

	recs := []Record{
		{Row: makeRows("orders", 1)[0], Outcome: syncx.Failed, Kind: syncx.KindApply, Error: "boom"},
		{Row: makeRows("orders", 2)[1], Outcome: syncx.Deferred, Kind: syncx.KindApply, Error: "later", Baseline: 42},
	}
	require.NoError(t, s.WriteErrorPart(info, "orders", recs))
	require.NoError(t, s.Finish(info))
	assert.Empty(t, info.DataParts(""))

	persisted, err := s.ListPersisted("sales@c1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, info.ID, persisted[0].ID)
	require.Len(t, persisted[0].ErrorParts(), 1)
	assert.Equal(t, 2, persisted[0].ErrorParts()[0].Rows)

	loaded, err := s.LoadErrors("sales@c1")
	require.NoError(t, err)
	if diff := cmp.Diff(recs, loaded); diff != "" {
		t.Fatalf("error records mismatch (-want +got):\n%s", diff)
	}

	// terminal records go, deferred ones stay
	n, err := s.Clear("sales@c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	loaded, err = s.LoadErrors("sales@c1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, syncx.Deferred, loaded[0].Outcome)

	// rewriting with nothing removes the batch
	require.NoError(t, s.WriteErrorPart(persisted[0], "orders", nil))
	require.NoError(t, s.Finish(persisted[0]))
	_, err = os.Stat(info.Dir)
	assert.True(t, os.IsNotExist(err))
	persisted, err = s.ListPersisted("sales@c1")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestFinishWithoutErrorsRemovesBatch(t *testing.T) {
	s := newStore(t)
	info, err := s.Create("ns")
	require.NoError(t, err)
	_, err = s.WritePart(info, "t", makeRows("t", 2))
	require.NoError(t, err)
	require.NoError(t, s.Finish(info))

	_, err = os.Stat(info.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestClearSkipsBatchesBeingRead(t *testing.T) {
	s := newStore(t)
	info, err := s.Create("ns")
	require.NoError(t, err)
	require.NoError(t, s.WriteErrorPart(info, "t", []Record{{Row: makeRows("t", 1)[0], Outcome: syncx.Failed}}))

	r, err := s.Open(info)
	require.NoError(t, err)
	n, err := s.Clear("ns")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	n, err = s.Clear("ns")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRawPartsTransfer(t *testing.T) {
	src := newStore(t)
	dst := newStore(t)

	info, err := src.Create("ns")
	require.NoError(t, err)
	_, err = src.WritePart(info, "t", makeRows("t", 4))
	require.NoError(t, err)

	p, data, err := src.ReadRaw(info, 0)
	require.NoError(t, err)

	target, err := dst.Adopt("ns", info.ID)
	require.NoError(t, err)
	got, err := dst.PutRaw(target, PartInfo{Table: p.Table, Index: p.Index}, data)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Rows)
	assert.Equal(t, filepath.Join(dst.Root(), "ns", info.ID), target.Dir)

	_, _, err = src.ReadRaw(info, 7)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = dst.Adopt("ns", "../escape")
	assert.Error(t, err)
}
