package session

import (
	"context"
	"testing"
	"time"

	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_SlidingExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := newSessionStore(time.Minute, clock)

	sess := &serverSession{ID: uuid.New(), ClientID: "a"}
	assert.Empty(t, st.create(sess))

	clock.Advance(50 * time.Second)
	_, ok := st.get(sess.ID)
	require.True(t, ok, "access extends the expiry")

	clock.Advance(50 * time.Second)
	_, ok = st.get(sess.ID)
	require.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = st.get(sess.ID)
	assert.False(t, ok)

	expired := st.sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, sess.ID, expired[0].ID)
	assert.Zero(t, st.len())
}

func TestSessionStore_RemoveReplica(t *testing.T) {
	st := newSessionStore(time.Minute, clockwork.NewFakeClock())
	a := &serverSession{ID: uuid.New(), ClientID: "a", Scope: syncx.ScopeDefinition{Name: "shop"}}
	b := &serverSession{ID: uuid.New(), ClientID: "b", Scope: syncx.ScopeDefinition{Name: "shop"}}
	st.create(a)
	st.create(b)

	removed := st.removeReplica("shop", "a")
	require.Len(t, removed, 1)
	assert.Equal(t, a.ID, removed[0].ID)
	assert.Equal(t, 1, st.len())

	_, ok := st.remove(b.ID)
	assert.True(t, ok)
	_, ok = st.remove(b.ID)
	assert.False(t, ok)
}

func TestServer_SweepReleasesSlot(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	srv := newTestServer(t, func(o *ServerOptions) {
		o.Clock = clock
		o.SessionTTL = time.Minute
	})

	resp, err := srv.BeginSession(ctx, BeginRequest{Scope: *shopScope(""), ClientID: "client-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Active())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, srv.Sweep(ctx))
	assert.Zero(t, srv.Active())

	_, err = srv.ApplyUpload(ctx, resp.SessionID)
	assert.True(t, syncx.IsKind(err, syncx.KindSessionNotFound))

	// the slot is free again
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = srv.BeginSession(ctx, BeginRequest{Scope: *shopScope(""), ClientID: "client-a"})
	require.NoError(t, err)
}

func TestServer_BeginReplacesAbandonedSession(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)

	first, err := srv.BeginSession(ctx, BeginRequest{Scope: *shopScope(""), ClientID: "client-a"})
	require.NoError(t, err)
	second, err := srv.BeginSession(ctx, BeginRequest{Scope: *shopScope(""), ClientID: "client-a"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, srv.Active())

	_, err = srv.Download(ctx, first.SessionID, DownloadRequest{})
	assert.True(t, syncx.IsKind(err, syncx.KindSessionNotFound))
}

func TestServer_CommitChecksCheckpoint(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)
	put(t, srv.store, "customers", map[string]any{"id": "c1"})

	resp, err := srv.BeginSession(ctx, BeginRequest{Scope: *shopScope(""), ClientID: "client-a"})
	require.NoError(t, err)

	_, err = srv.Commit(ctx, resp.SessionID, CommitRequest{Checkpoint: "bogus"})
	assert.True(t, syncx.IsKind(err, syncx.KindInternal), "no download staged yet")

	dl, err := srv.Download(ctx, resp.SessionID, DownloadRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dl.ServerTs)

	other := syncx.EncodeCheckpoint(syncx.Checkpoint{Ts: dl.ServerTs, Session: uuid.New()})
	_, err = srv.Commit(ctx, resp.SessionID, CommitRequest{Checkpoint: other})
	assert.True(t, syncx.IsKind(err, syncx.KindInternal))

	cr, err := srv.Commit(ctx, resp.SessionID, CommitRequest{Checkpoint: dl.Checkpoint, ClientTs: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cr.Watermark.LastLocal)
	assert.Equal(t, int64(7), cr.Watermark.LastPeer)

	_, err = srv.Commit(ctx, resp.SessionID, CommitRequest{Checkpoint: dl.Checkpoint})
	assert.True(t, syncx.IsKind(err, syncx.KindSessionNotFound))
}

func TestServer_RejectsForeignTables(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)
	resp, err := srv.BeginSession(ctx, BeginRequest{Scope: *shopScope(syncx.DownloadOnly), ClientID: "client-a"})
	require.NoError(t, err)

	err = srv.UploadPart(ctx, resp.SessionID, batch.PartInfo{Table: "customers"}, nil)
	var se *syncx.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syncx.KindSchema, se.Kind)
	assert.Equal(t, "customers", se.Table)

	err = srv.UploadPart(ctx, resp.SessionID, batch.PartInfo{Table: "invoices"}, nil)
	assert.True(t, syncx.IsKind(err, syncx.KindSchema))
}

func TestMachine_Transitions(t *testing.T) {
	var seen []State
	m := machine{onEnter: func(s State) { seen = append(seen, s) }}

	require.NoError(t, m.to(SchemaEnsured))
	err := m.to(Committing)
	require.Error(t, err)
	assert.True(t, syncx.IsKind(err, syncx.KindInternal))
	assert.Equal(t, SchemaEnsured, m.state)

	m.reset()
	assert.Equal(t, []State{SchemaEnsured, Idle}, seen)
	m.reset()
	assert.Len(t, seen, 2, "reset from idle is silent")
	assert.Equal(t, "not_outdated", NotOutdated.String())
}

func TestParseSyncType(t *testing.T) {
	tests := []struct {
		in      string
		want    SyncType
		wantErr bool
	}{
		{"", Normal, false},
		{"normal", Normal, false},
		{"reinit", Reinitialize, false},
		{"reinitialize_with_upload", ReinitializeWithUpload, false},
		{"full", Normal, true},
	}
	for _, tt := range tests {
		got, err := ParseSyncType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
