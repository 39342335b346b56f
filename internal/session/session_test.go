package session

import (
	"context"
	"errors"
	"testing"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/conflict"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/store/memstore"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShop(id string) *memstore.Store {
	return memstore.New(id,
		memstore.TableDef{Name: "customers", PrimaryKey: "id", Columns: []string{"name", "email"}, Unique: []string{"email"}},
		memstore.TableDef{Name: "orders", PrimaryKey: "id", Columns: []string{"customer_id", "total"}, References: map[string]string{"customer_id": "customers"}},
	)
}

func shopScope(customers syncx.Direction) *syncx.ScopeDefinition {
	return &syncx.ScopeDefinition{
		Name:    "shop",
		Version: 1,
		Tables: []syncx.TableSpec{
			{Name: "customers", PrimaryKey: "id", Direction: customers},
			{Name: "orders", PrimaryKey: "id", DependsOn: []string{"customers"}},
		},
	}
}

type testServer struct {
	*Server
	store *memstore.Store
	reg   *scope.MemoryRegistry
}

func newTestServer(t *testing.T, mod func(*ServerOptions)) *testServer {
	t.Helper()
	bs, err := batch.NewStore(t.TempDir())
	require.NoError(t, err)
	ts := &testServer{store: newShop("server"), reg: scope.NewMemoryRegistry()}
	opts := ServerOptions{
		Store:    ts.store,
		Registry: ts.reg,
		Batches:  bs,
		Limits:   batch.Limits{MaxRows: 2},
		Clock:    clockwork.NewFakeClock(),
	}
	if mod != nil {
		mod(&opts)
	}
	ts.Server = NewServer(opts)
	return ts
}

type testClient struct {
	*Coordinator
	store *memstore.Store
	reg   *scope.MemoryRegistry
}

func newTestClient(t *testing.T, id string, remote Remote, mod func(*Options)) *testClient {
	t.Helper()
	bs, err := batch.NewStore(t.TempDir())
	require.NoError(t, err)
	tc := &testClient{store: newShop(id), reg: scope.NewMemoryRegistry()}
	opts := Options{
		Store:    tc.store,
		Registry: tc.reg,
		Batches:  bs,
		Remote:   remote,
		Limits:   batch.Limits{MaxRows: 2},
		Clock:    clockwork.NewFakeClock(),
	}
	if mod != nil {
		mod(&opts)
	}
	tc.Coordinator = NewCoordinator(opts)
	return tc
}

func (tc *testClient) sync(t *testing.T, def *syncx.ScopeDefinition) *Result {
	t.Helper()
	res, err := tc.Synchronize(context.Background(), def, Normal, nil, Hooks{})
	require.NoError(t, err)
	return res
}

func put(t *testing.T, s *memstore.Store, table string, values map[string]any) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), table, values))
}

func TestSynchronize_InitialDownloadAndIdempotentResync(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, id := range []string{"c1", "c2", "c3"} {
		put(t, srv.store, "customers", map[string]any{"id": id, "name": "customer " + id})
	}
	put(t, srv.store, "orders", map[string]any{"id": "o1", "customer_id": "c1", "total": 10})

	client := newTestClient(t, "client-a", srv, nil)
	first := client.sync(t, shopScope(""))
	assert.Equal(t, 4, first.ChangesDownloaded)
	assert.Equal(t, 4, first.AppliedOnClient)
	assert.Zero(t, first.ChangesUploaded)
	assert.Equal(t, 4, client.store.Count("customers")+client.store.Count("orders"))

	row, ok := client.store.Tracked("orders", "o1")
	require.True(t, ok)
	assert.Equal(t, "server", row.LastWriterID)

	second := client.sync(t, shopScope(""))
	assert.Zero(t, second.ChangesUploaded)
	assert.Zero(t, second.ChangesDownloaded)
	assert.Zero(t, second.AppliedOnClient)
	assert.Zero(t, second.AppliedOnServer)
	assert.Zero(t, second.ConflictsResolved)
	assert.Zero(t, srv.Active())
}

func TestSynchronize_ChangesReachOtherClients(t *testing.T) {
	srv := newTestServer(t, nil)
	a := newTestClient(t, "client-a", srv, nil)
	b := newTestClient(t, "client-b", srv, nil)
	a.sync(t, shopScope(""))
	b.sync(t, shopScope(""))

	put(t, a.store, "customers", map[string]any{"id": "c1", "name": "Ada"})
	put(t, a.store, "orders", map[string]any{"id": "o1", "customer_id": "c1"})
	res := a.sync(t, shopScope(""))
	assert.Equal(t, 2, res.ChangesUploaded)
	assert.Equal(t, 2, res.AppliedOnServer)
	assert.Zero(t, res.ChangesDownloaded, "own changes are not sent back")

	row, ok := srv.store.Tracked("customers", "c1")
	require.True(t, ok)
	assert.Equal(t, "client-a", row.LastWriterID)

	res = b.sync(t, shopScope(""))
	assert.Equal(t, 2, res.ChangesDownloaded)
	got, ok := b.store.Get("customers", "c1")
	require.True(t, ok)
	assert.Equal(t, "Ada", got["name"])

	// deletes travel children first
	require.NoError(t, b.store.Delete(context.Background(), "orders", "o1"))
	require.NoError(t, b.store.Delete(context.Background(), "customers", "c1"))
	res = b.sync(t, shopScope(""))
	assert.Equal(t, 2, res.AppliedOnServer)
	assert.Zero(t, srv.store.Count("customers"))

	res = a.sync(t, shopScope(""))
	assert.Equal(t, 2, res.ChangesDownloaded)
	assert.Zero(t, a.store.Count("orders"))
	assert.Zero(t, a.store.Count("customers"))
}

func TestSynchronize_ConflictResolution(t *testing.T) {
	tests := []struct {
		name     string
		policy   conflict.Resolution
		expected string
	}{
		{"server wins", conflict.ServerWins, "server edit"},
		{"client wins", conflict.ClientWins, "client edit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(o *ServerOptions) { o.Conflicts.Default = tt.policy })
			put(t, srv.store, "customers", map[string]any{"id": "c1", "name": "original"})
			client := newTestClient(t, "client-a", srv, func(o *Options) { o.ConflictPolicy = tt.policy })
			client.sync(t, shopScope(""))

			put(t, client.store, "customers", map[string]any{"id": "c1", "name": "client edit"})
			put(t, srv.store, "customers", map[string]any{"id": "c1", "name": "server edit"})

			res := client.sync(t, shopScope(""))
			assert.Equal(t, 1, res.ConflictsResolved)
			assert.Equal(t, 1, res.ConflictsOnServer)
			assert.Zero(t, res.ConflictsOnClient, "the winner reaches the client as a plain change")

			onServer, _ := srv.store.Get("customers", "c1")
			onClient, _ := client.store.Get("customers", "c1")
			assert.Equal(t, tt.expected, onServer["name"])
			assert.Equal(t, tt.expected, onClient["name"])

			again := client.sync(t, shopScope(""))
			assert.Zero(t, again.Total())
			assert.Zero(t, again.ConflictsResolved)
		})
	}
}

func TestSynchronize_MergeRoundTrip(t *testing.T) {
	merge := func(ctx context.Context, c *conflict.Conflict) error {
		final := c.Remote.Clone()
		final.Values["name"] = c.Local.Values["name"].(string) + "+" + c.Remote.Values["name"].(string)
		c.Resolution = conflict.MergeRow
		c.Final = &final
		return nil
	}
	srv := newTestServer(t, func(o *ServerOptions) { o.Conflicts.Hook = merge })
	put(t, srv.store, "customers", map[string]any{"id": "c1", "name": "original"})
	client := newTestClient(t, "client-a", srv, nil)
	client.sync(t, shopScope(""))

	put(t, client.store, "customers", map[string]any{"id": "c1", "name": "cli"})
	put(t, srv.store, "customers", map[string]any{"id": "c1", "name": "srv"})
	res := client.sync(t, shopScope(""))
	assert.Equal(t, 1, res.ConflictsOnServer)
	assert.Equal(t, 1, res.ChangesDownloaded, "the merged row goes back to the client")

	onServer, _ := srv.store.Get("customers", "c1")
	onClient, _ := client.store.Get("customers", "c1")
	assert.Equal(t, "srv+cli", onServer["name"])
	assert.Equal(t, "srv+cli", onClient["name"])

	tracked, ok := srv.store.Tracked("customers", "c1")
	require.True(t, ok)
	assert.Empty(t, tracked.LastWriterID, "merged row is a fresh local change")

	other := newTestClient(t, "client-b", srv, nil)
	res = other.sync(t, shopScope(""))
	assert.Equal(t, 1, res.ChangesDownloaded)
}

func TestSynchronize_DeferredRowDurability(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)
	client := newTestClient(t, "client-a", srv, func(o *Options) { o.ErrorPolicy = apply.RetryOnNextSync })
	def := shopScope(syncx.DownloadOnly)

	put(t, client.store, "customers", map[string]any{"id": "local", "name": "Local", "email": "a@example.com"})
	put(t, srv.store, "customers", map[string]any{"id": "remote", "name": "Remote", "email": "a@example.com"})

	res := client.sync(t, def)
	assert.Equal(t, 1, res.DeferredOnClient)
	assert.Zero(t, res.AppliedOnClient)
	assert.Zero(t, res.ChangesUploaded, "download-only tables are not uploaded")

	pending, err := client.PendingErrors("shop")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, syncx.Deferred, pending[0].Outcome)
	assert.Equal(t, "remote", pending[0].Row.Key)

	wm, err := client.Watermark(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, wm.IsNew, "a deferred row does not fail the session")

	// clearing only drops terminal rows
	n, err := client.ClearErrors("shop")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, client.store.Delete(ctx, "customers", "local"))
	res = client.sync(t, def)
	assert.Equal(t, 1, res.RetriedOnClient)
	assert.Equal(t, 1, res.AppliedOnClient)
	assert.Zero(t, res.DeferredOnClient)

	pending, err = client.PendingErrors("shop")
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, ok := client.store.Get("customers", "remote")
	assert.True(t, ok)
}

func TestSynchronize_DeferredRowSupersededByLocalEdit(t *testing.T) {
	srv := newTestServer(t, func(o *ServerOptions) { o.Errors = apply.Classifier{Default: apply.ContinueOnError} })
	client := newTestClient(t, "client-a", srv, func(o *Options) { o.ErrorPolicy = apply.RetryOnNextSync })
	def := shopScope("")

	put(t, client.store, "customers", map[string]any{"id": "local", "name": "Local", "email": "a@example.com"})
	put(t, srv.store, "customers", map[string]any{"id": "remote", "name": "Remote", "email": "a@example.com"})

	res := client.sync(t, def)
	assert.Equal(t, 1, res.FailedOnServer)
	assert.Equal(t, 1, res.DeferredOnClient)

	// the client moves its own row aside and writes its own version of the deferred key
	put(t, client.store, "customers", map[string]any{"id": "local", "name": "Local", "email": "b@example.com"})
	put(t, client.store, "customers", map[string]any{"id": "remote", "name": "Client version", "email": "c@example.com"})

	res = client.sync(t, def)
	assert.Equal(t, 2, res.AppliedOnServer)
	assert.Zero(t, res.ChangesDownloaded, "the client's own rows are not sent back")
	assert.Zero(t, res.RetriedOnClient)

	onServer, _ := srv.store.Get("customers", "remote")
	onClient, _ := client.store.Get("customers", "remote")
	assert.Equal(t, "Client version", onServer["name"])
	assert.Equal(t, "Client version", onClient["name"])

	pending, err := client.PendingErrors("shop")
	require.NoError(t, err)
	assert.Empty(t, pending, "the stale deferred row is dropped")

	again := client.sync(t, def)
	assert.Zero(t, again.Total())
	onClient, _ = client.store.Get("customers", "remote")
	assert.Equal(t, "Client version", onClient["name"])
}

func TestSynchronize_FailureKeepsWatermarks(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)
	client := newTestClient(t, "client-a", srv, nil)
	def := shopScope(syncx.DownloadOnly)
	client.sync(t, def)
	before, err := client.Watermark(ctx, "shop")
	require.NoError(t, err)
	serverBefore, err := srv.Watermark(ctx, "shop", "client-a")
	require.NoError(t, err)

	put(t, client.store, "customers", map[string]any{"id": "local", "email": "a@example.com"})
	put(t, srv.store, "customers", map[string]any{"id": "remote", "email": "a@example.com"})

	var ended error
	_, err = client.Synchronize(ctx, def, Normal, nil, Hooks{
		OnSessionEnd: func(ctx context.Context, res *Result, err error) { ended = err },
	})
	require.Error(t, err)
	assert.Equal(t, err, ended)

	var se *syncx.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, syncx.KindApply, se.Kind)
	assert.Equal(t, syncx.ClientSide, se.Side)
	assert.Equal(t, "customers", se.Table)

	after, err := client.Watermark(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	serverAfter, err := srv.Watermark(ctx, "shop", "client-a")
	require.NoError(t, err)
	assert.Equal(t, serverBefore, serverAfter)
	assert.Zero(t, srv.Active(), "failed session is aborted")

	_, ok := client.store.Get("customers", "remote")
	assert.False(t, ok)
}

func TestSynchronize_ServerFailureIsTyped(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newTestClient(t, "client-a", srv, nil)
	client.sync(t, shopScope(""))

	// the order's customer never reaches the server
	put(t, client.store, "customers", map[string]any{"id": "c1"})
	put(t, client.store, "orders", map[string]any{"id": "o1", "customer_id": "c1"})
	require.NoError(t, srv.store.Put(context.Background(), "customers", map[string]any{"id": "c1", "email": "x"}))
	require.NoError(t, srv.store.Delete(context.Background(), "customers", "c1"))

	// the server keeps its delete under ServerWins, so the order has no parent
	_, err := client.Synchronize(context.Background(), shopScope(""), Normal, nil, Hooks{})
	require.Error(t, err)
	var se *syncx.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, syncx.KindApply, se.Kind)
	assert.Equal(t, syncx.ServerSide, se.Side)
	assert.Equal(t, "server", se.Replica)

	wm, err := client.Watermark(context.Background(), "shop")
	require.NoError(t, err)
	assert.Zero(t, wm.LastLocal, "client watermark untouched")
}

func TestSynchronize_Outdated(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)
	put(t, srv.store, "customers", map[string]any{"id": "c1", "name": "Ada"})
	client := newTestClient(t, "client-a", srv, nil)
	client.sync(t, shopScope(""))

	put(t, srv.store, "customers", map[string]any{"id": "c2", "name": "Bob"})
	horizon, err := srv.store.LocalTimestamp(ctx)
	require.NoError(t, err)
	_, err = srv.Prune(ctx, horizon)
	require.NoError(t, err)

	_, err = client.Synchronize(ctx, shopScope(""), Normal, nil, Hooks{})
	require.Error(t, err)
	assert.True(t, syncx.IsKind(err, syncx.KindOutdated))

	put(t, client.store, "customers", map[string]any{"id": "c3", "name": "pending"})
	var states []State
	res, err := client.Synchronize(ctx, shopScope(""), Normal, nil, Hooks{
		OnOutdated: func(ctx context.Context, wm scope.Watermark, h int64) (scope.OutdatedAction, error) {
			assert.Equal(t, horizon, h)
			return scope.Reinitialize, nil
		},
		OnState: func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, Reinitialize, res.SyncType)
	assert.Equal(t, 2, res.ChangesDownloaded)
	assert.Zero(t, res.ChangesUploaded)
	assert.Equal(t, []State{SchemaEnsured, ScopeEnsured, OutdatedCheck, Outdated, Downloading, Committing, Idle}, states)

	// pending local changes were dropped with the local tracking
	next := client.sync(t, shopScope(""))
	assert.Zero(t, next.ChangesUploaded)
	_, ok := srv.store.Get("customers", "c3")
	assert.False(t, ok)
}

func TestSynchronize_ReinitializeWithUpload(t *testing.T) {
	srv := newTestServer(t, nil)
	put(t, srv.store, "customers", map[string]any{"id": "c1", "name": "Ada"})
	client := newTestClient(t, "client-a", srv, func(o *Options) { o.OutdatedAction = scope.ReinitializeWithUpload })
	client.sync(t, shopScope(""))

	put(t, client.store, "customers", map[string]any{"id": "c2", "name": "pending"})
	res, err := client.Synchronize(context.Background(), shopScope(""), ReinitializeWithUpload, nil, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChangesUploaded)
	assert.Equal(t, 2, res.ChangesDownloaded, "a full download includes the client's own rows")
	_, ok := srv.store.Get("customers", "c2")
	assert.True(t, ok)
}

func TestSynchronize_SchemaAndScopeErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newTestClient(t, "client-a", srv, nil)

	t.Run("missing column", func(t *testing.T) {
		def := shopScope("")
		def.Name = "bad-column"
		def.Tables[0].Columns = []string{"name", "phone"}
		_, err := client.Synchronize(context.Background(), def, Normal, nil, Hooks{})
		var se *syncx.Error
		require.True(t, errors.As(err, &se))
		assert.Equal(t, syncx.KindSchema, se.Kind)
		assert.Equal(t, syncx.ClientSide, se.Side)
		assert.Equal(t, "customers", se.Table)
		assert.Equal(t, "phone", se.Column)
	})

	t.Run("unknown scope by name", func(t *testing.T) {
		_, err := client.Synchronize(context.Background(), &syncx.ScopeDefinition{Name: "nope"}, Normal, nil, Hooks{})
		assert.True(t, syncx.IsKind(err, syncx.KindScopeMismatch))
	})

	t.Run("server holds another definition", func(t *testing.T) {
		other := newTestClient(t, "client-b", srv, nil)
		other.sync(t, shopScope(""))

		changed := shopScope(syncx.UploadOnly)
		_, err := client.Synchronize(context.Background(), changed, Normal, nil, Hooks{})
		var se *syncx.Error
		require.True(t, errors.As(err, &se))
		assert.Equal(t, syncx.KindScopeMismatch, se.Kind)
		assert.Equal(t, syncx.ServerSide, se.Side)

		wm, err := client.Watermark(context.Background(), "shop")
		require.NoError(t, err)
		assert.True(t, wm.IsNew)
	})

	t.Run("provisioned scope by name", func(t *testing.T) {
		c := newTestClient(t, "client-c", srv, nil)
		c.sync(t, shopScope(""))
		res := c.sync(t, &syncx.ScopeDefinition{Name: "shop"})
		assert.Equal(t, "shop", res.Scope)
	})
}

func TestSynchronize_Canceled(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newTestClient(t, "client-a", srv, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := client.Synchronize(ctx, shopScope(""), Normal, nil, Hooks{
		OnSessionBegin: func(ctx context.Context, info Info) error {
			cancel()
			return nil
		},
	})
	assert.True(t, syncx.IsKind(err, syncx.KindCanceled))
	assert.Zero(t, srv.Active())

	wm, err := client.Watermark(context.Background(), "shop")
	require.NoError(t, err)
	assert.True(t, wm.IsNew)
}

// flakyRemote fails one operation with an untyped error
type flakyRemote struct {
	Remote
	failDownload bool
}

func (f *flakyRemote) Download(ctx context.Context, sessionID string, req DownloadRequest) (*DownloadResponse, error) {
	if f.failDownload {
		return nil, errors.New("connection reset by peer")
	}
	return f.Remote.Download(ctx, sessionID, req)
}

func TestSynchronize_ConnectivityError(t *testing.T) {
	srv := newTestServer(t, nil)
	remote := &flakyRemote{Remote: srv, failDownload: true}
	client := newTestClient(t, "client-a", remote, nil)

	_, err := client.Synchronize(context.Background(), shopScope(""), Normal, nil, Hooks{})
	var se *syncx.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, syncx.KindConnectivity, se.Kind)
	assert.Equal(t, syncx.ServerSide, se.Side)
	assert.Zero(t, srv.Active())

	remote.failDownload = false
	res := client.sync(t, shopScope(""))
	assert.False(t, res.Watermark.IsNew)
}
