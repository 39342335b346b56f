package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/db"
	"github.com/erauner12/rowsync/internal/httpapi"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/store/memstore"
)

const notesScopeYAML = `
name: notes
version: 1
tables:
  - name: notes
    primaryKey: id
    columns: [body]
`

type env struct {
	store     *memstore.Store
	opts      *RootOptions
	scopeFile string
	dbPath    string
}

// newEnv starts a dev-mode server and prepares a SQLite replica with a
// notes table holding one row
func newEnv(t *testing.T, format string) *env {
	t.Helper()
	bs, err := batch.NewStore(t.TempDir())
	require.NoError(t, err)
	st := memstore.New("server", memstore.TableDef{Name: "notes", PrimaryKey: "id", Columns: []string{"body"}})
	api := &httpapi.Server{Sessions: session.NewServer(session.ServerOptions{
		Store:    st,
		Registry: scope.NewMemoryRegistry(),
		Batches:  bs,
	})}
	hs := httptest.NewServer(api.Routes(auth.JWTCfg{DevMode: true}))
	t.Cleanup(hs.Close)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "replica.db")
	sqlDB, err := db.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`INSERT INTO notes (id, body) VALUES ('n1', 'from laptop')`)
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	scopeFile := filepath.Join(dir, "notes.yaml")
	require.NoError(t, os.WriteFile(scopeFile, []byte(notesScopeYAML), 0644))

	return &env{
		store: st,
		opts: &RootOptions{
			Format:     format,
			ServerURL:  hs.URL,
			ReplicaID:  "laptop",
			SQLitePath: dbPath,
			BatchDir:   filepath.Join(dir, "batches"),
		},
		scopeFile: scopeFile,
		dbPath:    dbPath,
	}
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func (e *env) body(t *testing.T, id string) string {
	t.Helper()
	sqlDB, err := db.OpenSQLite(context.Background(), e.dbPath)
	require.NoError(t, err)
	defer sqlDB.Close()
	var body string
	require.NoError(t, sqlDB.QueryRow(`SELECT body FROM notes WHERE id = ?`, id).Scan(&body))
	return body
}

func TestSyncCommand(t *testing.T) {
	e := newEnv(t, "text")

	out, err := execute(NewSyncCommand(e.opts), e.scopeFile)
	require.NoError(t, err)
	assert.Contains(t, out, "scope notes synchronized (normal)")
	assert.Contains(t, out, "uploaded    1  applied 1")

	got, ok := e.store.Get("notes", "n1")
	require.True(t, ok)
	assert.Equal(t, "from laptop", got["body"])

	require.NoError(t, e.store.Put(context.Background(), "notes", map[string]any{"id": "n2", "body": "from server"}))
	out, err = execute(NewSyncCommand(e.opts), e.scopeFile)
	require.NoError(t, err)
	assert.Contains(t, out, "downloaded  1  applied 1")
	assert.Equal(t, "from server", e.body(t, "n2"))
}

func TestSyncCommandJSON(t *testing.T) {
	e := newEnv(t, "json")

	out, err := execute(NewSyncCommand(e.opts), e.scopeFile, "--type", "reinit-upload")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["changesUploaded"])
	assert.Equal(t, "reinitialize_with_upload", data["syncType"])
}

func TestSyncCommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     func(e *env) []string
		mutate   func(e *env)
		wantKind string
		wantErr  string
	}{
		{
			name:    "unknown sync type",
			args:    func(e *env) []string { return []string{e.scopeFile, "--type", "sideways"} },
			wantErr: "sideways",
		},
		{
			name:    "malformed parameter",
			args:    func(e *env) []string { return []string{e.scopeFile, "--param", "tenant"} },
			wantErr: "want key=value",
		},
		{
			name:    "missing scope file",
			args:    func(e *env) []string { return []string{filepath.Join(t.TempDir(), "nope.yaml")} },
			wantErr: "read scope file",
		},
		{
			name: "table missing locally",
			args: func(e *env) []string {
				path := filepath.Join(t.TempDir(), "tasks.yaml")
				require.NoError(t, os.WriteFile(path, []byte("name: tasks\nversion: 1\ntables:\n  - name: tasks\n    primaryKey: id\n"), 0644))
				return []string{path}
			},
			wantKind: "schema",
		},
		{
			name:     "server unreachable",
			args:     func(e *env) []string { return []string{e.scopeFile} },
			mutate:   func(e *env) { e.opts.ServerURL = "http://127.0.0.1:1" },
			wantKind: "connectivity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, "json")
			if tt.mutate != nil {
				tt.mutate(e)
			}
			out, err := execute(NewSyncCommand(e.opts), tt.args(e)...)
			require.Error(t, err)

			var resp Response
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, resp.Error.Kind)
			}
			if tt.wantErr != "" {
				assert.Contains(t, resp.Error.Message, tt.wantErr)
			}
		})
	}
}

func TestErrorsCommands(t *testing.T) {
	e := newEnv(t, "text")

	out, err := execute(NewErrorsCommand(e.opts), "list", "notes")
	require.NoError(t, err)
	assert.Equal(t, "no pending errors\n", out)

	_, err = execute(NewSyncCommand(e.opts), e.scopeFile)
	require.NoError(t, err)

	out, err = execute(NewErrorsCommand(e.opts), "list", "notes", "--server")
	require.NoError(t, err)
	assert.Equal(t, "no pending errors\n", out)

	out, err = execute(NewErrorsCommand(e.opts), "clear", "notes")
	require.NoError(t, err)
	assert.Equal(t, "cleared 0 row(s) for scope notes\n", out)

	e.opts.Format = "json"
	out, err = execute(NewErrorsCommand(e.opts), "list", "notes")
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []any{}, resp.Data)
}

func TestScopeShow(t *testing.T) {
	dir := t.TempDir()
	shop := filepath.Join(dir, "shop.yaml")
	require.NoError(t, os.WriteFile(shop, []byte(`
name: shop
version: 2
tables:
  - name: orders
    primaryKey: id
    dependsOn: [customers]
    filter: {tenant: tenant}
  - name: customers
    primaryKey: id
    direction: download
`), 0644))
	cyclic := filepath.Join(dir, "cyclic.yaml")
	require.NoError(t, os.WriteFile(cyclic, []byte(`
name: loop
version: 1
tables:
  - name: a
    primaryKey: id
    dependsOn: [b]
  - name: b
    primaryKey: id
    dependsOn: [a]
`), 0644))

	t.Run("text", func(t *testing.T) {
		out, err := execute(NewScopeCommand(&RootOptions{Format: "text"}), "show", shop)
		require.NoError(t, err)
		assert.Contains(t, out, "scope shop v2")
		assert.Contains(t, out, "1. customers (key id, download)")
		assert.Contains(t, out, "2. orders (key id, bidirectional) after customers where tenant=:tenant")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(NewScopeCommand(&RootOptions{Format: "json"}), "show", shop)
		require.NoError(t, err)
		var resp struct {
			Data ScopeReport `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, []string{"customers", "orders"}, resp.Data.ApplyOrder)
		assert.Nil(t, resp.Data.Watermark)
	})

	t.Run("watermark", func(t *testing.T) {
		e := newEnv(t, "text")
		out, err := execute(NewScopeCommand(e.opts), "show", e.scopeFile, "--watermark")
		require.NoError(t, err)
		assert.Contains(t, out, "never synchronized")

		_, err = execute(NewSyncCommand(e.opts), e.scopeFile)
		require.NoError(t, err)
		out, err = execute(NewScopeCommand(e.opts), "show", e.scopeFile, "--watermark")
		require.NoError(t, err)
		assert.Contains(t, out, "watermark local=")
	})

	t.Run("dependency cycle", func(t *testing.T) {
		_, err := execute(NewScopeCommand(&RootOptions{Format: "text"}), "show", cyclic)
		assert.Error(t, err)
	})
}

func TestRootCommand(t *testing.T) {
	t.Run("invalid format", func(t *testing.T) {
		_, err := execute(NewRootCommand(), "--format", "xml", "scope", "show", "x.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid format")
	})

	t.Run("lists subcommands", func(t *testing.T) {
		out, err := execute(NewRootCommand(), "--help")
		require.NoError(t, err)
		for _, sub := range []string{"sync", "errors", "scope"} {
			assert.Contains(t, out, sub)
		}
	})
}

func TestRootOptionsConfig(t *testing.T) {
	opts := &RootOptions{ServerURL: "http://sync:9000", SQLitePath: "a.db", Verbose: true}
	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Equal(t, "http://sync:9000", cfg.Client.ServerURL)
	assert.Equal(t, "a.db", cfg.Client.SQLitePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "batches", cfg.Sync.BatchDir, "unset flags keep the default")

	again, err := opts.Config()
	require.NoError(t, err)
	assert.Same(t, cfg, again)
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", raw: nil, want: nil},
		{name: "pairs", raw: []string{"tenant=a", "region=eu=west"}, want: map[string]any{"tenant": "a", "region": "eu=west"}},
		{name: "empty value", raw: []string{"tenant="}, want: map[string]any{"tenant": ""}},
		{name: "no separator", raw: []string{"tenant"}, wantErr: true},
		{name: "empty key", raw: []string{"=a"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
