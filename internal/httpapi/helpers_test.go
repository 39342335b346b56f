package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/store/memstore"
	"github.com/erauner12/rowsync/internal/syncx"
)

type testAPI struct {
	router http.Handler
	store  *memstore.Store
	srv    *session.Server
}

func newTestAPI(t *testing.T, rl RateLimitInfo) *testAPI {
	t.Helper()
	bs, err := batch.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create batch store: %v", err)
	}
	st := memstore.New("server",
		memstore.TableDef{Name: "notes", PrimaryKey: "id", Columns: []string{"body"}},
	)
	srv := session.NewServer(session.ServerOptions{
		Store:    st,
		Registry: scope.NewMemoryRegistry(),
		Batches:  bs,
		Limits:   batch.Limits{MaxRows: 2},
	})
	api := &Server{Sessions: srv, RateLimitConfig: rl}
	return &testAPI{
		router: api.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true}),
		store:  st,
		srv:    srv,
	}
}

func notesScope() syncx.ScopeDefinition {
	return syncx.ScopeDefinition{
		Name:    "notes",
		Version: 1,
		Tables:  []syncx.TableSpec{{Name: "notes", PrimaryKey: "id"}},
	}
}

// do makes a request as the given replica; body is JSON-encoded unless it
// is already a byte slice
func (a *testAPI) do(t *testing.T, replica, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if replica != "" {
		req.Header.Set(auth.DebugReplicaHeader, replica)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// beginSession opens a session for the replica and returns its id
func (a *testAPI) beginSession(t *testing.T, replica string) string {
	t.Helper()
	w := a.do(t, replica, http.MethodPost, "/v1/sync/sessions", session.BeginRequest{Scope: notesScope()}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to create session: got status %d, body: %s", w.Code, w.Body.String())
	}
	var resp session.BeginResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode session response: %v", err)
	}
	return resp.SessionID
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode error envelope: %v (body %q)", err, w.Body.String())
	}
	return env
}
