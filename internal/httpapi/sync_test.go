package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodePart renders rows the way a client stages them
func encodePart(t *testing.T, rows ...syncx.Row) []byte {
	t.Helper()
	bs, err := batch.NewStore(t.TempDir())
	require.NoError(t, err)
	info, err := bs.Create("encode")
	require.NoError(t, err)
	p, err := bs.WritePart(info, rows[0].Table, rows)
	require.NoError(t, err)
	_, data, err := bs.ReadRaw(info, p.Index)
	require.NoError(t, err)
	return data
}

func TestSyncFlow(t *testing.T) {
	api := newTestAPI(t, RateLimitInfo{})
	ctx := context.Background()
	require.NoError(t, api.store.Put(ctx, "notes", map[string]any{"id": "n0", "body": "from server"}))

	id := api.beginSession(t, "laptop")
	base := "/v1/sync/sessions/" + id

	part := encodePart(t, syncx.Row{Table: "notes", Key: "n1", State: syncx.Created, Values: map[string]any{"id": "n1", "body": "from laptop"}})
	w := api.do(t, "laptop", http.MethodPut, base+"/upload/0", part, map[string]string{HeaderPartTable: "notes"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = api.do(t, "laptop", http.MethodPost, base+"/apply", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var applied apply.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&applied))
	assert.Equal(t, 1, applied.Applied)
	got, ok := api.store.Get("notes", "n1")
	require.True(t, ok)
	assert.Equal(t, "from laptop", got["body"])

	w = api.do(t, "laptop", http.MethodPost, base+"/download", session.DownloadRequest{}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var dl session.DownloadResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&dl))
	require.Len(t, dl.Parts, 1, "the laptop's own row is not sent back")
	assert.Equal(t, 1, dl.Parts[0].Rows)

	w = api.do(t, "laptop", http.MethodGet, base+"/download/"+strconv.Itoa(dl.Parts[0].Index), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, PartContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, "notes", w.Header().Get(HeaderPartTable))
	assert.Equal(t, "1", w.Header().Get(HeaderPartRows))
	assert.NotEmpty(t, w.Body.Bytes())

	w = api.do(t, "laptop", http.MethodPost, base+"/commit", session.CommitRequest{Checkpoint: dl.Checkpoint, ClientTs: 5}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var committed session.CommitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&committed))
	assert.Equal(t, int64(5), committed.Watermark.LastLocal)
	assert.Equal(t, dl.ServerTs, committed.Watermark.LastPeer)

	w = api.do(t, "laptop", http.MethodGet, "/v1/sync/scopes/notes/watermark", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wm scope.Watermark
	require.NoError(t, json.NewDecoder(w.Body).Decode(&wm))
	assert.Equal(t, dl.ServerTs, wm.LastPeer)

	// the session is gone after commit
	w = api.do(t, "laptop", http.MethodPost, base+"/apply", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, syncx.KindSessionNotFound, decodeEnvelope(t, w).Error)
	assert.Zero(t, api.srv.Active())
}

func TestSessionErrors(t *testing.T) {
	api := newTestAPI(t, RateLimitInfo{})
	id := api.beginSession(t, "laptop")
	base := "/v1/sync/sessions/" + id

	tests := []struct {
		name       string
		replica    string
		method     string
		path       string
		body       any
		headers    map[string]string
		wantStatus int
		wantKind   syncx.ErrorKind
	}{
		{
			name:       "unauthenticated",
			method:     http.MethodPost,
			path:       base + "/apply",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown session",
			replica:    "laptop",
			method:     http.MethodPost,
			path:       "/v1/sync/sessions/not-a-session/apply",
			wantStatus: http.StatusNotFound,
			wantKind:   syncx.KindSessionNotFound,
		},
		{
			name:       "session of another replica",
			replica:    "phone",
			method:     http.MethodPost,
			path:       base + "/apply",
			wantStatus: http.StatusForbidden,
			wantKind:   syncx.KindInvalidRequest,
		},
		{
			name:       "client id of another replica",
			replica:    "phone",
			method:     http.MethodPost,
			path:       "/v1/sync/sessions",
			body:       session.BeginRequest{Scope: notesScope(), ClientID: "laptop"},
			wantStatus: http.StatusForbidden,
			wantKind:   syncx.KindInvalidRequest,
		},
		{
			name:       "malformed body",
			replica:    "laptop",
			method:     http.MethodPost,
			path:       base + "/commit",
			body:       []byte("{not json"),
			wantStatus: http.StatusBadRequest,
			wantKind:   syncx.KindInvalidRequest,
		},
		{
			name:       "bad part index",
			replica:    "laptop",
			method:     http.MethodGet,
			path:       base + "/download/first",
			wantStatus: http.StatusBadRequest,
			wantKind:   syncx.KindInvalidRequest,
		},
		{
			name:       "upload without table",
			replica:    "laptop",
			method:     http.MethodPut,
			path:       base + "/upload/0",
			body:       []byte("x"),
			wantStatus: http.StatusBadRequest,
			wantKind:   syncx.KindInvalidRequest,
		},
		{
			name:       "upload to a table outside the scope",
			replica:    "laptop",
			method:     http.MethodPut,
			path:       base + "/upload/0",
			body:       []byte("x"),
			headers:    map[string]string{HeaderPartTable: "secrets"},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   syncx.KindSchema,
		},
		{
			name:       "commit with a foreign checkpoint",
			replica:    "laptop",
			method:     http.MethodPost,
			path:       base + "/commit",
			body:       session.CommitRequest{Checkpoint: "bogus"},
			wantStatus: http.StatusInternalServerError,
			wantKind:   syncx.KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, tt.replica, tt.method, tt.path, tt.body, tt.headers)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantKind != "" {
				env := decodeEnvelope(t, w)
				assert.Equal(t, tt.wantKind, env.Error)
				assert.NotEmpty(t, env.CorrelationID)
			}
		})
	}

	// the failed calls left the session usable
	w := api.do(t, "laptop", http.MethodDelete, base, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, api.srv.Active())
}

func TestSchemaMismatchReportsColumn(t *testing.T) {
	api := newTestAPI(t, RateLimitInfo{})
	def := notesScope()
	def.Tables[0].Columns = []string{"id", "title"}

	w := api.do(t, "laptop", http.MethodPost, "/v1/sync/sessions", session.BeginRequest{Scope: def}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	env := decodeEnvelope(t, w)
	assert.Equal(t, syncx.KindSchema, env.Error)
	assert.Equal(t, syncx.ServerSide, env.Side)
	assert.Equal(t, "notes", env.Table)
	assert.Equal(t, "title", env.Column)
}

func TestPendingErrorsEmpty(t *testing.T) {
	api := newTestAPI(t, RateLimitInfo{})
	w := api.do(t, "laptop", http.MethodGet, "/v1/sync/scopes/notes/errors", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"records":[]}`, w.Body.String())
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	api := newTestAPI(t, RateLimitInfo{RequestsPerSecond: 5, Burst: 10})

	w := api.do(t, "", http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))

	w = api.do(t, "", http.MethodGet, "/v1/sync/info", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info ServerInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "server", info.ServerID)
	require.NotNil(t, info.RateLimit)
	assert.Equal(t, 10, info.RateLimit.Burst)

	w = api.do(t, "", http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rowsync_http_requests_total")
}
