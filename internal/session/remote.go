// Package session runs sync sessions: the client-side Coordinator drives
// one session end to end, and Server is the central store's end of the
// exchange, reachable in process or through the HTTP transport.
package session

import (
	"context"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/syncx"
)

// Remote is the server end of a session. Implementations preserve part
// ordering and return store failures as *syncx.Error values.
type Remote interface {
	BeginSession(ctx context.Context, req BeginRequest) (*BeginResponse, error)
	UploadPart(ctx context.Context, sessionID string, part batch.PartInfo, data []byte) error
	ApplyUpload(ctx context.Context, sessionID string) (*apply.Result, error)
	Download(ctx context.Context, sessionID string, req DownloadRequest) (*DownloadResponse, error)
	FetchPart(ctx context.Context, sessionID string, index int) (batch.PartInfo, []byte, error)
	Commit(ctx context.Context, sessionID string, req CommitRequest) (*CommitResponse, error)
	Abort(ctx context.Context, sessionID string) error
}

// BeginRequest opens a server session for one replica and scope. A scope
// with no tables refers to the definition the server already holds.
type BeginRequest struct {
	Scope     syncx.ScopeDefinition `json:"scope"`
	ClientID  string                `json:"clientId"`
	Watermark scope.Watermark       `json:"watermark"`
	Params    map[string]any        `json:"params,omitempty"`
}

// BeginResponse carries what the client needs to plan the session
type BeginResponse struct {
	SessionID    string                `json:"sessionId"`
	ServerID     string                `json:"serverId"`
	Scope        syncx.ScopeDefinition `json:"scope"`
	PruneHorizon int64                 `json:"pruneHorizon"`
}

// DownloadRequest asks the server to stage its changes for the client
type DownloadRequest struct {
	// Reinitialize stages every row regardless of the watermark
	Reinitialize bool `json:"reinitialize,omitempty"`
}

// DownloadResponse describes the staged download batch
type DownloadResponse struct {
	BatchID    string           `json:"batchId"`
	Parts      []batch.PartInfo `json:"parts"`
	Checkpoint string           `json:"checkpoint"`
	ServerTs   int64            `json:"serverTs"`
}

// CommitRequest confirms the client applied the download
type CommitRequest struct {
	Checkpoint string `json:"checkpoint"`
	ClientTs   int64  `json:"clientTs"`
}

// CommitResponse reports the server's saved watermark for the client
type CommitResponse struct {
	Watermark scope.Watermark `json:"watermark"`
}
