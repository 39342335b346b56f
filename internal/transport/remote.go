package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/httpapi"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/syncx"
)

func (c *Client) BeginSession(ctx context.Context, req session.BeginRequest) (*session.BeginResponse, error) {
	var resp session.BeginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadPart sends one encoded part as is
func (c *Client) UploadPart(ctx context.Context, sessionID string, part batch.PartInfo, data []byte) error {
	resp, err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        sessionPath(sessionID, "upload", strconv.Itoa(part.Index)),
		body:        data,
		contentType: httpapi.PartContentType,
		header:      http.Header{httpapi.HeaderPartTable: {part.Table}},
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) ApplyUpload(ctx context.Context, sessionID string) (*apply.Result, error) {
	var res apply.Result
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "apply"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Download(ctx context.Context, sessionID string, req session.DownloadRequest) (*session.DownloadResponse, error) {
	var resp session.DownloadResponse
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "download"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchPart downloads one encoded part
func (c *Client) FetchPart(ctx context.Context, sessionID string, index int) (batch.PartInfo, []byte, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: sessionPath(sessionID, "download", strconv.Itoa(index))})
	if err != nil {
		return batch.PartInfo{}, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return batch.PartInfo{}, nil, fmt.Errorf("read part %d: %w", index, err)
	}
	p := batch.PartInfo{Table: resp.Header.Get(httpapi.HeaderPartTable), Index: index}
	if p.Table == "" {
		return batch.PartInfo{}, nil, fmt.Errorf("part %d: missing %s header", index, httpapi.HeaderPartTable)
	}
	if n, err := strconv.Atoi(resp.Header.Get(httpapi.HeaderPartRows)); err == nil {
		p.Rows = n
	}
	return p, data, nil
}

func (c *Client) Commit(ctx context.Context, sessionID string, req session.CommitRequest) (*session.CommitResponse, error) {
	var resp session.CommitResponse
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "commit"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort ends the session. A session the server no longer knows is already
// aborted.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	err := c.doJSON(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil)
	if syncx.IsKind(err, syncx.KindSessionNotFound) {
		return nil
	}
	return err
}

// PendingErrors lists the rows of this replica's uploads the server could
// not apply
func (c *Client) PendingErrors(ctx context.Context, scopeName string) ([]batch.Record, error) {
	var resp httpapi.PendingErrorsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sync/scopes/"+url.PathEscape(scopeName)+"/errors", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Watermark returns the server's watermark for this replica
func (c *Client) Watermark(ctx context.Context, scopeName string) (scope.Watermark, error) {
	var wm scope.Watermark
	err := c.doJSON(ctx, http.MethodGet, "/v1/sync/scopes/"+url.PathEscape(scopeName)+"/watermark", nil, &wm)
	return wm, err
}

// Info returns the server's identity and limits; it needs no credentials
func (c *Client) Info(ctx context.Context) (*httpapi.ServerInfo, error) {
	var info httpapi.ServerInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sync/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

var _ session.Remote = (*Client)(nil)
