package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Part bodies travel as the staged files: snappy-framed JSON lines
const (
	PartContentType = "application/x-rowsync-part"
	HeaderPartTable = "X-Part-Table"
	HeaderPartRows  = "X-Part-Rows"
)

// PendingErrorsResponse lists the rows the server kept for a replica
type PendingErrorsResponse struct {
	Records []batch.Record `json:"records"`
}

func invalid(msg string) *syncx.Error {
	return &syncx.Error{Kind: syncx.KindInvalidRequest, Side: syncx.ServerSide, Message: msg}
}

// partIndex parses the {index} path parameter
func partIndex(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "index"))
	return n, err == nil && n >= 0
}

// BeginSession handles POST /v1/sync/sessions
// The client id defaults to the authenticated replica and may not differ from it.
func (s *Server) BeginSession(w http.ResponseWriter, r *http.Request) {
	var req session.BeginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	replica := auth.ReplicaID(r.Context())
	if req.ClientID == "" {
		req.ClientID = replica
	}
	if req.ClientID != replica {
		writeError(w, r, http.StatusForbidden, invalid("client id does not match the authenticated replica"))
		return
	}

	resp, err := s.Sessions.BeginSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// AbortSession handles DELETE /v1/sync/sessions/{sessionID}
func (s *Server) AbortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Abort(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadPart handles PUT /v1/sync/sessions/{sessionID}/upload/{index}
func (s *Server) UploadPart(w http.ResponseWriter, r *http.Request) {
	index, ok := partIndex(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, invalid("part index must be a non-negative integer"))
		return
	}
	table := r.Header.Get(HeaderPartTable)
	if table == "" {
		writeError(w, r, http.StatusBadRequest, invalid(HeaderPartTable+" header required"))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, invalid("part body: "+err.Error()))
		return
	}

	part := batch.PartInfo{Table: table, Index: index}
	if err := s.Sessions.UploadPart(r.Context(), chi.URLParam(r, "sessionID"), part, data); err != nil {
		s.fail(w, r, err)
		return
	}
	log.Ctx(r.Context()).Debug().Str("table", table).Int("index", index).Int("bytes", len(data)).Msg("upload part staged")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyUpload handles POST /v1/sync/sessions/{sessionID}/apply
func (s *Server) ApplyUpload(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sessions.ApplyUpload(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Download handles POST /v1/sync/sessions/{sessionID}/download
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	var req session.DownloadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.Sessions.Download(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// FetchPart handles GET /v1/sync/sessions/{sessionID}/download/{index}
func (s *Server) FetchPart(w http.ResponseWriter, r *http.Request) {
	index, ok := partIndex(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, invalid("part index must be a non-negative integer"))
		return
	}
	part, data, err := s.Sessions.FetchPart(r.Context(), chi.URLParam(r, "sessionID"), index)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", PartContentType)
	w.Header().Set(HeaderPartTable, part.Table)
	w.Header().Set(HeaderPartRows, strconv.Itoa(part.Rows))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Int("index", index).Msg("failed to send part")
	}
}

// Commit handles POST /v1/sync/sessions/{sessionID}/commit
func (s *Server) Commit(w http.ResponseWriter, r *http.Request) {
	var req session.CommitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.Sessions.Commit(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PendingErrors handles GET /v1/sync/scopes/{scope}/errors
func (s *Server) PendingErrors(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Sessions.PendingErrors(chi.URLParam(r, "scope"), auth.ReplicaID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []batch.Record{}
	}
	writeJSON(w, http.StatusOK, PendingErrorsResponse{Records: recs})
}

// Watermark handles GET /v1/sync/scopes/{scope}/watermark
func (s *Server) Watermark(w http.ResponseWriter, r *http.Request) {
	wm, err := s.Sessions.Watermark(r.Context(), chi.URLParam(r, "scope"), auth.ReplicaID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wm)
}
