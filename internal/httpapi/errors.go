package httpapi

import (
	"errors"
	"net/http"

	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// errorEnvelope is the body of every failed sync request
type errorEnvelope struct {
	Error         syncx.ErrorKind `json:"error"`
	Message       string          `json:"message,omitempty"`
	Side          syncx.Side      `json:"side,omitempty"`
	Replica       string          `json:"replica,omitempty"`
	Table         string          `json:"table,omitempty"`
	Column        string          `json:"column,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// statusFor maps an error kind onto the HTTP status carrying it
func statusFor(kind syncx.ErrorKind) int {
	switch kind {
	case syncx.KindInvalidRequest:
		return http.StatusBadRequest
	case syncx.KindSessionNotFound:
		return http.StatusNotFound
	case syncx.KindScopeMismatch:
		return http.StatusConflict
	case syncx.KindOutdated:
		return http.StatusGone
	case syncx.KindSchema, syncx.KindApply, syncx.KindInvalidMerge:
		return http.StatusUnprocessableEntity
	case syncx.KindRateLimited:
		return http.StatusTooManyRequests
	case syncx.KindConnectivity:
		return http.StatusBadGateway
	case syncx.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status of its kind. Untyped errors are internal.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var se *syncx.Error
	if !errors.As(err, &se) {
		se = &syncx.Error{Kind: syncx.KindInternal, Side: syncx.ServerSide, Replica: s.Sessions.ID(), Err: err}
	}
	writeError(w, r, statusFor(se.Kind), se)
}

// writeError writes the error envelope
func writeError(w http.ResponseWriter, r *http.Request, code int, se *syncx.Error) {
	msg := se.Message
	if msg == "" && se.Err != nil {
		msg = se.Err.Error()
	}
	env := errorEnvelope{
		Error:         se.Kind,
		Message:       msg,
		Side:          se.Side,
		Replica:       se.Replica,
		Table:         se.Table,
		Column:        se.Column,
		CorrelationID: GetCorrelationID(r.Context()),
	}

	logger := log.Ctx(r.Context())
	ev := logger.Warn()
	if code >= 500 {
		ev = logger.Error()
	}
	ev.Str("kind", string(se.Kind)).
		Str("path", r.URL.Path).
		Int("status", code).
		Str("message", msg).
		Msg("sync request failed")

	writeJSON(w, code, env)
}
