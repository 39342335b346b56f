package httpapi

import (
	"net/http"

	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// SessionRequired enforces that the session named in the path is open and
// belongs to the authenticated replica. It adds the session to the logger.
func (s *Server) SessionRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		owner, err := s.Sessions.Owner(sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		replica := auth.ReplicaID(r.Context())
		if owner != replica {
			log.Ctx(r.Context()).Warn().
				Str("sessionId", sessionID).
				Str("sessionReplica", owner).
				Msg("Session does not belong to authenticated replica")

			writeError(w, r, http.StatusForbidden, &syncx.Error{
				Kind:    syncx.KindInvalidRequest,
				Side:    syncx.ServerSide,
				Message: "session does not belong to the authenticated replica",
			})
			return
		}

		logger := log.Ctx(r.Context()).With().Str("sessionId", sessionID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}
