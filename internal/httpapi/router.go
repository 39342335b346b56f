package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// DefaultMaxBodyBytes caps part uploads and JSON bodies
const DefaultMaxBodyBytes = 64 << 20

// Server holds dependencies for HTTP handlers
type Server struct {
	Sessions        *session.Server
	RateLimitConfig RateLimitInfo
	Hints           SyncHints
	MaxBodyBytes    int64
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

// decodeJSON reads a JSON request body into v. An empty body leaves v as is.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody())).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, r, http.StatusBadRequest, &syncx.Error{
		Kind:    syncx.KindInvalidRequest,
		Side:    syncx.ServerSide,
		Message: fmt.Sprintf("invalid request body: %v", err),
	})
	return false
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/sync/info", s.Info)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Post("/v1/sync/sessions", s.BeginSession)

		r.Route("/v1/sync/sessions/{sessionID}", func(r chi.Router) {
			r.Use(s.SessionRequired)

			r.Delete("/", s.AbortSession)
			r.Put("/upload/{index}", s.UploadPart)
			r.Post("/apply", s.ApplyUpload)
			r.Post("/download", s.Download)
			r.Get("/download/{index}", s.FetchPart)
			r.Post("/commit", s.Commit)
		})

		r.Get("/v1/sync/scopes/{scope}/errors", s.PendingErrors)
		r.Get("/v1/sync/scopes/{scope}/watermark", s.Watermark)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
