package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/conflict"
	"github.com/erauner12/rowsync/internal/metrics"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultSessionTTL is how long an idle server session survives
const DefaultSessionTTL = 30 * time.Minute

// ErrSessionNotFound indicates an unknown, expired or finished session
var ErrSessionNotFound = errors.New("session not found or expired")

// ServerOptions configures the server end
type ServerOptions struct {
	Store    store.Store
	Registry scope.Registry
	Batches  *batch.Store
	Limits   batch.Limits

	Conflicts        conflict.Resolver
	Errors           apply.Classifier
	TxScope          apply.TxScope
	RelaxConstraints bool

	SessionTTL time.Duration
	Clock      clockwork.Clock
}

// Server is the central store's end of sync sessions. It is safe for
// concurrent use; sessions of one client for one scope run one at a time.
type Server struct {
	opts     ServerOptions
	engine   *apply.Engine
	guard    *scope.Guard
	sessions *sessionStore
}

// NewServer creates a server end
func NewServer(opts ServerOptions) *Server {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Server{
		opts:     opts,
		engine:   apply.New(opts.Store, opts.Batches),
		guard:    scope.NewGuard(),
		sessions: newSessionStore(opts.SessionTTL, opts.Clock),
	}
}

// ID returns the server replica identity
func (s *Server) ID() string { return s.opts.Store.ID() }

// BeginSession provisions or checks the scope, verifies the server schema
// and reserves the (scope, client) slot. A session the client still had
// open for the scope is abandoned.
func (s *Server) BeginSession(ctx context.Context, req BeginRequest) (*BeginResponse, error) {
	if req.ClientID == "" {
		return nil, &syncx.Error{Kind: syncx.KindInternal, Side: syncx.ServerSide, Message: "client id is required"}
	}
	if req.ClientID == s.ID() {
		return nil, &syncx.Error{Kind: syncx.KindInternal, Side: syncx.ServerSide, Message: "client id equals the server id"}
	}
	def, err := scope.Ensure(ctx, s.opts.Registry, &req.Scope, syncx.ServerSide)
	if err != nil {
		return nil, s.wrap(err)
	}
	if err := checkSchema(ctx, s.opts.Store, def, syncx.ServerSide); err != nil {
		return nil, err
	}
	horizon, err := s.opts.Store.PruneHorizon(ctx)
	if err != nil {
		return nil, s.wrap(fmt.Errorf("prune horizon: %w", err))
	}

	for _, old := range s.sessions.removeReplica(def.Name, req.ClientID) {
		log.Ctx(ctx).Warn().Str("session", old.ID.String()).Str("client", old.ClientID).Msg("abandoned session replaced")
		s.close(ctx, old)
	}

	release, err := s.guard.Lock(ctx, def.Name, req.ClientID)
	if err != nil {
		return nil, s.wrap(err)
	}

	sess := &serverSession{
		ID:        uuid.New(),
		Scope:     *def,
		ClientID:  req.ClientID,
		Watermark: req.Watermark,
		Params:    req.Params,
		release:   release,
	}
	for _, expired := range s.sessions.create(sess) {
		s.close(ctx, expired)
	}
	metrics.SessionOpened()

	log.Ctx(ctx).Info().
		Str("session", sess.ID.String()).
		Str("scope", def.Name).
		Str("client", req.ClientID).
		Int64("lastPeer", req.Watermark.LastPeer).
		Time("expiresAt", sess.ExpiresAt).
		Msg("sync session created")

	return &BeginResponse{
		SessionID:    sess.ID.String(),
		ServerID:     s.ID(),
		Scope:        *def,
		PruneHorizon: horizon,
	}, nil
}

// lookup returns the session locked; callers unlock it
func (s *Server) lookup(sessionID string) (*serverSession, error) {
	notFound := &syncx.Error{Kind: syncx.KindSessionNotFound, Side: syncx.ServerSide, Replica: s.ID(), Err: ErrSessionNotFound}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, notFound
	}
	sess, ok := s.sessions.get(id)
	if !ok {
		return nil, notFound
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil, notFound
	}
	return sess, nil
}

// Owner returns the client a session belongs to
func (s *Server) Owner(sessionID string) (string, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return "", err
	}
	defer sess.mu.Unlock()
	return sess.ClientID, nil
}

// UploadPart stages one part of the client's upload
func (s *Server) UploadPart(ctx context.Context, sessionID string, part batch.PartInfo, data []byte) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	spec, ok := sess.Scope.Table(part.Table)
	if !ok || !spec.Direction.Uploads() {
		return syncx.SchemaError(syncx.ServerSide, part.Table, "", "table is not uploaded in this scope")
	}
	if part.IsError {
		return &syncx.Error{Kind: syncx.KindInternal, Side: syncx.ServerSide, Table: part.Table, Message: "error parts are not uploaded"}
	}
	if sess.uploaded != nil {
		return &syncx.Error{Kind: syncx.KindInternal, Side: syncx.ServerSide, Message: "upload already applied"}
	}
	if sess.upload == nil {
		info, err := s.opts.Batches.Create(serverInboundNS(sess.Scope.Name, sess.ClientID))
		if err != nil {
			return s.wrap(err)
		}
		sess.upload = info
	}
	if _, err := s.opts.Batches.PutRaw(sess.upload, part, data); err != nil {
		return s.wrap(err)
	}
	return nil
}

// ApplyUpload retries rows the client's earlier sessions left deferred,
// then applies the staged upload
func (s *Server) ApplyUpload(ctx context.Context, sessionID string) (*apply.Result, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()
	if sess.uploaded != nil {
		return sess.uploaded, nil
	}

	ctx = log.Ctx(ctx).With().Str("session", sess.ID.String()).Str("client", sess.ClientID).Logger().WithContext(ctx)

	tables, err := directionTables(sess.Scope, syncx.Direction.Uploads)
	if err != nil {
		return nil, s.wrap(err)
	}
	opts := apply.Options{
		Side:             syncx.ServerSide,
		Sender:           sess.ClientID,
		Since:            sess.Watermark.LastPeer,
		Tables:           tables,
		Conflicts:        s.opts.Conflicts,
		Errors:           s.opts.Errors,
		TxScope:          s.opts.TxScope,
		RelaxConstraints: s.opts.RelaxConstraints,
	}

	res, err := s.engine.RetryPersisted(ctx, serverInboundNS(sess.Scope.Name, sess.ClientID), sess.upload, opts)
	if err != nil {
		return nil, s.wrap(err)
	}
	if sess.upload != nil {
		applied, err := s.engine.Apply(ctx, sess.upload, opts)
		if err != nil {
			return nil, s.wrap(err)
		}
		res.Add(applied)
		if err := s.opts.Batches.Finish(sess.upload); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to clean upload batch")
		}
	}
	sess.uploaded = res
	return res, nil
}

// Download stages the server's changes the client has not seen yet. On
// reinitialization every row is staged, the client's own included.
func (s *Server) Download(ctx context.Context, sessionID string, req DownloadRequest) (*DownloadResponse, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	if sess.download != nil {
		if err := s.opts.Batches.Remove(sess.download); err != nil {
			return nil, s.wrap(err)
		}
		sess.download = nil
	}

	serverTs, err := s.opts.Store.LocalTimestamp(ctx)
	if err != nil {
		return nil, s.wrap(fmt.Errorf("local timestamp: %w", err))
	}
	info, err := s.opts.Batches.Create(serverOutboundNS(sess.Scope.Name, sess.ClientID))
	if err != nil {
		return nil, s.wrap(err)
	}
	tables, err := directionTables(sess.Scope, syncx.Direction.Downloads)
	if err != nil {
		return nil, s.wrap(err)
	}

	since, exclude := sess.Watermark.LastPeer, sess.ClientID
	if req.Reinitialize {
		since, exclude = 0, ""
	}
	w := s.opts.Batches.NewWriter(info, s.opts.Limits)
	if serverTs > 0 {
		for _, t := range tables {
			it, err := s.opts.Store.SelectChanges(ctx, store.SelectRequest{
				Table:         t,
				Since:         since,
				Until:         serverTs,
				ExcludeWriter: exclude,
				Params:        sess.Params,
			})
			if err != nil {
				s.opts.Batches.Remove(info)
				return nil, s.wrap(fmt.Errorf("select %s: %w", t.Name, err))
			}
			if _, err := w.AddAll(ctx, it); err != nil {
				s.opts.Batches.Remove(info)
				return nil, s.wrap(fmt.Errorf("stage %s: %w", t.Name, err))
			}
		}
	}
	if err := w.Flush(); err != nil {
		s.opts.Batches.Remove(info)
		return nil, s.wrap(err)
	}
	sess.download = info
	sess.serverTs = serverTs

	log.Ctx(ctx).Debug().
		Str("session", sess.ID.String()).
		Int64("serverTs", serverTs).
		Int("rows", w.Total()).
		Int("parts", len(info.Parts)).
		Bool("reinitialize", req.Reinitialize).
		Msg("download staged")

	return &DownloadResponse{
		BatchID:    info.ID,
		Parts:      append([]batch.PartInfo(nil), info.Parts...),
		Checkpoint: syncx.EncodeCheckpoint(syncx.Checkpoint{Ts: serverTs, Session: sess.ID}),
		ServerTs:   serverTs,
	}, nil
}

// FetchPart returns one encoded part of the staged download
func (s *Server) FetchPart(ctx context.Context, sessionID string, index int) (batch.PartInfo, []byte, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return batch.PartInfo{}, nil, err
	}
	defer sess.mu.Unlock()
	if sess.download == nil {
		return batch.PartInfo{}, nil, &syncx.Error{Kind: syncx.KindInternal, Side: syncx.ServerSide, Message: "no download staged"}
	}
	p, data, err := s.opts.Batches.ReadRaw(sess.download, index)
	if err != nil {
		return batch.PartInfo{}, nil, s.wrap(err)
	}
	return p, data, nil
}

// Commit records that the client applied the download and ends the session.
// The saved watermark never moves backwards, so a repeated commit of the
// same values is harmless.
func (s *Server) Commit(ctx context.Context, sessionID string, req CommitRequest) (*CommitResponse, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	cp, ok := syncx.DecodeCheckpoint(req.Checkpoint)
	if !ok || cp.Session != sess.ID || sess.download == nil || cp.Ts != sess.serverTs {
		return nil, &syncx.Error{Kind: syncx.KindInternal, Side: syncx.ServerSide, Message: "checkpoint does not match the session's download"}
	}

	wm, err := s.opts.Registry.GetWatermark(ctx, sess.Scope.Name, sess.ClientID)
	if err != nil {
		return nil, s.wrap(err)
	}
	wm = wm.Advance(cp.Ts, req.ClientTs, s.opts.Clock.Now().UTC())
	if err := s.opts.Registry.SaveWatermark(ctx, wm); err != nil {
		return nil, s.wrap(err)
	}

	s.sessions.remove(sess.ID)
	s.closeLocked(ctx, sess)

	log.Ctx(ctx).Info().
		Str("session", sess.ID.String()).
		Str("scope", sess.Scope.Name).
		Str("client", sess.ClientID).
		Int64("lastLocal", wm.LastLocal).
		Int64("lastPeer", wm.LastPeer).
		Msg("sync session committed")
	return &CommitResponse{Watermark: wm}, nil
}

// Abort ends a session without touching the watermark. Rows already applied
// from the upload stay; the client sends them again next time.
func (s *Server) Abort(ctx context.Context, sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil
	}
	sess, ok := s.sessions.remove(id)
	if !ok {
		return nil
	}
	s.close(ctx, sess)
	log.Ctx(ctx).Info().Str("session", sessionID).Str("client", sess.ClientID).Msg("sync session aborted")
	return nil
}

// Sweep ends expired sessions and returns how many it ended
func (s *Server) Sweep(ctx context.Context) int {
	expired := s.sessions.sweep()
	for _, sess := range expired {
		log.Ctx(ctx).Info().Str("session", sess.ID.String()).Str("client", sess.ClientID).Msg("sync session expired")
		s.close(ctx, sess)
	}
	return len(expired)
}

// Active returns the number of open sessions
func (s *Server) Active() int { return s.sessions.len() }

// Prune drops tracking metadata at or before horizon. Clients whose
// watermark is older must reinitialize.
func (s *Server) Prune(ctx context.Context, horizon int64) (int, error) {
	n, err := s.opts.Store.PruneTracking(ctx, horizon)
	if err != nil {
		return 0, fmt.Errorf("prune tracking: %w", err)
	}
	log.Ctx(ctx).Info().Int64("horizon", horizon).Int("pruned", n).Msg("tracking pruned")
	return n, nil
}

// PendingErrors returns the error rows kept for a client's uploads
func (s *Server) PendingErrors(scopeName, clientID string) ([]batch.Record, error) {
	return s.opts.Batches.LoadErrors(serverInboundNS(scopeName, clientID))
}

// Watermark returns the server's watermark for a client
func (s *Server) Watermark(ctx context.Context, scopeName, clientID string) (scope.Watermark, error) {
	return s.opts.Registry.GetWatermark(ctx, scopeName, clientID)
}

func (s *Server) close(ctx context.Context, sess *serverSession) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.closeLocked(ctx, sess)
}

// closeLocked drops the session's staging and frees its slot
func (s *Server) closeLocked(ctx context.Context, sess *serverSession) {
	if sess.closed {
		return
	}
	sess.closed = true
	if sess.upload != nil && sess.uploaded == nil {
		// never applied: nothing of it is kept
		if err := s.opts.Batches.Remove(sess.upload); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to remove upload batch")
		}
	}
	if sess.download != nil {
		if err := s.opts.Batches.Remove(sess.download); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to remove download batch")
		}
	}
	if sess.release != nil {
		sess.release()
	}
	metrics.SessionClosed()
}

// wrap turns a failure into the typed error the Remote contract promises
func (s *Server) wrap(err error) error {
	var se *syncx.Error
	if errors.As(err, &se) {
		if se.Side == "" {
			se.Side = syncx.ServerSide
		}
		return err
	}
	kind := syncx.KindInternal
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = syncx.KindCanceled
	}
	return &syncx.Error{Kind: kind, Side: syncx.ServerSide, Replica: s.ID(), Err: err}
}

var _ Remote = (*Server)(nil)
