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
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a client replica
type Options struct {
	Store    store.Store
	Registry scope.Registry
	Batches  *batch.Store
	Remote   Remote
	Limits   batch.Limits

	ConflictPolicy   conflict.Resolution
	ErrorPolicy      apply.ErrorResolution
	TxScope          apply.TxScope
	RelaxConstraints bool
	// OutdatedAction recovers an outdated replica when no hook decides;
	// zero makes an outdated replica fail the session
	OutdatedAction scope.OutdatedAction

	// IOTimeout bounds each remote call and each table selection
	IOTimeout time.Duration
	Clock     clockwork.Clock
}

// Coordinator runs sync sessions for one client replica
type Coordinator struct {
	opts   Options
	engine *apply.Engine
}

// NewCoordinator creates a coordinator
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Coordinator{opts: opts, engine: apply.New(opts.Store, opts.Batches)}
}

// clientSession is the state of one Synchronize call
type clientSession struct {
	c        *Coordinator
	hooks    Hooks
	m        machine
	log      zerolog.Logger
	syncType SyncType
	params   map[string]any

	want      *syncx.ScopeDefinition
	def       *syncx.ScopeDefinition
	wm        scope.Watermark
	begin     *BeginResponse
	startTs   int64
	staged    *DownloadResponse
	committed bool
	res       *Result
}

// Synchronize runs one session for the scope. def may name a scope without
// tables to use the definition this replica already provisioned. On error
// neither watermark moves.
func (c *Coordinator) Synchronize(ctx context.Context, def *syncx.ScopeDefinition, syncType SyncType, params map[string]any, hooks Hooks) (res *Result, err error) {
	cs := &clientSession{
		c:        c,
		hooks:    hooks,
		syncType: syncType,
		params:   params,
		want:     def,
		res:      &Result{StartedAt: c.opts.Clock.Now().UTC()},
	}
	cs.m.onEnter = hooks.OnState
	cs.res.ClientID = c.opts.Store.ID()
	cs.res.SyncType = syncType
	cs.log = log.Ctx(ctx).With().Str("replica", c.opts.Store.ID()).Logger()
	if def != nil {
		cs.res.Scope = def.Name
		cs.log = cs.log.With().Str("scope", def.Name).Logger()
	}
	ctx = cs.log.WithContext(ctx)

	defer func() {
		cs.res.FinishedAt = c.opts.Clock.Now().UTC()
		outcome := "ok"
		if err != nil {
			outcome = string(syncx.KindOf(err))
			if outcome == "" {
				outcome = string(syncx.KindInternal)
			}
			cs.log.Error().Err(err).Stringer("state", cs.m.state).Msg("sync session failed")
			cs.abort(ctx)
		}
		metrics.SessionFinished(string(syncx.ClientSide), outcome, cs.res.FinishedAt.Sub(cs.res.StartedAt))
		cs.m.reset()
		if hooks.OnSessionEnd != nil {
			hooks.OnSessionEnd(ctx, cs.res, err)
		}
	}()

	steps := []func(context.Context) error{
		cs.ensureSchema,
		cs.ensureScope,
		cs.checkOutdated,
		cs.upload,
		cs.download,
		cs.commit,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, cs.local(err)
		}
		if err := step(ctx); err != nil {
			return nil, err
		}
	}

	cs.log.Info().
		Str("session", cs.res.SessionID).
		Stringer("syncType", cs.syncType).
		Int("uploaded", cs.res.ChangesUploaded).
		Int("downloaded", cs.res.ChangesDownloaded).
		Int("conflicts", cs.res.ConflictsResolved).
		Int("failed", cs.res.FailedOnClient+cs.res.FailedOnServer).
		Msg("sync session finished")
	return cs.res, nil
}

// ensureSchema resolves the definition and checks it against the local store
func (cs *clientSession) ensureSchema(ctx context.Context) error {
	o := cs.c.opts
	if cs.want == nil {
		return &syncx.Error{Kind: syncx.KindScopeMismatch, Side: syncx.ClientSide, Message: "no scope definition given"}
	}

	def := cs.want
	if len(def.Tables) == 0 {
		stored, err := o.Registry.GetScope(ctx, def.Name)
		if errors.Is(err, scope.ErrScopeNotFound) {
			return &syncx.Error{Kind: syncx.KindScopeMismatch, Side: syncx.ClientSide, Replica: o.Store.ID(), Message: fmt.Sprintf("scope %q is not provisioned", def.Name), Err: err}
		}
		if err != nil {
			return cs.local(fmt.Errorf("load scope: %w", err))
		}
		def = stored
	} else if err := def.Validate(); err != nil {
		var se *syncx.Error
		if errors.As(err, &se) {
			se.Side = syncx.ClientSide
			return se
		}
		return &syncx.Error{Kind: syncx.KindSchema, Side: syncx.ClientSide, Err: err}
	}

	if err := checkSchema(ctx, o.Store, def, syncx.ClientSide); err != nil {
		return err
	}
	cs.def = def
	if cs.hooks.OnSchemaReady != nil {
		if err := cs.hooks.OnSchemaReady(ctx, def); err != nil {
			return cs.local(fmt.Errorf("schema hook: %w", err))
		}
	}
	return cs.m.to(SchemaEnsured)
}

// ensureScope provisions the scope on both sides and opens the server session
func (cs *clientSession) ensureScope(ctx context.Context) error {
	o := cs.c.opts
	def, err := scope.Ensure(ctx, o.Registry, cs.def, syncx.ClientSide)
	if err != nil {
		return cs.local(err)
	}
	cs.def = def

	wm, err := o.Registry.GetWatermark(ctx, def.Name, o.Store.ID())
	if err != nil {
		return cs.local(fmt.Errorf("get watermark: %w", err))
	}
	cs.wm = wm

	err = cs.call(ctx, "begin session", func(ctx context.Context) error {
		resp, err := o.Remote.BeginSession(ctx, BeginRequest{
			Scope:     *def,
			ClientID:  o.Store.ID(),
			Watermark: wm,
			Params:    cs.params,
		})
		cs.begin = resp
		return err
	})
	if err != nil {
		return err
	}
	if !cs.begin.Scope.Equal(*def) {
		return &syncx.Error{Kind: syncx.KindScopeMismatch, Side: syncx.ServerSide, Replica: cs.begin.ServerID, Message: fmt.Sprintf("server holds a different definition of scope %q", def.Name)}
	}

	cs.res.SessionID = cs.begin.SessionID
	cs.res.ServerID = cs.begin.ServerID
	cs.log = cs.log.With().Str("session", cs.begin.SessionID).Logger()
	if cs.hooks.OnSessionBegin != nil {
		if err := cs.hooks.OnSessionBegin(ctx, cs.res.Info); err != nil {
			return cs.local(fmt.Errorf("session begin hook: %w", err))
		}
	}
	return cs.m.to(ScopeEnsured)
}

// checkOutdated compares the watermark with the server's prune horizon and
// picks the recovery for an outdated replica
func (cs *clientSession) checkOutdated(ctx context.Context) error {
	if err := cs.m.to(OutdatedCheck); err != nil {
		return err
	}
	horizon := cs.begin.PruneHorizon
	if cs.syncType != Normal || !scope.IsOutdated(cs.wm, horizon) {
		return cs.m.to(NotOutdated)
	}
	if err := cs.m.to(Outdated); err != nil {
		return err
	}

	action := cs.c.opts.OutdatedAction
	if cs.hooks.OnOutdated != nil {
		a, err := cs.hooks.OnOutdated(ctx, cs.wm, horizon)
		if err != nil {
			return cs.local(fmt.Errorf("outdated hook: %w", err))
		}
		if a != 0 {
			action = a
		}
	}
	if action == 0 {
		return scope.OutdatedError(syncx.ClientSide, cs.wm, horizon)
	}
	cs.syncType = syncTypeFor(action)
	cs.res.SyncType = cs.syncType
	cs.log.Warn().Int64("lastPeer", cs.wm.LastPeer).Int64("horizon", horizon).Stringer("action", action).Msg("replica outdated")
	return nil
}

// upload stages the local changes made since the last session, sends them
// and has the server apply them. Reinitialize skips it.
func (cs *clientSession) upload(ctx context.Context) error {
	o := cs.c.opts
	ts, err := o.Store.LocalTimestamp(ctx)
	if err != nil {
		return cs.local(fmt.Errorf("local timestamp: %w", err))
	}
	cs.startTs = ts
	if cs.syncType == Reinitialize {
		return nil
	}
	if err := cs.m.to(Uploading); err != nil {
		return err
	}

	tables, err := directionTables(*cs.def, syncx.Direction.Uploads)
	if err != nil {
		return cs.local(err)
	}
	info, err := o.Batches.Create(clientUploadNS(cs.def.Name))
	if err != nil {
		return cs.local(err)
	}
	defer func() {
		if err := o.Batches.Remove(info); err != nil {
			cs.log.Warn().Err(err).Msg("failed to remove upload batch")
		}
	}()

	w := o.Batches.NewWriter(info, o.Limits)
	if cs.startTs > 0 {
		for _, t := range tables {
			if err := cs.stage(ctx, w, t); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return cs.local(err)
	}
	cs.res.ChangesUploaded = w.Total()

	for _, p := range info.DataParts("") {
		p, data, err := o.Batches.ReadRaw(info, p.Index)
		if err != nil {
			return cs.local(err)
		}
		if err := cs.call(ctx, "upload part", func(ctx context.Context) error {
			return o.Remote.UploadPart(ctx, cs.begin.SessionID, p, data)
		}); err != nil {
			return err
		}
	}

	var applied *apply.Result
	if err := cs.call(ctx, "apply upload", func(ctx context.Context) error {
		var err error
		applied, err = o.Remote.ApplyUpload(ctx, cs.begin.SessionID)
		return err
	}); err != nil {
		return err
	}
	if applied != nil {
		cs.res.setServer(applied)
	}
	return nil
}

func (cs *clientSession) stage(ctx context.Context, w *batch.Writer, t syncx.TableSpec) error {
	ctx, cancel := cs.ioContext(ctx)
	defer cancel()
	it, err := cs.c.opts.Store.SelectChanges(ctx, store.SelectRequest{
		Table:     t,
		Since:     cs.wm.LastLocal,
		Until:     cs.startTs,
		OnlyLocal: true,
		Params:    cs.params,
	})
	if err != nil {
		return cs.local(fmt.Errorf("select %s: %w", t.Name, err))
	}
	if _, err := w.AddAll(ctx, it); err != nil {
		return cs.local(fmt.Errorf("stage %s: %w", t.Name, err))
	}
	return nil
}

// download fetches the server's staged changes and applies them, after
// retrying rows earlier sessions deferred
func (cs *clientSession) download(ctx context.Context) error {
	o := cs.c.opts
	if err := cs.m.to(Downloading); err != nil {
		return err
	}
	reinit := cs.syncType != Normal

	var resp *DownloadResponse
	if err := cs.call(ctx, "download", func(ctx context.Context) error {
		var err error
		resp, err = o.Remote.Download(ctx, cs.begin.SessionID, DownloadRequest{Reinitialize: reinit})
		return err
	}); err != nil {
		return err
	}

	info, err := o.Batches.Adopt(clientDownloadNS(cs.def.Name), resp.BatchID)
	if err != nil {
		return cs.local(err)
	}
	applied := false
	defer func() {
		if applied {
			return
		}
		if err := o.Batches.Remove(info); err != nil {
			cs.log.Warn().Err(err).Msg("failed to remove download batch")
		}
	}()

	want := 0
	for _, p := range resp.Parts {
		if p.IsError {
			continue
		}
		want += p.Rows
		var (
			part batch.PartInfo
			data []byte
		)
		if err := cs.call(ctx, "fetch part", func(ctx context.Context) error {
			var err error
			part, data, err = o.Remote.FetchPart(ctx, cs.begin.SessionID, p.Index)
			return err
		}); err != nil {
			return err
		}
		if _, err := o.Batches.PutRaw(info, part, data); err != nil {
			return cs.local(err)
		}
	}
	if got := info.Rows(); got != want {
		return &syncx.Error{Kind: syncx.KindConnectivity, Side: syncx.ServerSide, Replica: cs.begin.ServerID, Message: fmt.Sprintf("download holds %d rows, server staged %d", got, want)}
	}
	cs.res.ChangesDownloaded = want

	if reinit {
		if err := o.Store.ResetTracking(ctx, tableNames(cs.def.Tables)); err != nil {
			return cs.local(fmt.Errorf("reset tracking: %w", err))
		}
	}

	tables, err := directionTables(*cs.def, syncx.Direction.Downloads)
	if err != nil {
		return cs.local(err)
	}
	opts := apply.Options{
		Side:             syncx.ClientSide,
		Sender:           cs.begin.ServerID,
		Since:            cs.startTs,
		Force:            reinit,
		Tables:           tables,
		Conflicts:        conflict.Resolver{Default: o.ConflictPolicy, Hook: cs.hooks.OnConflict},
		Errors:           apply.Classifier{Default: o.ErrorPolicy, Hook: cs.hooks.OnError},
		TxScope:          o.TxScope,
		RelaxConstraints: o.RelaxConstraints,
	}
	res, err := cs.c.engine.RetryPersisted(ctx, info.Namespace, info, opts)
	if err != nil {
		return cs.local(err)
	}
	got, err := cs.c.engine.Apply(ctx, info, opts)
	if err != nil {
		return cs.local(err)
	}
	res.Add(got)
	cs.res.setClient(res)

	applied = true
	if err := o.Batches.Finish(info); err != nil {
		cs.log.Warn().Err(err).Msg("failed to clean download batch")
	}
	cs.staged = resp
	return nil
}

// commit saves the server's watermark first, then the local one
func (cs *clientSession) commit(ctx context.Context) error {
	o := cs.c.opts
	if err := cs.m.to(Committing); err != nil {
		return err
	}
	if err := cs.call(ctx, "commit", func(ctx context.Context) error {
		_, err := o.Remote.Commit(ctx, cs.begin.SessionID, CommitRequest{Checkpoint: cs.staged.Checkpoint, ClientTs: cs.startTs})
		return err
	}); err != nil {
		return err
	}
	cs.committed = true

	wm := cs.wm.Advance(cs.startTs, cs.staged.ServerTs, o.Clock.Now().UTC())
	if err := o.Registry.SaveWatermark(ctx, wm); err != nil {
		return cs.local(fmt.Errorf("save watermark: %w", err))
	}
	cs.res.Watermark = wm
	return cs.m.to(Idle)
}

// abort ends the server session after a failure
func (cs *clientSession) abort(ctx context.Context) {
	if cs.begin == nil || cs.committed {
		return
	}
	ctx, cancel := cs.ioContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := cs.c.opts.Remote.Abort(ctx, cs.begin.SessionID); err != nil {
		cs.log.Warn().Err(err).Msg("failed to abort server session")
	}
}

func (cs *clientSession) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if cs.c.opts.IOTimeout > 0 {
		return context.WithTimeout(ctx, cs.c.opts.IOTimeout)
	}
	return context.WithCancel(ctx)
}

// call runs one remote call under the I/O timeout. Failures that are not
// typed by the server are connectivity errors.
func (cs *clientSession) call(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := cs.ioContext(ctx)
	defer cancel()
	err := fn(callCtx)
	if err == nil {
		return nil
	}
	var se *syncx.Error
	if errors.As(err, &se) {
		return err
	}
	if ctx.Err() != nil {
		return &syncx.Error{Kind: syncx.KindCanceled, Side: syncx.ClientSide, Err: ctx.Err()}
	}
	return &syncx.Error{Kind: syncx.KindConnectivity, Side: syncx.ServerSide, Message: op + ": " + err.Error(), Err: err}
}

// local types a failure of the client's own store or staging area
func (cs *clientSession) local(err error) error {
	var se *syncx.Error
	if errors.As(err, &se) {
		return err
	}
	kind := syncx.KindInternal
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = syncx.KindCanceled
	}
	return &syncx.Error{Kind: kind, Side: syncx.ClientSide, Replica: cs.c.opts.Store.ID(), Err: err}
}

// PendingErrors returns the rows earlier downloads could not apply, oldest
// first, without touching the store
func (c *Coordinator) PendingErrors(scopeName string) ([]batch.Record, error) {
	return c.opts.Batches.LoadErrors(clientDownloadNS(scopeName))
}

// ClearErrors drops the failed rows kept for a scope; deferred rows stay
func (c *Coordinator) ClearErrors(scopeName string) (int, error) {
	return c.opts.Batches.Clear(clientDownloadNS(scopeName))
}

// Watermark returns this replica's watermark for a scope
func (c *Coordinator) Watermark(ctx context.Context, scopeName string) (scope.Watermark, error) {
	return c.opts.Registry.GetWatermark(ctx, scopeName, c.opts.Store.ID())
}
