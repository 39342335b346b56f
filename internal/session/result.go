package session

import (
	"context"
	"fmt"
	"time"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/conflict"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/syncx"
)

// SyncType selects how a session treats local tracking
type SyncType int

const (
	// Normal exchanges the changes made since the last session
	Normal SyncType = iota
	// Reinitialize drops pending local changes and downloads everything
	Reinitialize
	// ReinitializeWithUpload uploads pending local changes, then downloads
	// everything
	ReinitializeWithUpload
)

func (t SyncType) String() string {
	switch t {
	case Normal:
		return "normal"
	case Reinitialize:
		return "reinitialize"
	case ReinitializeWithUpload:
		return "reinitialize_with_upload"
	default:
		return fmt.Sprintf("SyncType(%d)", int(t))
	}
}

// MarshalText encodes the type by name
func (t SyncType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name
func (t *SyncType) UnmarshalText(b []byte) error {
	v, err := ParseSyncType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseSyncType maps a name to a sync type; empty is Normal
func ParseSyncType(s string) (SyncType, error) {
	switch s {
	case "", "normal":
		return Normal, nil
	case "reinitialize", "reinit":
		return Reinitialize, nil
	case "reinitialize_with_upload", "reinit-upload":
		return ReinitializeWithUpload, nil
	}
	return Normal, fmt.Errorf("unknown sync type %q", s)
}

func syncTypeFor(a scope.OutdatedAction) SyncType {
	if a == scope.ReinitializeWithUpload {
		return ReinitializeWithUpload
	}
	return Reinitialize
}

// Info identifies a session to hooks
type Info struct {
	SessionID string   `json:"sessionId"`
	Scope     string   `json:"scope"`
	ClientID  string   `json:"clientId"`
	ServerID  string   `json:"serverId"`
	SyncType  SyncType `json:"syncType"`
}

// Hooks are the interception points of one session. All are optional.
// OnConflict and OnError see the client's conflicts and failures only; the
// server applies its own configured policies.
type Hooks struct {
	OnConflict conflict.Hook
	OnError    apply.ErrorHook
	// OnOutdated picks the recovery for an outdated replica. Returning zero
	// defers to the configured action.
	OnOutdated     func(ctx context.Context, wm scope.Watermark, horizon int64) (scope.OutdatedAction, error)
	OnSchemaReady  func(ctx context.Context, def *syncx.ScopeDefinition) error
	OnSessionBegin func(ctx context.Context, info Info) error
	OnSessionEnd   func(ctx context.Context, res *Result, err error)
	// OnState observes every state the session enters
	OnState func(State)
}

// Result is the outcome of one session.
//
// A row both sides changed is resolved once, on the server, while the
// upload applies. ConflictsOnServer counts it; the winning row then reaches
// the client as a plain change, so ConflictsOnClient stays zero in that
// case. ConflictsOnClient only counts rows changed on the client while the
// session ran, after its upload was selected.
type Result struct {
	Info

	ChangesUploaded   int `json:"changesUploaded"`
	ChangesDownloaded int `json:"changesDownloaded"`
	AppliedOnServer   int `json:"appliedOnServer"`
	AppliedOnClient   int `json:"appliedOnClient"`
	FailedOnServer    int `json:"failedOnServer"`
	FailedOnClient    int `json:"failedOnClient"`
	DeferredOnServer  int `json:"deferredOnServer"`
	DeferredOnClient  int `json:"deferredOnClient"`
	ConflictsOnServer int `json:"conflictsOnServer"`
	ConflictsOnClient int `json:"conflictsOnClient"`
	ConflictsResolved int `json:"conflictsResolved"`
	RetriedOnServer   int `json:"retriedOnServer"`
	RetriedOnClient   int `json:"retriedOnClient"`

	// Server and Client hold the per-table counters of each side
	Server *apply.Result `json:"server,omitempty"`
	Client *apply.Result `json:"client,omitempty"`

	Watermark  scope.Watermark `json:"watermark"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Total returns the number of rows the session moved in either direction
func (r *Result) Total() int {
	return r.ChangesUploaded + r.ChangesDownloaded
}

func (r *Result) setServer(a *apply.Result) {
	r.Server = a
	r.AppliedOnServer = a.Applied
	r.FailedOnServer = a.Failed
	r.DeferredOnServer = a.Deferred
	r.ConflictsOnServer = a.ConflictsResolved
	r.RetriedOnServer = a.Retried
	r.ConflictsResolved = r.ConflictsOnServer + r.ConflictsOnClient
}

func (r *Result) setClient(a *apply.Result) {
	r.Client = a
	r.AppliedOnClient = a.Applied
	r.FailedOnClient = a.Failed
	r.DeferredOnClient = a.Deferred
	r.ConflictsOnClient = a.ConflictsResolved
	r.RetriedOnClient = a.Retried
	r.ConflictsResolved = r.ConflictsOnServer + r.ConflictsOnClient
}
