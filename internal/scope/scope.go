// Package scope keeps scope definitions and per-replica watermarks, and
// decides when a replica is too far behind to sync incrementally.
package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/rowsync/internal/syncx"
)

var (
	// ErrScopeNotFound indicates no definition is stored under the name
	ErrScopeNotFound = errors.New("scope not found")

	// ErrScopeExists indicates a different definition is already stored
	ErrScopeExists = errors.New("scope already provisioned with a different definition")
)

// Watermark records how much of each side's history a replica has
// incorporated for one scope.
//
// LastLocal is the replica's own clock value up to which its changes were
// sent; LastPeer is the peer's clock value up to which the replica received
// changes. Neither ever decreases.
type Watermark struct {
	Scope     string    `json:"scope"`
	Replica   string    `json:"replica"`
	LastLocal int64     `json:"lastLocal"`
	LastPeer  int64     `json:"lastPeer"`
	LastSync  time.Time `json:"lastSync"`
	IsNew     bool      `json:"isNew"`
}

// Advance returns the watermark moved forward to local and peer; values
// older than the current ones are ignored
func (w Watermark) Advance(local, peer int64, at time.Time) Watermark {
	w.LastLocal = max(w.LastLocal, local)
	w.LastPeer = max(w.LastPeer, peer)
	if at.After(w.LastSync) {
		w.LastSync = at
	}
	w.IsNew = false
	return w
}

// Registry stores scope definitions and watermarks
type Registry interface {
	// GetWatermark returns the replica's watermark, or a zero one with
	// IsNew set when the replica never synced the scope
	GetWatermark(ctx context.Context, scope, replica string) (Watermark, error)
	// SaveWatermark stores wm, never moving either timestamp backwards
	SaveWatermark(ctx context.Context, wm Watermark) error
	// GetScope returns ErrScopeNotFound for unknown names
	GetScope(ctx context.Context, name string) (*syncx.ScopeDefinition, error)
	// SaveScope returns ErrScopeExists when a different definition is stored
	// and overwrite is false
	SaveScope(ctx context.Context, def syncx.ScopeDefinition, overwrite bool) error
}

// Ensure provisions def, or loads the stored definition when def names a
// scope without tables. A stored definition that differs from def is a
// scope mismatch.
func Ensure(ctx context.Context, reg Registry, def *syncx.ScopeDefinition, side syncx.Side) (*syncx.ScopeDefinition, error) {
	if def == nil {
		return nil, &syncx.Error{Kind: syncx.KindScopeMismatch, Side: side, Message: "no scope definition given"}
	}
	if len(def.Tables) == 0 {
		stored, err := reg.GetScope(ctx, def.Name)
		if errors.Is(err, ErrScopeNotFound) {
			return nil, &syncx.Error{Kind: syncx.KindScopeMismatch, Side: side, Message: fmt.Sprintf("scope %q is not provisioned", def.Name), Err: err}
		}
		if err != nil {
			return nil, fmt.Errorf("load scope %s: %w", def.Name, err)
		}
		return stored, nil
	}
	if err := def.Validate(); err != nil {
		var se *syncx.Error
		if errors.As(err, &se) {
			se.Side = side
			return nil, se
		}
		return nil, &syncx.Error{Kind: syncx.KindSchema, Side: side, Err: err}
	}
	stored, err := reg.GetScope(ctx, def.Name)
	switch {
	case errors.Is(err, ErrScopeNotFound):
		if err := reg.SaveScope(ctx, *def, false); err != nil {
			return nil, mismatch(side, def.Name, err)
		}
		return def, nil
	case err != nil:
		return nil, fmt.Errorf("load scope %s: %w", def.Name, err)
	}
	if !stored.Equal(*def) {
		return nil, mismatch(side, def.Name, ErrScopeExists)
	}
	return stored, nil
}

func mismatch(side syncx.Side, name string, err error) error {
	if !errors.Is(err, ErrScopeExists) {
		return fmt.Errorf("save scope %s: %w", name, err)
	}
	return &syncx.Error{Kind: syncx.KindScopeMismatch, Side: side, Message: fmt.Sprintf("scope %q: %v", name, err), Err: err}
}

// IsOutdated reports whether the peer may already have pruned tracking data
// the replica still needs
func IsOutdated(wm Watermark, peerPruneHorizon int64) bool {
	return !wm.IsNew && wm.LastPeer < peerPruneHorizon
}

// OutdatedAction is the recovery chosen for an outdated replica
type OutdatedAction int

const (
	// Reinitialize drops local tracking and downloads everything
	Reinitialize OutdatedAction = iota + 1
	// ReinitializeWithUpload uploads pending local changes first
	ReinitializeWithUpload
)

func (a OutdatedAction) String() string {
	switch a {
	case Reinitialize:
		return "reinitialize"
	case ReinitializeWithUpload:
		return "reinitialize_with_upload"
	default:
		return fmt.Sprintf("OutdatedAction(%d)", int(a))
	}
}

// ParseOutdatedAction maps a configured name; empty means no policy
func ParseOutdatedAction(s string) (OutdatedAction, error) {
	switch s {
	case "":
		return 0, nil
	case "reinitialize":
		return Reinitialize, nil
	case "reinitialize_with_upload":
		return ReinitializeWithUpload, nil
	}
	return 0, fmt.Errorf("unknown outdated action %q", s)
}

// OutdatedError is returned when a replica is outdated and no policy chose
// a recovery
func OutdatedError(side syncx.Side, wm Watermark, horizon int64) error {
	return &syncx.Error{
		Kind:    syncx.KindOutdated,
		Side:    side,
		Replica: wm.Replica,
		Message: fmt.Sprintf("scope %q last synced at %d, peer pruned up to %d", wm.Scope, wm.LastPeer, horizon),
	}
}
