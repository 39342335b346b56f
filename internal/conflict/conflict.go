// Package conflict classifies rows changed on both sides and decides which
// value survives.
//
// Roles are relative to the side applying a batch: Local is the row already
// in the applying store, Remote is the incoming row. A Conflict is built
// fresh for every write and never shared between sides.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/rowsync/internal/metrics"
	"github.com/erauner12/rowsync/internal/store"
	"github.com/erauner12/rowsync/internal/syncx"
)

// Kind is the local/remote combination of a conflict
type Kind int

const (
	RemoteExistsLocalExists Kind = iota + 1
	RemoteIsDeletedLocalExists
	RemoteExistsLocalIsDeleted
	RemoteIsDeletedLocalIsDeleted
	RemoteIsDeletedLocalNotExists
)

func (k Kind) String() string {
	switch k {
	case RemoteExistsLocalExists:
		return "remote_exists_local_exists"
	case RemoteIsDeletedLocalExists:
		return "remote_deleted_local_exists"
	case RemoteExistsLocalIsDeleted:
		return "remote_exists_local_deleted"
	case RemoteIsDeletedLocalIsDeleted:
		return "remote_deleted_local_deleted"
	case RemoteIsDeletedLocalNotExists:
		return "remote_deleted_local_not_exists"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Classify names the conflict from the applying side's point of view.
// A nil local means the row was never tracked.
func Classify(local *syncx.Row, remote syncx.Row) Kind {
	switch {
	case local == nil:
		return RemoteIsDeletedLocalNotExists
	case local.IsDeleted() && remote.IsDeleted():
		return RemoteIsDeletedLocalIsDeleted
	case local.IsDeleted():
		return RemoteExistsLocalIsDeleted
	case remote.IsDeleted():
		return RemoteIsDeletedLocalExists
	default:
		return RemoteExistsLocalExists
	}
}

// Resolution picks the surviving value
type Resolution string

const (
	ServerWins Resolution = "server_wins"
	ClientWins Resolution = "client_wins"
	MergeRow   Resolution = "merge"
)

// ErrUnknownPolicy indicates a default resolution that is not ServerWins or ClientWins
var ErrUnknownPolicy = errors.New("conflict policy must be server_wins or client_wins")

// ParsePolicy validates a configured default resolution
func ParsePolicy(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ServerWins, ClientWins:
		return r, nil
	case "":
		return ServerWins, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Opposite flips ServerWins and ClientWins
func (r Resolution) Opposite() Resolution {
	switch r {
	case ServerWins:
		return ClientWins
	case ClientWins:
		return ServerWins
	}
	return r
}

// Winner returns the side whose row survives, or "" for merges
func (r Resolution) Winner() syncx.Side {
	switch r {
	case ServerWins:
		return syncx.ServerSide
	case ClientWins:
		return syncx.ClientSide
	}
	return ""
}

// Conflict is one row changed on both sides. A hook may change Resolution
// and, for MergeRow, must set Final.
type Conflict struct {
	Local      *syncx.Row
	Remote     syncx.Row
	Kind       Kind
	Side       syncx.Side
	Resolution Resolution
	Final      *syncx.Row
}

// Hook runs before the default resolution is applied
type Hook func(ctx context.Context, c *Conflict) error

// Action is what the applying side does with the incoming row
type Action int

const (
	// ApplyRemote overwrites the local row with the remote one
	ApplyRemote Action = iota + 1
	// KeepLocal suppresses the remote write
	KeepLocal
	// ApplyMerged writes the merged row as a fresh local change
	ApplyMerged
)

func (a Action) String() string {
	switch a {
	case ApplyRemote:
		return "apply_remote"
	case KeepLocal:
		return "keep_local"
	case ApplyMerged:
		return "apply_merged"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decision tells the apply engine how to finish a conflicting write
type Decision struct {
	Action Action
	// Row is the row to write for ApplyRemote and ApplyMerged
	Row syncx.Row
	// Writer is recorded as the row's last writer; empty for merges
	Writer string
}

// Resolver applies a default policy, optionally preceded by a hook
type Resolver struct {
	Default Resolution
	Hook    Hook
}

// Resolve decides the outcome of a conflict reported by a store write on
// the given side. sender is the replica the remote row came from.
func (r Resolver) Resolve(ctx context.Context, side syncx.Side, sender string, ce *store.ConflictError) (*Conflict, Decision, error) {
	c := &Conflict{
		Local:      ce.Local,
		Remote:     ce.Remote,
		Kind:       Classify(ce.Local, ce.Remote),
		Side:       side,
		Resolution: r.Default,
	}
	if c.Resolution == "" {
		c.Resolution = ServerWins
	}
	if r.Hook != nil {
		if err := r.Hook(ctx, c); err != nil {
			return c, Decision{}, fmt.Errorf("conflict hook on %s: %w", ce.Remote.Ref(), err)
		}
	}

	var d Decision
	switch c.Resolution {
	case ServerWins, ClientWins:
		if c.Resolution.Winner() == side {
			d = Decision{Action: KeepLocal}
		} else {
			d = Decision{Action: ApplyRemote, Row: c.Remote, Writer: sender}
		}
	case MergeRow:
		final, err := mergedRow(c)
		if err != nil {
			return c, Decision{}, err
		}
		d = Decision{Action: ApplyMerged, Row: final}
	default:
		return c, Decision{}, &syncx.Error{
			Kind:    syncx.KindInvalidMerge,
			Side:    side,
			Table:   ce.Remote.Table,
			Message: fmt.Sprintf("unknown resolution %q for %s", c.Resolution, ce.Remote.Ref()),
		}
	}
	metrics.ConflictResolved(c.Kind.String(), string(c.Resolution))
	return c, d, nil
}

func mergedRow(c *Conflict) (syncx.Row, error) {
	invalid := func(msg string) error {
		return &syncx.Error{Kind: syncx.KindInvalidMerge, Side: c.Side, Table: c.Remote.Table, Message: msg}
	}
	if c.Kind == RemoteIsDeletedLocalNotExists {
		return syncx.Row{}, invalid(fmt.Sprintf("cannot merge %s: no local row", c.Remote.Ref()))
	}
	if c.Final == nil {
		return syncx.Row{}, invalid(fmt.Sprintf("merge of %s has no final row", c.Remote.Ref()))
	}
	final := c.Final.Clone()
	final.Table = c.Remote.Table
	final.Key = c.Remote.Key
	if final.State == 0 {
		final.State = syncx.Modified
	}
	final.LastWriterID = ""
	return final, nil
}
