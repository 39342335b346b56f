package syncx

import (
	"encoding/json"
	"fmt"
)

// RowState is the change kind a tracked row carries
type RowState int

const (
	Created RowState = iota + 1
	Modified
	Deleted
)

func (s RowState) String() string {
	switch s {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("RowState(%d)", int(s))
	}
}

// MarshalText encodes the state by name so staged batches stay readable
func (s RowState) MarshalText() ([]byte, error) {
	switch s {
	case Created, Modified, Deleted:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("invalid row state %d", int(s))
}

// UnmarshalText parses a state name
func (s *RowState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "created":
		*s = Created
	case "modified":
		*s = Modified
	case "deleted":
		*s = Deleted
	default:
		return fmt.Errorf("invalid row state %q", string(b))
	}
	return nil
}

// Row is one tracked change.
//
// OwnerTimestamp is the logical clock value of the store the row was read
// from. LastWriterID names the replica whose change produced the value; an
// empty LastWriterID means the value was written locally.
type Row struct {
	Table          string         `json:"table"`
	Key            string         `json:"key"`
	Values         map[string]any `json:"values,omitempty"`
	State          RowState       `json:"state"`
	OwnerTimestamp int64          `json:"ts"`
	LastWriterID   string         `json:"writer,omitempty"`
}

// IsDeleted reports whether the row is a tombstone
func (r Row) IsDeleted() bool {
	return r.State == Deleted
}

// Clone returns a copy whose Values map can be modified independently
func (r Row) Clone() Row {
	out := r
	if r.Values != nil {
		out.Values = make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			out.Values[k] = v
		}
	}
	return out
}

// Ref identifies a row independently of its contents
type Ref struct {
	Table string
	Key   string
}

// Ref returns the identity of the row
func (r Row) Ref() Ref {
	return Ref{Table: r.Table, Key: r.Key}
}

func (r Ref) String() string {
	return r.Table + "/" + r.Key
}

// EncodedSize approximates the staged size of the row in bytes
func (r Row) EncodedSize() int {
	b, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return len(b)
}

// Outcome is what happened to one row during an apply
type Outcome int

const (
	Applied Outcome = iota + 1
	Conflicted
	Failed
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Conflicted:
		return "conflict"
	case Failed:
		return "failed"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name
func (o Outcome) MarshalText() ([]byte, error) {
	switch o {
	case Applied, Conflicted, Failed, Deferred:
		return []byte(o.String()), nil
	}
	return nil, fmt.Errorf("invalid outcome %d", int(o))
}

// UnmarshalText parses an outcome name
func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "applied":
		*o = Applied
	case "conflict":
		*o = Conflicted
	case "failed":
		*o = Failed
	case "deferred":
		*o = Deferred
	default:
		return fmt.Errorf("invalid outcome %q", string(b))
	}
	return nil
}

// Terminal reports whether a row with this outcome needs no further attempts
func (o Outcome) Terminal() bool {
	return o != Deferred
}

// Side names which end of a session a store or error belongs to
type Side string

const (
	ServerSide Side = "server"
	ClientSide Side = "client"
)

// Opposite returns the peer side
func (s Side) Opposite() Side {
	if s == ServerSide {
		return ClientSide
	}
	return ServerSide
}
