package session

import (
	"fmt"
	"slices"

	"github.com/erauner12/rowsync/internal/syncx"
)

// State is a step of a client session
type State int

const (
	Idle State = iota
	SchemaEnsured
	ScopeEnsured
	OutdatedCheck
	Outdated
	NotOutdated
	Uploading
	Downloading
	Committing
)

var stateNames = [...]string{
	Idle:          "idle",
	SchemaEnsured: "schema_ensured",
	ScopeEnsured:  "scope_ensured",
	OutdatedCheck: "outdated_check",
	Outdated:      "outdated",
	NotOutdated:   "not_outdated",
	Uploading:     "uploading",
	Downloading:   "downloading",
	Committing:    "committing",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	Idle:          {SchemaEnsured},
	SchemaEnsured: {ScopeEnsured},
	ScopeEnsured:  {OutdatedCheck},
	OutdatedCheck: {Outdated, NotOutdated},
	Outdated:      {Uploading, Downloading},
	NotOutdated:   {Uploading, Downloading},
	Uploading:     {Downloading},
	Downloading:   {Committing},
	Committing:    {Idle},
}

// machine tracks the state of one session. Any state may fall back to Idle
// when the session fails.
type machine struct {
	state   State
	onEnter func(State)
}

func (m *machine) to(next State) error {
	if !slices.Contains(transitions[m.state], next) {
		return &syncx.Error{Kind: syncx.KindInternal, Message: fmt.Sprintf("invalid session transition %s -> %s", m.state, next)}
	}
	m.enter(next)
	return nil
}

func (m *machine) reset() {
	if m.state != Idle {
		m.enter(Idle)
	}
}

func (m *machine) enter(s State) {
	m.state = s
	if m.onEnter != nil {
		m.onEnter(s)
	}
}
