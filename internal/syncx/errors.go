package syncx

import (
	"errors"
	"strings"
)

// ErrorKind is a stable tag callers can branch on
type ErrorKind string

const (
	KindSchema          ErrorKind = "schema"
	KindScopeMismatch   ErrorKind = "scope_mismatch"
	KindConnectivity    ErrorKind = "connectivity"
	KindOutdated        ErrorKind = "outdated"
	KindApply           ErrorKind = "apply"
	KindInvalidMerge    ErrorKind = "invalid_merge"
	KindCanceled        ErrorKind = "canceled"
	KindSessionNotFound ErrorKind = "session_not_found"
	KindInternal        ErrorKind = "internal"
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindRateLimited     ErrorKind = "rate_limited"
)

// Error is the typed failure returned across the session API.
// Side and Replica identify the store that failed; Table and Column are set
// for schema errors and row failures.
type Error struct {
	Kind    ErrorKind `json:"error"`
	Side    Side      `json:"side,omitempty"`
	Replica string    `json:"replica,omitempty"`
	Table   string    `json:"table,omitempty"`
	Column  string    `json:"column,omitempty"`
	Message string    `json:"message,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Side != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Side))
		if e.Replica != "" {
			b.WriteString(" ")
			b.WriteString(e.Replica)
		}
		b.WriteString(")")
	}
	if e.Table != "" {
		b.WriteString(" table=")
		b.WriteString(e.Table)
	}
	if e.Column != "" {
		b.WriteString(" column=")
		b.WriteString(e.Column)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed error wrapping err
func NewError(kind ErrorKind, side Side, err error) *Error {
	return &Error{Kind: kind, Side: side, Err: err}
}

// SchemaError reports a missing or mismatching table or column
func SchemaError(side Side, table, column, message string) *Error {
	return &Error{Kind: KindSchema, Side: side, Table: table, Column: column, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
