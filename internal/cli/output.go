package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/erauner12/rowsync/internal/syncx"
)

// Response is the JSON envelope of every command.
type Response struct {
	Status string     `json:"status"` // "ok" or "error"
	Data   any        `json:"data,omitempty"`
	Error  *RespError `json:"error,omitempty"`
}

// RespError carries the sync error kind so scripts can branch on it.
type RespError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Side    string `json:"side,omitempty"`
	Table   string `json:"table,omitempty"`
	Column  string `json:"column,omitempty"`
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// Success writes data as JSON, or calls text in text mode.
func (f *OutputFormatter) Success(data any, text func(io.Writer)) error {
	if f.Format == "json" {
		return f.writeJSON(Response{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Fail reports err and returns it so the command exits non-zero. In JSON
// mode the error is also written to the output.
func (f *OutputFormatter) Fail(err error) error {
	if f.Format != "json" {
		return err
	}
	re := &RespError{Kind: string(syncx.KindInternal), Message: err.Error()}
	var se *syncx.Error
	if errors.As(err, &se) {
		re.Kind = string(se.Kind)
		re.Side = string(se.Side)
		re.Table = se.Table
		re.Column = se.Column
	}
	if werr := f.writeJSON(Response{Status: "error", Error: re}); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

func (f *OutputFormatter) writeJSON(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
