package apply

import (
	"context"
	"fmt"

	"github.com/erauner12/rowsync/internal/syncx"
)

// ErrorResolution decides what a failed row write does to the session
type ErrorResolution int

const (
	// Throw aborts the session; nothing of the current batch commits
	Throw ErrorResolution = iota
	// ContinueOnError records the row as Failed and moves on
	ContinueOnError
	// RetryOneMoreTimeAndThrowOnError retries once in place, then throws
	RetryOneMoreTimeAndThrowOnError
	// RetryOneMoreTimeAndContinueOnError retries once in place, then continues
	RetryOneMoreTimeAndContinueOnError
	// RetryOnNextSync records the row as Deferred; it is retried first by the
	// next session and does not fail this one
	RetryOnNextSync
)

var resolutionNames = map[ErrorResolution]string{
	Throw:                              "throw",
	ContinueOnError:                    "continue",
	RetryOneMoreTimeAndThrowOnError:    "retry_then_throw",
	RetryOneMoreTimeAndContinueOnError: "retry_then_continue",
	RetryOnNextSync:                    "retry_next_sync",
}

func (r ErrorResolution) String() string {
	if s, ok := resolutionNames[r]; ok {
		return s
	}
	return fmt.Sprintf("ErrorResolution(%d)", int(r))
}

// ParseErrorResolution maps a configured name to a resolution; empty is Throw
func ParseErrorResolution(s string) (ErrorResolution, error) {
	if s == "" {
		return Throw, nil
	}
	for r, name := range resolutionNames {
		if name == s {
			return r, nil
		}
	}
	return Throw, fmt.Errorf("unknown error policy %q", s)
}

func (r ErrorResolution) retries() bool {
	return r == RetryOneMoreTimeAndThrowOnError || r == RetryOneMoreTimeAndContinueOnError
}

// afterRetry is the resolution applied when the in-place retry fails too
func (r ErrorResolution) afterRetry() ErrorResolution {
	switch r {
	case RetryOneMoreTimeAndThrowOnError:
		return Throw
	case RetryOneMoreTimeAndContinueOnError:
		return ContinueOnError
	}
	return r
}

// Failure is a row write rejected by the store. An error hook may change
// Resolution.
type Failure struct {
	Row        syncx.Row
	Side       syncx.Side
	Err        error
	Resolution ErrorResolution
}

// ErrorHook runs before the default resolution is applied
type ErrorHook func(ctx context.Context, f *Failure) error

// Classifier selects the resolution of a failed write
type Classifier struct {
	Default ErrorResolution
	Hook    ErrorHook
}

// Classify returns the resolution for one failure
func (c Classifier) Classify(ctx context.Context, side syncx.Side, row syncx.Row, err error) (ErrorResolution, error) {
	f := &Failure{Row: row, Side: side, Err: err, Resolution: c.Default}
	if c.Hook != nil {
		if herr := c.Hook(ctx, f); herr != nil {
			return Throw, fmt.Errorf("error hook on %s: %w", row.Ref(), herr)
		}
	}
	if _, ok := resolutionNames[f.Resolution]; !ok {
		return Throw, fmt.Errorf("error hook on %s: unknown resolution %d", row.Ref(), int(f.Resolution))
	}
	return f.Resolution, nil
}
