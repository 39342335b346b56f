package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is the server clock value a download was selected at, bound to
// the session that selected it.
// Format: base64("<timestamp>|<session uuid>")
// The client echoes it back on commit so the server only records clock values
// it actually issued for that session.
type Checkpoint struct {
	Ts      int64     // server logical clock value
	Session uuid.UUID // session the checkpoint was issued for
}

// EncodeCheckpoint creates a base64-encoded checkpoint string
// Returns empty string for zero-value checkpoint
func EncodeCheckpoint(c Checkpoint) string {
	if c.Ts == 0 && c.Session == uuid.Nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ts, c.Session.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCheckpoint parses a checkpoint string
// Returns zero-value checkpoint and false if invalid or empty
func DecodeCheckpoint(s string) (Checkpoint, bool) {
	if s == "" {
		return Checkpoint{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Checkpoint{}, false
	}

	parts := strings.Split(string(b), "|")
	if len(parts) != 2 {
		return Checkpoint{}, false
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ts < 0 {
		return Checkpoint{}, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Checkpoint{}, false
	}

	return Checkpoint{Ts: ts, Session: id}, true
}

// RFC3339 formats a wall-clock time the way logs and CLI output show it
func RFC3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
