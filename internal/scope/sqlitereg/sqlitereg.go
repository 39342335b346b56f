// Package sqlitereg stores scopes and watermarks in a replica's SQLite
// database.
package sqlitereg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/syncx"
)

const schema = `
CREATE TABLE IF NOT EXISTS rowsync_scope (
	name       TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	definition TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rowsync_watermark (
	scope        TEXT NOT NULL,
	replica      TEXT NOT NULL,
	last_local   INTEGER NOT NULL DEFAULT 0,
	last_peer    INTEGER NOT NULL DEFAULT 0,
	last_sync_ns INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, replica)
);
`

// Registry is a scope.Registry on database/sql with the sqlite driver
type Registry struct {
	db *sql.DB
}

// New creates the registry tables if needed
func New(ctx context.Context, db *sql.DB) (*Registry, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create registry tables: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) GetWatermark(ctx context.Context, scopeName, replica string) (scope.Watermark, error) {
	wm := scope.Watermark{Scope: scopeName, Replica: replica}
	var syncNs int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_local, last_peer, last_sync_ns
		FROM rowsync_watermark
		WHERE scope = ? AND replica = ?
	`, scopeName, replica).Scan(&wm.LastLocal, &wm.LastPeer, &syncNs)
	if errors.Is(err, sql.ErrNoRows) {
		wm.IsNew = true
		return wm, nil
	}
	if err != nil {
		return wm, fmt.Errorf("get watermark: %w", err)
	}
	if syncNs > 0 {
		wm.LastSync = time.Unix(0, syncNs).UTC()
	}
	return wm, nil
}

// SaveWatermark upserts with MAX so a late or repeated save never moves a
// timestamp backwards
func (r *Registry) SaveWatermark(ctx context.Context, wm scope.Watermark) error {
	var syncNs int64
	if !wm.LastSync.IsZero() {
		syncNs = wm.LastSync.UnixNano()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rowsync_watermark (scope, replica, last_local, last_peer, last_sync_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, replica) DO UPDATE SET
			last_local   = MAX(last_local, excluded.last_local),
			last_peer    = MAX(last_peer, excluded.last_peer),
			last_sync_ns = MAX(last_sync_ns, excluded.last_sync_ns)
	`, wm.Scope, wm.Replica, wm.LastLocal, wm.LastPeer, syncNs)
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

func (r *Registry) GetScope(ctx context.Context, name string) (*syncx.ScopeDefinition, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT definition FROM rowsync_scope WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scope.ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scope: %w", err)
	}
	var def syncx.ScopeDefinition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("decode scope %s: %w", name, err)
	}
	return &def, nil
}

func (r *Registry) SaveScope(ctx context.Context, def syncx.ScopeDefinition, overwrite bool) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if !overwrite {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT definition FROM rowsync_scope WHERE name = ?`, def.Name).Scan(&cur)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("get scope: %w", err)
		default:
			var stored syncx.ScopeDefinition
			if err := json.Unmarshal([]byte(cur), &stored); err != nil {
				return fmt.Errorf("decode scope %s: %w", def.Name, err)
			}
			if !stored.Equal(def) {
				return scope.ErrScopeExists
			}
			return nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rowsync_scope (name, version, definition) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET version = excluded.version, definition = excluded.definition
	`, def.Name, def.Version, string(doc)); err != nil {
		return fmt.Errorf("save scope: %w", err)
	}
	return tx.Commit()
}

var _ scope.Registry = (*Registry)(nil)
