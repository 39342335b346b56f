// Package pgreg stores scopes and watermarks in the server's PostgreSQL
// database.
package pgreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration creates the registry tables
const Migration = `
CREATE TABLE IF NOT EXISTS rowsync_scope (
	name       TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	definition JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rowsync_watermark (
	scope      TEXT NOT NULL,
	replica    TEXT NOT NULL,
	last_local BIGINT NOT NULL DEFAULT 0,
	last_peer  BIGINT NOT NULL DEFAULT 0,
	last_sync  TIMESTAMPTZ,
	PRIMARY KEY (scope, replica)
);
`

// Registry is a scope.Registry on a pgx pool
type Registry struct {
	DB *pgxpool.Pool
}

// New applies the migration and returns the registry
func New(ctx context.Context, pool *pgxpool.Pool) (*Registry, error) {
	if _, err := pool.Exec(ctx, Migration); err != nil {
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return &Registry{DB: pool}, nil
}

func (r *Registry) GetWatermark(ctx context.Context, scopeName, replica string) (scope.Watermark, error) {
	wm := scope.Watermark{Scope: scopeName, Replica: replica}
	var lastSync *time.Time
	err := r.DB.QueryRow(ctx, `
		SELECT last_local, last_peer, last_sync
		FROM rowsync_watermark
		WHERE scope = $1 AND replica = $2
	`, scopeName, replica).Scan(&wm.LastLocal, &wm.LastPeer, &lastSync)
	if errors.Is(err, pgx.ErrNoRows) {
		wm.IsNew = true
		return wm, nil
	}
	if err != nil {
		return wm, fmt.Errorf("get watermark: %w", err)
	}
	if lastSync != nil {
		wm.LastSync = lastSync.UTC()
	}
	return wm, nil
}

// SaveWatermark upserts with GREATEST so repeated or late saves are no-ops
func (r *Registry) SaveWatermark(ctx context.Context, wm scope.Watermark) error {
	var lastSync *time.Time
	if !wm.LastSync.IsZero() {
		lastSync = &wm.LastSync
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO rowsync_watermark (scope, replica, last_local, last_peer, last_sync)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, replica) DO UPDATE SET
			last_local = GREATEST(rowsync_watermark.last_local, EXCLUDED.last_local),
			last_peer  = GREATEST(rowsync_watermark.last_peer, EXCLUDED.last_peer),
			last_sync  = GREATEST(rowsync_watermark.last_sync, EXCLUDED.last_sync)
	`, wm.Scope, wm.Replica, wm.LastLocal, wm.LastPeer, lastSync)
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

func (r *Registry) GetScope(ctx context.Context, name string) (*syncx.ScopeDefinition, error) {
	var doc []byte
	err := r.DB.QueryRow(ctx, `SELECT definition FROM rowsync_scope WHERE name = $1`, name).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scope.ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scope: %w", err)
	}
	var def syncx.ScopeDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("decode scope %s: %w", name, err)
	}
	return &def, nil
}

func (r *Registry) SaveScope(ctx context.Context, def syncx.ScopeDefinition, overwrite bool) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}

	return pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		if !overwrite {
			var cur []byte
			err := tx.QueryRow(ctx, `SELECT definition FROM rowsync_scope WHERE name = $1 FOR UPDATE`, def.Name).Scan(&cur)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
			case err != nil:
				return fmt.Errorf("get scope: %w", err)
			default:
				var stored syncx.ScopeDefinition
				if err := json.Unmarshal(cur, &stored); err != nil {
					return fmt.Errorf("decode scope %s: %w", def.Name, err)
				}
				if !stored.Equal(def) {
					return scope.ErrScopeExists
				}
				return nil
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO rowsync_scope (name, version, definition)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET
				version    = EXCLUDED.version,
				definition = EXCLUDED.definition,
				updated_at = now()
		`, def.Name, def.Version, doc)
		if err != nil {
			return fmt.Errorf("save scope: %w", err)
		}
		return nil
	})
}

var _ scope.Registry = (*Registry)(nil)
