// Package scopetest holds the behaviour every scope.Registry must show.
package scopetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Definition returns a small valid scope
func Definition(name string) syncx.ScopeDefinition {
	return syncx.ScopeDefinition{
		Name:    name,
		Version: 1,
		Tables: []syncx.TableSpec{
			{Name: "customers", PrimaryKey: "id", Columns: []string{"name"}},
			{Name: "orders", PrimaryKey: "id", DependsOn: []string{"customers"}, Filter: map[string]string{"tenant_id": "tenant"}},
		},
	}
}

// Run exercises reg. The registry must start empty.
func Run(t *testing.T, reg scope.Registry) {
	t.Run("new watermark", func(t *testing.T) {
		wm, err := reg.GetWatermark(context.Background(), "s1", "r1")
		require.NoError(t, err)
		assert.True(t, wm.IsNew)
		assert.Equal(t, "s1", wm.Scope)
		assert.Equal(t, "r1", wm.Replica)
		assert.Zero(t, wm.LastLocal)
		assert.Zero(t, wm.LastPeer)
	})

	t.Run("watermark is monotonic", func(t *testing.T) {
		ctx := context.Background()
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, reg.SaveWatermark(ctx, scope.Watermark{Scope: "s2", Replica: "r1", LastLocal: 10, LastPeer: 20, LastSync: at}))

		got, err := reg.GetWatermark(ctx, "s2", "r1")
		require.NoError(t, err)
		assert.False(t, got.IsNew)
		assert.Equal(t, int64(10), got.LastLocal)
		assert.Equal(t, int64(20), got.LastPeer)
		assert.True(t, at.Equal(got.LastSync))

		// older values never win
		require.NoError(t, reg.SaveWatermark(ctx, scope.Watermark{Scope: "s2", Replica: "r1", LastLocal: 5, LastPeer: 30, LastSync: at.Add(-time.Hour)}))
		got, err = reg.GetWatermark(ctx, "s2", "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.LastLocal)
		assert.Equal(t, int64(30), got.LastPeer)

		// saving the same value twice is harmless
		require.NoError(t, reg.SaveWatermark(ctx, got))
		again, err := reg.GetWatermark(ctx, "s2", "r1")
		require.NoError(t, err)
		assert.Equal(t, got.LastLocal, again.LastLocal)
		assert.Equal(t, got.LastPeer, again.LastPeer)

		other, err := reg.GetWatermark(ctx, "s2", "r2")
		require.NoError(t, err)
		assert.True(t, other.IsNew, "watermarks are per replica")
	})

	t.Run("scope definitions", func(t *testing.T) {
		ctx := context.Background()
		_, err := reg.GetScope(ctx, "crm")
		assert.True(t, errors.Is(err, scope.ErrScopeNotFound))

		def := Definition("crm")
		require.NoError(t, reg.SaveScope(ctx, def, false))
		require.NoError(t, reg.SaveScope(ctx, def, false), "same definition again")

		got, err := reg.GetScope(ctx, "crm")
		require.NoError(t, err)
		assert.True(t, got.Equal(def))
		assert.Equal(t, "tenant", got.Tables[1].Filter["tenant_id"])

		changed := Definition("crm")
		changed.Version = 2
		assert.True(t, errors.Is(reg.SaveScope(ctx, changed, false), scope.ErrScopeExists))
		require.NoError(t, reg.SaveScope(ctx, changed, true))
		got, err = reg.GetScope(ctx, "crm")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
	})
}
