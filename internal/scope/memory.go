package scope

import (
	"context"
	"sync"

	"github.com/erauner12/rowsync/internal/syncx"
)

// MemoryRegistry keeps everything in process memory
type MemoryRegistry struct {
	mu         sync.RWMutex
	scopes     map[string]syncx.ScopeDefinition
	watermarks map[guardKey]Watermark
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		scopes:     make(map[string]syncx.ScopeDefinition),
		watermarks: make(map[guardKey]Watermark),
	}
}

func (m *MemoryRegistry) GetWatermark(ctx context.Context, scope, replica string) (Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wm, ok := m.watermarks[guardKey{scope, replica}]
	if !ok {
		return Watermark{Scope: scope, Replica: replica, IsNew: true}, nil
	}
	return wm, nil
}

func (m *MemoryRegistry) SaveWatermark(ctx context.Context, wm Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := guardKey{wm.Scope, wm.Replica}
	cur, ok := m.watermarks[k]
	if !ok {
		cur = Watermark{Scope: wm.Scope, Replica: wm.Replica}
	}
	m.watermarks[k] = cur.Advance(wm.LastLocal, wm.LastPeer, wm.LastSync)
	return nil
}

func (m *MemoryRegistry) GetScope(ctx context.Context, name string) (*syncx.ScopeDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.scopes[name]
	if !ok {
		return nil, ErrScopeNotFound
	}
	return &def, nil
}

func (m *MemoryRegistry) SaveScope(ctx context.Context, def syncx.ScopeDefinition, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.scopes[def.Name]; ok && !overwrite && !cur.Equal(def) {
		return ErrScopeExists
	}
	m.scopes[def.Name] = def
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
