package scope

import (
	"context"
	"sync"
)

// Guard serializes work per (scope, replica). Locks are created on demand
// and dropped when nobody holds or waits for them.
type Guard struct {
	mu    sync.Mutex
	locks map[guardKey]*guardLock
}

type guardKey struct {
	scope   string
	replica string
}

type guardLock struct {
	ch   chan struct{}
	refs int
}

// NewGuard creates an empty guard
func NewGuard() *Guard {
	return &Guard{locks: make(map[guardKey]*guardLock)}
}

// Lock blocks until the (scope, replica) slot is free or ctx is done. The
// returned func releases the slot.
func (g *Guard) Lock(ctx context.Context, scope, replica string) (func(), error) {
	k := guardKey{scope, replica}

	g.mu.Lock()
	l, ok := g.locks[k]
	if !ok {
		l = &guardLock{ch: make(chan struct{}, 1)}
		g.locks[k] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		g.release(k, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.release(k, l, true) })
	}, nil
}

func (g *Guard) release(k guardKey, l *guardLock, held bool) {
	if held {
		<-l.ch
	}
	g.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, k)
	}
	g.mu.Unlock()
}

// Len returns the number of live lock slots
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
