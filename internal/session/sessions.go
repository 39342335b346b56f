package session

import (
	"sync"
	"time"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// serverSession is the server's state for one client session. mu serializes
// the operations of the session; the store's lock only guards the map.
type serverSession struct {
	mu sync.Mutex

	ID        uuid.UUID
	Scope     syncx.ScopeDefinition
	ClientID  string
	Watermark scope.Watermark
	Params    map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time

	upload   *batch.Info
	uploaded *apply.Result
	download *batch.Info
	serverTs int64
	closed   bool

	// release frees the (scope, client) guard slot
	release func()
}

// sessionStore keeps active sessions with a sliding expiry
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*serverSession
	ttl      time.Duration
	clock    clockwork.Clock
}

func newSessionStore(ttl time.Duration, clock clockwork.Clock) *sessionStore {
	return &sessionStore{
		sessions: make(map[uuid.UUID]*serverSession),
		ttl:      ttl,
		clock:    clock,
	}
}

// create registers a session and returns whatever expired in the meantime
func (s *sessionStore) create(sess *serverSession) []*serverSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	s.sessions[sess.ID] = sess

	return s.cleanupExpiredLocked()
}

// get returns a live session and extends its expiry
func (s *sessionStore) get(id uuid.UUID) (*serverSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, false
	}
	now := s.clock.Now().UTC()
	if now.After(sess.ExpiresAt) {
		return nil, false
	}
	sess.ExpiresAt = now.Add(s.ttl)
	return sess, true
}

// remove drops a session, reporting whether it was present
func (s *sessionStore) remove(id uuid.UUID) (*serverSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if exists {
		delete(s.sessions, id)
	}
	return sess, exists
}

// removeReplica drops every session of a client for a scope. A client that
// starts over abandons whatever it had open.
func (s *sessionStore) removeReplica(scopeName, clientID string) []*serverSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*serverSession
	for id, sess := range s.sessions {
		if sess.Scope.Name == scopeName && sess.ClientID == clientID {
			delete(s.sessions, id)
			out = append(out, sess)
		}
	}
	return out
}

// sweep removes and returns the expired sessions
func (s *sessionStore) sweep() []*serverSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupExpiredLocked()
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// cleanupExpiredLocked removes expired sessions (caller must hold write lock)
func (s *sessionStore) cleanupExpiredLocked() []*serverSession {
	now := s.clock.Now().UTC()
	var out []*serverSession
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			out = append(out, sess)
		}
	}
	return out
}
