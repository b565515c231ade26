// Package registry maintains three indexes over live sessions (by
// session id, by player id, by UDP endpoint), protected by one
// shared-exclusive lock.
package registry

import (
	"net"

	"github.com/ironrealm/mmoserver/internal/session"
)

// Registry maintains the three mandated indexes over live sessions.
type Registry struct {
	mu          sharedExclusive
	bySession   map[uint32]*session.Session
	byPlayer    map[uint64]*session.Session
	byEndpoint  map[string]*session.Session // net.UDPAddr.String()
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		bySession:  make(map[uint32]*session.Session),
		byPlayer:   make(map[uint64]*session.Session),
		byEndpoint: make(map[string]*session.Session),
	}
}

// Register adds s to the session-id index. It does not imply
// authentication; player-id indexing happens via BindPlayer once the auth
// subsystem authenticates the session.
func (r *Registry) Register(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[s.ID()] = s
}

// BindPlayer indexes s by its now-bound player id. Callers must have
// already called session.Session.BindPlayer; this only updates the
// registry's reverse index, keeping the three indexes mutually
// consistent.
func (r *Registry) BindPlayer(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPlayer[s.PlayerID()] = s
}

// BindEndpoint indexes s by its learned UDP endpoint.
func (r *Registry) BindEndpoint(s *session.Session, addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEndpoint[addr.String()] = s
}

// Unregister removes s from all three indexes atomically.
func (r *Registry) Unregister(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bySession, s.ID())
	if pid := s.PlayerID(); pid != 0 {
		delete(r.byPlayer, pid)
	}
	if addr := s.UDPEndpoint(); addr != nil {
		delete(r.byEndpoint, addr.String())
	}
}

// GetBySession looks up a session by session id.
func (r *Registry) GetBySession(id uint32) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[id]
	return s, ok
}

// GetByPlayer looks up a session by player id.
func (r *Registry) GetByPlayer(playerID uint64) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPlayer[playerID]
	return s, ok
}

// GetByEndpoint looks up a session by its UDP endpoint.
func (r *Registry) GetByEndpoint(addr *net.UDPAddr) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byEndpoint[addr.String()]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// Filter decides whether a session should receive a Broadcast message.
type Filter func(*session.Session) bool

// All matches every Authenticated session.
func All(*session.Session) bool { return true }

// Broadcast enqueues frame on every Authenticated session matching filter.
// It takes the shared (read) lock only long enough to snapshot the
// candidate list; the enqueue onto each session's own send queue happens
// outside the lock, so a concurrent Unregister never blocks a broadcast
// in progress. A session removed mid-broadcast is either seen (and its
// Send simply fails because the session already closed its queue) or not
// seen at all.
func (r *Registry) Broadcast(frame []byte, unreliable bool, filter Filter) int {
	if filter == nil {
		filter = All
	}

	r.mu.RLock()
	targets := make([]*session.Session, 0, len(r.byPlayer))
	for _, s := range r.byPlayer {
		if s.State() == session.StateAuthenticated && filter(s) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		if err := s.Send(cp, unreliable); err == nil {
			sent++
		}
	}
	return sent
}

// ForEachAuthenticated iterates live authenticated sessions under the
// shared lock. fn must not call back into the Registry.
func (r *Registry) ForEachAuthenticated(fn func(*session.Session) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byPlayer {
		if s.State() != session.StateAuthenticated {
			continue
		}
		if !fn(s) {
			return
		}
	}
}
