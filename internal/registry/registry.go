// Package registry maps authenticated users to their single live session.
package registry

import (
	"sync"

	"github.com/parley-im/parley/internal/wire"
)

// Session is one live transport connection. Implemented by the websocket
// client; coordinators only need identity and a way to push events.
type Session interface {
	ID() string
	UserID() string
	Username() string
	// Send queues an event for the session's writer. An error means the
	// session is unreachable and callers should fall back to the offline path.
	Send(evt wire.Event) error
	// Close tears down the transport. Safe to call more than once.
	Close()
}

// Registry is the process-wide user -> session map. A user has at most one
// session; registering a second one displaces the first.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Register stores the session for its user, last-connection-wins. Returns the
// displaced session (if any) so the caller can force-close it and avoid
// duplicate delivery.
func (r *Registry) Register(sess Session) (displaced Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[sess.UserID()]
	r.sessions[sess.UserID()] = sess
	return prev
}

// Unregister removes the mapping only if the stored session is still the
// given one, so a stale disconnect cannot clobber a newer reconnect. Returns
// whether the mapping was removed.
func (r *Registry) Unregister(sess Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[sess.UserID()]
	if !ok || current.ID() != sess.ID() {
		return false
	}
	delete(r.sessions, sess.UserID())
	return true
}

// Lookup returns the user's live session. Absence is the normal "user
// unreachable" signal, never an error.
func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	return sess, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every live session. Used for shutdown close; fn must not
// call back into the registry.
func (r *Registry) Each(fn func(Session)) {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		fn(s)
	}
}
