package wsapi

import (
	"sync"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
)

// UnknownSubject fills a registered slot before an identity-binding
// directive arrives, and again after an unbind.
const UnknownSubject = domain.SubjectID("unknown")

// Session is what a live connection is bound to.
type Session struct {
	Subject domain.SubjectID
	Role    domain.Role
}

// Bound reports whether the session carries a real identity.
func (s Session) Bound() bool {
	return s.Subject != "" && s.Subject != UnknownSubject
}

// Registry maps live-connection ids to bound sessions. It is safe for
// concurrent use: every connection task reads and writes it.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Session
}

func NewRegistry() *Registry {
	return &Registry{byConn: make(map[string]Session)}
}

// Register creates the slot for a new connection, unbound.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connID] = Session{Subject: UnknownSubject}
}

// Bind attaches a subject identity and role to the connection's slot.
func (r *Registry) Bind(connID string, subject domain.SubjectID, role domain.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[connID]; !ok {
		return
	}
	r.byConn[connID] = Session{Subject: subject, Role: role}
}

// Session returns the session bound to the connection.
func (r *Registry) Session(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Lookup resolves a subject to its live connection id for outbound delivery.
func (r *Registry) Lookup(subject domain.SubjectID) (string, bool) {
	if subject == "" || subject == UnknownSubject {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID, s := range r.byConn {
		if s.Subject == subject {
			return connID, true
		}
	}
	return "", false
}

// Unbind resets the slot to the unbound default without removing it, so the
// same connection can bind a different identity.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[connID]; ok {
		r.byConn[connID] = Session{Subject: UnknownSubject}
	}
}

// Remove deletes the slot entirely. Used only on socket teardown.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, connID)
}
