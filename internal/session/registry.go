package session

import (
	"crypto/rand"
	"sync"
)

const (
	idLength  = 24
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Registry is the process-wide in-memory map from session id to Session
// (spec.md §4.4). Safe for concurrent lookups and exclusive create/remove,
// mirroring the teacher's RWMutex-guarded route table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get looks up a Session by id. Returns (nil, false) if absent.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Create reserves a fresh, collision-free session id and inserts sess under
// it. sess.ID is expected to be empty; Create assigns it.
func (r *Registry) Create(sess *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.freshIDLocked()
	sess.ID = id
	r.sessions[id] = sess
	return id
}

// Remove deletes id from the registry. A no-op if already absent, making
// repeated Session.Cleanup calls idempotent at the registry level too
// (spec.md §8, P8).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions, for the /stats endpoint.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a shallow copy of every registered Session, for /stats
// and for iterating on shutdown (spec.md §4.6, "on process signal, iterate
// all sessions, invoke cleanup").
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// freshIDLocked draws 24 lowercase-alphanumeric characters and retries on
// the astronomically unlikely event of a collision (spec.md §4.4). Caller
// must hold mu.
func (r *Registry) freshIDLocked() string {
	for {
		id := randomID()
		if _, exists := r.sessions[id]; !exists {
			return id
		}
	}
}

func randomID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}
