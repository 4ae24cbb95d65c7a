package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Session is one live connection as seen by the core layer.
type Session struct {
	ID          string
	Author      string
	Recovered   bool
	ConnectedAt time.Time
}

// SessionRegistry tracks live sessions.
type SessionRegistry interface {
	Register(id, author string, recovered bool) (*Session, error)
	Unregister(id string)
	Lookup(id string) (*Session, bool)
	ListLive() []*Session
}

// Registry is an in-memory SessionRegistry safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register stores a new session. An empty author is bound as the anonymous author.
func (r *Registry) Register(id, author string, recovered bool) (*Session, error) {
	author = strings.TrimSpace(author)
	if author == "" {
		author = store.AnonymousAuthor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s := &Session{
		ID:          id,
		Author:      author,
		Recovered:   recovered,
		ConnectedAt: time.Now(),
	}
	r.sessions[id] = s
	return s, nil
}

// Unregister removes a session. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ListLive returns a point-in-time snapshot of registered sessions.
func (r *Registry) ListLive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.sessions)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
