package server

import (
	"sort"
	"sync"
)

// sessionRegistry is the set of live sessions. Broadcasts iterate a copy so
// no lock is held while writing to sockets.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: map[string]*Session{}}
}

func (r *sessionRegistry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// remove reports whether s was registered.
func (r *sessionRegistry) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return false
	}
	delete(r.sessions, s.ID)
	return true
}

func (r *sessionRegistry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *sessionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot returns the live sessions ordered by connect time.
func (r *sessionRegistry) snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].connectedAt.Before(out[j].connectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// byAccount finds the live session logged in as name.
func (r *sessionRegistry) byAccount(name string) *Session {
	for _, s := range r.snapshot() {
		if s.Name() == name && !s.Closed() {
			return s
		}
	}
	return nil
}

// names lists the principals of logged-in sessions.
func (r *sessionRegistry) names() []string {
	var out []string
	for _, s := range r.snapshot() {
		if n := s.Name(); n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
