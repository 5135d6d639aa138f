package session

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is the process-wide mapping from authenticated user handle to
// its one active session. Sessions are inserted on entering Active and
// removed on disconnect.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	log *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Register installs s as the active session for handle and returns the
// session it displaced, if any. The swap is atomic so a handle can never
// map to two live sessions, whatever order concurrent logins land in.
func (r *Registry) Register(handle string, s *Session) (evicted *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.sessions[handle]; ok && prior != s {
		evicted = prior
		r.log.Info("Displacing prior session",
			zap.String("handle", handle),
			zap.String("remoteAddr", prior.RemoteAddr()))
	}

	r.sessions[handle] = s
	return evicted
}

// Deregister removes the handle's entry only while it still points at s.
// A logout racing a takeover must not delete the newcomer's entry.
func (r *Registry) Deregister(handle string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[handle]; !ok || current != s {
		return false
	}

	delete(r.sessions, handle)
	return true
}

// Lookup resolves a handle to its active session.
func (r *Registry) Lookup(handle string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[handle]
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Handles returns the handles of every active session.
func (r *Registry) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]string, 0, len(r.sessions))
	for handle := range r.sessions {
		handles = append(handles, handle)
	}
	return handles
}
