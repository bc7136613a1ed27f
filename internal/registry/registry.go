// Package registry owns the mapping from session ID to live client handle.
// It holds no business logic; the orchestrator is its only writer.
package registry

import (
	"sync"

	"github.com/dmarquesp/wahub/internal/wa"
)

// Registry is an internally synchronized session-id → handle map. At most
// one handle is registered per session ID at any time.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]wa.Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handles: make(map[string]wa.Handle),
	}
}

// Get returns the handle for a session, if registered.
func (r *Registry) Get(sessionID string) (wa.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// Set registers a handle for a session, replacing any previous registration.
// Returns the replaced handle, if there was one.
func (r *Registry) Set(sessionID string, h wa.Handle) (wa.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.handles[sessionID]
	r.handles[sessionID] = h
	return prev, had
}

// Remove unregisters a session's handle. Returns the removed handle, if any.
func (r *Registry) Remove(sessionID string) (wa.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	if ok {
		delete(r.handles, sessionID)
	}
	return h, ok
}

// ForEach calls fn for every registered handle over a snapshot, so fn may
// register or remove handles without deadlocking.
func (r *Registry) ForEach(fn func(sessionID string, h wa.Handle)) {
	r.mu.RLock()
	snapshot := make(map[string]wa.Handle, len(r.handles))
	for id, h := range r.handles {
		snapshot[id] = h
	}
	r.mu.RUnlock()

	for id, h := range snapshot {
		fn(id, h)
	}
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
