package connection

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry is the process-wide table of live connections. Reads (lookup,
// enumeration, cancel) take the read lock; membership changes take the write
// lock. Cancel functions are internally thread safe, so tripping them under
// the read lock is fine.
type Registry struct {
	mu          sync.RWMutex
	connections map[ID]*Info
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[ID]*Info)}
}

// Register adds the connection to the registry.
func (r *Registry) Register(info *Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[info.ID] = info
}

// Unregister removes the entry without cancelling its context. Streaming
// responses still need the context live after the handler returns; the
// streaming handler cancels it when the stream ends.
func (r *Registry) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, id)
}

// Cancel trips a single connection's context if it is still registered.
func (r *Registry) Cancel(id ID) {
	r.mu.RLock()
	info := r.connections[id]
	r.mu.RUnlock()
	if info != nil {
		info.Cancel()
	}
}

// CancelAll trips every registered connection. Used during shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.connections {
		info.Cancel()
	}
	if len(r.connections) > 0 {
		log.Infof("cancelled %d active connections", len(r.connections))
	}
}

// Get returns the connection info for id, or nil.
func (r *Registry) Get(id ID) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[id]
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// All returns a snapshot of the registered connections.
func (r *Registry) All() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Info, 0, len(r.connections))
	for _, info := range r.connections {
		out = append(out, info)
	}
	return out
}

// Sweep drops entries whose context has already been cancelled.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, info := range r.connections {
		if info.Cancelled() {
			delete(r.connections, id)
		}
	}
}
