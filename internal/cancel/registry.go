// Package cancel tracks per-origin cancellation requests for crawl jobs.
package cancel

import "sync"

// Registry records which origins asked to stop their crawl. The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	pending map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// RequestCancel flags originID's current or next job to stop.
func (r *Registry) RequestCancel(originID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		r.pending = make(map[string]struct{})
	}
	r.pending[originID] = struct{}{}
}

// ShouldStop reports whether originID asked to stop.
func (r *Registry) ShouldStop(originID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[originID]
	return ok
}

// Clear forgets a cancellation request once the origin's job has finished.
func (r *Registry) Clear(originID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, originID)
}
