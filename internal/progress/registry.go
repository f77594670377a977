package progress

import "sync"

// Registry indexes the trackers of currently running jobs.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

// Register stores t under its job ID, replacing a tracker from an earlier attempt.
func (r *Registry) Register(t *Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackers[t.JobID()] = t
}

// Get returns the live tracker for jobID.
func (r *Registry) Get(jobID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[jobID]
	return t, ok
}

// Remove drops jobID only if it still maps to t.
func (r *Registry) Remove(t *Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.trackers[t.JobID()]; ok && current == t {
		delete(r.trackers, t.JobID())
	}
}

// Len reports how many trackers are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}
