package hooks

import "sync"

// HealthState is the cached daemon-readiness snapshot the pipeline consults
// on every event. A background monitor refreshes it; the pipeline never
// probes the daemon inline.
type HealthState struct {
	mu     sync.RWMutex
	ready  bool
	status string
}

// NewHealthState starts in the starting state. The daemon flips it to ready
// once wiring completes.
func NewHealthState() *HealthState {
	return &HealthState{status: "starting"}
}

// Set updates the snapshot.
func (h *HealthState) Set(ready bool, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
	h.status = status
}

// Snapshot returns the current readiness and status string.
func (h *HealthState) Snapshot() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready, h.status
}
