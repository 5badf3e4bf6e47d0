package origin

import (
	"sync"
	"time"

	"korva/internal/metadata"
)

// Registry is the process-wide table of Host Leases, keyed by Id, with a
// secondary index by source file so that HostFile is idempotent (§4.D).
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Lease
	idByFile    map[string]string
	idleTimeout time.Duration
}

// NewRegistry returns an empty registry; idleTimeout governs how long an
// unreferenced lease survives before eviction (default 30s per §3).
func NewRegistry(idleTimeout time.Duration) *Registry {
	return &Registry{
		byID:        make(map[string]*Lease),
		idByFile:    make(map[string]string),
		idleTimeout: idleTimeout,
	}
}

// HostFile implements host_file(file, meta, peer_ip) from §4.D: idempotent
// creation, metadata filled on creation only, peer added either way.
func (r *Registry) HostFile(file string, meta metadata.Record, peer string) *Lease {
	r.mu.Lock()
	id, exists := r.idByFile[file]
	var lease *Lease
	if exists {
		lease = r.byID[id]
	} else {
		id = computeId(file)
		lease = &Lease{
			id:          id,
			file:        file,
			meta:        meta,
			peers:       make(map[string]struct{}),
			idleTimeout: r.idleTimeout,
			onIdle:      r.evict,
		}
		r.byID[id] = lease
		r.idByFile[file] = id
	}
	r.mu.Unlock()

	lease.addPeer(peer)
	return lease
}

// Get resolves an Id to its Lease.
func (r *Registry) Get(id string) (*Lease, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	return l, ok
}

// UnhostForPeer removes peer from file's lease (if any) and, if the lease
// becomes eligible for eviction, starts its idle countdown rather than
// destroying it immediately — the grace period described in §4.D.
func (r *Registry) UnhostForPeer(file, peer string) {
	r.mu.RLock()
	id, ok := r.idByFile[file]
	if !ok {
		r.mu.RUnlock()
		return
	}
	lease := r.byID[id]
	r.mu.RUnlock()

	if eligible := lease.removePeer(peer); eligible {
		lease.resetTimerForEviction()
	}
}

// evict is called from a lease's idle timer; it removes the lease from both
// indices.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	lease, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	delete(r.idByFile, lease.file)
	r.mu.Unlock()
	lease.stop()
}

// Idle reports whether the registry currently holds no leases.
func (r *Registry) Idle() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID) == 0
}

// resetTimerForEviction re-arms the idle timer under the lease's own lock;
// split out of removePeer so Registry.UnhostForPeer can decide whether
// eviction applies without taking the registry lock while holding the
// lease's.
func (l *Lease) resetTimerForEviction() {
	l.mu.Lock()
	if l.idleLocked() {
		l.resetTimerLocked()
	}
	l.mu.Unlock()
}
