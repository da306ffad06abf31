// Package lease tracks active client leases on the managed service stack.
//
// A lease is a client's declaration that it is using the stack. Leases are
// held open via periodic heartbeats and expire if not renewed within
// lease_ttl_s. The registry also tracks the most recent moment the lease
// count became (or remained) zero, which the idle reaper uses to gate
// teardown.
package lease

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Lease is a single client's claim on the managed service stack.
type Lease struct {
	ID       string
	LastSeen time.Time
	Meta     map[string]any
}

// Registry is the mutex-guarded map of active leases plus the idle-gating
// clock. All mutations and reads of the lease map, including Count, are
// serialized through a single mutex.
type Registry struct {
	mu               sync.Mutex
	leases           map[string]*Lease
	lastZeroLeaseAt  time.Time
	counter          atomic.Uint64
}

// New creates an empty Registry. The zero-lease clock starts immediately,
// since an empty registry has been "empty" since construction.
func New() *Registry {
	return &Registry{
		leases:          make(map[string]*Lease),
		lastZeroLeaseAt: time.Now(),
	}
}

// Acquire creates a new lease with the given free-form metadata and returns
// it. Acquiring resets the zero-lease clock so the reaper's idle grace
// period starts counting only once leases drain again.
func (r *Registry) Acquire(meta map[string]any) *Lease {
	if meta == nil {
		meta = map[string]any{}
	}

	n := r.counter.Add(1)
	id := "lease-" + strconv.FormatUint(n, 10) + "-" + uuid.NewString()

	l := &Lease{
		ID:       id,
		LastSeen: time.Now(),
		Meta:     meta,
	}

	r.mu.Lock()
	r.leases[id] = l
	r.lastZeroLeaseAt = time.Now()
	r.mu.Unlock()

	return l
}

// Heartbeat refreshes a lease's last-seen time. Returns false if the id is
// unknown; an unknown lease is never resurrected.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[id]
	if !ok {
		return false
	}
	l.LastSeen = time.Now()
	return true
}

// Release removes a lease. Returns false if the id was unknown. If the
// registry becomes empty as a result, the zero-lease clock resets.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.leases[id]
	delete(r.leases, id)
	if len(r.leases) == 0 {
		r.lastZeroLeaseAt = time.Now()
	}
	return ok
}

// Count returns the number of active leases.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// ExpireStale removes every lease whose last-seen time is older than ttl and
// updates the zero-lease clock according to the resulting count. It reports
// whether the registry is now empty and, if so, since when it has been empty.
func (r *Registry) ExpireStale(ttl time.Duration) (empty bool, emptySince time.Time) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, l := range r.leases {
		if now.Sub(l.LastSeen) > ttl {
			delete(r.leases, id)
		}
	}

	if len(r.leases) == 0 {
		return true, r.lastZeroLeaseAt
	}

	r.lastZeroLeaseAt = now
	return false, time.Time{}
}

// MarkTeardownComplete resets the zero-lease clock to now. Called by the
// reaper once teardown finishes, so the next idle window starts fresh.
func (r *Registry) MarkTeardownComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastZeroLeaseAt = time.Now()
}

