package loadbalancer

import (
	"sync"
	"sync/atomic"

	"github.com/medrecords/gateway/internal/registry"
)

// cursorState binds a counter to the instance set it indexes. It is never
// mutated after publication except for the shared counter.
type cursorState struct {
	set     uint64
	version uint64
	n       *atomic.Uint64
}

// RoundRobin implements round-robin load balancing with one cursor per
// service. For K healthy instances the Nth selection since the instance
// set last changed returns index (N-1) mod K.
type RoundRobin struct {
	cursors sync.Map // service name -> *atomic.Pointer[cursorState]
}

// NewRoundRobin creates a new round-robin balancer
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select returns the next healthy instance of service.
func (rr *RoundRobin) Select(service string, snap *registry.Snapshot) (*registry.Instance, error) {
	healthy := snap.Healthy(service)
	if len(healthy) == 0 {
		return nil, ErrNoInstanceAvailable
	}

	cs := rr.cursor(service, snap)
	idx := cs.n.Add(1)
	return healthy[(idx-1)%uint64(len(healthy))], nil
}

// cursor returns the state for service, replacing it when snap is newer
// than the state and lists a different instance set. Snapshots older than
// the state never replace it.
func (rr *RoundRobin) cursor(service string, snap *registry.Snapshot) *cursorState {
	v, ok := rr.cursors.Load(service)
	if !ok {
		v, _ = rr.cursors.LoadOrStore(service, new(atomic.Pointer[cursorState]))
	}
	ptr := v.(*atomic.Pointer[cursorState])

	set, version := snap.SetKey(service), snap.Version()
	for {
		cur := ptr.Load()
		var next *cursorState
		switch {
		case cur == nil:
			next = &cursorState{set: set, version: version, n: new(atomic.Uint64)}
		case version <= cur.version:
			return cur
		case set == cur.set:
			// Same instances in a newer snapshot: keep counting.
			next = &cursorState{set: set, version: version, n: cur.n}
		default:
			next = &cursorState{set: set, version: version, n: new(atomic.Uint64)}
		}
		if ptr.CompareAndSwap(cur, next) {
			return next
		}
	}
}
