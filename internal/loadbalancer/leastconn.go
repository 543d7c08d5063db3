package loadbalancer

import (
	"sync"

	"github.com/medrecords/gateway/internal/registry"
)

// LeastConnections picks the healthy instance with the fewest in-flight
// requests. Ties are broken by snapshot order.
type LeastConnections struct {
	mu sync.Mutex
	// only instances with requests in flight have an entry
	active map[string]int64 // service/instance id -> in-flight count
}

// NewLeastConnections creates a new least-connections balancer.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{active: make(map[string]int64)}
}

func activeKey(inst *registry.Instance) string {
	return inst.ServiceName + "/" + inst.ID
}

// Select returns the least loaded healthy instance of service.
func (lc *LeastConnections) Select(service string, snap *registry.Snapshot) (*registry.Instance, error) {
	healthy := snap.Healthy(service)
	if len(healthy) == 0 {
		return nil, ErrNoInstanceAvailable
	}
	return lc.pick(healthy), nil
}

func (lc *LeastConnections) pick(candidates []*registry.Instance) *registry.Instance {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	best := candidates[0]
	bestActive := lc.active[activeKey(best)]
	for _, inst := range candidates[1:] {
		if active := lc.active[activeKey(inst)]; active < bestActive {
			best = inst
			bestActive = active
		}
	}
	return best
}

// Active returns the in-flight request count of an instance.
func (lc *LeastConnections) Active(inst *registry.Instance) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.active[activeKey(inst)]
}

// Tracked returns how many instances currently have requests in flight.
func (lc *LeastConnections) Tracked() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.active)
}

// Acquire marks a request to inst as in flight.
func (lc *LeastConnections) Acquire(inst *registry.Instance) {
	lc.mu.Lock()
	lc.active[activeKey(inst)]++
	lc.mu.Unlock()
}

// Release marks a request to inst as finished. An instance with nothing
// in flight is forgotten, so evicted instances leave no entry behind.
func (lc *LeastConnections) Release(inst *registry.Instance) {
	key := activeKey(inst)
	lc.mu.Lock()
	if n := lc.active[key] - 1; n > 0 {
		lc.active[key] = n
	} else {
		delete(lc.active, key)
	}
	lc.mu.Unlock()
}
