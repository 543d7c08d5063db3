package loadbalancer

import (
	"math/rand/v2"

	"github.com/medrecords/gateway/internal/registry"
)

// Random picks a uniformly random healthy instance.
type Random struct{}

// NewRandom creates a new random balancer.
func NewRandom() *Random {
	return &Random{}
}

// Select returns a random healthy instance of service.
func (r Random) Select(service string, snap *registry.Snapshot) (*registry.Instance, error) {
	healthy := snap.Healthy(service)
	if len(healthy) == 0 {
		return nil, ErrNoInstanceAvailable
	}
	return r.pick(healthy), nil
}

func (Random) pick(candidates []*registry.Instance) *registry.Instance {
	return candidates[rand.IntN(len(candidates))]
}
