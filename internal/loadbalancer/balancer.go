package loadbalancer

import (
	"errors"
	"fmt"

	"github.com/medrecords/gateway/internal/registry"
)

// ErrNoInstanceAvailable is returned when a service has no healthy instance
// in the snapshot.
var ErrNoInstanceAvailable = errors.New("no instance available")

// Balancer picks one healthy instance of a service from a snapshot.
// Implementations never modify the snapshot.
type Balancer interface {
	Select(service string, snap *registry.Snapshot) (*registry.Instance, error)
}

// Tracker is implemented by balancers that account in-flight requests.
// Every Acquire must be paired with a Release.
type Tracker interface {
	Acquire(inst *registry.Instance)
	Release(inst *registry.Instance)
}

// Policy names accepted by New.
const (
	PolicyRoundRobin = "round_robin"
	PolicyLeastConn  = "least_conn"
	PolicyRandom     = "random"
)

// New creates a balancer for a policy name. An empty name selects
// round-robin.
func New(policy string) (Balancer, error) {
	switch policy {
	case "", PolicyRoundRobin:
		return NewRoundRobin(), nil
	case PolicyLeastConn:
		return NewLeastConnections(), nil
	case PolicyRandom:
		return NewRandom(), nil
	default:
		return nil, fmt.Errorf("unknown load balancer policy %q", policy)
	}
}

// picker is implemented by balancers that can choose among an explicit
// candidate list instead of a whole snapshot.
type picker interface {
	pick(candidates []*registry.Instance) *registry.Instance
}

// SelectExcluding returns an instance of service not in tried when the
// snapshot has one. Balancers that pick from candidates choose among the
// untried instances; others are asked repeatedly until they land on one.
// When every instance was already tried b selects as usual.
func SelectExcluding(b Balancer, service string, snap *registry.Snapshot, tried map[string]bool) (*registry.Instance, error) {
	healthy := snap.Healthy(service)
	if len(healthy) == 0 {
		return nil, ErrNoInstanceAvailable
	}
	if len(tried) == 0 {
		return b.Select(service, snap)
	}

	untried := make([]*registry.Instance, 0, len(healthy))
	for _, inst := range healthy {
		if !tried[inst.ID] {
			untried = append(untried, inst)
		}
	}
	if len(untried) == 0 {
		return b.Select(service, snap)
	}
	if p, ok := b.(picker); ok {
		return p.pick(untried), nil
	}

	for i := 0; i < len(healthy); i++ {
		inst, err := b.Select(service, snap)
		if err != nil {
			return nil, err
		}
		if !tried[inst.ID] {
			return inst, nil
		}
	}
	return untried[0], nil
}
