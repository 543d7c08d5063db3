package registry

import (
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// State is the gateway's local view of an instance's health.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateUnhealthy
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateEvicted:
		return "EVICTED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Instance is one reachable endpoint of a logical service.
type Instance struct {
	ID          string    `json:"id"`
	ServiceName string    `json:"service"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	State       State     `json:"state"`
	LastSeen    time.Time `json:"last_seen"`
}

// Addr returns host:port.
func (i *Instance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the base URL requests are forwarded to.
func (i *Instance) URL() string {
	return "http://" + i.Addr()
}

type serviceView struct {
	healthy []*Instance
	key     uint64
}

// Snapshot is an immutable point-in-time view of the healthy instances of
// every tracked service. A nil *Snapshot is valid and empty.
type Snapshot struct {
	version  uint64
	taken    time.Time
	services map[string]*serviceView
}

// NewSnapshot builds a snapshot from the given instances. Only HEALTHY
// instances are kept; each service's sequence is ordered by host, port and
// ID. services lists names that must appear even with no healthy instance.
// The instances are copied, so callers may keep mutating their records.
func NewSnapshot(version uint64, taken time.Time, services []string, instances []*Instance) *Snapshot {
	s := &Snapshot{
		version:  version,
		taken:    taken,
		services: make(map[string]*serviceView, len(services)),
	}
	for _, name := range services {
		s.services[name] = &serviceView{}
	}

	for _, inst := range instances {
		if inst.State != StateHealthy {
			continue
		}
		view, ok := s.services[inst.ServiceName]
		if !ok {
			view = &serviceView{}
			s.services[inst.ServiceName] = view
		}
		cp := *inst
		view.healthy = append(view.healthy, &cp)
	}

	for _, view := range s.services {
		sort.Slice(view.healthy, func(a, b int) bool {
			x, y := view.healthy[a], view.healthy[b]
			if x.Host != y.Host {
				return x.Host < y.Host
			}
			if x.Port != y.Port {
				return x.Port < y.Port
			}
			return x.ID < y.ID
		})
		view.key = fingerprint(view.healthy)
	}
	return s
}

func fingerprint(instances []*Instance) uint64 {
	if len(instances) == 0 {
		return 0
	}
	d := xxhash.New()
	for _, inst := range instances {
		d.WriteString(inst.ID)
		d.WriteString("\x00")
		d.WriteString(inst.Addr())
		d.WriteString("\n")
	}
	return d.Sum64()
}

// Version increases with every published snapshot.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Taken is when the snapshot was built.
func (s *Snapshot) Taken() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.taken
}

// Services returns the tracked service names in sorted order.
func (s *Snapshot) Services() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Healthy returns the ordered healthy instances of a service. The slice
// is shared and must not be modified.
func (s *Snapshot) Healthy(service string) []*Instance {
	if s == nil {
		return nil
	}
	if view, ok := s.services[service]; ok {
		return view.healthy
	}
	return nil
}

// SetKey fingerprints the healthy instance set of a service. Two snapshots
// return the same key for a service exactly when its sequences are equal.
func (s *Snapshot) SetKey(service string) uint64 {
	if s == nil {
		return 0
	}
	if view, ok := s.services[service]; ok {
		return view.key
	}
	return 0
}
