package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// HealthStatus represents the health status of a service as reported by the registry
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Service represents a service instance as listed by a registry backend
type Service struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Health   HealthStatus      `json:"health"`
	// TTL is the instance's lease, if the registry publishes one.
	TTL time.Duration `json:"ttl,omitempty"`
}

// Addr returns host:port for the service
func (s *Service) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// URL returns the full URL for the service
func (s *Service) URL() string {
	return "http://" + s.Addr()
}

// Key identifies the instance within its service. Registries that do not
// assign IDs are keyed by address.
func (s *Service) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Addr()
}

// Registry lists instances of a logical service.
type Registry interface {
	// Discover returns every known instance of a service with its health.
	// An unknown service yields an empty slice, not an error.
	Discover(ctx context.Context, serviceName string) ([]*Service, error)

	// Close releases the registry connection
	Close() error
}

// RegistryType represents the type of registry
type RegistryType string

const (
	TypeConsul RegistryType = "consul"
	TypeEtcd   RegistryType = "etcd"
	TypeMemory RegistryType = "memory"
)

// ErrServiceNotFound is returned when a service is not found
var ErrServiceNotFound = fmt.Errorf("service not found")

// ErrRegistryUnavailable is returned when the registry is not available
var ErrRegistryUnavailable = fmt.Errorf("registry unavailable")
