package consul

import (
	"context"
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/medrecords/gateway/internal/config"
	"github.com/medrecords/gateway/internal/registry"
)

// Registry lists service instances from Consul's health endpoint
type Registry struct {
	client     *consulapi.Client
	datacenter string
	namespace  string
	waitTime   time.Duration

	mu      sync.Mutex
	indexes map[string]uint64
}

// New creates a new Consul registry. No request is made until Discover.
func New(cfg config.ConsulConfig) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		namespace:  cfg.Namespace,
		waitTime:   cfg.WaitTime,
		indexes:    make(map[string]uint64),
	}, nil
}

// Discover returns every instance of a service, passing or not, with its
// aggregated check status. With a wait time configured, lookups after the
// first block until the service changes or the wait time passes.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	queryOpts := &consulapi.QueryOptions{
		Datacenter: r.datacenter,
		Namespace:  r.namespace,
	}
	if r.waitTime > 0 {
		if idx := r.LastIndex(serviceName); idx > 0 {
			queryOpts.WaitIndex = idx
			queryOpts.WaitTime = r.waitTime
		}
	}

	entries, meta, err := r.client.Health().Service(serviceName, "", false, queryOpts.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul: discover %s: %w", serviceName, err)
	}

	if meta != nil {
		r.mu.Lock()
		// an index that goes backwards means the agent's state was reset
		if meta.LastIndex < r.indexes[serviceName] {
			r.indexes[serviceName] = 0
		} else {
			r.indexes[serviceName] = meta.LastIndex
		}
		r.mu.Unlock()
	}

	services := make([]*registry.Service, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		svc := &registry.Service{
			ID:       entry.Service.ID,
			Name:     entry.Service.Service,
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Health:   convertHealth(entry.Checks),
		}

		// Use node address if service address is empty
		if svc.Address == "" && entry.Node != nil {
			svc.Address = entry.Node.Address
		}

		services = append(services, svc)
	}

	return services, nil
}

// LastIndex returns the Raft index of the last successful lookup of a
// service, or zero.
func (r *Registry) LastIndex(serviceName string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexes[serviceName]
}

// convertHealth converts Consul health checks to registry health status
func convertHealth(checks consulapi.HealthChecks) registry.HealthStatus {
	status := registry.HealthPassing
	for _, check := range checks {
		switch check.Status {
		case consulapi.HealthCritical, consulapi.HealthMaint:
			return registry.HealthCritical
		case consulapi.HealthWarning:
			status = registry.HealthWarning
		}
	}
	return status
}

// Close is a no-op; the HTTP client holds no long-lived state.
func (r *Registry) Close() error {
	return nil
}
