package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/medrecords/gateway/internal/config"
	"github.com/medrecords/gateway/internal/logging"
	"github.com/medrecords/gateway/internal/registry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const defaultLeaseTTL = 30 * time.Second

// Registry reads service instances stored as JSON under
// <prefix><service>/<id>, each bound to a lease.
type Registry struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	closer func() error
	prefix string
}

// New creates a new etcd registry
func New(cfg config.EtcdConfig) (*Registry, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return newRegistry(client, client, client.Close, cfg.Prefix), nil
}

func newRegistry(kv clientv3.KV, lease clientv3.Lease, closer func() error, prefix string) *Registry {
	return &Registry{kv: kv, lease: lease, closer: closer, prefix: normalizePrefix(prefix)}
}

func normalizePrefix(p string) string {
	if p == "" {
		return "/services/"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Register stores a service instance under a lease of service.TTL (30s if
// unset) and keeps the lease alive until ctx ends.
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	ttl := service.TTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	service.TTL = ttl

	lease, err := r.lease.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(service)
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}

	key := r.serviceKey(service.Name, service.Key())
	if _, err := r.kv.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	keepAliveCh, err := r.lease.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for resp := range keepAliveCh {
			if resp == nil {
				break
			}
		}
		logging.Debug("etcd lease keep-alive stopped", zap.String("key", key))
	}()

	return nil
}

// Deregister removes a service instance from etcd
func (r *Registry) Deregister(ctx context.Context, serviceName, serviceID string) error {
	resp, err := r.kv.Delete(ctx, r.serviceKey(serviceName, serviceID))
	if err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	if resp.Deleted == 0 {
		return registry.ErrServiceNotFound
	}
	return nil
}

// Discover returns every instance of a service stored in etcd
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	resp, err := r.kv.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd: discover %s: %w", serviceName, err)
	}
	return decodeServices(r.prefix, serviceName, resp.Kvs), nil
}

// decodeServices converts stored records into services. Records that fail
// to decode are skipped.
func decodeServices(prefix, serviceName string, kvs []*mvccpb.KeyValue) []*registry.Service {
	services := make([]*registry.Service, 0, len(kvs))
	for _, kv := range kvs {
		var svc registry.Service
		if err := json.Unmarshal(kv.Value, &svc); err != nil {
			logging.Warn("skipping malformed etcd record", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		name, id := parseServiceKey(prefix, string(kv.Key))
		if svc.Name == "" {
			svc.Name = name
		}
		if svc.Name != serviceName {
			continue
		}
		if svc.ID == "" {
			svc.ID = id
		}
		if svc.Health == "" {
			svc.Health = registry.HealthPassing
		}
		if svc.TTL == 0 && kv.Lease != 0 {
			svc.TTL = defaultLeaseTTL
		}
		services = append(services, &svc)
	}
	return services
}

// Close closes the registry
func (r *Registry) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// serviceKey generates the etcd key for a service instance
func (r *Registry) serviceKey(serviceName, serviceID string) string {
	return r.prefix + serviceName + "/" + serviceID
}

// parseServiceKey extracts service name and ID from key
func parseServiceKey(prefix, key string) (serviceName, serviceID string) {
	trimmed := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
