package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/medrecords/gateway/internal/registry"
)

type entry struct {
	svc       registry.Service
	heartbeat time.Time
}

// Registry is an in-process service registry. Backends register over HTTP
// and renew with heartbeats; an instance whose heartbeat is older than its
// TTL is reported critical until it renews or is removed.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	defaultTTL time.Duration
	now        func() time.Time
}

// New creates an empty registry. defaultTTL applies to instances that
// register over the API without their own TTL; zero disables expiry.
func New(defaultTTL time.Duration) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Seed adds static instances from configuration. Seeded instances never
// expire.
func (r *Registry) Seed(services map[string][]string) error {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, addr := range services[name] {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("service %s: invalid port %q", name, portStr)
			}
			r.put(&registry.Service{
				ID:      name + "@" + addr,
				Name:    name,
				Address: host,
				Port:    port,
				Health:  registry.HealthPassing,
			})
		}
	}
	return nil
}

// Register registers a service instance, assigning an ID if it has none.
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	if service.Name == "" {
		return fmt.Errorf("name is required")
	}
	if service.Address == "" {
		return fmt.Errorf("address is required")
	}
	if service.Port <= 0 || service.Port > 65535 {
		return fmt.Errorf("invalid port %d", service.Port)
	}
	if service.ID == "" {
		service.ID = uuid.New().String()
	}
	if service.Health == "" {
		service.Health = registry.HealthPassing
	}
	if service.TTL == 0 {
		service.TTL = r.defaultTTL
	}
	r.put(service)
	return nil
}

func (r *Registry) put(service *registry.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[service.ID] = &entry{svc: *service, heartbeat: r.now()}
}

// Deregister removes a service instance
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[serviceID]; !ok {
		return registry.ErrServiceNotFound
	}
	delete(r.entries, serviceID)
	return nil
}

// Heartbeat renews an instance's lease.
func (r *Registry) Heartbeat(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[serviceID]
	if !ok {
		return registry.ErrServiceNotFound
	}
	e.heartbeat = r.now()
	return nil
}

// Discover returns every instance of a service. Lapsed leases are reported
// as critical.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var result []*registry.Service
	for _, e := range r.entries {
		if e.svc.Name != serviceName {
			continue
		}
		result = append(result, r.view(e, now))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *Registry) view(e *entry, now time.Time) *registry.Service {
	svc := e.svc
	if svc.TTL > 0 && now.Sub(e.heartbeat) > svc.TTL {
		svc.Health = registry.HealthCritical
	}
	return &svc
}

// GetAll returns all registered services
func (r *Registry) GetAll() []*registry.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	result := make([]*registry.Service, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, r.view(e, now))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Close is a no-op; the registry holds no connections.
func (r *Registry) Close() error {
	return nil
}

// RegisterRoutes mounts the self-registration API on router.
func (r *Registry) RegisterRoutes(router *httprouter.Router) {
	router.GET("/registry/services", r.handleList)
	router.POST("/registry/services", r.handleRegister)
	router.GET("/registry/services/:id", r.handleGet)
	router.PUT("/registry/services/:id/heartbeat", r.handleHeartbeat)
	router.DELETE("/registry/services/:id", r.handleDeregister)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (r *Registry) handleList(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	services := r.GetAll()
	if name := req.URL.Query().Get("name"); name != "" {
		filtered := make([]*registry.Service, 0, len(services))
		for _, svc := range services {
			if svc.Name == name {
				filtered = append(filtered, svc)
			}
		}
		services = filtered
	}
	writeJSON(w, http.StatusOK, services)
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var svc registry.Service
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&svc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := r.Register(req.Context(), &svc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (r *Registry) handleGet(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	r.mu.RLock()
	e, ok := r.entries[ps.ByName("id")]
	var svc *registry.Service
	if ok {
		svc = r.view(e, r.now())
	}
	r.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (r *Registry) handleHeartbeat(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := r.Heartbeat(req.Context(), ps.ByName("id")); err != nil {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Registry) handleDeregister(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := r.Deregister(req.Context(), ps.ByName("id")); err != nil {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
