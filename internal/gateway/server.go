package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medrecords/gateway/internal/config"
	"github.com/medrecords/gateway/internal/discovery"
	"github.com/medrecords/gateway/internal/health"
	"github.com/medrecords/gateway/internal/listener"
	"github.com/medrecords/gateway/internal/metrics"
	"github.com/medrecords/gateway/internal/registry"
	"github.com/medrecords/gateway/internal/registry/consul"
	"github.com/medrecords/gateway/internal/registry/etcd"
	"github.com/medrecords/gateway/internal/registry/memory"
)

// Server ties the gateway to its registry client, health checker, public
// listener and admin API.
type Server struct {
	cfg        atomic.Pointer[config.Config]
	configPath string
	logger     *zap.Logger
	metrics    *metrics.Collector

	registry  registry.Registry
	memory    *memory.Registry // set for the memory registry
	discovery *discovery.Client
	checker   *health.Checker // nil unless active probing is enabled
	gateway   *Gateway

	public *listener.HTTPListener
	admin  *listener.HTTPListener // nil unless the admin API is enabled

	startTime time.Time

	reloadMu      sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a gateway server. configPath is the YAML file re-read
// on reload; it may be empty.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		configPath: configPath,
		logger:     logger,
		metrics:    metrics.NewCollector(),
		startTime:  time.Now(),
	}
	s.cfg.Store(cfg)

	reg, mem, err := newRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}
	s.registry, s.memory = reg, mem

	if cfg.HealthCheck.Enabled {
		hc, err := health.FromConfig(cfg.HealthCheck)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("health_check: %w", err)
		}
		hc.Logger = logger.Named("health")
		hc.OnChange = s.onProbeChange
		s.checker = health.NewChecker(hc)
	}

	s.discovery = discovery.New(reg, nil, discovery.Config{
		RefreshInterval:  cfg.Registry.RefreshInterval,
		RefreshTimeout:   cfg.Registry.RefreshTimeout,
		InstanceTTL:      cfg.Registry.InstanceTTL,
		FailureThreshold: cfg.Registry.FailureThreshold,
		Logger:           logger.Named("discovery"),
		Metrics:          s.metrics,
		OnUpdate:         s.onSnapshot,
	})

	s.gateway, err = New(Options{
		Routes:       cfg.Routes,
		LoadBalancer: cfg.LoadBalancer,
		Upstream:     cfg.Upstream,
		CORS:         cfg.CORS,
		Snapshots:    s.discovery,
		Metrics:      s.metrics,
		Logger:       logger,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}
	s.discovery.SetServices(s.gateway.Services())

	s.public = listener.NewHTTPListener(listener.ConfigFrom("public", cfg.Listener, s.gateway.Handler()))
	if cfg.Admin.Enabled {
		s.admin = listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           "admin",
			Address:      cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Logger:       logger,
		})
	}
	return s, nil
}

// newRegistry opens the configured registry backend.
func newRegistry(rc config.RegistryConfig) (registry.Registry, *memory.Registry, error) {
	switch registry.RegistryType(rc.Type) {
	case registry.TypeConsul:
		reg, err := consul.New(rc.Consul)
		return reg, nil, err
	case registry.TypeEtcd:
		reg, err := etcd.New(rc.Etcd)
		return reg, nil, err
	case registry.TypeMemory, "":
		mem := memory.New(rc.InstanceTTL)
		if err := mem.Seed(rc.Memory.Services); err != nil {
			return nil, nil, fmt.Errorf("registry.memory: %w", err)
		}
		return mem, mem, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry type %q", rc.Type)
	}
}

// onSnapshot keeps the probed set equal to the tracked instances.
func (s *Server) onSnapshot(*registry.Snapshot) {
	if s.checker != nil {
		s.checker.Sync(s.discovery.Targets())
	}
}

func (s *Server) onProbeChange(url string, status health.Status) {
	switch status {
	case health.StatusHealthy:
		s.discovery.SetProbeStatus(url, true)
	case health.StatusUnhealthy:
		s.discovery.SetProbeStatus(url, false)
	}
}

// Gateway returns the request router.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Discovery returns the registry client.
func (s *Server) Discovery() *discovery.Client {
	return s.discovery
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then drains
// in-flight requests. SIGHUP reloads the config file.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := s.public.Listen(); err != nil {
		return err
	}
	if s.admin != nil {
		if err := s.admin.Listen(); err != nil {
			return err
		}
	}

	var watcher *config.Watcher
	cfg := s.cfg.Load()
	if cfg.Reload.Watch && s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, cfg)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(newCfg *config.Config) { s.ApplyConfig(newCfg) })
		if err := w.Start(); err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		watcher = w
	}

	s.logger.Info("gateway starting",
		zap.String("address", s.public.Addr()),
		zap.String("registry", cfg.Registry.Type),
		zap.Int("routes", len(cfg.Routes)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.discovery.Run(gctx) })
	g.Go(func() error { return s.public.Serve(gctx) })
	if s.admin != nil {
		g.Go(func() error { return s.admin.Serve(gctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				result := s.Reload()
				if !result.Success {
					s.logger.Error("config reload failed", zap.String("error", result.Error))
				}
			}
		}
	})

	err := g.Wait()

	if watcher != nil {
		watcher.Stop()
	}
	if s.checker != nil {
		s.checker.Stop()
	}
	s.gateway.Forwarder().CloseIdleConnections()
	if cerr := s.registry.Close(); cerr != nil {
		s.logger.Warn("registry close failed", zap.Error(cerr))
	}
	s.logger.Info("gateway stopped")
	return err
}

// AdminHandler returns the admin API.
func (s *Server) AdminHandler() http.Handler {
	r := httprouter.New()

	r.GET("/admin/health", s.handleHealth)
	r.GET("/admin/ready", s.handleReady)
	r.GET("/admin/routes", s.handleRoutes)
	r.GET("/admin/registry", s.handleRegistry)
	r.POST("/admin/registry/refresh", s.handleRefresh)
	r.GET("/admin/health-checks", s.handleHealthChecks)
	r.POST("/admin/reload", s.handleReload)
	r.GET("/admin/reload/status", s.handleReloadStatus)
	r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())

	if s.memory != nil && s.cfg.Load().Registry.Memory.APIEnabled {
		s.memory.RegisterRoutes(r)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness; it succeeds whenever the process serves.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.discovery.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptime":           time.Since(s.startTime).String(),
		"snapshot_version": snap.Version(),
		"snapshot_taken":   snap.Taken(),
	})
}

// handleReady reports ready once the registry has been read and every
// routed service has a healthy instance.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.discovery.Current()
	ready := s.discovery.Loaded()
	var reasons []string
	if !ready {
		reasons = append(reasons, "registry not loaded")
	}

	services := make(map[string]int)
	for _, name := range s.gateway.Services() {
		n := len(snap.Healthy(name))
		services[name] = n
		if n == 0 {
			ready = false
			reasons = append(reasons, "no healthy instance of "+name)
		}
	}

	response := map[string]any{
		"services": services,
		"checks": map[string]string{
			"registry": boolStatus(s.discovery.Loaded()),
		},
	}
	status := http.StatusOK
	if ready {
		response["status"] = "ready"
	} else {
		status = http.StatusServiceUnavailable
		response["status"] = "not_ready"
		response["reasons"] = reasons
	}
	writeJSON(w, status, response)
}

// boolStatus returns "ok" or "fail" for a boolean.
func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.Routes())
}

// handleRegistry lists every tracked instance with its state.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.discovery.Current()

	failures := make(map[string]int)
	for _, name := range s.discovery.Services() {
		failures[name] = s.discovery.Failures(name)
	}
	instances := s.discovery.Instances()
	if instances == nil {
		instances = []registry.Instance{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"type":             s.cfg.Load().Registry.Type,
		"snapshot_version": snap.Version(),
		"snapshot_taken":   snap.Taken(),
		"failures":         failures,
		"instances":        instances,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.discovery.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_version": s.discovery.Current().Version(),
	})
}

func (s *Server) handleHealthChecks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	type targetStatus struct {
		URL       string `json:"url"`
		Status    string `json:"status"`
		Latency   string `json:"latency,omitempty"`
		LastCheck string `json:"last_check,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	out := []targetStatus{}
	if s.checker != nil {
		for url, res := range s.checker.GetAllStatus() {
			ts := targetStatus{URL: url, Status: string(res.Status)}
			if !res.Timestamp.IsZero() {
				ts.Latency = res.Latency.String()
				ts.LastCheck = res.Timestamp.Format(time.RFC3339)
			}
			if res.Error != nil {
				ts.Error = res.Error.Error()
			}
			out = append(out, ts)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := s.Reload()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}
