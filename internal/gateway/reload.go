package gateway

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/medrecords/gateway/internal/config"
)

const reloadHistorySize = 50

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload re-reads the config file and applies it.
func (s *Server) Reload() ReloadResult {
	if s.configPath == "" {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		})
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		})
	}
	return s.ApplyConfig(newCfg)
}

// ApplyConfig swaps in the routes of newCfg. Routes, their policies and
// the default load balancer take effect immediately; other sections are
// reported as changes that need a restart. A config whose routes do not
// build leaves the running table untouched.
func (s *Server) ApplyConfig(newCfg *config.Config) ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	oldCfg := s.cfg.Load()

	services, err := s.gateway.SetRoutes(newCfg.Routes, newCfg.LoadBalancer)
	if err != nil {
		result.Error = err.Error()
		s.logger.Error("config reload failed", zap.Error(err))
		return s.recordReloadLocked(result)
	}
	s.discovery.SetServices(services)

	// pick up instances of newly routed services without waiting a tick
	ctx, cancel := context.WithTimeout(context.Background(), newCfg.Registry.RefreshTimeout+time.Second)
	if err := s.discovery.Refresh(ctx); err != nil {
		s.logger.Warn("registry refresh after reload failed", zap.Error(err))
	}
	cancel()

	result.Success = true
	result.Changes = diffConfig(oldCfg, newCfg)
	s.cfg.Store(newCfg)

	s.logger.Info("config reloaded",
		zap.Int("routes", len(newCfg.Routes)),
		zap.Strings("changes", result.Changes),
	)
	return s.recordReloadLocked(result)
}

func (s *Server) recordReload(result ReloadResult) ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.recordReloadLocked(result)
}

func (s *Server) recordReloadLocked(result ReloadResult) ReloadResult {
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > reloadHistorySize {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-reloadHistorySize:]
	}
	return result
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

// diffConfig describes what changed between two configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]config.RouteConfig, len(oldCfg.Routes))
	for _, r := range oldCfg.Routes {
		oldRoutes[routeID(r)] = r
	}
	newRoutes := make(map[string]config.RouteConfig, len(newCfg.Routes))
	for _, r := range newCfg.Routes {
		newRoutes[routeID(r)] = r
	}

	for id, r := range newRoutes {
		old, ok := oldRoutes[id]
		switch {
		case !ok:
			changes = append(changes, "route added: "+id)
		case !reflect.DeepEqual(old, r):
			changes = append(changes, "route modified: "+id)
		}
	}
	for id := range oldRoutes {
		if _, ok := newRoutes[id]; !ok {
			changes = append(changes, "route removed: "+id)
		}
	}

	if oldCfg.LoadBalancer != newCfg.LoadBalancer {
		changes = append(changes, fmt.Sprintf("load balancer changed: %s -> %s", oldCfg.LoadBalancer, newCfg.LoadBalancer))
	}

	// sections bound at startup
	restart := []struct {
		name     string
		old, new any
	}{
		{"listener", oldCfg.Listener, newCfg.Listener},
		{"admin", oldCfg.Admin, newCfg.Admin},
		{"registry", oldCfg.Registry, newCfg.Registry},
		{"health_check", oldCfg.HealthCheck, newCfg.HealthCheck},
		{"upstream", oldCfg.Upstream, newCfg.Upstream},
		{"cors", oldCfg.CORS, newCfg.CORS},
		{"logging", oldCfg.Logging, newCfg.Logging},
	}
	for _, sec := range restart {
		if !reflect.DeepEqual(sec.old, sec.new) {
			changes = append(changes, sec.name+" changed (restart required)")
		}
	}

	sort.Strings(changes)
	return changes
}

func routeID(r config.RouteConfig) string {
	if r.ID != "" {
		return r.ID
	}
	return r.Service
}
