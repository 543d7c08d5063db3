package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// idempotentMethods lists the methods a route may retry.
var idempotentMethods = map[string]bool{
	"GET": true, "HEAD": true, "OPTIONS": true, "PUT": true, "DELETE": true,
}

// validLoadBalancers lists the supported selection policies.
var validLoadBalancers = map[string]bool{
	"round_robin": true,
	"least_conn":  true,
	"random":      true,
}

// maxRetryAttempts caps retry.max_attempts.
const maxRetryAttempts = 5

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin address is required when admin is enabled")
	}

	if err := l.validateRegistry(cfg.Registry); err != nil {
		return err
	}

	if cfg.Upstream.ConnectTimeout <= 0 {
		return fmt.Errorf("upstream connect_timeout must be positive")
	}
	if cfg.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream request_timeout must be positive")
	}

	if !validLoadBalancers[cfg.LoadBalancer] {
		return fmt.Errorf("invalid load_balancer: %s", cfg.LoadBalancer)
	}

	if cfg.HealthCheck.Enabled {
		if !strings.HasPrefix(cfg.HealthCheck.Path, "/") {
			return fmt.Errorf("health_check path must start with /")
		}
		if cfg.HealthCheck.UnhealthyAfter < 1 {
			return fmt.Errorf("health_check unhealthy_after must be at least 1")
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}

	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if err := l.validateRoute(route); err != nil {
			return err
		}
	}

	if cfg.CORS.Enabled {
		for _, origin := range cfg.CORS.AllowOrigins {
			if origin == "*" {
				continue
			}
			u, err := url.Parse(origin)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("cors: invalid origin %q", origin)
			}
		}
	}

	return nil
}

func (l *Loader) validateRegistry(rc RegistryConfig) error {
	switch rc.Type {
	case "consul":
		if rc.Consul.Address == "" {
			return fmt.Errorf("registry consul address is required")
		}
		if rc.Consul.WaitTime < 0 || (rc.Consul.WaitTime > 0 && rc.Consul.WaitTime >= rc.RefreshTimeout) {
			return fmt.Errorf("registry consul wait_time must be shorter than refresh_timeout")
		}
	case "etcd":
		if len(rc.Etcd.Endpoints) == 0 {
			return fmt.Errorf("registry etcd endpoints are required")
		}
	case "memory":
		for name, addrs := range rc.Memory.Services {
			for _, addr := range addrs {
				if !strings.Contains(addr, ":") {
					return fmt.Errorf("registry memory service %s: address %q must be host:port", name, addr)
				}
			}
		}
	default:
		return fmt.Errorf("invalid registry type: %s", rc.Type)
	}

	if rc.RefreshInterval <= 0 {
		return fmt.Errorf("registry refresh_interval must be positive")
	}
	if rc.InstanceTTL <= 0 {
		return fmt.Errorf("registry instance_ttl must be positive")
	}
	if rc.FailureThreshold < 1 {
		return fmt.Errorf("registry failure_threshold must be at least 1")
	}
	return nil
}

func (l *Loader) validateRoute(route RouteConfig) error {
	if route.Path == "" {
		return fmt.Errorf("route %s: path is required", route.ID)
	}
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("route %s: path must start with /", route.ID)
	}
	if route.Service == "" {
		return fmt.Errorf("route %s: service is required", route.ID)
	}
	if route.StripPrefix != nil && *route.StripPrefix < 0 {
		return fmt.Errorf("route %s: strip_prefix must not be negative", route.ID)
	}
	if route.LoadBalancer != "" && !validLoadBalancers[route.LoadBalancer] {
		return fmt.Errorf("route %s: invalid load_balancer: %s", route.ID, route.LoadBalancer)
	}
	if route.Timeout < 0 {
		return fmt.Errorf("route %s: timeout must not be negative", route.ID)
	}

	if route.Retry.MaxAttempts < 0 || route.Retry.MaxAttempts > maxRetryAttempts {
		return fmt.Errorf("route %s: retry max_attempts must be between 1 and %d", route.ID, maxRetryAttempts)
	}
	for _, m := range route.Retry.Methods {
		if !idempotentMethods[strings.ToUpper(m)] {
			return fmt.Errorf("route %s: retry method %s is not idempotent", route.ID, m)
		}
	}

	if route.CircuitBreaker.Enabled && route.CircuitBreaker.FailureThreshold < 0 {
		return fmt.Errorf("route %s: circuit_breaker failure_threshold must not be negative", route.ID)
	}
	return nil
}
