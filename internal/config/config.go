package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Listener     ListenerConfig    `yaml:"listener"`
	Admin        AdminConfig       `yaml:"admin"`
	Registry     RegistryConfig    `yaml:"registry"`
	HealthCheck  HealthCheckConfig `yaml:"health_check"`
	Upstream     UpstreamConfig    `yaml:"upstream"`
	LoadBalancer string            `yaml:"load_balancer"` // "round_robin"|"least_conn"|"random"
	Routes       []RouteConfig     `yaml:"routes"`
	CORS         CORSConfig        `yaml:"cors"`
	Logging      LoggingConfig     `yaml:"logging"`
	Reload       ReloadConfig      `yaml:"reload"`
}

// ListenerConfig defines the public HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8070"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// RegistryConfig defines service registry settings
type RegistryConfig struct {
	Type             string        `yaml:"type"` // consul, etcd, memory
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
	InstanceTTL      time.Duration `yaml:"instance_ttl"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive refresh failures before TTL eviction
	Consul           ConsulConfig  `yaml:"consul"`
	Etcd             EtcdConfig    `yaml:"etcd"`
	Memory           MemoryConfig  `yaml:"memory"`
}

// ConsulConfig defines Consul-specific settings
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
	Namespace  string `yaml:"namespace"`
	// WaitTime turns lookups into blocking queries that return early when
	// the service's index moves. Zero disables blocking.
	WaitTime time.Duration `yaml:"wait_time"`
}

// EtcdConfig defines etcd-specific settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MemoryConfig defines in-memory registry settings. Services are seeded at
// startup; backends may also register themselves through the admin API.
type MemoryConfig struct {
	APIEnabled bool                `yaml:"api_enabled"`
	Services   map[string][]string `yaml:"services"` // service name -> ["host:port", ...]
}

// HealthCheckConfig defines active instance probing
type HealthCheckConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	Method         string        `yaml:"method"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
	ExpectedStatus []string      `yaml:"expected_status"` // "200", "2xx", "200-399"
}

// UpstreamConfig defines how the gateway talks to backend instances
type UpstreamConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
}

// RouteConfig defines a single route
type RouteConfig struct {
	ID             string               `yaml:"id"`
	Path           string               `yaml:"path"`    // "/pharmacy/**"
	Service        string               `yaml:"service"` // logical service name
	StripPrefix    *int                 `yaml:"strip_prefix"`
	Passthrough    bool                 `yaml:"passthrough"`
	LoadBalancer   string               `yaml:"load_balancer"`
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// StripSegments returns the number of leading path segments removed before
// forwarding. Zero means the path is forwarded unmodified.
func (rc RouteConfig) StripSegments() int {
	if rc.Passthrough {
		return 0
	}
	if rc.StripPrefix == nil {
		return 1
	}
	return *rc.StripPrefix
}

// RetryConfig defines retry policy settings. Retries are off unless
// MaxAttempts is greater than one.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	Methods        []string      `yaml:"methods"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// CircuitBreakerConfig defines circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxRequests      int           `yaml:"max_requests"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CORSConfig defines CORS settings
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr, or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// ReloadConfig defines config hot-reload settings
type ReloadConfig struct {
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultRoutes is the canonical route set of the records platform.
func DefaultRoutes() []RouteConfig {
	services := []string{"dialysis", "hospitalization", "pharmacy", "diagnostic"}
	routes := make([]RouteConfig, 0, len(services))
	for _, name := range services {
		routes = append(routes, RouteConfig{
			ID:      name + "-service",
			Path:    "/" + name + "/**",
			Service: name + "-service",
		})
	}
	return routes
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8070",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   15 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8071",
		},
		Registry: RegistryConfig{
			Type:             "memory",
			RefreshInterval:  5 * time.Second,
			RefreshTimeout:   2 * time.Second,
			InstanceTTL:      30 * time.Second,
			FailureThreshold: 3,
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/services/",
				DialTimeout: 5 * time.Second,
			},
			Memory: MemoryConfig{
				APIEnabled: true,
			},
		},
		HealthCheck: HealthCheckConfig{
			Path:           "/actuator/health",
			Method:         "GET",
			Interval:       10 * time.Second,
			Timeout:        2 * time.Second,
			HealthyAfter:   1,
			UnhealthyAfter: 3,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout:      2 * time.Second,
			RequestTimeout:      5 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		LoadBalancer: "round_robin",
		Routes:       DefaultRoutes(),
		CORS: CORSConfig{
			AllowOrigins: []string{"http://localhost:4200"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Reload: ReloadConfig{
			Debounce: 500 * time.Millisecond,
		},
	}
}
