package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/medrecords/gateway/internal/config"
)

// TransportConfig configures the pooled HTTP transport used for every
// backend instance.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// DialTimeout bounds establishing the TCP connection.
	DialTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for the response status line
	// once the request is written. Zero leaves it to the per-request
	// deadline, which route timeouts may raise above the upstream default.
	ResponseHeaderTimeout time.Duration
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         2 * time.Second,
}

// TransportConfigFrom maps upstream settings onto a TransportConfig, keeping
// defaults for zero values.
func TransportConfigFrom(cfg config.UpstreamConfig) TransportConfig {
	tc := DefaultTransportConfig
	if cfg.MaxIdleConns > 0 {
		tc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		tc.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if cfg.ConnectTimeout > 0 {
		tc.DialTimeout = cfg.ConnectTimeout
	}
	return tc
}

// NewTransport creates a new HTTP transport with the given configuration.
// Backends are plain HTTP inside the platform network, so no proxy from the
// environment is honoured.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
}
