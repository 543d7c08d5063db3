// Package listener runs the gateway's HTTP servers with bounded graceful
// shutdown.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medrecords/gateway/internal/config"
)

// HTTPListener wraps an http.Server bound to one address
type HTTPListener struct {
	id              string
	address         string
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *zap.Logger
}

// ConfigFrom builds a listener config for the public listener settings.
func ConfigFrom(id string, lc config.ListenerConfig, handler http.Handler) HTTPListenerConfig {
	return HTTPListenerConfig{
		ID:                id,
		Address:           lc.Address,
		Handler:           handler,
		ReadTimeout:       lc.ReadTimeout,
		WriteTimeout:      lc.WriteTimeout,
		IdleTimeout:       lc.IdleTimeout,
		MaxHeaderBytes:    lc.MaxHeaderBytes,
		ReadHeaderTimeout: lc.ReadHeaderTimeout,
		ShutdownTimeout:   lc.ShutdownTimeout,
	}
}

// NewHTTPListener creates a new HTTP listener. Zero timeouts get defaults;
// WriteTimeout stays unset unless configured so long streamed responses
// are not cut off.
func NewHTTPListener(cfg HTTPListenerConfig) *HTTPListener {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 15 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPListener{
		id:              cfg.ID,
		address:         cfg.Address,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           cfg.Handler,
			ReadTimeout:       readTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       idleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Listen binds the address. It is called by Serve when needed; calling
// it first lets callers learn the bound address of ":0".
func (h *HTTPListener) Listen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	h.listener = ln
	return nil
}

// Addr returns the bound address once listening, else the configured one.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Serve accepts connections until ctx is done, then stops accepting and
// waits up to the shutdown timeout for in-flight requests. Connections
// still busy after that are closed.
func (h *HTTPListener) Serve(ctx context.Context) error {
	if err := h.Listen(); err != nil {
		return err
	}

	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("listener started", zap.String("listener", h.id), zap.String("address", ln.Addr().String()))
		errCh <- h.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listener %s: %w", h.id, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	h.logger.Info("listener draining", zap.String("listener", h.id), zap.Duration("timeout", h.shutdownTimeout))
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("listener drain incomplete, closing connections", zap.String("listener", h.id), zap.Error(err))
		h.server.Close()
	}
	<-errCh
	return nil
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
