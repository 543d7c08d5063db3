// Package cors answers browser preflights for the records front-ends and
// decorates gateway responses with Access-Control headers.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/medrecords/gateway/internal/config"
	"github.com/medrecords/gateway/internal/middleware"
)

// Handler applies one CORS policy to every routed request
type Handler struct {
	enabled          bool
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	allowAllOrigins  bool
}

// New creates a new CORS handler from config
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{
		enabled:          cfg.Enabled,
		allowOrigins:     cfg.AllowOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization, X-Request-ID"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "3600"
	}

	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// IsEnabled returns whether CORS is enabled
func (h *Handler) IsEnabled() bool {
	return h.enabled
}

// IsPreflight returns true if the request is a CORS preflight
func (h *Handler) IsPreflight(r *http.Request) bool {
	return h.enabled && r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes a 204 response with CORS headers for preflight requests
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	w.Header().Add("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	if !h.isOriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Max-Age", h.maxAge)
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a normal (non-preflight) response
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	w.Header().Add("Vary", "Origin")
}

// responseOrigin echoes the origin unless every origin is allowed without
// credentials, in which case the wildcard is returned.
func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}

	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.hospital.example
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// Middleware answers preflights itself and decorates every other response.
// A disabled handler passes requests through untouched.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !h.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.IsPreflight(r) {
				if ex := middleware.ExchangeFromContext(r.Context()); ex != nil {
					ex.Outcome = "preflight"
				}
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
