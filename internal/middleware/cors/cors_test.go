package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medrecords/gateway/internal/config"
)

func TestCORSPreflight(t *testing.T) {
	h := New(config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"http://localhost:4200"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       600,
	})

	r := httptest.NewRequest("OPTIONS", "/pharmacy/medications", nil)
	r.Header.Set("Origin", "http://localhost:4200")
	r.Header.Set("Access-Control-Request-Method", "POST")

	if !h.IsPreflight(r) {
		t.Fatal("should be preflight")
	}

	w := httptest.NewRecorder()
	h.HandlePreflight(w, r)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:4200" {
		t.Errorf("expected origin http://localhost:4200, got %s", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("expected methods GET, POST, got %s", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("expected max age 600, got %s", got)
	}
}

func TestCORSPreflightDisallowedOrigin(t *testing.T) {
	h := New(config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"http://localhost:4200"},
	})

	r := httptest.NewRequest("OPTIONS", "/", nil)
	r.Header.Set("Origin", "https://evil.example")
	r.Header.Set("Access-Control-Request-Method", "POST")

	w := httptest.NewRecorder()
	h.HandlePreflight(w, r)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("should not set allow origin for disallowed origin")
	}
}

func TestCORSWildcard(t *testing.T) {
	h := New(config.CORSConfig{Enabled: true, AllowOrigins: []string{"*"}})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Origin", "https://ward.example")
	w := httptest.NewRecorder()
	h.ApplyHeaders(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected *, got %q", got)
	}

	h = New(config.CORSConfig{Enabled: true, AllowOrigins: []string{"*"}, AllowCredentials: true})
	w = httptest.NewRecorder()
	h.ApplyHeaders(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ward.example" {
		t.Errorf("credentials require the echoed origin, got %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected Allow-Credentials")
	}
}

func TestCORSSubdomainPattern(t *testing.T) {
	h := New(config.CORSConfig{Enabled: true, AllowOrigins: []string{"*.hospital.example"}})

	for origin, want := range map[string]bool{
		"https://pharmacy.hospital.example": true,
		"https://hospital.example.evil":     false,
	} {
		if got := h.isOriginAllowed(origin); got != want {
			t.Errorf("isOriginAllowed(%s) = %v, want %v", origin, got, want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := New(config.CORSConfig{
		Enabled:       true,
		AllowOrigins:  []string{"http://localhost:4200"},
		ExposeHeaders: []string{"X-Request-ID"},
	})

	called := false
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	pre := httptest.NewRequest("OPTIONS", "/pharmacy/medications", nil)
	pre.Header.Set("Origin", "http://localhost:4200")
	pre.Header.Set("Access-Control-Request-Method", "DELETE")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, pre)
	if called {
		t.Error("preflight should not reach the gateway")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}

	get := httptest.NewRequest("GET", "/pharmacy/medications", nil)
	get.Header.Set("Origin", "http://localhost:4200")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, get)
	if !called {
		t.Error("simple request should reach the gateway")
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-ID" {
		t.Errorf("expected exposed X-Request-ID, got %q", got)
	}
}

func TestCORSDisabledPassesThrough(t *testing.T) {
	h := New(config.CORSConfig{AllowOrigins: []string{"*"}})
	called := false
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest("OPTIONS", "/", nil)
	r.Header.Set("Origin", "http://localhost:4200")
	r.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !called {
		t.Error("disabled CORS should forward preflights")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disabled CORS should not add headers")
	}
}
