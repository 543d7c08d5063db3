package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		if r.Header.Get(RequestIDHeader) != seen {
			t.Error("request header should carry the ID to the backend")
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("expected generated UUID, got %q", seen)
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %q does not match %q", rr.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDReused(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "upstream-123" {
		t.Errorf("expected incoming ID to be kept, got %q", seen)
	}
}

func TestRequestIDTooLongReplaced(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(seen) > maxRequestIDLen {
		t.Errorf("oversized ID should be replaced, got %d chars", len(seen))
	}
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	if id := RequestIDFromContext(httptest.NewRequest("GET", "/", nil).Context()); id != "" {
		t.Errorf("expected empty ID, got %q", id)
	}
}
