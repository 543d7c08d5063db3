package health

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medrecords/gateway/internal/config"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHealthChecker(t *testing.T) {
	var gotPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(Config{
		Path:     "/actuator/health",
		Interval: 50 * time.Millisecond,
		Timeout:  time.Second,
	})
	defer checker.Stop()

	checker.Sync([]string{server.URL})
	waitFor(t, func() bool { return checker.GetStatus(server.URL) == StatusHealthy })

	if p, _ := gotPath.Load().(string); p != "/actuator/health" {
		t.Errorf("expected probe on /actuator/health, got %q", p)
	}
}

func TestHealthCheckerUnhealthyThreshold(t *testing.T) {
	var failing atomic.Bool
	var failures atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			failures.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var mu sync.Mutex
	var transitions []Status
	checker := NewChecker(Config{
		Interval:       20 * time.Millisecond,
		Timeout:        time.Second,
		UnhealthyAfter: 3,
		OnChange: func(url string, status Status) {
			mu.Lock()
			transitions = append(transitions, status)
			mu.Unlock()
		},
	})
	defer checker.Stop()

	checker.Sync([]string{server.URL})
	waitFor(t, func() bool { return checker.GetStatus(server.URL) == StatusHealthy })

	failing.Store(true)
	waitFor(t, func() bool { return checker.GetStatus(server.URL) == StatusUnhealthy })

	if n := failures.Load(); n < 3 {
		t.Errorf("expected at least 3 failed probes before unhealthy, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != StatusHealthy || transitions[1] != StatusUnhealthy {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestHealthCheckerExpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	checker := NewChecker(Config{
		Interval:       20 * time.Millisecond,
		UnhealthyAfter: 1,
		ExpectedStatus: []StatusRange{{200, 200}},
	})
	defer checker.Stop()

	checker.Sync([]string{server.URL})
	waitFor(t, func() bool { return checker.GetStatus(server.URL) == StatusUnhealthy })
}

func TestHealthCheckerSyncRemoves(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(Config{Interval: time.Hour})
	defer checker.Stop()

	checker.Sync([]string{server.URL})
	waitFor(t, func() bool { return checker.GetStatus(server.URL) == StatusHealthy })

	checker.Sync(nil)
	if status := checker.GetStatus(server.URL); status != StatusUnknown {
		t.Errorf("expected unknown status after removal, got %s", status)
	}
	if n := len(checker.GetAllStatus()); n != 0 {
		t.Errorf("expected no targets, got %d", n)
	}
}

func TestParseStatusRange(t *testing.T) {
	tests := []struct {
		in      string
		want    StatusRange
		wantErr bool
	}{
		{"200", StatusRange{200, 200}, false},
		{"2xx", StatusRange{200, 299}, false},
		{"200-399", StatusRange{200, 399}, false},
		{"9xx", StatusRange{}, true},
		{"399-200", StatusRange{}, true},
		{"abc", StatusRange{}, true},
	}
	for _, tt := range tests {
		got, err := ParseStatusRange(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStatusRange(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStatusRange(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.HealthCheckConfig{
		Path:           "/actuator/health",
		ExpectedStatus: []string{"2xx", "304"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.ExpectedStatus) != 2 || cfg.ExpectedStatus[1] != (StatusRange{304, 304}) {
		t.Errorf("unexpected ranges: %v", cfg.ExpectedStatus)
	}

	if _, err := FromConfig(config.HealthCheckConfig{ExpectedStatus: []string{"nope"}}); err == nil {
		t.Error("expected error for invalid status range")
	}
}
