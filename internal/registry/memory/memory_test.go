package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/medrecords/gateway/internal/registry"
)

func TestMemoryRegistry(t *testing.T) {
	r := New(0)
	ctx := context.Background()

	svc := &registry.Service{
		ID:      "svc-1",
		Name:    "pharmacy-service",
		Address: "127.0.0.1",
		Port:    8080,
	}
	if err := r.Register(ctx, svc); err != nil {
		t.Fatalf("failed to register service: %v", err)
	}

	services, err := r.Discover(ctx, "pharmacy-service")
	if err != nil {
		t.Fatalf("failed to discover services: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(services))
	}
	if services[0].ID != "svc-1" {
		t.Errorf("expected service ID 'svc-1', got '%s'", services[0].ID)
	}
	if services[0].Health != registry.HealthPassing {
		t.Errorf("expected default health passing, got %s", services[0].Health)
	}

	other, _ := r.Discover(ctx, "dialysis-service")
	if len(other) != 0 {
		t.Errorf("expected no dialysis instances, got %d", len(other))
	}
}

func TestMemoryRegistryAssignsID(t *testing.T) {
	r := New(0)
	svc := &registry.Service{Name: "pharmacy-service", Address: "127.0.0.1", Port: 8080}
	if err := r.Register(context.Background(), svc); err != nil {
		t.Fatal(err)
	}
	if svc.ID == "" {
		t.Error("expected an ID to be assigned")
	}
}

func TestMemoryRegistryRejectsInvalid(t *testing.T) {
	r := New(0)
	ctx := context.Background()
	for _, svc := range []*registry.Service{
		{Address: "127.0.0.1", Port: 8080},
		{Name: "x", Port: 8080},
		{Name: "x", Address: "127.0.0.1"},
	} {
		if err := r.Register(ctx, svc); err == nil {
			t.Errorf("expected error registering %+v", svc)
		}
	}
}

func TestMemoryRegistryDeregister(t *testing.T) {
	r := New(0)
	ctx := context.Background()
	r.Register(ctx, &registry.Service{ID: "svc-1", Name: "pharmacy-service", Address: "127.0.0.1", Port: 8080})

	if err := r.Deregister(ctx, "svc-1"); err != nil {
		t.Fatalf("failed to deregister: %v", err)
	}
	services, _ := r.Discover(ctx, "pharmacy-service")
	if len(services) != 0 {
		t.Errorf("expected 0 services after deregister, got %d", len(services))
	}
	if err := r.Deregister(ctx, "svc-1"); err != registry.ErrServiceNotFound {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestMemoryRegistryHeartbeatLapse(t *testing.T) {
	r := New(10 * time.Second)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	r.Register(ctx, &registry.Service{ID: "svc-1", Name: "pharmacy-service", Address: "127.0.0.1", Port: 8080})

	now = now.Add(11 * time.Second)
	services, _ := r.Discover(ctx, "pharmacy-service")
	if services[0].Health != registry.HealthCritical {
		t.Errorf("expected critical after lapse, got %s", services[0].Health)
	}

	if err := r.Heartbeat(ctx, "svc-1"); err != nil {
		t.Fatal(err)
	}
	services, _ = r.Discover(ctx, "pharmacy-service")
	if services[0].Health != registry.HealthPassing {
		t.Errorf("expected passing after heartbeat, got %s", services[0].Health)
	}

	if err := r.Heartbeat(ctx, "missing"); err != registry.ErrServiceNotFound {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestMemoryRegistrySeed(t *testing.T) {
	r := New(time.Second)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	err := r.Seed(map[string][]string{
		"pharmacy-service": {"10.0.0.1:8080", "10.0.0.2:8080"},
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	// seeded instances never lapse
	now = now.Add(time.Hour)
	services, _ := r.Discover(context.Background(), "pharmacy-service")
	if len(services) != 2 {
		t.Fatalf("expected 2 seeded instances, got %d", len(services))
	}
	for _, svc := range services {
		if svc.Health != registry.HealthPassing {
			t.Errorf("seeded instance %s should be passing, got %s", svc.ID, svc.Health)
		}
	}

	if err := r.Seed(map[string][]string{"x": {"no-port"}}); err == nil {
		t.Error("expected error for address without port")
	}
}

func TestMemoryRegistryAPI(t *testing.T) {
	r := New(30 * time.Second)
	router := httprouter.New()
	r.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	body := `{"name":"diagnostic-service","address":"127.0.0.1","port":9001}`
	resp, err := http.Post(srv.URL+"/registry/services", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var created registry.Service
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if created.ID == "" {
		t.Fatal("expected assigned ID in response")
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/registry/services/"+created.ID+"/heartbeat", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("heartbeat: expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/registry/services?name=diagnostic-service")
	if err != nil {
		t.Fatal(err)
	}
	var listed []registry.Service
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if len(listed) != 1 {
		t.Errorf("expected 1 listed service, got %d", len(listed))
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/registry/services/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/registry/services/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/registry/services", "application/json", strings.NewReader(`{"name":""}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid register: expected 400, got %d", resp.StatusCode)
	}
}
