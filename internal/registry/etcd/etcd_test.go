package etcd

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medrecords/gateway/internal/registry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// memKV keeps puts in a map; only the calls the registry makes are backed.
type memKV struct {
	clientv3.KV
	lease *stubLease

	mu   sync.Mutex
	data map[string]*mvccpb.KeyValue
}

func newMemKV(lease *stubLease) *memKV {
	return &memKV{lease: lease, data: make(map[string]*mvccpb.KeyValue)}
}

func (m *memKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv := &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val)}
	if len(opts) > 0 {
		kv.Lease = int64(m.lease.lastID())
	}
	m.data[key] = kv
	return &clientv3.PutResponse{}, nil
}

func (m *memKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, m.data[k])
	}
	return resp, nil
}

func (m *memKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return &clientv3.DeleteResponse{}, nil
	}
	delete(m.data, key)
	return &clientv3.DeleteResponse{Deleted: 1}, nil
}

type stubLease struct {
	clientv3.Lease
	grantErr error

	mu        sync.Mutex
	id        clientv3.LeaseID
	ttl       int64
	keptAlive clientv3.LeaseID
	stopped   chan struct{}
}

func newStubLease() *stubLease {
	return &stubLease{stopped: make(chan struct{})}
}

func (l *stubLease) lastID() clientv3.LeaseID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

func (l *stubLease) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	if l.grantErr != nil {
		return nil, l.grantErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id++
	l.ttl = ttl
	return &clientv3.LeaseGrantResponse{ID: l.id, TTL: ttl}, nil
}

func (l *stubLease) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	l.mu.Lock()
	l.keptAlive = id
	l.mu.Unlock()

	ch := make(chan *clientv3.LeaseKeepAliveResponse, 1)
	ch <- &clientv3.LeaseKeepAliveResponse{ID: id}
	go func() {
		<-ctx.Done()
		close(ch)
		close(l.stopped)
	}()
	return ch, nil
}

func TestRegisterDiscoverDeregister(t *testing.T) {
	lease := newStubLease()
	kv := newMemKV(lease)
	r := newRegistry(kv, lease, nil, "/services")

	ctx, cancel := context.WithCancel(context.Background())
	svc := &registry.Service{
		ID:      "ph-1",
		Name:    "pharmacy-service",
		Address: "10.0.0.1",
		Port:    8081,
		Health:  registry.HealthPassing,
		TTL:     10 * time.Second,
	}
	if err := r.Register(ctx, svc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if lease.ttl != 10 {
		t.Errorf("lease ttl = %d, want 10", lease.ttl)
	}
	if lease.keptAlive != lease.lastID() {
		t.Errorf("keep-alive on lease %d, want %d", lease.keptAlive, lease.lastID())
	}
	if kv.data["/services/pharmacy-service/ph-1"].Lease == 0 {
		t.Error("record should be bound to the lease")
	}

	services, err := r.Discover(context.Background(), "pharmacy-service")
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 || services[0].ID != "ph-1" || services[0].Addr() != "10.0.0.1:8081" || services[0].TTL != 10*time.Second {
		t.Fatalf("discovered %+v", services)
	}

	cancel()
	select {
	case <-lease.stopped:
	case <-time.After(time.Second):
		t.Error("keep-alive did not stop with the context")
	}

	if err := r.Deregister(context.Background(), "pharmacy-service", "ph-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if services, _ := r.Discover(context.Background(), "pharmacy-service"); len(services) != 0 {
		t.Errorf("expected no instances after deregister, got %d", len(services))
	}
	if err := r.Deregister(context.Background(), "pharmacy-service", "ph-1"); !errors.Is(err, registry.ErrServiceNotFound) {
		t.Errorf("second deregister = %v, want ErrServiceNotFound", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRegisterDefaultLease(t *testing.T) {
	lease := newStubLease()
	r := newRegistry(newMemKV(lease), lease, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := &registry.Service{Name: "dialysis-service", Address: "10.0.0.4", Port: 9000}
	if err := r.Register(ctx, svc); err != nil {
		t.Fatal(err)
	}
	if lease.ttl != int64(defaultLeaseTTL/time.Second) || svc.TTL != defaultLeaseTTL {
		t.Errorf("lease ttl = %d, service ttl = %v", lease.ttl, svc.TTL)
	}

	services, _ := r.Discover(context.Background(), "dialysis-service")
	if len(services) != 1 || services[0].ID != "10.0.0.4:9000" {
		t.Errorf("instance without id should be keyed by address, got %+v", services)
	}
}

func TestRegisterLeaseFailure(t *testing.T) {
	lease := newStubLease()
	lease.grantErr = errors.New("etcd unavailable")
	kv := newMemKV(lease)
	r := newRegistry(kv, lease, nil, "")

	if err := r.Register(context.Background(), &registry.Service{Name: "pharmacy-service", Address: "10.0.0.1", Port: 1}); err == nil {
		t.Fatal("expected lease error")
	}
	if len(kv.data) != 0 {
		t.Error("nothing should be written without a lease")
	}
}

func TestDecodeServices(t *testing.T) {
	kvs := []*mvccpb.KeyValue{
		{
			Key:   []byte("/services/pharmacy-service/ph-1"),
			Value: []byte(`{"name":"pharmacy-service","address":"10.0.0.1","port":8081,"health":"passing"}`),
			Lease: 7,
		},
		{
			Key:   []byte("/services/pharmacy-service/ph-2"),
			Value: []byte(`{"address":"10.0.0.2","port":8082,"health":"critical","ttl":10000000000}`),
		},
		{
			Key:   []byte("/services/pharmacy-service/broken"),
			Value: []byte(`not json`),
		},
	}

	services := decodeServices("/services/", "pharmacy-service", kvs)
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}

	if services[0].ID != "ph-1" || services[0].Addr() != "10.0.0.1:8081" {
		t.Errorf("unexpected first service: %+v", services[0])
	}
	if services[0].TTL != defaultLeaseTTL {
		t.Errorf("leased record should default TTL, got %v", services[0].TTL)
	}

	if services[1].Name != "pharmacy-service" {
		t.Errorf("name should be taken from key, got %q", services[1].Name)
	}
	if services[1].Health != registry.HealthCritical {
		t.Errorf("expected critical, got %s", services[1].Health)
	}
	if services[1].TTL != 10*time.Second {
		t.Errorf("expected stored TTL 10s, got %v", services[1].TTL)
	}
}

func TestParseServiceKey(t *testing.T) {
	name, id := parseServiceKey("/services/", "/services/dialysis-service/abc/def")
	if name != "dialysis-service" || id != "abc/def" {
		t.Errorf("got (%q, %q)", name, id)
	}
	name, id = parseServiceKey("/services/", "/services/dialysis-service")
	if name != "dialysis-service" || id != "" {
		t.Errorf("got (%q, %q)", name, id)
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := map[string]string{
		"":         "/services/",
		"/records": "/records/",
		"/x/":      "/x/",
	}
	for in, want := range tests {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
