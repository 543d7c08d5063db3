package loadbalancer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medrecords/gateway/internal/registry"
)

const svcName = "pharmacy-service"

func snapshot(version uint64, hosts ...string) *registry.Snapshot {
	instances := make([]*registry.Instance, len(hosts))
	for i, h := range hosts {
		instances[i] = &registry.Instance{
			ID:          h,
			ServiceName: svcName,
			Host:        h,
			Port:        8080,
			State:       registry.StateHealthy,
		}
	}
	return registry.NewSnapshot(version, time.Now(), []string{svcName}, instances)
}

func selectN(t *testing.T, b Balancer, snap *registry.Snapshot, n int) []string {
	t.Helper()
	out := make([]string, n)
	for i := range out {
		inst, err := b.Select(svcName, snap)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		out[i] = inst.Host
	}
	return out
}

func TestRoundRobinExactOrder(t *testing.T) {
	rr := NewRoundRobin()
	snap := snapshot(1, "a", "b", "c")

	got := selectN(t, rr, snap, 7)
	want := []string{"a", "b", "c", "a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection %d = %s, want %s (all: %v)", i+1, got[i], want[i], got)
		}
	}
}

func TestRoundRobinNoInstance(t *testing.T) {
	rr := NewRoundRobin()
	if _, err := rr.Select(svcName, snapshot(1)); err != ErrNoInstanceAvailable {
		t.Errorf("expected ErrNoInstanceAvailable, got %v", err)
	}
	if _, err := rr.Select(svcName, nil); err != ErrNoInstanceAvailable {
		t.Errorf("nil snapshot: expected ErrNoInstanceAvailable, got %v", err)
	}
}

func TestRoundRobinResetsOnSetChange(t *testing.T) {
	rr := NewRoundRobin()
	selectN(t, rr, snapshot(1, "a", "b", "c"), 2) // a, b

	// b evicted: the cursor restarts against the new set
	got := selectN(t, rr, snapshot(2, "a", "c"), 3)
	want := []string{"a", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after change, selection %d = %s, want %s", i+1, got[i], want[i])
		}
	}
}

func TestRoundRobinKeepsCountingOnSameSet(t *testing.T) {
	rr := NewRoundRobin()
	selectN(t, rr, snapshot(1, "a", "b", "c"), 1) // a

	// refresh republished the same instances
	got := selectN(t, rr, snapshot(2, "a", "b", "c"), 2)
	if got[0] != "b" || got[1] != "c" {
		t.Errorf("expected b, c after unchanged refresh, got %v", got)
	}
}

func TestRoundRobinStaleSnapshotDoesNotReset(t *testing.T) {
	rr := NewRoundRobin()
	old := snapshot(1, "a", "b", "c")
	selectN(t, rr, old, 1)

	newer := snapshot(2, "a", "c")
	selectN(t, rr, newer, 1) // resets; a

	// a request still holding the old snapshot
	if _, err := rr.Select(svcName, old); err != nil {
		t.Fatal(err)
	}

	// the newer set's cursor was not restarted by the stale call
	got := selectN(t, rr, newer, 1)
	if got[0] != "a" {
		// counter is at 3 after the stale call, (3-1) mod 2 = 0
		t.Errorf("expected a, got %s", got[0])
	}
	cs := rr.cursor(svcName, newer)
	if cs.version != 2 || cs.n.Load() != 3 {
		t.Errorf("cursor state = version %d count %d, want version 2 count 3", cs.version, cs.n.Load())
	}
}

func TestRoundRobinNeverStrandsCursor(t *testing.T) {
	rr := NewRoundRobin()
	selectN(t, rr, snapshot(1, "a", "b", "c", "d", "e"), 4) // cursor at d

	// shrink to one instance; every selection must still succeed
	got := selectN(t, rr, snapshot(2, "e"), 3)
	for _, h := range got {
		if h != "e" {
			t.Errorf("expected only e, got %v", got)
		}
	}
}

func TestRoundRobinPerServiceIndependent(t *testing.T) {
	rr := NewRoundRobin()
	instances := []*registry.Instance{
		{ID: "p1", ServiceName: "pharmacy-service", Host: "p1", Port: 1, State: registry.StateHealthy},
		{ID: "p2", ServiceName: "pharmacy-service", Host: "p2", Port: 1, State: registry.StateHealthy},
		{ID: "d1", ServiceName: "dialysis-service", Host: "d1", Port: 1, State: registry.StateHealthy},
		{ID: "d2", ServiceName: "dialysis-service", Host: "d2", Port: 1, State: registry.StateHealthy},
	}
	snap := registry.NewSnapshot(1, time.Now(), nil, instances)

	p, _ := rr.Select("pharmacy-service", snap)
	d, _ := rr.Select("dialysis-service", snap)
	if p.Host != "p1" || d.Host != "d1" {
		t.Errorf("each service should start at its first instance, got %s and %s", p.Host, d.Host)
	}
}

func TestRoundRobinConcurrentLinearizable(t *testing.T) {
	rr := NewRoundRobin()
	snap := snapshot(1, "a", "b", "c")

	const goroutines, perG = 30, 300
	var mu sync.Mutex
	counts := make(map[string]int)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]int)
			for i := 0; i < perG; i++ {
				inst, err := rr.Select(svcName, snap)
				if err != nil {
					t.Error(err)
					return
				}
				local[inst.Host]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := goroutines * perG
	for _, h := range []string{"a", "b", "c"} {
		if counts[h] != total/3 {
			t.Errorf("%s chosen %d times, want exactly %d", h, counts[h], total/3)
		}
	}
}

func TestNewPolicies(t *testing.T) {
	for _, policy := range []string{"", PolicyRoundRobin, PolicyLeastConn, PolicyRandom} {
		b, err := New(policy)
		if err != nil {
			t.Errorf("New(%q) error: %v", policy, err)
			continue
		}
		if _, err := b.Select(svcName, snapshot(1, "a")); err != nil {
			t.Errorf("%q: Select error: %v", policy, err)
		}
	}
	if _, err := New("fastest"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestSelectExcluding(t *testing.T) {
	rr := NewRoundRobin()
	snap := snapshot(1, "a", "b", "c")

	tried := map[string]bool{"a": true, "b": true}
	inst, err := SelectExcluding(rr, svcName, snap, tried)
	if err != nil {
		t.Fatal(err)
	}
	if inst.ID != "c" {
		t.Errorf("expected untried c, got %s", inst.ID)
	}

	tried["c"] = true
	if inst, err = SelectExcluding(rr, svcName, snap, tried); err != nil || inst == nil {
		t.Errorf("all tried should still return an instance, got %v, %v", inst, err)
	}

	if _, err := SelectExcluding(rr, svcName, snapshot(2), nil); err != ErrNoInstanceAvailable {
		t.Errorf("expected ErrNoInstanceAvailable, got %v", err)
	}
}

func TestRandomDistribution(t *testing.T) {
	r := NewRandom()
	snap := snapshot(1, "a", "b", "c")
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		inst, err := r.Select(svcName, snap)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Host]++
	}
	for _, h := range []string{"a", "b", "c"} {
		if counts[h] < 700 {
			t.Errorf("%s chosen only %d times", h, counts[h])
		}
	}
	if _, err := r.Select(svcName, snapshot(1)); err != ErrNoInstanceAvailable {
		t.Errorf("expected ErrNoInstanceAvailable, got %v", err)
	}
}

func ExampleRoundRobin() {
	rr := NewRoundRobin()
	snap := snapshot(1, "10.0.0.1", "10.0.0.2")
	for i := 0; i < 3; i++ {
		inst, _ := rr.Select(svcName, snap)
		fmt.Println(inst.Addr())
	}
	// Output:
	// 10.0.0.1:8080
	// 10.0.0.2:8080
	// 10.0.0.1:8080
}

func TestRandomSelectExcludingSkipsTried(t *testing.T) {
	r := NewRandom()
	snap := snapshot(1, "a", "b", "c")
	tried := map[string]bool{"a": true, "c": true}
	for i := 0; i < 100; i++ {
		inst, err := SelectExcluding(r, svcName, snap, tried)
		if err != nil {
			t.Fatal(err)
		}
		if inst.ID != "b" {
			t.Fatalf("expected the only untried instance b, got %s", inst.ID)
		}
	}
}
