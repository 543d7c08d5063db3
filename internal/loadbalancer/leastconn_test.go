package loadbalancer

import (
	"sync"
	"testing"
)

func TestLeastConnectionsPicksIdle(t *testing.T) {
	lc := NewLeastConnections()
	snap := snapshot(1, "a", "b", "c")

	a, _ := lc.Select(svcName, snap)
	lc.Acquire(a)
	b, _ := lc.Select(svcName, snap)
	lc.Acquire(b)
	c, _ := lc.Select(svcName, snap)

	if a.Host != "a" || b.Host != "b" || c.Host != "c" {
		t.Fatalf("expected a, b, c; got %s, %s, %s", a.Host, b.Host, c.Host)
	}

	lc.Release(a)
	next, _ := lc.Select(svcName, snap)
	if next.Host != "a" {
		t.Errorf("released instance should be picked, got %s", next.Host)
	}
}

func TestLeastConnectionsTieUsesSnapshotOrder(t *testing.T) {
	lc := NewLeastConnections()
	snap := snapshot(1, "c", "b", "a")

	for i := 0; i < 3; i++ {
		inst, err := lc.Select(svcName, snap)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Host != "a" {
			t.Errorf("with no load the first ordered instance wins, got %s", inst.Host)
		}
	}
}

func TestLeastConnectionsNoInstance(t *testing.T) {
	lc := NewLeastConnections()
	if _, err := lc.Select(svcName, snapshot(1)); err != ErrNoInstanceAvailable {
		t.Errorf("expected ErrNoInstanceAvailable, got %v", err)
	}
}

func TestLeastConnectionsConcurrentAccounting(t *testing.T) {
	lc := NewLeastConnections()
	snap := snapshot(1, "a", "b")
	inst := snap.Healthy(svcName)[0]

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lc.Acquire(inst)
			lc.Release(inst)
		}()
	}
	wg.Wait()

	if got := lc.Active(inst); got != 0 {
		t.Errorf("active = %d after balanced acquire/release, want 0", got)
	}
}

func TestLeastConnectionsIsTracker(t *testing.T) {
	b, err := New(PolicyLeastConn)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(Tracker); !ok {
		t.Error("least_conn balancer should track in-flight requests")
	}
	rr, _ := New(PolicyRoundRobin)
	if _, ok := rr.(Tracker); ok {
		t.Error("round_robin balancer should not be a Tracker")
	}
}

func TestLeastConnectionsSelectExcludingSkipsTried(t *testing.T) {
	lc := NewLeastConnections()
	snap := snapshot(1, "a", "b", "c")

	tried := map[string]bool{}
	var order []string
	for i := 0; i < 3; i++ {
		inst, err := SelectExcluding(lc, svcName, snap, tried)
		if err != nil {
			t.Fatal(err)
		}
		if tried[inst.ID] {
			t.Fatalf("attempt %d went back to %s", i+1, inst.ID)
		}
		tried[inst.ID] = true
		order = append(order, inst.Host)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected a, b, c among untried, got %v", order)
	}
}

func TestLeastConnectionsForgetsIdleInstances(t *testing.T) {
	lc := NewLeastConnections()
	first := snapshot(1, "a", "b")
	for _, inst := range first.Healthy(svcName) {
		lc.Acquire(inst)
	}
	if got := lc.Tracked(); got != 2 {
		t.Fatalf("tracked = %d with two requests in flight", got)
	}

	// a and b leave the registry; their requests finish afterwards
	for _, inst := range first.Healthy(svcName) {
		lc.Release(inst)
	}
	lc.Select(svcName, snapshot(2, "c", "d"))
	if got := lc.Tracked(); got != 0 {
		t.Errorf("tracked = %d after every request finished, want 0", got)
	}
}
