// Package discovery keeps the gateway's live view of backend instances.
//
// A Client polls a registry.Registry for every routed service, merges the
// result with local probe outcomes and publishes an immutable
// registry.Snapshot. Readers call Current, which never blocks.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/medrecords/gateway/internal/metrics"
	"github.com/medrecords/gateway/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config controls refresh cadence and eviction.
type Config struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	// InstanceTTL applies to instances whose registry publishes no lease.
	InstanceTTL time.Duration
	// FailureThreshold is the number of consecutive failed lookups of a
	// service after which instances with an expired TTL are evicted.
	FailureThreshold int
	// MaxConcurrentLookups bounds parallel registry calls per refresh.
	MaxConcurrentLookups int

	Logger  *zap.Logger
	Metrics *metrics.Collector
	// OnUpdate runs after each published snapshot, outside the client lock.
	OnUpdate func(*registry.Snapshot)
}

type record struct {
	inst   registry.Instance
	health registry.HealthStatus
	ttl    time.Duration
}

// Client is the registry client
type Client struct {
	reg registry.Registry
	cfg Config
	now func() time.Time

	current atomic.Pointer[registry.Snapshot]
	loaded  atomic.Bool

	mu       sync.Mutex
	version  uint64
	services []string
	records  map[string]map[string]*record // service -> instance key
	failures map[string]int
	probes   map[string]bool // instance URL -> last probe verdict

	group singleflight.Group
}

// New creates a client tracking services.
func New(reg registry.Registry, services []string, cfg Config) *Client {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 2 * time.Second
	}
	if cfg.InstanceTTL <= 0 {
		cfg.InstanceTTL = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxConcurrentLookups <= 0 {
		cfg.MaxConcurrentLookups = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Client{
		reg:      reg,
		cfg:      cfg,
		now:      time.Now,
		records:  make(map[string]map[string]*record),
		failures: make(map[string]int),
		probes:   make(map[string]bool),
	}
	c.services = dedupe(services)
	c.current.Store(registry.NewSnapshot(0, c.now(), c.services, nil))
	return c
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Current returns the most recently published snapshot.
func (c *Client) Current() *registry.Snapshot {
	return c.current.Load()
}

// Loaded reports whether at least one refresh cycle has completed.
func (c *Client) Loaded() bool {
	return c.loaded.Load()
}

// Services returns the tracked service names.
func (c *Client) Services() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.services...)
}

// Run refreshes until ctx is done. The first refresh is retried with
// exponential backoff; if it keeps failing the client proceeds with
// whatever it has and keeps polling.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = c.cfg.RefreshInterval
	b.MaxElapsedTime = 6 * c.cfg.RefreshInterval

	err := backoff.RetryNotify(func() error {
		return c.Refresh(ctx)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		c.cfg.Logger.Warn("initial registry refresh failed, retrying",
			zap.Duration("backoff", d), zap.Error(err))
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		c.cfg.Logger.Error("registry unavailable at startup, serving from partial view", zap.Error(err))
	}

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.cfg.Logger.Warn("registry refresh failed", zap.Error(err))
			}
		}
	}
}

type lookup struct {
	service   string
	instances []*registry.Service
	err       error
}

// Refresh queries the registry for every tracked service and publishes a
// new snapshot. Concurrent calls share one refresh. The returned error
// joins the per-service lookup failures.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Client) refresh(ctx context.Context) error {
	services := c.Services()
	results := make([]lookup, len(services))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.MaxConcurrentLookups)
	for i, name := range services {
		g.Go(func() error {
			found, err := c.reg.Discover(ctx, name)
			results[i] = lookup{service: name, instances: found, err: err}
			return nil
		})
	}
	g.Wait()

	var errs []error
	c.mu.Lock()
	now := c.now()
	for _, res := range results {
		if !c.tracked(res.service) {
			continue
		}
		if res.err != nil {
			c.cfg.Metrics.RecordRefreshFailure(res.service)
			c.applyFailureLocked(res.service, now)
			errs = append(errs, fmt.Errorf("%s: %w", res.service, res.err))
			continue
		}
		c.applyLocked(res.service, res.instances, now)
	}
	snap := c.publishLocked(now)
	c.mu.Unlock()

	c.loaded.Store(true)
	c.cfg.Metrics.RecordRefresh()
	c.notify(snap)
	return errors.Join(errs...)
}

func (c *Client) tracked(service string) bool {
	for _, s := range c.services {
		if s == service {
			return true
		}
	}
	return false
}

// applyLocked merges a successful lookup. The registry is authoritative:
// instances it no longer lists are evicted.
func (c *Client) applyLocked(service string, found []*registry.Service, now time.Time) {
	c.failures[service] = 0

	prev := c.records[service]
	next := make(map[string]*record, len(found))
	for _, svc := range found {
		if svc.Address == "" || svc.Port <= 0 {
			continue
		}
		key := svc.Key()
		rec, ok := prev[key]
		if !ok {
			rec = &record{inst: registry.Instance{
				ID:          key,
				ServiceName: service,
				State:       registry.StateUnknown,
			}}
		}
		rec.inst.Host = svc.Address
		rec.inst.Port = svc.Port
		rec.inst.LastSeen = now
		rec.health = svc.Health
		rec.ttl = svc.TTL
		if rec.ttl <= 0 {
			rec.ttl = c.cfg.InstanceTTL
		}
		c.transitionLocked(rec)
		next[key] = rec
	}

	for key, rec := range prev {
		if _, ok := next[key]; !ok {
			c.evictLocked(rec, "deregistered")
		}
	}
	c.records[service] = next
}

// applyFailureLocked keeps the previous records. Once the failure
// threshold is reached, records whose TTL elapsed are evicted.
func (c *Client) applyFailureLocked(service string, now time.Time) {
	c.failures[service]++
	if c.failures[service] < c.cfg.FailureThreshold {
		return
	}
	for key, rec := range c.records[service] {
		if now.Sub(rec.inst.LastSeen) > rec.ttl {
			c.evictLocked(rec, "ttl expired")
			delete(c.records[service], key)
		}
	}
}

func (c *Client) evictLocked(rec *record, reason string) {
	rec.inst.State = registry.StateEvicted
	delete(c.probes, rec.inst.URL())
	c.cfg.Logger.Info("instance evicted",
		zap.String("service", rec.inst.ServiceName),
		zap.String("instance", rec.inst.Addr()),
		zap.String("reason", reason),
	)
}

// transitionLocked derives an instance's state from its registry status
// and the last probe verdict. It reports whether the state changed.
func (c *Client) transitionLocked(rec *record) bool {
	next := registry.StateUnknown
	probe, probed := c.probes[rec.inst.URL()]

	switch {
	case rec.health == registry.HealthCritical:
		next = registry.StateUnhealthy
	case probed && !probe:
		next = registry.StateUnhealthy
	case rec.health == registry.HealthPassing, rec.health == registry.HealthWarning:
		next = registry.StateHealthy
	case probed && probe:
		next = registry.StateHealthy
	}

	if next == rec.inst.State {
		return false
	}
	c.cfg.Logger.Debug("instance state changed",
		zap.String("service", rec.inst.ServiceName),
		zap.String("instance", rec.inst.Addr()),
		zap.Stringer("from", rec.inst.State),
		zap.Stringer("to", next),
	)
	rec.inst.State = next
	return true
}

func (c *Client) publishLocked(now time.Time) *registry.Snapshot {
	c.version++
	var all []*registry.Instance
	for _, recs := range c.records {
		for _, rec := range recs {
			all = append(all, &rec.inst)
		}
	}
	snap := registry.NewSnapshot(c.version, now, c.services, all)
	c.current.Store(snap)

	for _, name := range c.services {
		c.cfg.Metrics.SetHealthyInstances(name, len(snap.Healthy(name)))
	}
	return snap
}

func (c *Client) notify(snap *registry.Snapshot) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(snap)
	}
}

// SetServices replaces the tracked service set, dropping the records of
// services no longer routed. New services appear empty until the next
// refresh.
func (c *Client) SetServices(services []string) {
	services = dedupe(services)

	c.mu.Lock()
	keep := make(map[string]bool, len(services))
	for _, s := range services {
		keep[s] = true
	}
	for _, s := range c.services {
		if keep[s] {
			continue
		}
		for _, rec := range c.records[s] {
			delete(c.probes, rec.inst.URL())
		}
		delete(c.records, s)
		delete(c.failures, s)
		c.cfg.Metrics.DeleteService(s)
	}
	c.services = services
	snap := c.publishLocked(c.now())
	c.mu.Unlock()

	c.notify(snap)
}

// SetProbeStatus records an active probe verdict for the instance at url
// and republishes when any state changes.
func (c *Client) SetProbeStatus(url string, healthy bool) {
	c.mu.Lock()
	var matched []*record
	for _, recs := range c.records {
		for _, rec := range recs {
			if rec.inst.URL() == url {
				matched = append(matched, rec)
			}
		}
	}
	if len(matched) == 0 {
		c.mu.Unlock()
		return
	}

	c.probes[url] = healthy
	changed := false
	for _, rec := range matched {
		if c.transitionLocked(rec) {
			changed = true
		}
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	snap := c.publishLocked(c.now())
	c.mu.Unlock()

	c.notify(snap)
}

// Targets returns the URLs of every tracked instance, healthy or not.
func (c *Client) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	var urls []string
	for _, recs := range c.records {
		for _, rec := range recs {
			u := rec.inst.URL()
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	sort.Strings(urls)
	return urls
}

// Instances returns a copy of every tracked instance record.
func (c *Client) Instances() []registry.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []registry.Instance
	for _, recs := range c.records {
		for _, rec := range recs {
			out = append(out, rec.inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Failures returns the consecutive lookup failures of a service.
func (c *Client) Failures(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[service]
}
