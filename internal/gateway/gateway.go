package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/medrecords/gateway/internal/circuitbreaker"
	"github.com/medrecords/gateway/internal/config"
	gwerrors "github.com/medrecords/gateway/internal/errors"
	"github.com/medrecords/gateway/internal/loadbalancer"
	"github.com/medrecords/gateway/internal/metrics"
	"github.com/medrecords/gateway/internal/middleware"
	"github.com/medrecords/gateway/internal/middleware/cors"
	"github.com/medrecords/gateway/internal/proxy"
	"github.com/medrecords/gateway/internal/registry"
	"github.com/medrecords/gateway/internal/retry"
	"github.com/medrecords/gateway/internal/router"
)

// Exchange outcomes recorded in the access log and request metrics.
const (
	OutcomeCompleted         = "completed"
	OutcomeNoRoute           = "no_route"
	OutcomeNoInstance        = "no_instance"
	OutcomeDownstreamFailure = "downstream_failure"
	OutcomeCircuitOpen       = "circuit_open"
	OutcomeAborted           = "aborted"
)

// SnapshotSource supplies the registry view requests are balanced over.
type SnapshotSource interface {
	Current() *registry.Snapshot
}

// Options configures a Gateway.
type Options struct {
	Routes []config.RouteConfig
	// LoadBalancer is the policy of routes that do not name one.
	LoadBalancer string
	Upstream     config.UpstreamConfig
	CORS         config.CORSConfig
	Snapshots    SnapshotSource
	// Forwarder overrides the one built from Upstream.
	Forwarder *proxy.Forwarder
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

type routeState struct {
	route    *router.Route
	balancer loadbalancer.Balancer
	retry    *retry.Policy
	breaker  *circuitbreaker.Breaker
}

// routing is replaced as a whole on reload; requests keep the one they
// started with.
type routing struct {
	table  *router.Table
	states map[string]*routeState
}

// Gateway routes inbound requests to healthy backend instances.
type Gateway struct {
	routing   atomic.Pointer[routing]
	snapshots SnapshotSource
	forwarder *proxy.Forwarder
	breakers  *circuitbreaker.BreakerByRoute
	metrics   *metrics.Collector
	logger    *zap.Logger
	cors      *cors.Handler

	mu            sync.Mutex // serializes SetRoutes
	defaultPolicy string
	balancers     map[string]loadbalancer.Balancer // by policy name
}

// New creates a gateway serving opts.Routes.
func New(opts Options) (*Gateway, error) {
	if opts.Snapshots == nil {
		return nil, errors.New("gateway: snapshot source is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Forwarder == nil {
		opts.Forwarder = proxy.New(proxy.ConfigFrom(opts.Upstream))
	}

	g := &Gateway{
		snapshots:     opts.Snapshots,
		forwarder:     opts.Forwarder,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		cors:          cors.New(opts.CORS),
		defaultPolicy: opts.LoadBalancer,
		balancers:     make(map[string]loadbalancer.Balancer),
	}
	g.breakers = circuitbreaker.NewBreakerByRoute(g.onBreakerState)

	if _, err := g.SetRoutes(opts.Routes, opts.LoadBalancer); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) onBreakerState(routeID, from, to string) {
	g.logger.Warn("circuit breaker state changed",
		zap.String("route", routeID),
		zap.String("from", from),
		zap.String("to", to),
	)
	g.metrics.SetCircuitBreakerState(routeID, breakerStateValue(to))
}

func breakerStateValue(state string) int {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetRoutes validates cfgs and atomically replaces the route table. On
// error the current table stays in place. Balancer cursors survive, as do
// breakers and retry counters of routes whose settings did not change.
// It returns the service names the new table routes to.
func (g *Gateway) SetRoutes(cfgs []config.RouteConfig, defaultPolicy string) ([]string, error) {
	table, err := router.NewTable(cfgs)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var prev map[string]*routeState
	if cur := g.routing.Load(); cur != nil {
		prev = cur.states
	}

	states := make(map[string]*routeState, len(cfgs))
	keep := make(map[string]bool, len(cfgs))
	for _, route := range table.Routes() {
		policy := route.LoadBalancer
		if policy == "" {
			policy = defaultPolicy
		}
		bal, err := g.balancer(policy)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.ID, err)
		}

		st := &routeState{route: route, balancer: bal}
		old := prev[route.ID]
		if old != nil && sameRetry(old.route.Retry, route.Retry) {
			st.retry = old.retry
		} else {
			st.retry = retry.NewPolicy(route.Retry)
		}

		if route.CircuitBreaker.Enabled {
			if old == nil || old.breaker == nil || old.route.CircuitBreaker != route.CircuitBreaker {
				g.breakers.AddRoute(route.ID, route.CircuitBreaker)
			}
			st.breaker = g.breakers.GetBreaker(route.ID)
			keep[route.ID] = true
		}
		states[route.ID] = st
	}

	g.breakers.Retain(keep)
	g.defaultPolicy = defaultPolicy
	g.routing.Store(&routing{table: table, states: states})
	return table.Services(), nil
}

func (g *Gateway) balancer(policy string) (loadbalancer.Balancer, error) {
	if policy == "" {
		policy = loadbalancer.PolicyRoundRobin
	}
	if b, ok := g.balancers[policy]; ok {
		return b, nil
	}
	b, err := loadbalancer.New(policy)
	if err != nil {
		return nil, err
	}
	g.balancers[policy] = b
	return b, nil
}

func sameRetry(a, b config.RetryConfig) bool {
	if a.MaxAttempts != b.MaxAttempts || a.InitialBackoff != b.InitialBackoff || a.MaxBackoff != b.MaxBackoff {
		return false
	}
	if len(a.Methods) != len(b.Methods) {
		return false
	}
	for i := range a.Methods {
		if a.Methods[i] != b.Methods[i] {
			return false
		}
	}
	return true
}

// Table returns the route table currently in use.
func (g *Gateway) Table() *router.Table {
	return g.routing.Load().table
}

// Services returns the service names the current routes forward to.
func (g *Gateway) Services() []string {
	return g.Table().Services()
}

// Forwarder returns the forwarder shared by every route.
func (g *Gateway) Forwarder() *proxy.Forwarder {
	return g.forwarder
}

// Handler returns the gateway wrapped in its middleware chain.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewChain(
		middleware.AccessLog(g.logger),
		middleware.Recovery(g.logger),
		middleware.RequestID(),
	).AppendIf(g.cors.IsEnabled(), g.cors.Middleware()).Then(g)
}

// ServeHTTP matches the request to a route, selects an instance and
// forwards the exchange, retrying on a different instance when the
// route's policy allows it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ex := middleware.ExchangeFromContext(r.Context())
	if ex == nil {
		ex = &middleware.Exchange{}
	}

	rt := g.routing.Load()
	route, ok := rt.table.Match(r.URL.Path)
	if !ok {
		ex.Outcome = OutcomeNoRoute
		g.writeError(w, r, gwerrors.ErrNoRoute)
		g.metrics.RecordRequest("", OutcomeNoRoute, http.StatusNotFound, time.Since(start))
		return
	}
	st := rt.states[route.ID]
	ex.Route = route.ID
	ex.Service = route.ServiceName

	status := g.forward(w, r, st, ex)
	g.metrics.RecordRequest(route.ID, ex.Outcome, status, time.Since(start))
}

// forward runs the attempt loop for one matched request and returns the
// status reported for it.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, st *routeState, ex *middleware.Exchange) int {
	route := st.route
	st.retry.Metrics.Requests.Add(1)

	maxAttempts := 1
	if st.retry.Allows(r.Method) {
		replayable, err := retry.PrepareBody(r)
		if err != nil {
			// the client stopped sending its body
			ex.Outcome = OutcomeAborted
			ex.Err = err
			ex.Status = 499
			return 499
		}
		if replayable {
			maxAttempts = st.retry.MaxAttempts
		}
	}

	var (
		bo      backoff.BackOff
		lastErr error
		tried   = make(map[string]bool, maxAttempts)
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if bo == nil {
				bo = st.retry.NewBackOff(r.Context())
			}
			if !retry.Wait(r.Context(), bo) {
				break
			}
			st.retry.Metrics.Retries.Add(1)
			g.metrics.RecordRetry(route.ID)
		}

		inst, err := loadbalancer.SelectExcluding(st.balancer, route.ServiceName, g.snapshots.Current(), tried)
		if err != nil {
			if lastErr != nil {
				break
			}
			st.retry.Metrics.Failures.Add(1)
			ex.Outcome = OutcomeNoInstance
			ex.Err = err
			g.writeError(w, r, gwerrors.ErrNoHealthyInstance)
			return http.StatusServiceUnavailable
		}
		tried[inst.ID] = true
		ex.Instance = inst.Addr()
		ex.Attempts = attempt

		status, written, err := g.exchange(w, r, st, inst)
		if err == nil {
			st.retry.Metrics.Successes.Add(1)
			ex.Outcome = OutcomeCompleted
			return status
		}
		lastErr = err
		if written {
			// headers already went out; the client sees a truncated body
			st.retry.Metrics.Failures.Add(1)
			ex.Err = err
			if r.Context().Err() != nil {
				ex.Outcome = OutcomeAborted
			} else {
				ex.Outcome = OutcomeDownstreamFailure
			}
			return status
		}

		retryable := attempt < maxAttempts && st.retry.Retryable(err) && r.Context().Err() == nil
		g.logger.Debug("forward attempt failed",
			zap.String("route", route.ID),
			zap.String("instance", inst.Addr()),
			zap.Int("attempt", attempt),
			zap.Bool("retrying", retryable),
			zap.Error(err),
		)
		if !retryable {
			break
		}
	}

	st.retry.Metrics.Failures.Add(1)
	return g.fail(w, r, ex, lastErr)
}

// exchange forwards to one instance. written reports whether any part of
// the response reached the client.
func (g *Gateway) exchange(w http.ResponseWriter, r *http.Request, st *routeState, inst *registry.Instance) (status int, written bool, err error) {
	var done func(error)
	if st.breaker != nil {
		if done, err = st.breaker.Allow(); err != nil {
			return 0, false, err
		}
	}

	if t, ok := st.balancer.(loadbalancer.Tracker); ok {
		t.Acquire(inst)
		defer t.Release(inst)
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.forwarder.Timeout(st.route))
	defer cancel()

	resp, err := g.forwarder.RoundTrip(ctx, r, st.route, inst)
	if err != nil {
		reportBreaker(done, err)
		return 0, false, err
	}

	if done != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			done(fmt.Errorf("backend status %d", resp.StatusCode))
		} else {
			done(nil)
		}
	}

	status = resp.StatusCode
	if _, err := g.forwarder.WriteResponse(w, resp); err != nil {
		return status, true, err
	}
	return status, true, nil
}

// reportBreaker records a forward failure. A client that went away says
// nothing about the backend and counts as a success.
func reportBreaker(done func(error), err error) {
	if done == nil {
		return
	}
	if de, ok := gwerrors.AsDownstream(err); ok && de.Kind == gwerrors.ClientDisconnected {
		done(nil)
		return
	}
	done(err)
}

// fail answers a request whose every attempt failed before a response was
// written.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, ex *middleware.Exchange, err error) int {
	ex.Err = err

	de, ok := gwerrors.AsDownstream(err)
	if !ok {
		ex.Outcome = OutcomeDownstreamFailure
		g.writeError(w, r, gwerrors.ErrBadGateway)
		return http.StatusBadGateway
	}

	switch de.Kind {
	case gwerrors.ClientDisconnected:
		ex.Outcome = OutcomeAborted
		ex.Status = de.Status()
		return ex.Status
	case gwerrors.CircuitOpen:
		ex.Outcome = OutcomeCircuitOpen
	default:
		ex.Outcome = OutcomeDownstreamFailure
		g.logger.Warn("downstream request failed",
			zap.String("route", ex.Route),
			zap.String("instance", de.Instance),
			zap.Stringer("kind", de.Kind),
			zap.Int("attempts", ex.Attempts),
			zap.Error(de.Err),
		)
	}
	g.writeError(w, r, de.Response())
	return de.Status()
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, gwErr *gwerrors.GatewayError) {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		gwErr = gwErr.WithRequestID(id)
	}
	gwErr.WriteJSON(w)
}

// RouteInfo describes one route for the admin API.
type RouteInfo struct {
	ID             string                          `json:"id"`
	Prefix         string                          `json:"prefix"`
	Service        string                          `json:"service"`
	Rewrite        string                          `json:"rewrite"`
	LoadBalancer   string                          `json:"load_balancer"`
	Timeout        string                          `json:"timeout"`
	Retry          retry.MetricsSnapshot           `json:"retry"`
	MaxAttempts    int                             `json:"max_attempts"`
	CircuitBreaker *circuitbreaker.BreakerSnapshot `json:"circuit_breaker,omitempty"`
}

// Routes describes the current routes in declaration order.
func (g *Gateway) Routes() []RouteInfo {
	g.mu.Lock()
	defaultPolicy := g.defaultPolicy
	g.mu.Unlock()

	rt := g.routing.Load()
	out := make([]RouteInfo, 0, len(rt.states))
	for _, route := range rt.table.Routes() {
		st := rt.states[route.ID]
		policy := route.LoadBalancer
		if policy == "" {
			policy = defaultPolicy
		}
		if policy == "" {
			policy = loadbalancer.PolicyRoundRobin
		}
		info := RouteInfo{
			ID:           route.ID,
			Prefix:       route.Prefix,
			Service:      route.ServiceName,
			Rewrite:      route.Rewrite.String(),
			LoadBalancer: policy,
			Timeout:      g.forwarder.Timeout(route).String(),
			Retry:        st.retry.Metrics.Snapshot(),
			MaxAttempts:  st.retry.MaxAttempts,
		}
		if st.breaker != nil {
			snap := st.breaker.Snapshot()
			info.CircuitBreaker = &snap
		}
		out = append(out, info)
	}
	return out
}
