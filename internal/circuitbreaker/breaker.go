package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/medrecords/gateway/internal/config"
	gwerrors "github.com/medrecords/gateway/internal/errors"
)

// Breaker is a per-route circuit breaker around a two-step gobreaker. The
// caller asks Allow before forwarding and reports the outcome through the
// returned callback.
type Breaker struct {
	name             string
	cb               *gobreaker.TwoStepCircuitBreaker[any]
	failureThreshold int
	maxRequests      int
	timeout          time.Duration

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker that opens after FailureThreshold
// consecutive failures, stays open for Timeout and then lets MaxRequests
// probe requests through. onState is called on every transition.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, onState func(from, to string)) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		maxRequests:      maxRequests,
		timeout:          timeout,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(maxRequests),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
	}
	if onState != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			onState(from.String(), to.String())
		}
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker[any](settings)
	return b
}

// Allow reports whether a request may proceed. On success the returned
// function must be called exactly once with the outcome; a nil error
// counts as success. A rejection is a CircuitOpen DownstreamError.
func (b *Breaker) Allow() (func(error), error) {
	b.totalRequests.Add(1)

	done, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &gwerrors.DownstreamError{Kind: gwerrors.CircuitOpen, Err: err}
		}
		return nil, err
	}

	return func(err error) {
		if err != nil {
			b.totalFailures.Add(1)
		} else {
			b.totalSuccesses.Add(1)
		}
		done(err)
	}, nil
}

// State returns the current state name: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	return BreakerSnapshot{
		State:                b.cb.State().String(),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		FailureThreshold:     b.failureThreshold,
		MaxRequests:          b.maxRequests,
		Timeout:              b.timeout.String(),
		TotalRequests:        b.totalRequests.Load(),
		TotalFailures:        b.totalFailures.Load(),
		TotalSuccesses:       b.totalSuccesses.Load(),
		TotalRejected:        b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State                string `json:"state"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	FailureThreshold     int    `json:"failure_threshold"`
	MaxRequests          int    `json:"max_requests"`
	Timeout              string `json:"timeout"`
	TotalRequests        int64  `json:"total_requests"`
	TotalFailures        int64  `json:"total_failures"`
	TotalSuccesses       int64  `json:"total_successes"`
	TotalRejected        int64  `json:"total_rejected"`
}

// BreakerByRoute manages circuit breakers per route
type BreakerByRoute struct {
	breakers map[string]*Breaker
	onState  func(routeID, from, to string)
	mu       sync.RWMutex
}

// NewBreakerByRoute creates a new route-based circuit breaker manager.
// onState may be nil.
func NewBreakerByRoute(onState func(routeID, from, to string)) *BreakerByRoute {
	return &BreakerByRoute{
		breakers: make(map[string]*Breaker),
		onState:  onState,
	}
}

// AddRoute adds a circuit breaker for a route
func (br *BreakerByRoute) AddRoute(routeID string, cfg config.CircuitBreakerConfig) {
	var onState func(from, to string)
	if br.onState != nil {
		onState = func(from, to string) { br.onState(routeID, from, to) }
	}
	b := NewBreaker(routeID, cfg, onState)

	br.mu.Lock()
	defer br.mu.Unlock()
	br.breakers[routeID] = b
}

// GetBreaker returns the circuit breaker for a route, or nil when the
// route has none.
func (br *BreakerByRoute) GetBreaker(routeID string) *Breaker {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return br.breakers[routeID]
}

// Retain drops breakers of routes not in ids.
func (br *BreakerByRoute) Retain(ids map[string]bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	for id := range br.breakers {
		if !ids[id] {
			delete(br.breakers, id)
		}
	}
}

// Snapshots returns snapshots of all circuit breakers
func (br *BreakerByRoute) Snapshots() map[string]BreakerSnapshot {
	br.mu.RLock()
	defer br.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(br.breakers))
	for id, b := range br.breakers {
		result[id] = b.Snapshot()
	}
	return result
}
