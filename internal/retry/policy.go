package retry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/medrecords/gateway/internal/config"
	gwerrors "github.com/medrecords/gateway/internal/errors"
)

// DefaultRetryableMethods are HTTP methods safe to retry
var DefaultRetryableMethods = []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"}

// MaxReplayBody is the largest request body kept in memory so it can be
// sent again on a retry.
const MaxReplayBody = 1 << 20

// Policy decides whether a failed forward may be attempted again
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RetryableMethods map[string]bool
	Metrics          *RouteRetryMetrics
}

// RouteRetryMetrics tracks retry statistics for a route
type RouteRetryMetrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// Snapshot returns a point-in-time copy of the metrics
func (m *RouteRetryMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// NewPolicy creates a retry policy from config. A MaxAttempts below one is
// treated as a single attempt.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Metrics:        &RouteRetryMetrics{},
	}

	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 50 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = time.Second
	}

	methods := cfg.Methods
	if len(methods) == 0 {
		methods = DefaultRetryableMethods
	}
	p.RetryableMethods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.RetryableMethods[strings.ToUpper(m)] = true
	}

	return p
}

// Enabled reports whether more than one attempt is allowed.
func (p *Policy) Enabled() bool {
	return p != nil && p.MaxAttempts > 1
}

// Allows reports whether requests with this method may be retried.
func (p *Policy) Allows(method string) bool {
	return p.Enabled() && p.RetryableMethods[method]
}

// Retryable reports whether err is a failure worth another attempt on a
// different instance. Client disconnects and open breakers are not.
func (p *Policy) Retryable(err error) bool {
	de, ok := gwerrors.AsDownstream(err)
	if !ok {
		return false
	}
	switch de.Kind {
	case gwerrors.Timeout, gwerrors.ConnectionFailure, gwerrors.ProtocolError:
		return true
	default:
		return false
	}
}

// NewBackOff returns the delay schedule between attempts.
func (p *Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Wait sleeps for the next delay of b. It returns false when the schedule
// is exhausted or ctx is done.
func Wait(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// PrepareBody makes r's body replayable when it fits in MaxReplayBody and
// reports whether it did. A larger body is left streaming from the client
// and the request must not be retried.
func PrepareBody(r *http.Request) (bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return true, nil
	}
	if r.ContentLength > MaxReplayBody {
		return false, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, MaxReplayBody+1))
	if err != nil {
		return false, err
	}
	if len(buf) > MaxReplayBody {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
		return false, nil
	}

	r.Body.Close()
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	r.Body, _ = r.GetBody()
	return true, nil
}
