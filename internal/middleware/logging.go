package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Exchange collects what the handler chain learned about one request so
// the access log can emit a single record for it. Handlers fill it in
// through ExchangeFromContext.
type Exchange struct {
	RequestID string
	Route     string
	Service   string
	Instance  string
	// Outcome is completed, no_route, no_instance, downstream_failure,
	// circuit_open, aborted or internal_error.
	Outcome  string
	Attempts int
	// Status overrides the status seen on the wire. It is set for aborted
	// exchanges where nothing was written.
	Status int
	Err    error
}

type exchangeKey struct{}

// ExchangeFromContext returns the exchange record for the request, or nil
// outside the access log middleware.
func ExchangeFromContext(ctx context.Context) *Exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*Exchange)
	return ex
}

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// AccessLog emits one "access" record per request after the rest of the
// chain has finished, whatever the outcome.
func AccessLog(logger *zap.Logger, skipPaths ...string) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ex := &Exchange{}

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.wroteHeader = false

			next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), exchangeKey{}, ex)))

			status := lrw.status
			if ex.Status != 0 {
				status = ex.Status
			}
			outcome := ex.Outcome
			if outcome == "" {
				outcome = "completed"
			}

			var fields [16]zap.Field
			n := 0
			fields[n] = zap.String("request_id", ex.RequestID); n++
			fields[n] = zap.String("remote_addr", clientIP(r)); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("path", r.URL.Path); n++
			fields[n] = zap.String("outcome", outcome); n++
			fields[n] = zap.Int("status", status); n++
			fields[n] = zap.Int64("bytes", lrw.bytes); n++
			fields[n] = zap.Duration("latency", time.Since(start)); n++
			if ex.Route != "" {
				fields[n] = zap.String("route", ex.Route); n++
				fields[n] = zap.String("service", ex.Service); n++
			}
			if ex.Instance != "" {
				fields[n] = zap.String("instance", ex.Instance); n++
			}
			if ex.Attempts > 0 {
				fields[n] = zap.Int("attempts", ex.Attempts); n++
			}
			if ex.Err != nil {
				fields[n] = zap.Error(ex.Err); n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}
			logger.Info("access", fields[:n]...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader {
		lrw.status = status
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
