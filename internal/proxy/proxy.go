package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/medrecords/gateway/internal/config"
	gwerrors "github.com/medrecords/gateway/internal/errors"
	"github.com/medrecords/gateway/internal/registry"
	"github.com/medrecords/gateway/internal/router"
)

const copyBufferSize = 32 * 1024

// Forwarder sends rewritten requests to backend instances over a shared
// pool of keep-alive connections.
type Forwarder struct {
	transport      http.RoundTripper
	defaultTimeout time.Duration
	flushInterval  time.Duration
}

// Config holds forwarder configuration
type Config struct {
	// Transport overrides the pooled transport built from TransportConfig.
	Transport       http.RoundTripper
	TransportConfig TransportConfig
	DefaultTimeout  time.Duration
	// FlushInterval flushes streamed responses periodically. Zero flushes
	// only unknown-length and event-stream bodies, after every chunk.
	FlushInterval time.Duration
}

// ConfigFrom builds a forwarder Config from upstream settings.
func ConfigFrom(cfg config.UpstreamConfig) Config {
	return Config{
		TransportConfig: TransportConfigFrom(cfg),
		DefaultTimeout:  cfg.RequestTimeout,
		FlushInterval:   cfg.FlushInterval,
	}
}

// New creates a new forwarder
func New(cfg Config) *Forwarder {
	transport := cfg.Transport
	if transport == nil {
		tc := cfg.TransportConfig
		if tc == (TransportConfig{}) {
			tc = DefaultTransportConfig
		}
		transport = NewTransport(tc)
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Forwarder{
		transport:      transport,
		defaultTimeout: timeout,
		flushInterval:  cfg.FlushInterval,
	}
}

// Timeout returns the deadline applied to one exchange on route.
func (f *Forwarder) Timeout(route *router.Route) time.Duration {
	if route != nil && route.Timeout > 0 {
		return route.Timeout
	}
	return f.defaultTimeout
}

// CloseIdleConnections drops pooled connections that are not in use.
func (f *Forwarder) CloseIdleConnections() {
	if t, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// RoundTrip forwards r to inst with the path rewritten by route. ctx
// bounds the exchange and must stay live until the response body is
// consumed. Failures are returned as *errors.DownstreamError.
func (f *Forwarder) RoundTrip(ctx context.Context, r *http.Request, route *router.Route, inst *registry.Instance) (*http.Response, error) {
	out, err := f.outboundRequest(ctx, r, route, inst)
	if err != nil {
		return nil, &gwerrors.DownstreamError{Kind: gwerrors.ProtocolError, Instance: inst.Addr(), Err: err}
	}

	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		return nil, classify(ctx, r.Context(), err, inst)
	}
	removeHopHeaders(resp.Header)
	return resp, nil
}

func (f *Forwarder) outboundRequest(ctx context.Context, r *http.Request, route *router.Route, inst *registry.Instance) (*http.Request, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.Close = false

	target := route.RewriteURL(r.URL)
	target.Scheme = "http"
	target.Host = inst.Addr()
	target.Fragment = ""
	out.URL = target
	out.Host = inst.Addr()

	// A replayable body is re-read for every attempt.
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	if out.ContentLength == 0 {
		out.Body = http.NoBody
	}

	removeHopHeaders(out.Header)
	setForwardedHeaders(out.Header, r)
	return out, nil
}

// setForwardedHeaders appends the client address to X-Forwarded-For and
// fills X-Forwarded-Proto and X-Forwarded-Host unless a trusted upstream
// proxy already set them.
func setForwardedHeaders(h http.Header, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}

	if h.Get("X-Forwarded-Proto") == "" {
		if r.TLS != nil {
			h.Set("X-Forwarded-Proto", "https")
		} else {
			h.Set("X-Forwarded-Proto", "http")
		}
	}
	if h.Get("X-Forwarded-Host") == "" && r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
}

// classify maps a transport error to a downstream failure kind. clientCtx
// is the inbound request context; its cancellation means the caller left.
func classify(ctx, clientCtx context.Context, err error, inst *registry.Instance) *gwerrors.DownstreamError {
	de := &gwerrors.DownstreamError{Instance: inst.Addr(), Err: err}

	var netErr net.Error
	switch {
	case errors.Is(clientCtx.Err(), context.Canceled):
		de.Kind = gwerrors.ClientDisconnected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		de.Kind = gwerrors.Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		de.Kind = gwerrors.Timeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		de.Kind = gwerrors.ConnectionFailure
	default:
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			de.Kind = gwerrors.ConnectionFailure
		} else {
			de.Kind = gwerrors.ProtocolError
		}
	}
	return de
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// WriteResponse copies status, headers and body of resp to w and closes
// the body. The body is streamed through a fixed buffer. It returns the
// number of body bytes written.
func (f *Forwarder) WriteResponse(w http.ResponseWriter, resp *http.Response) (int64, error) {
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	return f.copyBody(w, resp)
}

func (f *Forwarder) copyBody(w http.ResponseWriter, resp *http.Response) (int64, error) {
	bp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bp)
	buf := *bp

	flusher, _ := w.(http.Flusher)
	eachChunk := resp.ContentLength == -1 ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	lastFlush := time.Now()

	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				switch {
				case eachChunk && f.flushInterval <= 0:
					flusher.Flush()
				case f.flushInterval > 0 && time.Since(lastFlush) >= f.flushInterval:
					flusher.Flush()
					lastFlush = time.Now()
				}
			}
		}
		if rerr == io.EOF {
			if flusher != nil && f.flushInterval > 0 {
				flusher.Flush()
			}
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops the fixed hop-by-hop set and any header named in
// Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
