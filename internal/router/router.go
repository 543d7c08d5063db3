package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/medrecords/gateway/internal/config"
)

// RewriteMode selects how the matched prefix is treated before forwarding.
type RewriteMode int

const (
	// StripPrefix removes the first Segments path segments.
	StripPrefix RewriteMode = iota
	// Passthrough forwards the path unmodified.
	Passthrough
)

func (m RewriteMode) String() string {
	if m == Passthrough {
		return "passthrough"
	}
	return "strip_prefix"
}

// Rewrite is a route's path-rewrite policy.
type Rewrite struct {
	Mode     RewriteMode
	Segments int
}

func (rw Rewrite) String() string {
	if rw.Mode == Passthrough {
		return "passthrough"
	}
	return fmt.Sprintf("strip_prefix(%d)", rw.Segments)
}

// Route represents a configured route
type Route struct {
	ID             string
	Prefix         string // normalized, e.g. "/pharmacy"
	ServiceName    string
	Rewrite        Rewrite
	LoadBalancer   string
	Timeout        time.Duration
	Retry          config.RetryConfig
	CircuitBreaker config.CircuitBreakerConfig

	segments  []string
	configIdx int // insertion order for tie-breaking
}

// Segments returns the number of path segments in the route prefix.
func (route *Route) Segments() int {
	return len(route.segments)
}

// RewriteURL returns a copy of u whose path has been rewritten by the
// route's policy. Query and fragment are kept. Escaped paths stay escaped.
func (route *Route) RewriteURL(u *url.URL) *url.URL {
	out := *u
	if route.Rewrite.Mode == Passthrough || route.Rewrite.Segments == 0 {
		return &out
	}

	escaped := stripSegments(u.EscapedPath(), route.Rewrite.Segments)
	setEscapedPath(&out, escaped)
	return &out
}

// RewritePath applies the rewrite policy to an unescaped path.
func (route *Route) RewritePath(requestPath string) string {
	return route.RewriteURL(&url.URL{Path: requestPath}).Path
}

// stripSegments drops the first n non-empty segments of an escaped path.
// Dropping every segment yields "/". A trailing slash survives.
func stripSegments(path string, n int) string {
	segs := splitPath(path)
	if n >= len(segs) {
		return "/"
	}
	out := "/" + strings.Join(segs[n:], "/")
	if strings.HasSuffix(path, "/") {
		out += "/"
	}
	return out
}

func setEscapedPath(u *url.URL, escaped string) {
	p, err := url.PathUnescape(escaped)
	if err != nil {
		p = escaped
	}
	u.Path = p
	u.RawPath = ""
	if u.EscapedPath() != escaped {
		u.RawPath = escaped
	}
}

// Table is an immutable, ordered set of routes. It is safe for concurrent
// use without locking.
type Table struct {
	routes  []*Route // declaration order
	ordered []*Route // longest prefix first, declaration order within ties
}

// NewTable builds a route table from configuration.
func NewTable(cfgs []config.RouteConfig) (*Table, error) {
	t := &Table{}
	seen := make(map[string]bool, len(cfgs))

	for i, rc := range cfgs {
		if rc.ID == "" {
			rc.ID = rc.Service
		}
		if seen[rc.ID] {
			return nil, fmt.Errorf("duplicate route id: %s", rc.ID)
		}
		seen[rc.ID] = true

		if rc.Service == "" {
			return nil, fmt.Errorf("route %s: service is required", rc.ID)
		}
		prefix, err := normalizePrefix(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}

		rw := Rewrite{Mode: StripPrefix, Segments: rc.StripSegments()}
		if rw.Segments < 0 {
			return nil, fmt.Errorf("route %s: strip_prefix must not be negative", rc.ID)
		}
		if rw.Segments == 0 {
			rw.Mode = Passthrough
		}

		t.routes = append(t.routes, &Route{
			ID:             rc.ID,
			Prefix:         prefix,
			ServiceName:    rc.Service,
			Rewrite:        rw,
			LoadBalancer:   rc.LoadBalancer,
			Timeout:        rc.Timeout,
			Retry:          rc.Retry,
			CircuitBreaker: rc.CircuitBreaker,
			segments:       splitPath(prefix),
			configIdx:      i,
		})
	}

	t.ordered = append([]*Route(nil), t.routes...)
	sort.SliceStable(t.ordered, func(i, j int) bool {
		return len(t.ordered[i].segments) > len(t.ordered[j].segments)
	})
	return t, nil
}

// normalizePrefix turns "/pharmacy", "/pharmacy/", "/pharmacy/*" and
// "/pharmacy/**" into "/pharmacy". "/" and "/**" become "/".
func normalizePrefix(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path must start with /")
	}
	p = strings.TrimSuffix(p, "**")
	p = strings.TrimSuffix(p, "*")
	segs := splitPath(p)
	for _, s := range segs {
		if strings.Contains(s, "*") {
			return "", fmt.Errorf("wildcards are only supported as the last segment")
		}
	}
	return "/" + strings.Join(segs, "/"), nil
}

// Match returns the route with the longest segment-aligned prefix of path.
// Among equally long prefixes the first declared route wins.
func (t *Table) Match(path string) (*Route, bool) {
	if t == nil {
		return nil, false
	}
	reqSegments := splitPath(path)
	for _, route := range t.ordered {
		if pathHasPrefix(reqSegments, route.segments) {
			return route, true
		}
	}
	return nil, false
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []*Route {
	if t == nil {
		return nil
	}
	return append([]*Route(nil), t.routes...)
}

// Services returns the distinct service names in declaration order.
func (t *Table) Services() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, r := range t.routes {
		if !seen[r.ServiceName] {
			seen[r.ServiceName] = true
			names = append(names, r.ServiceName)
		}
	}
	return names
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}
