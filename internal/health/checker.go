package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/medrecords/gateway/internal/config"
	"go.uber.org/zap"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	URL       string
	Status    Status
	Latency   time.Duration
	Error     error
	Timestamp time.Time
}

// StatusRange represents a range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses a status range string like "200", "2xx", "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	// Pattern: Nxx (e.g. "4xx", "5xx")
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{base, base + 99}, nil
	}
	// Pattern: N-M (e.g. "200-299")
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo < 100 || hi > 599 || lo > hi {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{lo, hi}, nil
	}
	// Pattern: single code (e.g. "200")
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, fmt.Errorf("invalid status code %q", s)
	}
	return StatusRange{code, code}, nil
}

func matchStatus(code int, ranges []StatusRange) bool {
	for _, r := range ranges {
		if code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}

// Config holds health checker configuration
type Config struct {
	Path           string
	Method         string
	Interval       time.Duration
	Timeout        time.Duration
	HealthyAfter   int
	UnhealthyAfter int
	ExpectedStatus []StatusRange
	// OnChange is called, outside any lock, when a target's status flips.
	OnChange func(url string, status Status)
	Logger   *zap.Logger
}

// FromConfig converts the health_check config section.
func FromConfig(hc config.HealthCheckConfig) (Config, error) {
	cfg := Config{
		Path:           hc.Path,
		Method:         hc.Method,
		Interval:       hc.Interval,
		Timeout:        hc.Timeout,
		HealthyAfter:   hc.HealthyAfter,
		UnhealthyAfter: hc.UnhealthyAfter,
	}
	for _, s := range hc.ExpectedStatus {
		r, err := ParseStatusRange(s)
		if err != nil {
			return Config{}, err
		}
		cfg.ExpectedStatus = append(cfg.ExpectedStatus, r)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Path == "" {
		cfg.Path = "/health"
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = 1
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 3
	}
	if len(cfg.ExpectedStatus) == 0 {
		cfg.ExpectedStatus = []StatusRange{{200, 399}}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Checker actively probes instance URLs
type Checker struct {
	cfg     Config
	client  *http.Client
	mu      sync.RWMutex
	targets map[string]*targetState
	ctx     context.Context
	cancel  context.CancelFunc
}

type targetState struct {
	status          Status
	lastCheck       time.Time
	lastError       error
	latency         time.Duration
	consecutivePass int
	consecutiveFail int
	stop            context.CancelFunc
}

// NewChecker creates a new health checker
func NewChecker(cfg Config) *Checker {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Checker{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		targets: make(map[string]*targetState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Sync makes the probed set equal to urls: new URLs start probing and
// vanished ones stop.
func (c *Checker) Sync(urls []string) {
	want := make(map[string]bool, len(urls))
	for _, u := range urls {
		want[u] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for u, st := range c.targets {
		if !want[u] {
			st.stop()
			delete(c.targets, u)
		}
	}
	for u := range want {
		if _, ok := c.targets[u]; ok {
			continue
		}
		ctx, stop := context.WithCancel(c.ctx)
		c.targets[u] = &targetState{status: StatusUnknown, stop: stop}
		go c.checkLoop(ctx, u)
	}
}

// GetStatus returns the health status of a target
func (c *Checker) GetStatus(url string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if st, ok := c.targets[url]; ok {
		return st.status
	}
	return StatusUnknown
}

// GetAllStatus returns the health status of all targets
func (c *Checker) GetAllStatus() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.targets))
	for url, st := range c.targets {
		results[url] = CheckResult{
			URL:       url,
			Status:    st.status,
			Latency:   st.latency,
			Error:     st.lastError,
			Timestamp: st.lastCheck,
		}
	}
	return results
}

func (c *Checker) checkLoop(ctx context.Context, url string) {
	c.check(ctx, url)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(ctx, url)
		}
	}
}

func (c *Checker) check(ctx context.Context, url string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, url+c.cfg.Path, nil)
	if err != nil {
		c.updateStatus(url, false, time.Since(start), err)
		return
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil && c.ctx.Err() != nil {
			return // checker stopped
		}
		c.updateStatus(url, false, latency, err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	healthy := matchStatus(resp.StatusCode, c.cfg.ExpectedStatus)
	var checkErr error
	if !healthy {
		checkErr = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	c.updateStatus(url, healthy, latency, checkErr)
}

// updateStatus applies the consecutive pass/fail thresholds
func (c *Checker) updateStatus(url string, healthy bool, latency time.Duration, err error) {
	c.mu.Lock()
	st, exists := c.targets[url]
	if !exists {
		c.mu.Unlock()
		return
	}

	st.lastCheck = time.Now()
	st.lastError = err
	st.latency = latency
	old := st.status

	if healthy {
		st.consecutiveFail = 0
		st.consecutivePass++
		if st.consecutivePass >= c.cfg.HealthyAfter {
			st.status = StatusHealthy
		}
	} else {
		st.consecutivePass = 0
		st.consecutiveFail++
		if st.consecutiveFail >= c.cfg.UnhealthyAfter {
			st.status = StatusUnhealthy
		}
	}
	status := st.status
	c.mu.Unlock()

	if old == status {
		return
	}
	c.cfg.Logger.Info("instance health changed",
		zap.String("url", url),
		zap.String("from", string(old)),
		zap.String("to", string(status)),
		zap.Error(err),
	)
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(url, status)
	}
}

// Stop stops all health checks
func (c *Checker) Stop() {
	c.cancel()
}
