package observability

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

var startTime = time.Now()

// DefaultHealthTimeout bounds a check that does not set its own timeout.
const DefaultHealthTimeout = 5 * time.Second

// HealthChecker verifies one dependency. Check returns nil when healthy and
// must respect ctx.Done().
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
	// Timeout is the per-check deadline; zero means DefaultHealthTimeout.
	Timeout() time.Duration
}

// HealthStatus is the overall result of a report.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the outcome of one check.
type HealthCheckResult struct {
	Name    string        `json:"name"`
	Status  string        `json:"status"` // "ok" or "error"
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// HealthReport is what Handler serves.
type HealthReport struct {
	Status    HealthStatus                 `json:"status"`
	Checks    map[string]HealthCheckResult `json:"checks"`
	Uptime    time.Duration                `json:"uptime"`
	Timestamp time.Time                    `json:"timestamp"`
}

// RunHealthChecks runs checks concurrently, each under its own timeout.
func RunHealthChecks(ctx context.Context, checks ...HealthChecker) HealthReport {
	report := HealthReport{
		Status:    HealthStatusHealthy,
		Checks:    make(map[string]HealthCheckResult, len(checks)),
		Uptime:    time.Since(startTime),
		Timestamp: time.Now(),
	}

	var wg sync.WaitGroup
	results := make(chan HealthCheckResult, len(checks))
	for _, check := range checks {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			timeout := c.Timeout()
			if timeout <= 0 {
				timeout = DefaultHealthTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			result := HealthCheckResult{Name: c.Name(), Status: "ok", Latency: time.Since(start)}
			if err != nil {
				result.Status, result.Error = "error", err.Error()
			}
			results <- result
		}(check)
	}
	wg.Wait()
	close(results)

	for result := range results {
		report.Checks[result.Name] = result
		if result.Status != "ok" {
			report.Status = HealthStatusUnhealthy
		}
	}
	return report
}

// TCPHealthCheck dials Addr.
type TCPHealthCheck struct {
	CheckName    string
	Addr         string
	CheckTimeout time.Duration
}

func (c *TCPHealthCheck) Name() string           { return c.CheckName }
func (c *TCPHealthCheck) Timeout() time.Duration { return c.CheckTimeout }

// Check dials the address and closes the connection.
func (c *TCPHealthCheck) Check(ctx context.Context) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return duplex.WrapErr(ctx, err, "tcp connection failed")
	}
	_ = conn.Close()
	return nil
}

// FuncHealthCheck runs CheckFunc.
type FuncHealthCheck struct {
	CheckName    string
	CheckFunc    func(ctx context.Context) error
	CheckTimeout time.Duration
}

func (c *FuncHealthCheck) Name() string                    { return c.CheckName }
func (c *FuncHealthCheck) Timeout() time.Duration          { return c.CheckTimeout }
func (c *FuncHealthCheck) Check(ctx context.Context) error { return c.CheckFunc(ctx) }

// DuplexHealthCheck reports a long-lived duplex as unhealthy once it has
// been destroyed. A duplex that closed cleanly is healthy unless
// RequireAlive is set.
type DuplexHealthCheck struct {
	CheckName    string
	Duplex       *duplex.Duplex
	RequireAlive bool
}

func (c *DuplexHealthCheck) Name() string           { return c.CheckName }
func (c *DuplexHealthCheck) Timeout() time.Duration { return 0 }

// Check inspects the duplex stats.
func (c *DuplexHealthCheck) Check(ctx context.Context) error {
	stats := c.Duplex.Stats()
	if stats.Err != nil {
		return duplex.WrapErr(ctx, stats.Err, "duplex failed")
	}
	if c.RequireAlive && c.Duplex.Destroyed() {
		return duplex.NewErr(ctx, "duplex closed")
	}
	return nil
}

// HealthRegistry holds named checks.
type HealthRegistry struct {
	mu     sync.RWMutex
	checks map[string]HealthChecker
}

// NewHealthRegistry creates a registry holding checks.
func NewHealthRegistry(checks ...HealthChecker) *HealthRegistry {
	r := &HealthRegistry{checks: make(map[string]HealthChecker)}
	for _, c := range checks {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a check by name.
func (r *HealthRegistry) Register(check HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[check.Name()] = check
}

// Unregister removes a check.
func (r *HealthRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, name)
}

// RunAll runs every registered check.
func (r *HealthRegistry) RunAll(ctx context.Context) HealthReport {
	r.mu.RLock()
	checks := make([]HealthChecker, 0, len(r.checks))
	for _, c := range r.checks {
		checks = append(checks, c)
	}
	r.mu.RUnlock()
	return RunHealthChecks(ctx, checks...)
}

// Handler serves the report as JSON, with status 503 when unhealthy.
func (r *HealthRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.RunAll(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != HealthStatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			duplex.LogWarn(req.Context(), "failed to write health report", "error", err)
		}
	})
}
