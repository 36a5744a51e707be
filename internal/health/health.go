// Package health runs component checks for screentrail.
//
// The CLI's doctor command registers the database, the data directory and
// the remote backend; the development backend exposes the same checker over
// HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	order      []string
	results    map[string]CheckResult
	startTime  time.Time
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a health check component. Registering a name twice
// replaces the earlier component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	if _, ok := c.components[component.Name]; !ok {
		c.order = append(c.order, component.Name)
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Check runs all registered health checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var wg sync.WaitGroup

	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := runOne(ctx, comp)

			c.mu.Lock()
			c.results[comp.Name] = result
			results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}

	wg.Wait()
	return results
}

func runOne(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}

	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus returns the aggregated status of the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// ComponentReport is one line of a Report.
type ComponentReport struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	CheckResult
}

// Report is the outcome of RunChecks, components in registration order.
type Report struct {
	Status     Status            `json:"status"`
	Components []ComponentReport `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// RunChecks runs every check and returns the aggregated report.
func (c *Checker) RunChecks(ctx context.Context) Report {
	results := c.Check(ctx)

	c.mu.RLock()
	report := Report{Timestamp: time.Now()}
	for _, name := range c.order {
		comp, ok := c.components[name]
		if !ok {
			continue
		}
		report.Components = append(report.Components, ComponentReport{
			Name:        name,
			Critical:    comp.Critical,
			CheckResult: results[name],
		})
	}
	c.mu.RUnlock()

	report.Status = c.OverallStatus()
	return report
}

// HealthResponse is the response format of the HTTP endpoint.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthResponse runs the checks and returns the full response.
func (c *Checker) HealthResponse(ctx context.Context, includeComponents bool) HealthResponse {
	components := c.Check(ctx)
	if !includeComponents {
		components = nil
	}

	c.mu.RLock()
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return HealthResponse{
		Status:     c.OverallStatus(),
		Uptime:     uptime.Truncate(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Handler serves the health response. ?full=true includes components.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		includeComponents := r.URL.Query().Get("full") == "true"
		response := c.HealthResponse(r.Context(), includeComponents)

		switch response.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(response)
	})
}

// Common health checks.

// DatabaseCheck returns a health check for database connectivity.
func DatabaseCheck(ping func() error, version func() (int, error)) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		result := CheckResult{Status: StatusHealthy, Message: "database connection ok"}
		if version != nil {
			if v, err := version(); err == nil {
				result.Details = map[string]any{"schema_version": v}
			}
		}
		return result
	}
}

// WritableDirCheck verifies dir exists and accepts new files.
func WritableDirCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(dir)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "directory missing", Error: err.Error()}
		}
		if !info.IsDir() {
			return CheckResult{Status: StatusUnhealthy, Message: "not a directory", Details: map[string]any{"path": dir}}
		}

		probe, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "directory not writable", Error: err.Error()}
		}
		name := probe.Name()
		probe.Close()
		os.Remove(name)

		return CheckResult{
			Status:  StatusHealthy,
			Message: "directory writable",
			Details: map[string]any{"path": filepath.Clean(dir)},
		}
	}
}

// ErrNotConfigured marks an optional component that is not set up.
var ErrNotConfigured = errors.New("not configured")

// RemoteCheck reports the remote backend reachable when probe succeeds. A
// probe returning ErrNotConfigured yields a degraded status.
func RemoteCheck(probe func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		err := probe(ctx)
		switch {
		case err == nil:
			return CheckResult{Status: StatusHealthy, Message: "remote reachable"}
		case errors.Is(err, ErrNotConfigured):
			return CheckResult{Status: StatusDegraded, Message: "remote not configured"}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "remote unreachable", Error: err.Error()}
		}
	}
}

// CustomCheck creates a check from a simple function.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "check passed"}
	}
}
