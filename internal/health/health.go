// Package health aggregates per-component checks into liveness and
// readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// gaugeValue maps a status onto the health gauge
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// httpCode is the response code for an overall status. Degraded still
// answers 200: the bridge keeps tailing while the sink is away.
func (s Status) httpCode() int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// ComponentHealth is the result of one component check
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck reports the health of one component
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker runs the registered component checks
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
	metrics    *metrics.Collector
}

// NewChecker creates a checker whose checks each get timeout to answer.
// collector may be nil.
func NewChecker(timeout time.Duration, collector *metrics.Collector) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
		metrics:    collector,
	}
}

// Register adds or replaces the check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Check runs all health checks concurrently
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]ComponentHealth, len(components))
	)

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk HealthCheck) {
			defer wg.Done()

			result := c.run(ctx, n, chk)

			resMu.Lock()
			results[n] = result
			resMu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results
}

// CheckComponent runs a single component's health check
func (c *Checker) CheckComponent(ctx context.Context, name string) (ComponentHealth, bool) {
	c.mu.RLock()
	check, exists := c.components[name]
	c.mu.RUnlock()

	if !exists {
		return ComponentHealth{}, false
	}

	return c.run(ctx, name, check), true
}

// run bounds check by the checker timeout. A check that does not answer
// in time is reported unhealthy and left to finish on its own.
func (c *Checker) run(ctx context.Context, name string, check HealthCheck) ComponentHealth {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan ComponentHealth, 1)
	go func() {
		done <- check(checkCtx)
	}()

	var result ComponentHealth
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = ComponentHealth{Status: StatusUnhealthy, Message: "check timed out"}
	}
	result.LastChecked = time.Now()

	if c.metrics != nil {
		c.metrics.HealthStatus.WithLabelValues(name).Set(result.Status.gaugeValue())
	}
	return result
}

// OverallStatus returns the overall health status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return aggregate(c.Check(ctx))
}

// aggregate folds component results: any unhealthy wins, then degraded
func aggregate(results map[string]ComponentHealth) Status {
	hasDegraded := false
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// HealthResponse is the body of the full health endpoint
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HTTPHandler reports every component
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		overall := aggregate(results)

		writeJSON(w, overall.httpCode(), HealthResponse{
			Status:     overall,
			Components: results,
			Timestamp:  time.Now(),
		})
	}
}

// LivenessHandler answers as long as the process serves HTTP
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports only the overall status
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.OverallStatus(r.Context())
		writeJSON(w, status.httpCode(), map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		})
	}
}
