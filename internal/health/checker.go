// Package health exposes liveness and readiness of the energy monitor over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status values reported per check and overall.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker is a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus is the result of a single check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Response is the body served by the health endpoints.
type Response struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
}

type registration struct {
	checker  Checker
	critical bool
}

// HealthChecker runs registered checks. A failing critical check makes the
// service unhealthy; a failing optional check only degrades it.
type HealthChecker struct {
	config  Config
	started time.Time

	mu       sync.RWMutex
	checks   map[string]registration
	statuses map[string]*CheckStatus
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}
	return &HealthChecker{
		config:   config,
		started:  time.Now(),
		checks:   make(map[string]registration),
		statuses: make(map[string]*CheckStatus),
	}
}

// AddCheck registers a critical check.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.add(name, checker, true)
}

// AddOptionalCheck registers a check whose failure only degrades the service.
func (h *HealthChecker) AddOptionalCheck(name string, checker Checker) {
	h.add(name, checker, false)
}

func (h *HealthChecker) add(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registration{checker: checker, critical: critical}
	h.statuses[name] = &CheckStatus{Name: name, Status: StatusUnknown, Critical: critical}
}

// RemoveCheck removes a check.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
	delete(h.statuses, name)
}

// Names returns the registered check names in order.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check concurrently and aggregates the result.
func (h *HealthChecker) Check(ctx context.Context) *Response {
	h.mu.RLock()
	checks := make(map[string]registration, len(h.checks))
	for name, reg := range h.checks {
		checks[name] = reg
	}
	h.mu.RUnlock()

	response := h.base()
	response.Checks = make(map[string]*CheckStatus, len(checks))

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, reg := range checks {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{Name: name, Critical: reg.critical, LastCheck: time.Now()}
			if err := reg.checker.HealthCheck(checkCtx); err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			} else {
				status.Status = StatusHealthy
			}

			mu.Lock()
			response.Checks[name] = status
			switch {
			case status.Status == StatusHealthy:
			case reg.critical:
				response.Status = StatusUnhealthy
			case response.Status == StatusHealthy:
				response.Status = StatusDegraded
			}
			mu.Unlock()
		}(name, reg)
	}
	wg.Wait()

	h.mu.Lock()
	for name, status := range response.Checks {
		if _, ok := h.statuses[name]; ok {
			h.statuses[name] = status
		}
	}
	h.mu.Unlock()

	return response
}

func (h *HealthChecker) base() *Response {
	return &Response{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
}

// HealthHandler serves the full check result. Degraded still answers 200.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// LivenessHandler returns 200 while the process is serving requests.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.base())
}

// ReadinessHandler returns 200 only when every check passes.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	statusCode := http.StatusOK
	if response.Status != StatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// GetStatus returns the cached status of a check from the last run.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// IsHealthy reports whether no critical check fails.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status != StatusUnhealthy
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
