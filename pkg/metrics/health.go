package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Health and readiness states reported by Health
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Check reports the state of one node component; nil means healthy
type Check func() error

// HealthReport is the body of the /health and /ready endpoints
type HealthReport struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type component struct {
	critical bool
	check    Check
}

// Health aggregates the checks of one node. A failing critical check makes
// the node unhealthy and not ready; a failing non-critical check only
// degrades it. Checks run on every request.
type Health struct {
	mu         sync.RWMutex
	components map[string]component
	version    string
	startTime  time.Time
}

// NewHealth creates an empty registry for a node running version
func NewHealth(version string) *Health {
	return &Health{
		components: make(map[string]component),
		version:    version,
		startTime:  time.Now(),
	}
}

// Register adds or replaces the check of a component
func (h *Health) Register(name string, critical bool, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = component{critical: critical, check: check}
}

// Set records a fixed state for a component; err nil means healthy
func (h *Health) Set(name string, critical bool, err error) {
	h.Register(name, critical, func() error { return err })
}

type result struct {
	name     string
	critical bool
	err      error
}

func (h *Health) run() []result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]result, 0, len(h.components))
	for name, c := range h.components {
		out = append(out, result{name: name, critical: c.critical, err: c.check()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (h *Health) report(status, message string, components map[string]string) HealthReport {
	return HealthReport{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// Report runs every check
func (h *Health) Report() HealthReport {
	status := StatusHealthy
	components := make(map[string]string)
	for _, r := range h.run() {
		if r.err == nil {
			components[r.name] = StatusHealthy
			continue
		}
		if r.critical {
			status = StatusUnhealthy
			components[r.name] = StatusUnhealthy + ": " + r.err.Error()
			continue
		}
		if status == StatusHealthy {
			status = StatusDegraded
		}
		components[r.name] = StatusDegraded + ": " + r.err.Error()
	}
	return h.report(status, "", components)
}

// Readiness runs the critical checks only
func (h *Health) Readiness() HealthReport {
	status := StatusReady
	message := ""
	components := make(map[string]string)
	for _, r := range h.run() {
		if !r.critical {
			continue
		}
		if r.err != nil {
			status = StatusNotReady
			if message == "" {
				message = "waiting for " + r.name
			}
			components[r.name] = "not ready: " + r.err.Error()
			continue
		}
		components[r.name] = StatusReady
	}
	return h.report(status, message, components)
}

// HealthHandler serves Report; unhealthy answers 503, degraded 200
func (h *Health) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Report()
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// ReadyHandler serves Readiness
func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Readiness()
		code := http.StatusOK
		if report.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// LivenessHandler answers 200 while the process runs
func (h *Health) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(h.startTime).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
