// Package health exposes liveness/readiness/health HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Check is anything a readiness probe can ask "are you healthy".
type Check interface {
	IsHealthy(ctx context.Context) bool
}

// Config identifies the service reporting its health.
type Config struct {
	ServiceName    string
	ServiceVersion string
}

// Checker aggregates named Checks into /health, /health/live, and
// /health/ready HTTP handlers.
type Checker struct {
	cfg    Config
	checks map[string]Check
	logger zerolog.Logger
}

func NewChecker(cfg Config, logger zerolog.Logger) *Checker {
	return &Checker{
		cfg:    cfg,
		checks: make(map[string]Check),
		logger: logger.With().Str("component", "health-checker").Logger(),
	}
}

// AddCheck registers a named dependency check consulted by HealthHandler
// and ReadinessHandler.
func (c *Checker) AddCheck(name string, check Check) {
	c.checks[name] = check
}

type healthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Version    string            `json:"version"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// HealthHandler reports the status of every registered check.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string, len(c.checks))
	overall := "healthy"
	for name, check := range c.checks {
		if check.IsHealthy(ctx) {
			components[name] = "healthy"
		} else {
			components[name] = "unhealthy"
			overall = "degraded"
		}
	}

	resp := healthResponse{
		Status:     overall,
		Service:    c.cfg.ServiceName,
		Version:    c.cfg.ServiceVersion,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}

	w.Header().Set("Content-Type", "application/json")
	if overall != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// LivenessHandler reports 200 as long as the process is running.
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessHandler reports 200 only if every registered check passes.
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	for _, check := range c.checks {
		if !check.IsHealthy(ctx) {
			ready = false
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "not_ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
