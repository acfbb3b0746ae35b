package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ErrDegraded marks a probe failure that still allows traffic
var ErrDegraded = errors.New("degraded")

// Probe checks one dependency. Returning an error wrapping ErrDegraded reports the
// component as degraded rather than unhealthy.
type Probe func(ctx context.Context) error

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Checker performs health checks on the configured probes
type Checker struct {
	probes       map[string]Probe
	version      string
	checkTimeout time.Duration
}

// CheckerConfig holds configuration for the health checker
type CheckerConfig struct {
	Probes  map[string]Probe
	Version string
	Timeout time.Duration
}

// NewChecker creates a new health checker
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	probes := make(map[string]Probe, len(cfg.Probes))
	for name, p := range cfg.Probes {
		if p != nil {
			probes[name] = p
		}
	}
	return &Checker{
		probes:       probes,
		version:      cfg.Version,
		checkTimeout: timeout,
	}
}

// SQLProbe pings db and runs a trivial query. A failed query after a good ping is degraded.
func SQLProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		var result int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
			return fmt.Errorf("%w: database query failed: %v", ErrDegraded, err)
		}
		return nil
	}
}

// RedisProbe pings a Redis client
func RedisProbe(client redis.UniversalClient) Probe {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

func (c *Checker) run(ctx context.Context, probe Probe) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	err := probe(ctx)
	switch {
	case err == nil:
		return ComponentHealth{Status: StatusHealthy, Duration: time.Since(start).String()}
	case errors.Is(err, ErrDegraded):
		return ComponentHealth{Status: StatusDegraded, Message: err.Error(), Duration: time.Since(start).String()}
	default:
		return ComponentHealth{Status: StatusUnhealthy, Message: err.Error(), Duration: time.Since(start).String()}
	}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck runs every probe in parallel (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth, len(c.probes)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, probe := range c.probes {
		wg.Add(1)
		go func(n string, p Probe) {
			defer wg.Done()
			result := c.run(ctx, p)
			mu.Lock()
			response.Components[n] = result
			mu.Unlock()
		}(name, probe)
	}

	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler reports that the process is serving
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.Check(r.Context())
	writeResponse(w, response)
}

// ReadinessHandler reports whether the credential store and its dependencies answer
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.checker.DeepCheck(r.Context())
	writeResponse(w, response)
}

// HealthHandler serves /health; ?deep=true runs the readiness checks
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}

// writeResponse answers 503 only when unhealthy; degraded still accepts traffic.
func writeResponse(w http.ResponseWriter, response *HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}
