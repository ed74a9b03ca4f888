package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Probe tracks process liveness and readiness for orchestrator probes and
// serves the health endpoints.
type Probe struct {
	registry *Registry
	version  string
	alive    atomic.Bool
	ready    atomic.Bool
}

// NewProbe creates a probe that is alive but not yet ready.
func NewProbe(registry *Registry, version string) *Probe {
	p := &Probe{registry: registry, version: version}
	p.alive.Store(true)
	return p
}

// SetReady marks the process as able (or no longer able) to take traffic.
func (p *Probe) SetReady(ready bool) { p.ready.Store(ready) }

// SetAlive marks the process as alive or wedged.
func (p *Probe) SetAlive(alive bool) { p.alive.Store(alive) }

// Response is the body of GET /health.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (p *Probe) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", p.Health)
	r.GET("/health/live", p.Live)
	r.GET("/health/ready", p.Ready)
}

// Health runs every registered checker.
func (p *Probe) Health(c *gin.Context) {
	healthy, statuses := p.registry.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, Response{
		Status:    status,
		Version:   p.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Live reports process liveness without touching dependencies.
func (p *Probe) Live(c *gin.Context) {
	if !p.alive.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready reports whether the server has finished starting and is not draining.
func (p *Probe) Ready(c *gin.Context) {
	if !p.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
