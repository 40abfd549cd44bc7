// Package health reports gateway liveness and readiness.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the health endpoint payload.
type Response struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// Checker tracks process health state.
type Checker struct {
	version string
	started time.Time
	ready   atomic.Bool
}

// NewChecker creates a checker. The process starts not ready; call SetReady
// once initialization completes.
func NewChecker(version string) *Checker {
	return &Checker{
		version: version,
		started: time.Now(),
	}
}

// SetReady marks the gateway ready (or not) to receive traffic.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Health returns the current health snapshot.
func (c *Checker) Health() Response {
	return Response{
		Status:    "healthy",
		Version:   c.version,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}

// HealthHandler is a gin handler for the health endpoint.
func (c *Checker) HealthHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.Health())
}

// ReadyHandler is a gin handler for the readiness endpoint.
func (c *Checker) ReadyHandler(ctx *gin.Context) {
	if !c.ready.Load() {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// LiveHandler is a gin handler for the liveness endpoint.
func (c *Checker) LiveHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// HTTPHandler serves the health snapshot on the main listener's local
// health paths.
func (c *Checker) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(c.Health())
	})
}
