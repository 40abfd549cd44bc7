// Package admin serves the gateway's operational endpoints on a separate
// listener: health probes, circuit breaker statistics and Prometheus
// metrics.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talentmesh/gateway/internal/balancer"
	"github.com/talentmesh/gateway/internal/circuitbreaker"
	"github.com/talentmesh/gateway/internal/health"
	"github.com/talentmesh/gateway/internal/observability"
)

// Server is the admin HTTP server.
type Server struct {
	srv    *http.Server
	logger observability.Logger
}

// NewServer builds the admin server.
func NewServer(
	addr string,
	checker *health.Checker,
	breakers *circuitbreaker.Registry,
	backends *balancer.Registry,
	metrics *observability.Metrics,
	logger observability.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", checker.HealthHandler)
	router.GET("/ready", checker.ReadyHandler)
	router.GET("/live", checker.LiveHandler)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/circuitbreakers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": breakers.Stats()})
	})

	router.GET("/endpoints", func(c *gin.Context) {
		services := gin.H{}
		for _, name := range backends.Services() {
			var endpoints []gin.H
			for _, ep := range backends.Endpoints(name) {
				endpoints = append(endpoints, gin.H{
					"url":     ep.URL.String(),
					"weight":  ep.Weight,
					"healthy": ep.Healthy(),
				})
			}
			services[name] = endpoints
		}
		c.JSON(http.StatusOK, gin.H{"services": services})
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start runs the server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", observability.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
