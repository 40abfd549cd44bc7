// Command gateway runs the talentmesh API gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talentmesh/gateway/internal/admin"
	"github.com/talentmesh/gateway/internal/balancer"
	"github.com/talentmesh/gateway/internal/circuitbreaker"
	"github.com/talentmesh/gateway/internal/config"
	"github.com/talentmesh/gateway/internal/health"
	"github.com/talentmesh/gateway/internal/middleware"
	"github.com/talentmesh/gateway/internal/observability"
	"github.com/talentmesh/gateway/internal/proxy"
	"github.com/talentmesh/gateway/internal/ratelimit"
	"github.com/talentmesh/gateway/internal/routing"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Fatal("gateway exited", observability.Error(err))
	}
}

func run(cfg *config.Config, configPath string, logger observability.Logger) error {
	metrics := observability.NewMetrics("gateway")
	checker := health.NewChecker(version)

	table := routing.NewTable(nil)
	backends := balancer.NewRegistry()
	applyServices(cfg.Services, table, backends, metrics)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMinute)
	defer limiter.Stop()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout.Duration(),
	})
	breakers.OnStateChange(func(service string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state change",
			observability.String("service", service),
			observability.String("from", from.String()),
			observability.String("to", to.String()))
		metrics.SetCircuitBreakerState(service, int(to))
	})

	forwarder := proxy.NewForwarder(
		proxy.NewTransport(proxy.PoolConfig{
			MaxConnsPerHost:     cfg.Proxy.MaxConnsPerHost,
			MaxIdleConns:        cfg.Proxy.MaxConnsPerHost,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}),
		backends,
		proxy.ForwarderConfig{
			Timeout:            cfg.Proxy.Timeout.Duration(),
			RetryCount:         cfg.Proxy.RetryCount,
			RetryBaseDelay:     cfg.Proxy.RetryBaseDelay.Duration(),
			MaxBackoff:         cfg.Proxy.MaxBackoff.Duration(),
			StreamThreshold:    cfg.Proxy.StreamThreshold,
			RetryNonIdempotent: cfg.Proxy.RetryNonIdempotent,
		},
		logger,
		metrics,
	)

	dispatcher := proxy.NewDispatcher(
		table,
		limiter,
		breakers,
		forwarder,
		cfg.Proxy.MaxRequestSize,
		logger,
		metrics,
		localHandler(checker),
	)

	var handler http.Handler = dispatcher
	if cfg.RateLimit.Global.Enabled {
		handler = middleware.Overload(
			cfg.RateLimit.Global.RequestsPerSecond,
			cfg.RateLimit.Global.Burst,
			logger,
		)(handler)
	}
	handler = middleware.Correlation(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminSrv := admin.NewServer(cfg.AdminAddr, checker, breakers, backends, metrics, logger)

	var watcher *config.Watcher
	if configPath != "" {
		var err error
		watcher, err = config.NewWatcher(configPath, logger, func(next *config.Config) {
			applyServices(next.Services, table, backends, metrics)
		})
		if err != nil {
			logger.Warn("config watcher disabled", observability.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", observability.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := adminSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	checker.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", observability.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	checker.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("main server shutdown", observability.Error(err))
	}
	if err := adminSrv.Shutdown(ctx); err != nil {
		logger.Error("admin server shutdown", observability.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// applyServices installs the configured services into the routing table and
// balancer registry. Called at startup and on every config reload.
func applyServices(
	services []config.ServiceConfig,
	table *routing.Table,
	backends *balancer.Registry,
	metrics *observability.Metrics,
) {
	routes := make([]routing.Route, 0, len(services))
	known := make(map[string]struct{}, len(services))

	for _, svc := range services {
		routes = append(routes, routing.Route{Prefix: svc.Prefix, Service: svc.Name})
		known[svc.Name] = struct{}{}

		endpoints := make([]*balancer.Endpoint, 0, len(svc.Endpoints))
		for _, ep := range svc.Endpoints {
			u, err := url.Parse(ep.URL)
			if err != nil {
				continue
			}
			endpoints = append(endpoints, balancer.NewEndpoint(u, ep.Weight))
			metrics.SetEndpointHealth(svc.Name, u.Host, true)
		}
		backends.SetService(svc.Name, endpoints)
	}

	for _, name := range backends.Services() {
		if _, ok := known[name]; !ok {
			backends.RemoveService(name)
		}
	}

	table.Replace(routes)
}

// localHandler serves the paths the gateway answers itself: health probes
// and the root banner. Anything else is an unmatched route.
func localHandler(checker *health.Checker) http.Handler {
	healthHandler := checker.HTTPHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/healthz", "/api/health":
			healthHandler.ServeHTTP(w, r)
		case "/":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"message": "API Gateway is running",
			})
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "route_not_found",
				"message": "no route matches " + r.URL.Path,
			})
		}
	})
}
