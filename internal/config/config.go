// Package config provides configuration loading for the gateway.
// Configuration is read from an optional YAML file and overridden by
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultListenAddr        = ":8000"
	DefaultAdminAddr         = ":9090"
	DefaultRequestsPerMinute = 60
	DefaultFailureThreshold  = 5
	DefaultRecoveryTimeout   = 60 * time.Second
	DefaultProxyTimeout      = 30 * time.Second
	DefaultRetryCount        = 3
	DefaultRetryBaseDelay    = 1 * time.Second
	DefaultMaxBackoff        = 10 * time.Second
	DefaultMaxRequestSize    = 10 * 1024 * 1024
	DefaultStreamThreshold   = 1024 * 1024
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler. Accepts either a Go duration
// string or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// EndpointConfig describes a single backend endpoint.
type EndpointConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// ServiceConfig describes a logical backend service.
type ServiceConfig struct {
	Name      string           `yaml:"name"`
	Prefix    string           `yaml:"prefix"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// GlobalRateLimitConfig configures the process-wide overload guard.
type GlobalRateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requestsPerSecond"`
	Burst             int  `yaml:"burst"`
}

// RateLimitConfig configures client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int                   `yaml:"requestsPerMinute"`
	Global            GlobalRateLimitConfig `yaml:"global"`
}

// CircuitBreakerConfig configures per-service circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout"`
}

// ProxyConfig configures the outbound forwarding pipeline.
type ProxyConfig struct {
	Timeout            Duration `yaml:"timeout"`
	RetryCount         int      `yaml:"retryCount"`
	RetryBaseDelay     Duration `yaml:"retryBaseDelay"`
	MaxBackoff         Duration `yaml:"maxBackoff"`
	MaxRequestSize     int64    `yaml:"maxRequestSize"`
	StreamThreshold    int64    `yaml:"streamThreshold"`
	RetryNonIdempotent bool     `yaml:"retryNonIdempotent"`
	MaxConnsPerHost    int      `yaml:"maxConnsPerHost"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root gateway configuration.
type Config struct {
	ListenAddr     string               `yaml:"listenAddr"`
	AdminAddr      string               `yaml:"adminAddr"`
	Log            LogConfig            `yaml:"log"`
	Services       []ServiceConfig      `yaml:"services"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Proxy          ProxyConfig          `yaml:"proxy"`
}

// Load reads configuration from the given YAML file (which may be empty to
// skip file loading), applies environment overrides, fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides. The variable names match
// the deployment environment of the services this gateway fronts.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_ADDR"); v != "" {
		c.AdminAddr = v
	}
	if v, ok := envInt("RATE_LIMIT_REQUESTS_PER_MINUTE"); ok {
		c.RateLimit.RequestsPerMinute = v
	}
	if v, ok := envInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); ok {
		c.CircuitBreaker.FailureThreshold = v
	}
	if v, ok := envSeconds("CIRCUIT_BREAKER_RECOVERY_TIMEOUT"); ok {
		c.CircuitBreaker.RecoveryTimeout = Duration(v)
	}
	if v, ok := envSeconds("PROXY_TIMEOUT"); ok {
		c.Proxy.Timeout = Duration(v)
	}
	if v, ok := envInt("PROXY_RETRY_COUNT"); ok {
		c.Proxy.RetryCount = v
	}
	if v, ok := envSeconds("PROXY_RETRY_DELAY"); ok {
		c.Proxy.RetryBaseDelay = Duration(v)
	}
	if v, ok := envInt("MAX_REQUEST_SIZE"); ok {
		c.Proxy.MaxRequestSize = int64(v)
	}

	// Default service wiring when no services are configured in the file.
	if len(c.Services) == 0 {
		c.Services = servicesFromEnv()
	}
}

// servicesFromEnv builds the default service set from the per-service URL
// environment variables. Each variable may hold a comma-separated list of
// endpoint URLs.
func servicesFromEnv() []ServiceConfig {
	var services []ServiceConfig

	envRoutes := []struct {
		name   string
		prefix string
		envVar string
	}{
		{"feedback-service", "/api/v1/feedback", "FEEDBACK_SERVICE_URL"},
		{"member-service", "/api/v1/members", "MEMBER_SERVICE_URL"},
	}

	for _, route := range envRoutes {
		raw := os.Getenv(route.envVar)
		if raw == "" {
			continue
		}
		svc := ServiceConfig{Name: route.name, Prefix: route.prefix}
		for _, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			svc.Endpoints = append(svc.Endpoints, EndpointConfig{URL: u, Weight: 1})
		}
		if len(svc.Endpoints) > 0 {
			services = append(services, svc)
		}
	}

	return services
}

// applyDefaults fills unset fields with defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.AdminAddr == "" {
		c.AdminAddr = DefaultAdminAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.RateLimit.Global.RequestsPerSecond <= 0 {
		c.RateLimit.Global.RequestsPerSecond = 100
	}
	if c.RateLimit.Global.Burst <= 0 {
		c.RateLimit.Global.Burst = c.RateLimit.Global.RequestsPerSecond
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		c.CircuitBreaker.RecoveryTimeout = Duration(DefaultRecoveryTimeout)
	}
	if c.Proxy.Timeout <= 0 {
		c.Proxy.Timeout = Duration(DefaultProxyTimeout)
	}
	if c.Proxy.RetryCount <= 0 {
		c.Proxy.RetryCount = DefaultRetryCount
	}
	if c.Proxy.RetryBaseDelay <= 0 {
		c.Proxy.RetryBaseDelay = Duration(DefaultRetryBaseDelay)
	}
	if c.Proxy.MaxBackoff <= 0 {
		c.Proxy.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if c.Proxy.MaxRequestSize <= 0 {
		c.Proxy.MaxRequestSize = DefaultMaxRequestSize
	}
	if c.Proxy.StreamThreshold <= 0 {
		c.Proxy.StreamThreshold = DefaultStreamThreshold
	}
	if c.Proxy.MaxConnsPerHost <= 0 {
		c.Proxy.MaxConnsPerHost = 100
	}

	for i := range c.Services {
		for j := range c.Services[i].Endpoints {
			if c.Services[i].Endpoints[j].Weight <= 0 {
				c.Services[i].Endpoints[j].Weight = 1
			}
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service name is required")
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seen[svc.Name] = struct{}{}

		if !strings.HasPrefix(svc.Prefix, "/") {
			return fmt.Errorf("service %s: prefix must start with /", svc.Name)
		}
		if len(svc.Endpoints) == 0 {
			return fmt.Errorf("service %s: at least one endpoint is required", svc.Name)
		}
		for _, ep := range svc.Endpoints {
			parsed, err := url.Parse(ep.URL)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("service %s: invalid endpoint URL %q", svc.Name, ep.URL)
			}
		}
	}
	return nil
}

// envInt reads an integer environment variable.
func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// envSeconds reads an environment variable expressed in seconds.
func envSeconds(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
