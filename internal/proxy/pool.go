package proxy

import (
	"net"
	"net/http"
	"time"
)

// PoolConfig bounds the outbound connection pool.
type PoolConfig struct {
	MaxConnsPerHost     int
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultPoolConfig returns the default pool bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnsPerHost:     100,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewTransport builds the shared upstream transport. Connection reuse and
// per-host caps live here; request timeouts are applied per attempt by the
// forwarder.
func NewTransport(cfg PoolConfig) *http.Transport {
	if cfg.MaxConnsPerHost <= 0 {
		cfg = DefaultPoolConfig()
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
