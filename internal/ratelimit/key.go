package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// bearerPrefixLen bounds how much of a bearer token is used as the client
// key. Enough to distinguish clients without retaining whole credentials.
const bearerPrefixLen = 13

// ClientID derives the rate limit key for a request. API key takes priority
// over bearer token, which takes priority over client IP.
func ClientID(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			if len(token) > bearerPrefixLen {
				token = token[:bearerPrefixLen]
			}
			return "bearer:" + token
		}
	}
	return "ip:" + ClientIP(r)
}

// ClientIP extracts the originating client IP, trusting proxy headers in
// the usual order before falling back to the connection peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
