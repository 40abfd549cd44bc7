package proxy

import (
	"net/http"
	"strings"
)

// Headers used by the gateway.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderResponseTime  = "X-Response-Time"
	HeaderRetryAfter    = "Retry-After"
	HeaderForwardedFor  = "X-Forwarded-For"
	HeaderForwardedHost = "X-Forwarded-Host"
	HeaderForwardedProt = "X-Forwarded-Proto"
	HeaderRealIP        = "X-Real-IP"
)

// hopHeaders are connection-scoped headers that must not be forwarded.
// See RFC 7230, section 6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyEndToEndHeaders copies all headers from src to dst except hop-by-hop
// headers and any header named by the Connection header itself.
func copyEndToEndHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for _, name := range src.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				dst.Del(field)
			}
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// setForwardingHeaders stamps the standard proxy headers on an outbound
// request, appending to an existing X-Forwarded-For chain.
func setForwardingHeaders(out *http.Request, in *http.Request, clientIP string) {
	if prior := in.Header.Get(HeaderForwardedFor); prior != "" {
		out.Header.Set(HeaderForwardedFor, prior+", "+clientIP)
	} else {
		out.Header.Set(HeaderForwardedFor, clientIP)
	}
	out.Header.Set(HeaderRealIP, clientIP)
	out.Header.Set(HeaderForwardedHost, in.Host)

	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set(HeaderForwardedProt, proto)
}
