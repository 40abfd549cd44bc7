// Package proxy implements the gateway's request forwarding pipeline and
// the dispatcher that fronts it.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talentmesh/gateway/internal/balancer"
	"github.com/talentmesh/gateway/internal/observability"
	"github.com/talentmesh/gateway/internal/ratelimit"
)

// streamChunkSize is the relay buffer size for streamed responses.
const streamChunkSize = 8 * 1024

// streamingContentTypes are content types always relayed incrementally.
var streamingContentTypes = []string{
	"text/event-stream",
	"multipart/x-mixed-replace",
	"application/octet-stream",
}

// ForwarderConfig holds forwarding pipeline settings.
type ForwarderConfig struct {
	// Timeout is the per-attempt upstream timeout.
	Timeout time.Duration
	// RetryCount is the maximum number of attempts per request.
	RetryCount int
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// MaxBackoff caps the delay between attempts, including delays taken
	// from upstream Retry-After headers.
	MaxBackoff time.Duration
	// StreamThreshold is the declared body size above which a response is
	// relayed incrementally.
	StreamThreshold int64
	// RetryNonIdempotent also retries POST and PATCH on 5xx and timeouts.
	RetryNonIdempotent bool
}

// Forwarder executes requests against backend endpoints with retries,
// backoff and health tracking.
type Forwarder struct {
	client   *http.Client
	backends *balancer.Registry
	cfg      ForwarderConfig
	logger   observability.Logger
	metrics  *observability.Metrics
}

// NewForwarder creates a forwarder using the given transport.
func NewForwarder(
	transport http.RoundTripper,
	backends *balancer.Registry,
	cfg ForwarderConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
) *Forwarder {
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	return &Forwarder{
		client:   &http.Client{Transport: transport},
		backends: backends,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Forward proxies the request to the named service and relays the upstream
// response to w. It returns the terminal upstream status, or an *Error when
// no response could be relayed. The request body is buffered once so it can
// be replayed across attempts.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, service string) (int, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return 0, newError(KindRequestTooLarge, http.StatusRequestEntityTooLarge,
				"request body exceeds the maximum allowed size", err)
		}
		return 0, newError(KindUpstreamTransport, http.StatusBadGateway,
			"failed to read request body", err)
	}

	clientIP := ratelimit.ClientIP(r)
	log := f.logger.WithContext(r.Context()).With(
		observability.String("service", service),
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
	)

	var lastErr *Error
	for attempt := 0; attempt < f.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			log.Warn("retrying upstream request",
				observability.Int("attempt", attempt),
				observability.String("reason", lastErr.Kind))
		}

		endpoint, err := f.backends.Next(service)
		if err != nil {
			return 0, newError(KindNoEndpoints, http.StatusServiceUnavailable,
				"no endpoints available for service "+service, err)
		}

		resp, attemptErr := f.attempt(r, endpoint, service, clientIP, body)
		if attemptErr != nil {
			lastErr = attemptErr
			if r.Context().Err() != nil {
				return 0, lastErr
			}
			if !f.retryable(r.Method) || attempt == f.cfg.RetryCount-1 {
				return 0, lastErr
			}
			f.metrics.UpstreamRetry(service, lastErr.Kind)
			if err := sleepContext(r.Context(), f.backoff(attempt)); err != nil {
				return 0, lastErr
			}
			continue
		}

		// Rate limited upstream: the request was rejected unprocessed,
		// so the retry is safe for any method. Honor Retry-After when
		// present instead of the backoff schedule.
		if resp.StatusCode == http.StatusTooManyRequests && attempt < f.cfg.RetryCount-1 {
			delay := f.retryAfterDelay(resp, attempt)
			drainBody(resp)
			lastErr = newError(KindUpstreamStatus, resp.StatusCode, "upstream rate limited", nil)
			f.metrics.UpstreamRetry(service, "rate_limited")
			if err := sleepContext(r.Context(), delay); err != nil {
				return 0, lastErr
			}
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError &&
			f.retryable(r.Method) && attempt < f.cfg.RetryCount-1 {
			drainBody(resp)
			lastErr = newError(KindUpstreamStatus, resp.StatusCode,
				"upstream returned "+strconv.Itoa(resp.StatusCode), nil)
			f.metrics.UpstreamRetry(service, "upstream_status")
			if err := sleepContext(r.Context(), f.backoff(attempt)); err != nil {
				return 0, lastErr
			}
			continue
		}

		return f.relay(w, resp), nil
	}

	if lastErr == nil {
		lastErr = newError(KindUpstreamTransport, http.StatusBadGateway, "upstream unavailable", nil)
	}
	return 0, lastErr
}

// attempt executes a single upstream request against an endpoint.
func (f *Forwarder) attempt(
	r *http.Request,
	endpoint *balancer.Endpoint,
	service, clientIP string,
	body []byte,
) (*http.Response, *Error) {
	ctx, cancel := context.WithTimeout(r.Context(), f.cfg.Timeout)

	target := *endpoint.URL
	target.Path = joinURLPath(endpoint.URL.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, newError(KindUpstreamTransport, http.StatusBadGateway,
			"failed to build upstream request", err)
	}
	out.ContentLength = int64(len(body))

	copyEndToEndHeaders(out.Header, r.Header)
	setForwardingHeaders(out, r, clientIP)
	if id := observability.CorrelationIDFromContext(r.Context()); id != "" {
		out.Header.Set(HeaderCorrelationID, id)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		cancel()
		// A connection-level failure means the endpoint itself is
		// suspect; an application-level response does not.
		endpoint.SetHealthy(false)
		f.metrics.SetEndpointHealth(service, endpoint.URL.Host, false)

		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			return nil, newError(KindUpstreamTimeout, http.StatusGatewayTimeout,
				"upstream request timed out", err)
		}
		return nil, newError(KindUpstreamTransport, http.StatusBadGateway,
			"upstream request failed", err)
	}

	endpoint.SetHealthy(true)
	f.metrics.SetEndpointHealth(service, endpoint.URL.Host, true)

	// The attempt context must outlive this function while the response
	// body is being read.
	resp.Body = &cancelReadCloser{rc: resp.Body, cancel: cancel}
	return resp, nil
}

// relay writes the upstream response downstream, streaming incrementally
// when the response calls for it.
func (f *Forwarder) relay(w http.ResponseWriter, resp *http.Response) int {
	defer resp.Body.Close()

	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if f.isStreaming(resp) {
		f.stream(w, resp.Body)
	} else {
		_, _ = io.Copy(w, resp.Body)
	}
	return resp.StatusCode
}

// stream relays the body in fixed-size chunks, flushing after each so
// clients observe data as it arrives.
func (f *Forwarder) stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// isStreaming reports whether the response should be relayed incrementally.
func (f *Forwarder) isStreaming(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	for _, prefix := range streamingContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return resp.ContentLength > f.cfg.StreamThreshold
}

// retryable reports whether the method may be retried after a failure that
// could have reached the backend.
func (f *Forwarder) retryable(method string) bool {
	if f.cfg.RetryNonIdempotent {
		return true
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

// backoff returns the delay before the next attempt: exponential growth
// from the base delay with up to 25% jitter, capped.
func (f *Forwarder) backoff(attempt int) time.Duration {
	d := f.cfg.RetryBaseDelay << attempt
	if d > f.cfg.MaxBackoff || d <= 0 {
		d = f.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// retryAfterDelay extracts the upstream Retry-After delay, falling back to
// the backoff schedule when absent or unparseable.
func (f *Forwarder) retryAfterDelay(resp *http.Response, attempt int) time.Duration {
	raw := resp.Header.Get(HeaderRetryAfter)
	if raw == "" {
		return f.backoff(attempt)
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return capDelay(time.Duration(secs)*time.Second, f.cfg.MaxBackoff)
	}
	if at, err := http.ParseTime(raw); err == nil {
		return capDelay(time.Until(at), f.cfg.MaxBackoff)
	}
	return f.backoff(attempt)
}

func capDelay(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}

// sleepContext waits for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// drainBody discards and closes a response body so the connection can be
// reused.
func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// joinURLPath joins an endpoint base path with a request path.
func joinURLPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}

// cancelReadCloser ties a context cancel func to a response body's lifetime.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) {
	return c.rc.Read(p)
}

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
