package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentmesh/gateway/internal/balancer"
	"github.com/talentmesh/gateway/internal/circuitbreaker"
	"github.com/talentmesh/gateway/internal/observability"
	"github.com/talentmesh/gateway/internal/ratelimit"
	"github.com/talentmesh/gateway/internal/routing"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	breakers   *circuitbreaker.Registry
	limiter    *ratelimit.Limiter
}

type fixtureOptions struct {
	rateLimit        int
	failureThreshold int
	recoveryTimeout  time.Duration
	retryCount       int
	maxRequestSize   int64
}

func newDispatcherFixture(t *testing.T, upstream string, opts fixtureOptions) *dispatcherFixture {
	t.Helper()

	if opts.rateLimit == 0 {
		opts.rateLimit = 1000
	}
	if opts.failureThreshold == 0 {
		opts.failureThreshold = 5
	}
	if opts.recoveryTimeout == 0 {
		opts.recoveryTimeout = time.Minute
	}
	if opts.retryCount == 0 {
		opts.retryCount = 1
	}
	if opts.maxRequestSize == 0 {
		opts.maxRequestSize = 1024 * 1024
	}

	u, err := url.Parse(upstream)
	require.NoError(t, err)

	backends := balancer.NewRegistry()
	backends.SetService("feedback-service", []*balancer.Endpoint{balancer.NewEndpoint(u, 1)})

	table := routing.NewTable([]routing.Route{
		{Prefix: "/api/v1/feedback", Service: "feedback-service"},
	})

	limiter := ratelimit.NewLimiter(opts.rateLimit)
	t.Cleanup(limiter.Stop)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: opts.failureThreshold,
		RecoveryTimeout:  opts.recoveryTimeout,
	})

	metrics := observability.NewMetrics("test")
	forwarder := NewForwarder(http.DefaultTransport, backends, ForwarderConfig{
		Timeout:         2 * time.Second,
		RetryCount:      opts.retryCount,
		RetryBaseDelay:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		StreamThreshold: 1024 * 1024,
	}, observability.NopLogger(), metrics)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	d := NewDispatcher(table, limiter, breakers, forwarder,
		opts.maxRequestSize, observability.NopLogger(), metrics, next)

	return &dispatcherFixture{dispatcher: d, breakers: breakers, limiter: limiter}
}

func TestDispatcherForwardsMatchedRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer upstream.Close()

	fx := newDispatcherFixture(t, upstream.URL, fixtureOptions{})

	req := httptest.NewRequest("POST", "/api/v1/feedback", strings.NewReader(`{"text":"hi"}`))
	req = req.WithContext(observability.ContextWithCorrelationID(req.Context(), "corr-42"))
	rec := httptest.NewRecorder()

	fx.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":7}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))
}

func TestDispatcherPassesUnmatchedToNext(t *testing.T) {
	fx := newDispatcherFixture(t, "http://unused:1", fixtureOptions{})

	req := httptest.NewRequest("GET", "/api/v2/unknown", nil)
	rec := httptest.NewRecorder()

	fx.dispatcher.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code, "unmatched routes go to the next handler")
}

func TestDispatcherBypassesHealthPaths(t *testing.T) {
	fx := newDispatcherFixture(t, "http://unused:1", fixtureOptions{rateLimit: 1})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		rec := httptest.NewRecorder()
		fx.dispatcher.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTeapot, rec.Code, "health paths bypass rate limiting")
	}
}

func TestDispatcherRateLimits(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fx := newDispatcherFixture(t, upstream.URL, fixtureOptions{rateLimit: 2})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/v1/feedback", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		rec := httptest.NewRecorder()
		fx.dispatcher.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/feedback", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, KindRateLimited, body.Error)

	// A different client is unaffected.
	req = httptest.NewRequest("GET", "/api/v1/feedback", nil)
	req.RemoteAddr = "10.0.0.2:1000"
	rec = httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDispatcherOpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	fx := newDispatcherFixture(t, upstream.URL, fixtureOptions{failureThreshold: 2})

	// Trip the breaker with terminal 5xx responses.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/v1/feedback", nil)
		rec := httptest.NewRecorder()
		fx.dispatcher.ServeHTTP(rec, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	}
	require.Equal(t, int32(2), calls.Load())

	breaker, ok := fx.breakers.Get("feedback-service")
	require.True(t, ok)
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	req := httptest.NewRequest("POST", "/api/v1/feedback", nil)
	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(2), calls.Load(), "an open breaker must not reach the backend")

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, KindCircuitOpen, body.Error)
}

func TestDispatcherRejectsOversizedRequests(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	fx := newDispatcherFixture(t, upstream.URL, fixtureOptions{maxRequestSize: 10})

	req := httptest.NewRequest("POST", "/api/v1/feedback", strings.NewReader("this body is longer than ten bytes"))
	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, int32(0), calls.Load())

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, KindRequestTooLarge, body.Error)
}

func TestDispatcherOversizedRequestDoesNotCloseHalfOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	fx := newDispatcherFixture(t, upstream.URL, fixtureOptions{
		failureThreshold: 1,
		recoveryTimeout:  10 * time.Millisecond,
		maxRequestSize:   10,
	})

	// Trip the breaker, then wait out the cooldown so the next request
	// takes the half-open trial slot.
	req := httptest.NewRequest("POST", "/api/v1/feedback", nil)
	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	breaker, ok := fx.breakers.Get("feedback-service")
	require.True(t, ok)
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())
	time.Sleep(20 * time.Millisecond)

	req = httptest.NewRequest("POST", "/api/v1/feedback", strings.NewReader("this body is longer than ten bytes"))
	rec = httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, int32(1), calls.Load(), "the oversized request must not reach the backend")
	assert.NotEqual(t, circuitbreaker.StateClosed, breaker.State(),
		"a request that never reached the backend must not close the circuit")

	// The freed trial slot goes to the next admissible request, which
	// hits the still-failing backend and reopens the circuit.
	req = httptest.NewRequest("POST", "/api/v1/feedback", nil)
	rec = httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

func TestDispatcherErrorBodyCarriesCorrelationID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // unreachable backend

	fx := newDispatcherFixture(t, upstream.URL, fixtureOptions{})

	req := httptest.NewRequest("POST", "/api/v1/feedback", nil)
	req = req.WithContext(observability.ContextWithCorrelationID(req.Context(), "corr-err"))
	rec := httptest.NewRecorder()

	fx.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, KindUpstreamTransport, body.Error)
	assert.Equal(t, "corr-err", body.CorrelationID)
}

func TestDispatcherRecordsBreakerSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fx := newDispatcherFixture(t, upstream.URL, fixtureOptions{failureThreshold: 3})

	// One failure, then successes decay the count back to zero.
	breaker := fx.breakers.GetOrCreate("feedback-service")
	breaker.RecordFailure()
	require.Equal(t, 1, breaker.Stats().FailureCount)

	req := httptest.NewRequest("GET", "/api/v1/feedback", nil)
	rec := httptest.NewRecorder()
	fx.dispatcher.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, breaker.Stats().FailureCount)
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "1", formatSeconds(0))
	assert.Equal(t, "1", formatSeconds(300*time.Millisecond))
	assert.Equal(t, "2", formatSeconds(1100*time.Millisecond))
	assert.Equal(t, "60", formatSeconds(time.Minute))
}
